package wasm

import (
	"errors"
	"fmt"
)

// valueTypeUnknown is the type of operands popped from a stack made polymorphic by an unconditional branch.
const valueTypeUnknown ValueType = 0

// controlBlock is a block, loop, if or the function body itself while type checking.
type controlBlock struct {
	op      Opcode
	results []ValueType
	// height is the operand stack height when the block was entered.
	height      int
	unreachable bool
	elseSeen    bool
}

// labelTypes are the types a branch to this block carries. Branching to a loop restarts it, which takes no values
// in WebAssembly 1.0.
func (b *controlBlock) labelTypes() []ValueType {
	if b.op == OpcodeLoop {
		return nil
	}
	return b.results
}

type funcValidator struct {
	stack []ValueType
	ctrl  []controlBlock
}

func (v *funcValidator) push(t ValueType) {
	v.stack = append(v.stack, t)
}

func (v *funcValidator) pushAll(types []ValueType) {
	v.stack = append(v.stack, types...)
}

func (v *funcValidator) pop() (ValueType, error) {
	top := &v.ctrl[len(v.ctrl)-1]
	if len(v.stack) == top.height {
		if top.unreachable {
			return valueTypeUnknown, nil
		}
		return 0, errors.New("operand stack underflow")
	}
	t := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return t, nil
}

func (v *funcValidator) popExpect(expected ValueType) error {
	actual, err := v.pop()
	if err != nil {
		return fmt.Errorf("expected %s: %w", ValueTypeName(expected), err)
	}
	if actual != expected && actual != valueTypeUnknown && expected != valueTypeUnknown {
		return fmt.Errorf("type mismatch: expected %s, but was %s", ValueTypeName(expected), ValueTypeName(actual))
	}
	return nil
}

func (v *funcValidator) popAll(types []ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := v.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) pushControl(op Opcode, results []ValueType) {
	v.ctrl = append(v.ctrl, controlBlock{op: op, results: results, height: len(v.stack)})
}

func (v *funcValidator) popControl() (controlBlock, error) {
	top := v.ctrl[len(v.ctrl)-1]
	if err := v.popAll(top.results); err != nil {
		return top, err
	}
	if len(v.stack) != top.height {
		return top, fmt.Errorf("type mismatch: %d extra values on the stack at the end of %s",
			len(v.stack)-top.height, InstructionName(top.op))
	}
	v.ctrl = v.ctrl[:len(v.ctrl)-1]
	return top, nil
}

func (v *funcValidator) setUnreachable() {
	top := &v.ctrl[len(v.ctrl)-1]
	v.stack = v.stack[:top.height]
	top.unreachable = true
}

func (v *funcValidator) label(depth uint32) (*controlBlock, error) {
	if int(depth) >= len(v.ctrl) {
		return nil, fmt.Errorf("invalid label depth %d: only %d blocks", depth, len(v.ctrl))
	}
	return &v.ctrl[len(v.ctrl)-1-int(depth)], nil
}

// validationContext holds the index spaces a function body can refer to.
type validationContext struct {
	types     []*FunctionType
	functions []Index
	globals   []*GlobalType
	memory    *MemoryType
	table     *TableType
}

// validateFunction type checks a function body against its signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#appendix-algorithm
func validateFunction(vc *validationContext, sig *FunctionType, code *Code) error {
	locals := make([]ValueType, 0, len(sig.Params)+len(code.LocalTypes))
	locals = append(locals, sig.Params...)
	locals = append(locals, code.LocalTypes...)

	v := &funcValidator{}
	v.pushControl(OpcodeBlock, sig.Results)

	r := NewInstructionReader(code.Body)
	for r.HasMore() {
		pc := r.Pc
		op, _ := r.ReadByte()
		if err := v.step(vc, r, op, locals, sig); err != nil {
			return fmt.Errorf("%s at offset %#x: %w", InstructionName(op), pc, err)
		}
		if len(v.ctrl) == 0 {
			if r.HasMore() {
				return fmt.Errorf("unexpected instructions after the function end at offset %#x", r.Pc)
			}
			return nil
		}
	}
	return errors.New("function body must end with end")
}

func (v *funcValidator) step(vc *validationContext, r *InstructionReader, op Opcode, locals []ValueType, sig *FunctionType) error {
	switch op {
	case OpcodeUnreachable:
		v.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop:
		bt, err := r.ReadBlockType()
		if err != nil {
			return err
		}
		v.pushControl(op, bt)
	case OpcodeIf:
		bt, err := r.ReadBlockType()
		if err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.pushControl(op, bt)
	case OpcodeElse:
		top := &v.ctrl[len(v.ctrl)-1]
		if top.op != OpcodeIf || top.elseSeen {
			return errors.New("else must follow if")
		}
		b, err := v.popControl()
		if err != nil {
			return err
		}
		v.ctrl = append(v.ctrl, controlBlock{op: OpcodeIf, results: b.results, height: b.height, elseSeen: true})
	case OpcodeEnd:
		b, err := v.popControl()
		if err != nil {
			return err
		}
		if b.op == OpcodeIf && !b.elseSeen && len(b.results) > 0 {
			return errors.New("type mismatch: if without else must not produce values")
		}
		v.pushAll(b.results)
	case OpcodeBr:
		depth, err := r.ReadU32()
		if err != nil {
			return err
		}
		target, err := v.label(depth)
		if err != nil {
			return err
		}
		if err = v.popAll(target.labelTypes()); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeBrIf:
		depth, err := r.ReadU32()
		if err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		target, err := v.label(depth)
		if err != nil {
			return err
		}
		types := target.labelTypes()
		if err = v.popAll(types); err != nil {
			return err
		}
		v.pushAll(types)
	case OpcodeBrTable:
		labels, defaultLabel, err := r.ReadBrTable()
		if err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		def, err := v.label(defaultLabel)
		if err != nil {
			return err
		}
		arity := def.labelTypes()
		for _, l := range labels {
			target, err := v.label(l)
			if err != nil {
				return err
			}
			if !bytesEqual(target.labelTypes(), arity) {
				return fmt.Errorf("type mismatch: br_table label %d has different types than the default", l)
			}
		}
		if err = v.popAll(arity); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeReturn:
		if err := v.popAll(sig.Results); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeCall:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(idx) >= len(vc.functions) {
			return fmt.Errorf("invalid function index %d", idx)
		}
		ft := vc.types[vc.functions[idx]]
		if err = v.popAll(ft.Params); err != nil {
			return err
		}
		v.pushAll(ft.Results)
	case OpcodeCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return err
		}
		if reserved, err := r.ReadByte(); err != nil {
			return err
		} else if reserved != 0 {
			return fmt.Errorf("call_indirect reserved byte must be zero: %#x", reserved)
		}
		if vc.table == nil {
			return errors.New("call_indirect requires a table")
		}
		if int(typeIdx) >= len(vc.types) {
			return fmt.Errorf("invalid type index %d", typeIdx)
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		ft := vc.types[typeIdx]
		if err = v.popAll(ft.Params); err != nil {
			return err
		}
		v.pushAll(ft.Results)
	case OpcodeDrop:
		if _, err := v.pop(); err != nil {
			return err
		}
	case OpcodeSelect:
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		t1, err := v.pop()
		if err != nil {
			return err
		}
		t2, err := v.pop()
		if err != nil {
			return err
		}
		if t1 != valueTypeUnknown && t2 != valueTypeUnknown && t1 != t2 {
			return fmt.Errorf("type mismatch: select operands %s and %s differ", ValueTypeName(t2), ValueTypeName(t1))
		}
		if t1 == valueTypeUnknown {
			t1 = t2
		}
		v.push(t1)
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(idx) >= len(locals) {
			return fmt.Errorf("invalid local index %d: %d locals", idx, len(locals))
		}
		t := locals[idx]
		switch op {
		case OpcodeLocalGet:
			v.push(t)
		case OpcodeLocalSet:
			return v.popExpect(t)
		default:
			if err = v.popExpect(t); err != nil {
				return err
			}
			v.push(t)
		}
	case OpcodeGlobalGet, OpcodeGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(idx) >= len(vc.globals) {
			return fmt.Errorf("invalid global index %d", idx)
		}
		g := vc.globals[idx]
		if op == OpcodeGlobalGet {
			v.push(g.ValType)
			return nil
		}
		if !g.Mutable {
			return fmt.Errorf("global %d is immutable", idx)
		}
		return v.popExpect(g.ValType)
	case OpcodeMemorySize, OpcodeMemoryGrow:
		if reserved, err := r.ReadByte(); err != nil {
			return err
		} else if reserved != 0 {
			return fmt.Errorf("reserved byte must be zero: %#x", reserved)
		}
		if vc.memory == nil {
			return errors.New("memory instruction requires a memory")
		}
		if op == OpcodeMemoryGrow {
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		v.push(ValueTypeI32)
	case OpcodeI32Const:
		if _, err := r.ReadI32(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
	case OpcodeI64Const:
		if _, err := r.ReadI64(); err != nil {
			return err
		}
		v.push(ValueTypeI64)
	case OpcodeF32Const:
		if _, err := r.ReadF32Bits(); err != nil {
			return err
		}
		v.push(ValueTypeF32)
	case OpcodeF64Const:
		if _, err := r.ReadF64Bits(); err != nil {
			return err
		}
		v.push(ValueTypeF64)
	default:
		if access, ok := LookupMemoryAccess(op); ok {
			align, _, err := r.ReadMemArg()
			if err != nil {
				return err
			}
			if vc.memory == nil {
				return errors.New("memory instruction requires a memory")
			}
			if align > access.MaxAlign() {
				return fmt.Errorf("alignment 2^%d exceeds the natural alignment 2^%d", align, access.MaxAlign())
			}
			if access.Store {
				if err = v.popExpect(access.Type); err != nil {
					return err
				}
				return v.popExpect(ValueTypeI32)
			}
			if err = v.popExpect(ValueTypeI32); err != nil {
				return err
			}
			v.push(access.Type)
			return nil
		}
		if sig, ok := NumericSignature(op); ok {
			if err := v.popAll(sig.Params); err != nil {
				return err
			}
			v.pushAll(sig.Results)
			return nil
		}
		return fmt.Errorf("invalid instruction %#x", op)
	}
	return nil
}
