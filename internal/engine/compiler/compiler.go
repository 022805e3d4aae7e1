package compiler

import (
	"errors"
	"fmt"
	"math"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

// ErrUnsupportedInstruction is wrapped by the CompileError of an instruction this code generator doesn't emit.
var ErrUnsupportedInstruction = errors.New("unsupported instruction")

// controlFrame is a block, loop or if being compiled. The function body itself is the outermost frame.
type controlFrame struct {
	kind wasm.Opcode
	// height is the operand stack height when the frame was entered.
	height uint32
	// arity is the number of values a branch to this frame carries: the block results, or zero for loops.
	arity   uint32
	results uint32
	// label is where a branch to the frame lands: the start of a loop, or the end of any other frame.
	label label
	// elseLabel is the target of the if's conditional jump, bound at else or end.
	elseLabel   label
	elsePending bool
}

func (f *controlFrame) isLoop() bool {
	return f.kind == wasm.OpcodeLoop
}

// compiler translates one function body in a single pass, handing each instruction to the emitter of the target.
// It tracks only the operand stack height: the value at height h lives in slot numLocals+h, so the location of
// every operand is known statically.
type compiler struct {
	em        emitter
	r         *wasm.InstructionReader
	funcIndex wasm.Index
	sig       *wasm.FunctionType

	types       []*wasm.FunctionType
	funcTypes   []wasm.Index
	importFuncs uint32

	numLocals         uint32
	height, maxHeight uint32
	frames            []controlFrame

	// unreachable is true after an unconditional branch until the end of the current frame. skipDepth counts the
	// frames opened while unreachable, which are skipped entirely.
	unreachable bool
	skipDepth   int
}

// compiledFunction is the position independent code of a single function.
type compiledFunction struct {
	// code is the header followed by the instructions.
	code []byte
	// relocations have offsets relative to the start of code.
	relocations []Relocation
	frameSize   uint32
}

// moduleContext is what compiling a body needs to know about the module, computed once per module.
type moduleContext struct {
	types       []*wasm.FunctionType
	funcTypes   []wasm.Index
	importFuncs uint32
}

func newModuleContext(m *wasm.Module) *moduleContext {
	return &moduleContext{
		types:       m.TypeSection,
		funcTypes:   m.FunctionTypeIndices(),
		importFuncs: m.ImportFuncCount(),
	}
}

// compileFunction generates the code of the function at index i of the module's code section for b.
func compileFunction(mc *moduleContext, b *backend, i int, typeIndex wasm.Index, code *wasm.Code) (*compiledFunction, error) {
	sig := mc.types[typeIndex]
	funcIndex := mc.importFuncs + wasm.Index(i)
	h := functionHeader{
		params:    uint32(len(sig.Params)),
		results:   uint32(len(sig.Results)),
		locals:    uint32(len(code.LocalTypes)),
		funcIndex: funcIndex,
	}
	em, done := b.newEmitter(h, len(code.Body))
	defer done()

	c := &compiler{
		em:          em,
		r:           wasm.NewInstructionReader(code.Body),
		funcIndex:   funcIndex,
		sig:         sig,
		types:       mc.types,
		funcTypes:   mc.funcTypes,
		importFuncs: mc.importFuncs,
		numLocals:   uint32(len(sig.Params) + len(code.LocalTypes)),
	}
	c.frames = append(c.frames, controlFrame{
		kind:    wasm.OpcodeBlock,
		arity:   uint32(len(sig.Results)),
		results: uint32(len(sig.Results)),
		label:   em.newLabel(),
	})

	for len(c.frames) > 0 {
		if !c.r.HasMore() {
			return nil, c.errorf(c.r.Pc, "function body must end with end")
		}
		pc := c.r.Pc
		op, _ := c.r.ReadByte()
		if err := c.compileInstruction(op); err != nil {
			var ce *api.CompileError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, c.errorf(pc, "%s: %w", wasm.InstructionName(op), err)
		}
	}

	frameSize := uint64(c.numLocals) + uint64(c.maxHeight)
	if frameSize > math.MaxUint32 {
		return nil, c.errorf(c.r.Pc, "frame of %d slots is too large", frameSize)
	}
	h.frameSize = uint32(frameSize)
	out, relocations, err := em.finish(h)
	if err != nil {
		return nil, c.errorf(c.r.Pc, "%v", err)
	}
	return &compiledFunction{code: out, relocations: relocations, frameSize: h.frameSize}, nil
}

func (c *compiler) errorf(offset uint64, format string, args ...interface{}) error {
	return &api.CompileError{FunctionIndex: c.funcIndex, Offset: uint32(offset), Err: fmt.Errorf(format, args...)}
}

func (c *compiler) slot(height uint32) uint32 {
	return c.numLocals + height
}

// push allocates the slot of a new operand on top of the stack.
func (c *compiler) push() uint32 {
	s := c.slot(c.height)
	c.height++
	if c.height > c.maxHeight {
		c.maxHeight = c.height
	}
	return s
}

// pop releases the top operand and returns its slot.
func (c *compiler) pop() uint32 {
	c.height--
	return c.slot(c.height)
}

func (c *compiler) top() uint32 {
	return c.slot(c.height - 1)
}

func (c *compiler) setUnreachable() {
	c.unreachable = true
}

func (c *compiler) compileInstruction(op wasm.Opcode) error {
	if c.unreachable {
		return c.skipUnreachable(op)
	}

	switch op {
	case wasm.OpcodeUnreachable:
		c.em.unreachable()
		c.setUnreachable()
	case wasm.OpcodeNop:
	case wasm.OpcodeBlock, wasm.OpcodeLoop:
		results, err := c.r.ReadBlockType()
		if err != nil {
			return err
		}
		f := controlFrame{kind: op, height: c.height, results: uint32(len(results)), arity: uint32(len(results))}
		f.label = c.em.newLabel()
		if op == wasm.OpcodeLoop {
			f.arity = 0
			c.em.bind(f.label)
		}
		c.frames = append(c.frames, f)
	case wasm.OpcodeIf:
		results, err := c.r.ReadBlockType()
		if err != nil {
			return err
		}
		cond := c.pop()
		f := controlFrame{
			kind:        op,
			height:      c.height,
			results:     uint32(len(results)),
			arity:       uint32(len(results)),
			label:       c.em.newLabel(),
			elseLabel:   c.em.newLabel(),
			elsePending: true,
		}
		c.em.brIfZero(cond, f.elseLabel)
		c.frames = append(c.frames, f)
	case wasm.OpcodeElse:
		c.compileElse()
	case wasm.OpcodeEnd:
		c.compileEnd()
	case wasm.OpcodeBr:
		depth, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		c.emitBranch(depth)
		c.setUnreachable()
	case wasm.OpcodeBrIf:
		depth, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		c.compileBrIf(depth)
	case wasm.OpcodeBrTable:
		labels, defaultLabel, err := c.r.ReadBrTable()
		if err != nil {
			return err
		}
		c.compileBrTable(labels, defaultLabel)
	case wasm.OpcodeReturn:
		c.emitReturn()
		c.setUnreachable()
	case wasm.OpcodeCall:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		c.compileCall(index)
	case wasm.OpcodeCallIndirect:
		typeIndex, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		if _, err = c.r.ReadByte(); err != nil { // table index
			return err
		}
		c.compileCallIndirect(typeIndex)
	case wasm.OpcodeDrop:
		c.pop()
	case wasm.OpcodeSelect:
		cond := c.pop()
		b := c.pop()
		a := c.pop()
		dst := c.push()
		c.em.selectValue(dst, a, b, cond)
	case wasm.OpcodeLocalGet:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		dst := c.push()
		c.em.move(dst, index)
	case wasm.OpcodeLocalSet:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		src := c.pop()
		c.em.move(index, src)
	case wasm.OpcodeLocalTee:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		c.em.move(index, c.top())
	case wasm.OpcodeGlobalGet:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		dst := c.push()
		c.em.globalGet(dst, index)
	case wasm.OpcodeGlobalSet:
		index, err := c.r.ReadU32()
		if err != nil {
			return err
		}
		src := c.pop()
		c.em.globalSet(index, src)
	case wasm.OpcodeMemorySize:
		if _, err := c.r.ReadByte(); err != nil {
			return err
		}
		c.em.memorySize(c.push())
	case wasm.OpcodeMemoryGrow:
		if _, err := c.r.ReadByte(); err != nil {
			return err
		}
		delta := c.pop()
		dst := c.push()
		c.em.memoryGrow(dst, delta)
	case wasm.OpcodeI32Const:
		v, err := c.r.ReadI32()
		if err != nil {
			return err
		}
		c.em.const32(c.push(), uint32(v))
	case wasm.OpcodeI64Const:
		v, err := c.r.ReadI64()
		if err != nil {
			return err
		}
		c.em.const64(c.push(), uint64(v))
	case wasm.OpcodeF32Const:
		v, err := c.r.ReadF32Bits()
		if err != nil {
			return err
		}
		c.em.const32(c.push(), v)
	case wasm.OpcodeF64Const:
		v, err := c.r.ReadF64Bits()
		if err != nil {
			return err
		}
		c.em.const64(c.push(), v)
	default:
		return c.compileOther(op)
	}
	return nil
}

// compileOther handles memory access and numeric instructions.
func (c *compiler) compileOther(op wasm.Opcode) error {
	pc := c.r.Pc - 1
	if access, ok := wasm.LookupMemoryAccess(op); ok {
		_, offset, err := c.r.ReadMemArg()
		if err != nil {
			return err
		}
		if access.Store {
			value := c.pop()
			addr := c.pop()
			c.em.store(op, addr, value, offset)
		} else {
			addr := c.pop()
			dst := c.push()
			c.em.load(op, dst, addr, offset)
		}
		return nil
	}

	if isUnsupported(op) {
		return c.errorf(pc, "%w: %s", ErrUnsupportedInstruction, wasm.InstructionName(op))
	}
	sig, ok := wasm.NumericSignature(op)
	if !ok {
		return c.errorf(pc, "%w: %s", ErrUnsupportedInstruction, wasm.InstructionName(op))
	}
	if len(sig.Params) == 1 {
		src := c.pop()
		dst := c.push()
		c.em.unary(op, dst, src)
	} else {
		rhs := c.pop()
		lhs := c.pop()
		dst := c.push()
		c.em.binary(op, dst, lhs, rhs)
	}
	return nil
}

// isUnsupported returns true for valid instructions the code generator doesn't implement: float to integer
// truncation and float min/max.
func isUnsupported(op wasm.Opcode) bool {
	switch op {
	case wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U, wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U,
		wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U,
		wasm.OpcodeF32Min, wasm.OpcodeF32Max, wasm.OpcodeF64Min, wasm.OpcodeF64Max:
		return true
	}
	return false
}

// skipUnreachable consumes instructions after an unconditional branch. Nothing is emitted until the else or end
// that closes the current frame.
func (c *compiler) skipUnreachable(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		c.skipDepth++
	case wasm.OpcodeElse:
		if c.skipDepth == 0 {
			c.compileElse()
		}
		return nil
	case wasm.OpcodeEnd:
		if c.skipDepth > 0 {
			c.skipDepth--
		} else {
			c.compileEnd()
		}
		return nil
	}
	return c.r.SkipImmediates(op)
}

func (c *compiler) compileElse() {
	f := &c.frames[len(c.frames)-1]
	if !c.unreachable {
		// The then branch falls through to the end of the if.
		c.em.jump(f.label)
	}
	c.em.bind(f.elseLabel)
	f.elsePending = false
	c.height = f.height
	c.unreachable = false
}

func (c *compiler) compileEnd() {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	if f.elsePending {
		c.em.bind(f.elseLabel)
	}
	if !f.isLoop() {
		c.em.bind(f.label)
	}
	if len(c.frames) == 0 {
		// Branches to the function frame land on the final return.
		c.em.ret(c.slot(0), f.results)
		return
	}
	c.height = f.height + f.results
	if c.height > c.maxHeight {
		c.maxHeight = c.height
	}
	c.unreachable = false
}

// branchTarget returns the frame at the label depth.
func (c *compiler) branchTarget(depth uint32) *controlFrame {
	return &c.frames[len(c.frames)-1-int(depth)]
}

// emitBranchMoves copies the values carried by a branch to the frame's result slots.
func (c *compiler) emitBranchMoves(f *controlFrame) {
	for i := uint32(0); i < f.arity; i++ {
		src, dst := c.slot(c.height-f.arity+i), c.slot(f.height+i)
		if src != dst {
			c.em.move(dst, src)
		}
	}
}

func (c *compiler) needsMoves(f *controlFrame) bool {
	return f.arity > 0 && c.height-f.arity != f.height
}

func (c *compiler) emitBranch(depth uint32) {
	f := c.branchTarget(depth)
	c.emitBranchMoves(f)
	c.em.jump(f.label)
}

func (c *compiler) compileBrIf(depth uint32) {
	cond := c.pop()
	f := c.branchTarget(depth)
	if !c.needsMoves(f) {
		c.em.brIfNonZero(cond, f.label)
		return
	}
	skip := c.em.newLabel()
	c.em.brIfZero(cond, skip)
	c.emitBranchMoves(f)
	c.em.jump(f.label)
	c.em.bind(skip)
}

// compileBrTable emits the table followed by one stub per label, which moves the carried values and jumps.
func (c *compiler) compileBrTable(labels []uint32, defaultLabel uint32) {
	index := c.pop()
	depths := append(labels, defaultLabel)
	stubs := make([]label, len(depths))
	for i := range stubs {
		stubs[i] = c.em.newLabel()
	}
	c.em.brTable(index, stubs)
	for i, depth := range depths {
		c.em.bind(stubs[i])
		c.emitBranch(depth)
	}
	c.setUnreachable()
}

func (c *compiler) emitReturn() {
	results := uint32(len(c.sig.Results))
	c.em.ret(c.slot(c.height-results), results)
}

func (c *compiler) compileCall(index wasm.Index) {
	ft := c.types[c.funcTypes[index]]
	argBase := c.slot(c.height - uint32(len(ft.Params)))
	c.em.call(index, index < c.importFuncs, argBase)
	c.afterCall(ft)
}

func (c *compiler) compileCallIndirect(typeIndex wasm.Index) {
	ft := c.types[typeIndex]
	elem := c.pop()
	argBase := c.slot(c.height - uint32(len(ft.Params)))
	c.em.callIndirect(typeIndex, elem, argBase)
	c.afterCall(ft)
}

// afterCall replaces the arguments on the operand stack with the results. The callee frame overlaps the caller's
// from argBase, so the results are already in place.
func (c *compiler) afterCall(ft *wasm.FunctionType) {
	c.height -= uint32(len(ft.Params))
	for range ft.Results {
		c.push()
	}
}
