package compiler

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/spwasm/spwasm/internal/wasm"
)

// interpreterTarget is the tag of spvm64, the instruction set run by the interpreter.
const interpreterTarget = "spvm64"

// spvm64 is a register-slot instruction set. Every instruction names the frame slots it reads and writes. Operands
// are little-endian and of fixed size per opcode, and all branch targets are relative to the function entry, so a
// function's code is position independent. The only absolute references are the callee operands of opCall, which
// are left as placeholders and recorded as relocations.
const (
	// importFlag marks a linked callee operand which is an index into the imported functions, not an entry offset.
	importFlag = uint32(1 << 31)
	// unlinkedCallee is the callee placeholder before linking.
	unlinkedCallee = uint32(0xffffffff)
)

type opcode = byte

const (
	// opUnreachable traps. It is also the padding byte between functions.
	opUnreachable opcode = iota
	// opConst32 dst:u32 value:u32
	opConst32
	// opConst64 dst:u32 value:u64
	opConst64
	// opMove dst:u32 src:u32
	opMove
	// opGlobalGet dst:u32 index:u32
	opGlobalGet
	// opGlobalSet index:u32 src:u32
	opGlobalSet
	// opUnary op:u8 dst:u32 src:u32, where op is the wasm numeric opcode.
	opUnary
	// opBinary op:u8 dst:u32 lhs:u32 rhs:u32, where op is the wasm numeric opcode.
	opBinary
	// opLoad op:u8 dst:u32 addr:u32 offset:u32, where op is the wasm load opcode.
	opLoad
	// opStore op:u8 addr:u32 value:u32 offset:u32, where op is the wasm store opcode.
	opStore
	// opMemorySize dst:u32
	opMemorySize
	// opMemoryGrow dst:u32 delta:u32
	opMemoryGrow
	// opJump target:u32
	opJump
	// opBrIfZero cond:u32 target:u32
	opBrIfZero
	// opBrIfNonZero cond:u32 target:u32
	opBrIfNonZero
	// opBrTable index:u32 count:u32 target:u32 * (count+1); the last target is the default.
	opBrTable
	// opSelect dst:u32 a:u32 b:u32 cond:u32
	opSelect
	// opCall callee:u32 argBase:u32. The callee's frame begins at argBase of the caller's frame, where its
	// arguments already are, and its results are left there.
	opCall
	// opCallIndirect typeIndex:u32 elem:u32 argBase:u32
	opCallIndirect
	// opReturn src:u32 count:u32 copies count slots from src to the bottom of the frame and returns.
	opReturn

	opcodeEnd
)

var opcodeNames = [opcodeEnd]string{
	opUnreachable:  "unreachable",
	opConst32:      "const32",
	opConst64:      "const64",
	opMove:         "move",
	opGlobalGet:    "global.get",
	opGlobalSet:    "global.set",
	opUnary:        "unary",
	opBinary:       "binary",
	opLoad:         "load",
	opStore:        "store",
	opMemorySize:   "memory.size",
	opMemoryGrow:   "memory.grow",
	opJump:         "jump",
	opBrIfZero:     "br_if_zero",
	opBrIfNonZero:  "br_if_nonzero",
	opBrTable:      "br_table",
	opSelect:       "select",
	opCall:         "call",
	opCallIndirect: "call_indirect",
	opReturn:       "return",
}

// instructionSize returns the byte length of the instruction starting at code[0], including the opcode.
func instructionSize(code []byte) (int, error) {
	switch code[0] {
	case opUnreachable:
		return 1, nil
	case opMemorySize, opJump:
		return 5, nil
	case opMove, opGlobalGet, opGlobalSet, opConst32, opMemoryGrow, opBrIfZero, opBrIfNonZero, opCall, opReturn:
		return 9, nil
	case opUnary:
		return 10, nil
	case opConst64, opCallIndirect:
		return 13, nil
	case opBinary, opLoad, opStore:
		return 14, nil
	case opSelect:
		return 17, nil
	case opBrTable:
		if len(code) < 9 {
			return 0, fmt.Errorf("truncated br_table")
		}
		count := binary.LittleEndian.Uint32(code[5:])
		return 9 + 4*(int(count)+1), nil
	}
	return 0, fmt.Errorf("invalid opcode %#x", code[0])
}

// assembler appends spvm64 instructions to a function body.
type assembler struct {
	buf []byte
}

func (a *assembler) pc() uint32 { return uint32(len(a.buf)) }

func (a *assembler) u8(v byte) { a.buf = append(a.buf, v) }

func (a *assembler) u32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

func (a *assembler) u64(v uint64) { a.buf = binary.LittleEndian.AppendUint64(a.buf, v) }

func (a *assembler) emit(op opcode, operands ...uint32) {
	a.u8(op)
	for _, o := range operands {
		a.u32(o)
	}
}

// emitWithSub emits an instruction whose first operand is the one byte wasm opcode it implements.
func (a *assembler) emitWithSub(op opcode, sub wasm.Opcode, operands ...uint32) {
	a.u8(op)
	a.u8(sub)
	for _, o := range operands {
		a.u32(o)
	}
}

// patch overwrites the u32 operand at offset.
func (a *assembler) patch(offset, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[offset:], v)
}

// bytecodeLabel is the pc of a label once bound, and the operands to patch with it until then.
type bytecodeLabel struct {
	pc     uint32
	bound  bool
	fixups []uint32
}

// bytecodeEmitter implements emitter for spvm64.
type bytecodeEmitter struct {
	asm         assembler
	labels      []bytecodeLabel
	relocations []Relocation
}

func newBytecodeEmitter(bodySize int) *bytecodeEmitter {
	e := &bytecodeEmitter{}
	// Reserve the header; the frame size is only known at the end.
	e.asm.buf = make([]byte, functionHeaderSize, functionHeaderSize+bodySize*4)
	return e
}

func (e *bytecodeEmitter) newLabel() label {
	e.labels = append(e.labels, bytecodeLabel{})
	return label(len(e.labels) - 1)
}

func (e *bytecodeEmitter) bind(l label) {
	bl := &e.labels[l]
	bl.pc, bl.bound = e.asm.pc(), true
	for _, fixup := range bl.fixups {
		e.asm.patch(fixup, bl.pc)
	}
	bl.fixups = nil
}

// target appends the branch target operand of l.
func (e *bytecodeEmitter) target(l label) {
	bl := &e.labels[l]
	if !bl.bound {
		bl.fixups = append(bl.fixups, e.asm.pc())
	}
	e.asm.u32(bl.pc)
}

func (e *bytecodeEmitter) unreachable() { e.asm.emit(opUnreachable) }

func (e *bytecodeEmitter) const32(dst, v uint32) { e.asm.emit(opConst32, dst, v) }

func (e *bytecodeEmitter) const64(dst uint32, v uint64) {
	e.asm.u8(opConst64)
	e.asm.u32(dst)
	e.asm.u64(v)
}

func (e *bytecodeEmitter) move(dst, src uint32) { e.asm.emit(opMove, dst, src) }

func (e *bytecodeEmitter) globalGet(dst, index uint32) { e.asm.emit(opGlobalGet, dst, index) }

func (e *bytecodeEmitter) globalSet(index, src uint32) { e.asm.emit(opGlobalSet, index, src) }

func (e *bytecodeEmitter) unary(op wasm.Opcode, dst, src uint32) {
	e.asm.emitWithSub(opUnary, op, dst, src)
}

func (e *bytecodeEmitter) binary(op wasm.Opcode, dst, lhs, rhs uint32) {
	e.asm.emitWithSub(opBinary, op, dst, lhs, rhs)
}

func (e *bytecodeEmitter) load(op wasm.Opcode, dst, addr, offset uint32) {
	e.asm.emitWithSub(opLoad, op, dst, addr, offset)
}

func (e *bytecodeEmitter) store(op wasm.Opcode, addr, value, offset uint32) {
	e.asm.emitWithSub(opStore, op, addr, value, offset)
}

func (e *bytecodeEmitter) memorySize(dst uint32) { e.asm.emit(opMemorySize, dst) }

func (e *bytecodeEmitter) memoryGrow(dst, delta uint32) { e.asm.emit(opMemoryGrow, dst, delta) }

func (e *bytecodeEmitter) jump(l label) {
	e.asm.u8(opJump)
	e.target(l)
}

func (e *bytecodeEmitter) brIfZero(cond uint32, l label) {
	e.asm.emit(opBrIfZero, cond)
	e.target(l)
}

func (e *bytecodeEmitter) brIfNonZero(cond uint32, l label) {
	e.asm.emit(opBrIfNonZero, cond)
	e.target(l)
}

func (e *bytecodeEmitter) brTable(index uint32, targets []label) {
	e.asm.emit(opBrTable, index, uint32(len(targets)-1))
	for _, l := range targets {
		e.target(l)
	}
}

func (e *bytecodeEmitter) selectValue(dst, a, b, cond uint32) { e.asm.emit(opSelect, dst, a, b, cond) }

func (e *bytecodeEmitter) call(index wasm.Index, _ bool, argBase uint32) {
	e.asm.emit(opCall, unlinkedCallee, argBase)
	e.relocations = append(e.relocations, Relocation{Offset: uint64(e.asm.pc() - 8), FunctionIndex: index})
}

func (e *bytecodeEmitter) callIndirect(typeIndex, elem, argBase uint32) {
	e.asm.emit(opCallIndirect, typeIndex, elem, argBase)
}

func (e *bytecodeEmitter) ret(src, count uint32) { e.asm.emit(opReturn, src, count) }

func (e *bytecodeEmitter) finish(h functionHeader) ([]byte, []Relocation, error) {
	h.appendTo(e.asm.buf[:0])
	return e.asm.buf, e.relocations, nil
}

// checkBytecodeCallSite reports whether the relocation at off is the callee operand of an opCall.
func checkBytecodeCallSite(code []byte, off, end uint64) error {
	if off+4 > end {
		return fmt.Errorf("relocation offset %#x out of range", off)
	}
	if code[off-1] != opCall {
		return fmt.Errorf("relocation at %#x is not a call", off)
	}
	return nil
}

// disassembleBytecode lists one spvm64 function: the header followed by one instruction per line. code is the
// function's slice of the code buffer, starting at its entry.
func disassembleBytecode(code []byte) (string, error) {
	if len(code) < functionHeaderSize {
		return "", fmt.Errorf("function shorter than its header: %d bytes", len(code))
	}
	var sb strings.Builder
	h := readFunctionHeader(code)
	fmt.Fprintf(&sb, "func[%d] params=%d results=%d locals=%d frame=%d\n",
		h.funcIndex, h.params, h.results, h.locals, h.frameSize)

	for pc := functionHeaderSize; pc < len(code); {
		n, err := instructionSize(code[pc:])
		if err != nil {
			return "", fmt.Errorf("at %#x: %w", pc, err)
		}
		if pc+n > len(code) {
			return "", fmt.Errorf("at %#x: truncated %s", pc, opcodeNames[code[pc]])
		}
		ins := code[pc : pc+n]
		fmt.Fprintf(&sb, "  %04x: %s", pc, opcodeNames[ins[0]])
		operands := ins[1:]
		switch ins[0] {
		case opUnary, opBinary, opLoad, opStore:
			fmt.Fprintf(&sb, " %s", wasm.InstructionName(operands[0]))
			operands = operands[1:]
		case opConst64:
			fmt.Fprintf(&sb, " %d %#x\n", binary.LittleEndian.Uint32(operands), binary.LittleEndian.Uint64(operands[4:]))
			pc += n
			continue
		}
		for len(operands) >= 4 {
			fmt.Fprintf(&sb, " %d", binary.LittleEndian.Uint32(operands))
			operands = operands[4:]
		}
		sb.WriteByte('\n')
		pc += n
	}
	return sb.String(), nil
}
