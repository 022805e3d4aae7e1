package compiler

import (
	"encoding/binary"

	"github.com/spwasm/spwasm/internal/wasm"
)

// Every function in the code buffer starts with a header, then the code of its target:
//
//	params    u32
//	results   u32
//	locals    u32 (excluding params)
//	frameSize u32 (slots)
//	funcIndex u32
const (
	functionHeaderSize = 20
	// functionAlignment is the alignment of each function entry in the code buffer.
	functionAlignment = 8
)

type functionHeader struct {
	params, results, locals, frameSize, funcIndex uint32
}

func readFunctionHeader(code []byte) functionHeader {
	return functionHeader{
		params:    binary.LittleEndian.Uint32(code[0:]),
		results:   binary.LittleEndian.Uint32(code[4:]),
		locals:    binary.LittleEndian.Uint32(code[8:]),
		frameSize: binary.LittleEndian.Uint32(code[12:]),
		funcIndex: binary.LittleEndian.Uint32(code[16:]),
	}
}

func (h functionHeader) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, h.params)
	buf = binary.LittleEndian.AppendUint32(buf, h.results)
	buf = binary.LittleEndian.AppendUint32(buf, h.locals)
	buf = binary.LittleEndian.AppendUint32(buf, h.frameSize)
	return binary.LittleEndian.AppendUint32(buf, h.funcIndex)
}

// label is a position in the function being emitted. It can be branched to before it is bound.
type label int

// emitter generates the code of one function for a target. Every operand is a slot of the current frame: each call
// owns a window of 64-bit slots laid out as [params][locals][operand stack], and a callee's window starts at the
// caller's argBase, so arguments are passed and results returned in place.
//
// The emitter of a target may assume the function was validated.
type emitter interface {
	newLabel() label
	// bind sets the position of l to the next instruction. A label is bound at most once.
	bind(l label)

	unreachable()
	const32(dst, v uint32)
	const64(dst uint32, v uint64)
	move(dst, src uint32)
	globalGet(dst, index uint32)
	globalSet(index, src uint32)
	// unary and binary emit the numeric instruction op. i32 results are zero extended to the slot.
	unary(op wasm.Opcode, dst, src uint32)
	binary(op wasm.Opcode, dst, lhs, rhs uint32)
	load(op wasm.Opcode, dst, addr, offset uint32)
	store(op wasm.Opcode, addr, value, offset uint32)
	memorySize(dst uint32)
	memoryGrow(dst, delta uint32)

	jump(l label)
	brIfZero(cond uint32, l label)
	brIfNonZero(cond uint32, l label)
	// brTable jumps to targets[index], or to the last target when index is out of range.
	brTable(index uint32, targets []label)
	selectValue(dst, a, b, cond uint32)

	// call emits a direct call. Calls to functions defined by the module are recorded as relocations.
	call(index wasm.Index, imported bool, argBase uint32)
	callIndirect(typeIndex, elem, argBase uint32)
	// ret copies count slots from src to the bottom of the frame and returns.
	ret(src, count uint32)

	// finish returns the code of the function, starting with h. Relocation offsets are relative to the header.
	finish(h functionHeader) (code []byte, relocations []Relocation, err error)
}
