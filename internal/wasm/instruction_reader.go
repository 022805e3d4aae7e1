package wasm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spwasm/spwasm/internal/leb128"
)

// InstructionReader walks a function body, decoding opcodes and their immediates. Both validation and compilation
// read bodies through it so that immediates are decoded identically.
type InstructionReader struct {
	Body []byte
	// Pc is the offset of the next byte to read.
	Pc uint64
}

// NewInstructionReader returns a reader positioned at the start of body.
func NewInstructionReader(body []byte) *InstructionReader {
	return &InstructionReader{Body: body}
}

// HasMore returns true if there are unread bytes.
func (r *InstructionReader) HasMore() bool {
	return r.Pc < uint64(len(r.Body))
}

// ReadByte reads an opcode or a single byte immediate.
func (r *InstructionReader) ReadByte() (byte, error) {
	if !r.HasMore() {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.Body[r.Pc]
	r.Pc++
	return b, nil
}

// ReadU32 reads a varuint32 immediate such as an index.
func (r *InstructionReader) ReadU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(r.Body[r.Pc:])
	if err != nil {
		return 0, err
	}
	r.Pc += n
	return v, nil
}

// ReadI32 reads a varint32 immediate.
func (r *InstructionReader) ReadI32() (int32, error) {
	v, n, err := leb128.LoadInt32(r.Body[r.Pc:])
	if err != nil {
		return 0, err
	}
	r.Pc += n
	return v, nil
}

// ReadI64 reads a varint64 immediate.
func (r *InstructionReader) ReadI64() (int64, error) {
	v, n, err := leb128.LoadInt64(r.Body[r.Pc:])
	if err != nil {
		return 0, err
	}
	r.Pc += n
	return v, nil
}

// ReadF32Bits reads the IEEE 754 bits of an f32.const immediate.
func (r *InstructionReader) ReadF32Bits() (uint32, error) {
	if uint64(len(r.Body))-r.Pc < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.Body[r.Pc:])
	r.Pc += 4
	return v, nil
}

// ReadF64Bits reads the IEEE 754 bits of an f64.const immediate.
func (r *InstructionReader) ReadF64Bits() (uint64, error) {
	if uint64(len(r.Body))-r.Pc < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.Body[r.Pc:])
	r.Pc += 8
	return v, nil
}

// ReadBlockType reads the result type of block, loop or if. WebAssembly 1.0 allows no result or a single value type.
func (r *InstructionReader) ReadBlockType() ([]ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case 0x40:
		return nil, nil
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return []ValueType{b}, nil
	}
	return nil, fmt.Errorf("invalid block type: %#x", b)
}

// ReadMemArg reads the alignment and offset immediates of a load or store.
func (r *InstructionReader) ReadMemArg() (align, offset uint32, err error) {
	if align, err = r.ReadU32(); err != nil {
		return
	}
	offset, err = r.ReadU32()
	return
}

// ReadBrTable reads the label vector and the default label of br_table.
func (r *InstructionReader) ReadBrTable() (labels []uint32, defaultLabel uint32, err error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, 0, err
	}
	if uint64(count) > uint64(len(r.Body))-r.Pc {
		return nil, 0, fmt.Errorf("too many br_table labels: %d", count)
	}
	labels = make([]uint32, count)
	for i := range labels {
		if labels[i], err = r.ReadU32(); err != nil {
			return nil, 0, err
		}
	}
	defaultLabel, err = r.ReadU32()
	return
}

// SkipImmediates advances past the immediates of the instruction oc, which was just read.
func (r *InstructionReader) SkipImmediates(oc Opcode) (err error) {
	switch oc {
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		_, err = r.ReadBlockType()
	case OpcodeBr, OpcodeBrIf, OpcodeCall, OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee,
		OpcodeGlobalGet, OpcodeGlobalSet:
		_, err = r.ReadU32()
	case OpcodeBrTable:
		_, _, err = r.ReadBrTable()
	case OpcodeCallIndirect:
		if _, err = r.ReadU32(); err == nil {
			_, err = r.ReadByte()
		}
	case OpcodeMemorySize, OpcodeMemoryGrow:
		_, err = r.ReadByte()
	case OpcodeI32Const:
		_, err = r.ReadI32()
	case OpcodeI64Const:
		_, err = r.ReadI64()
	case OpcodeF32Const:
		_, err = r.ReadF32Bits()
	case OpcodeF64Const:
		_, err = r.ReadF64Bits()
	default:
		if _, ok := LookupMemoryAccess(oc); ok {
			_, _, err = r.ReadMemArg()
		}
	}
	return
}
