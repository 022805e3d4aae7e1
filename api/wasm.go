// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// The below are exported to consolidate parsing behavior for external types.
const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the name of the WebAssembly 1.0 (20191205) Text Format field of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0 (20191205). Function parameters and results are
// only definable as a value type.
//
// Values cross the host boundary as uint64:
//   - ValueTypeI32 - uint64(uint32(int32)); the upper 32 bits must be zero
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 and DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 and DecodeF64 from float64
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// Value is a typed value passed to Function.CallValues.
type Value struct {
	Type ValueType
	Bits uint64
}

// String implements fmt.Stringer
func (v Value) String() string {
	switch v.Type {
	case ValueTypeI32:
		return fmt.Sprintf("i32(%d)", int32(v.Bits))
	case ValueTypeI64:
		return fmt.Sprintf("i64(%d)", int64(v.Bits))
	case ValueTypeF32:
		return fmt.Sprintf("f32(%v)", DecodeF32(v.Bits))
	case ValueTypeF64:
		return fmt.Sprintf("f64(%v)", DecodeF64(v.Bits))
	}
	return fmt.Sprintf("unknown(%#x)", v.Bits)
}

// ValueI32 returns a Value of type i32.
func ValueI32(v int32) Value { return Value{Type: ValueTypeI32, Bits: EncodeI32(v)} }

// ValueI64 returns a Value of type i64.
func ValueI64(v int64) Value { return Value{Type: ValueTypeI64, Bits: EncodeI64(v)} }

// ValueF32 returns a Value of type f32.
func ValueF32(v float32) Value { return Value{Type: ValueTypeF32, Bits: EncodeF32(v)} }

// ValueF64 returns a Value of type f64.
func ValueF64(v float64) Value { return Value{Type: ValueTypeF64, Bits: EncodeF64(v)} }

// Instance is an instantiated module: its memory, table, globals and the export directory.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in spwasm.
type Instance interface {
	fmt.Stringer

	// Name is the name this module was instantiated with. Exports can be imported under this name.
	Name() string

	// Export looks up the export with the given name in constant time. The returned handle is a small value that
	// remains valid until the instance is closed. ErrExportNotFound is returned when there is no such export.
	Export(name string) (Export, error)

	// Exports returns the names of all exports in declaration order.
	Exports() []string

	// Memory returns the memory defined or imported by this module, or nil if it has none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module or nil if it wasn't.
	ExportedGlobal(name string) Global

	// ExportedTable returns a table exported from this module or nil if it wasn't.
	ExportedTable(name string) Table

	// Closer releases the instance. Export handles obtained before Close return ErrInstanceClosed afterwards.
	Closer
}

// Export is a handle to a single export of an Instance. It is tagged with the kind of the export, and the
// accessors of the other kinds fail with ErrExportKind.
type Export interface {
	// Name is the export name.
	Name() string

	// Kind is the kind of the exported item.
	Kind() ExternType

	// Function returns the export as a Function.
	Function() (Function, error)

	// Memory returns the export as a Memory.
	Memory() (Memory, error)

	// Global returns the export as a Global.
	Global() (Global, error)

	// Table returns the export as a Table.
	Table() (Table, error)

	// Call is a shortcut for Function followed by Function.Call.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Closer closes a resource.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in spwasm.
type Closer interface {
	// Close closes the resource.
	Close(context.Context) error
}

// Function is a WebAssembly 1.0 (20191205) function exported from an instantiated module.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-func
type Function interface {
	// Name is the export name, or the import name of a host function.
	Name() string

	// ParamTypes are the possibly empty sequence of value types accepted by a function with this signature.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: In WebAssembly 1.0 (20191205), there can be at most one result.
	ResultTypes() []ValueType

	// Call invokes the function with parameters encoded according to ParamTypes. Results are encoded according to
	// ResultTypes.
	//
	// ErrSignatureMismatch is returned, before any code runs, when the parameter count differs or an i32/f32
	// parameter has non-zero upper bits. A guest fault returns a *Trap and no results.
	//
	// Note: When the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)

	// CallValues is like Call, but each argument carries its type which must match ParamTypes exactly.
	CallValues(ctx context.Context, params ...Value) ([]Value, error)
}

// GoFunction is a host function callable by WebAssembly. The stack holds the parameters on entry and must hold the
// results on return. Its length is the larger of the parameter and result counts.
//
// caller is the instance whose code made the call. A panic inside a GoFunction is reported to the WebAssembly
// caller's host as a *Trap with TrapCodeHostFunctionPanic.
type GoFunction func(ctx context.Context, caller Instance, stack []uint64)

// Global is a WebAssembly 1.0 (20191205) global exported from an instantiated module.
//
// Globals are allowed by the WebAssembly Core Specification to be mutable. When in doubt, safe cast to find out if the value can
// change:
//
//	offset := module.ExportedGlobal("memory.offset")
//	if _, ok := offset.(api.MutableGlobal); ok {
//		// value can change
//	}
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime (variable).
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(v uint64)
}

// Table is a funcref table exported from an instantiated module.
type Table interface {
	// Size returns the current number of elements.
	Size() uint32
}

// Memory allows restricted access to a module's memory.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in spwasm.
// Note: All values are encoded little-endian.
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous memory size
	// in pages, or false if the delta was ignored as it exceeds max memory.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte at the offset or returns false if out of range.
	ReadByte(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 at the offset or returns false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// ReadUint64Le reads a uint64 at the offset or returns false if out of range.
	ReadUint64Le(offset uint32) (uint64, bool)

	// Read returns a view of byteCount bytes at the offset or returns false if out of range.
	//
	// This is not a copy: writes to the slice are visible to WebAssembly until memory.grow reallocates.
	Read(offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte at the offset or returns false if out of range.
	WriteByte(offset uint32, v byte) bool

	// WriteUint32Le writes the value at the offset or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// WriteUint64Le writes the value at the offset or returns false if out of range.
	WriteUint64Le(offset uint32, v uint64) bool

	// Write writes the slice at the offset or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See EncodeF32
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
