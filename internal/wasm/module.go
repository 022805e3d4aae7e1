package wasm

import (
	"crypto/sha256"
	"strings"

	"github.com/spwasm/spwasm/api"
)

// Module is a WebAssembly binary representation.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
//
// Differences from the WebAssembly Core Specification:
//   - Custom sections, including the name section, are skipped by the decoder.
//   - The ExportSection keeps binary order so that re-encoding is deterministic.
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or defined in this module.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#types%E2%91%A0%E2%91%A0
	TypeSection []*FunctionType

	// ImportSection contains imported functions, tables, memories or globals required for instantiation.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: The function Index namespace begins with imported functions and ends with those defined in this module.
	// For example, if there are two imported functions and one defined in this module, the function Index 2 is defined
	// in this module at FunctionSection[0].
	//
	// Note: FunctionSection is index correlated with the CodeSection.
	FunctionSection []Index

	// TableSection contains each table defined in this module. At most one table may exist including imports.
	TableSection []*TableType

	// MemorySection contains each memory defined in this module. At most one memory may exist including imports.
	MemorySection []*MemoryType

	// GlobalSection contains each global defined in this module.
	//
	// Global indexes are offset by any imported globals because the global index space begins with imports.
	GlobalSection []*Global

	// ExportSection contains each export defined in this module, in binary order.
	ExportSection []*Export

	// StartSection is the index of a function to call before instantiation completes.
	//
	// Note: The index is in the function index namespace, which begins with imported functions.
	StartSection *Index

	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each function's locals and body.
	//
	// Note: this is nil on a module restored from an artifact, as bodies are only needed for compilation.
	CodeSection []*Code

	DataSection []*DataSegment

	// ID is the sha256 of the binary this module was decoded from.
	ID ModuleID
}

// ModuleID is the sha256 of a module's source binary.
type ModuleID = [sha256.Size]byte

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#indices%E2%91%A4
type Index = uint32

// ValueType is an alias of api.ValueType defined to simplify imports.
type ValueType = api.ValueType

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64
)

// ValueTypeName is an alias of api.ValueTypeName defined to simplify imports.
func ValueTypeName(t ValueType) string {
	return api.ValueTypeName(t)
}

// ExternType is an alias of api.ExternType defined to simplify imports.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ExternTypeName is an alias of api.ExternTypeName defined to simplify imports.
func ExternTypeName(t ExternType) string {
	return api.ExternTypeName(t)
}

// ElemTypeFuncref is the only table element type in WebAssembly 1.0 (20191205).
const ElemTypeFuncref byte = 0x70

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: In WebAssembly 1.0 (20191205), there can be at most one result.
	Results []ValueType
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (f *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return bytesEqual(f.Params, params) && bytesEqual(f.Results, results)
}

func bytesEqual(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// key generates a compact name of the signature, e.g. "i32_v" for one i32 parameter and no (void) result.
func (f *FunctionType) key() string {
	var ret string
	for _, b := range f.Params {
		ret += ValueTypeName(b)
	}
	if len(f.Params) == 0 {
		ret += "v_"
	} else {
		ret += "_"
	}
	for _, b := range f.Results {
		ret += ValueTypeName(b)
	}
	if len(f.Results) == 0 {
		ret += "v"
	}
	return ret
}

// String implements fmt.Stringer.
func (f *FunctionType) String() string {
	return f.key()
}

// Signature returns the WebAssembly text format representation, e.g. "(param i32 i32) (result i32)".
func (f *FunctionType) Signature() string {
	var b strings.Builder
	b.WriteString("(param")
	for _, p := range f.Params {
		b.WriteByte(' ')
		b.WriteString(ValueTypeName(p))
	}
	b.WriteString(") (result")
	for _, r := range f.Results {
		b.WriteByte(' ')
		b.WriteString(ValueTypeName(r))
	}
	b.WriteByte(')')
	return b.String()
}

// Import is the binary representation of an import indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-import
type Import struct {
	Type ExternType
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.TypeSection when Type equals ExternTypeFunc
	DescFunc Index
	// DescTable is the inlined TableType when Type equals ExternTypeTable
	DescTable *TableType
	// DescMem is the inlined MemoryType when Type equals ExternTypeMemory
	DescMem *MemoryType
	// DescGlobal is the inlined GlobalType when Type equals ExternTypeGlobal
	DescGlobal *GlobalType
}

// MemoryType describes the limits of pages (64KB) in a memory.
type MemoryType struct {
	Min uint32
	// Max is the declared maximum, valid when IsMaxEncoded.
	Max          uint32
	IsMaxEncoded bool
}

// TableType describes the limits of elements and its type in a table.
type TableType struct {
	Min uint32
	Max *uint32
}

// GlobalType is a global's value type and whether it can change.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global defined in this module with its initializer.
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// ConstantExpression is the single-instruction initializer of a global or segment offset.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// Export is the binary representation of an export indicated by Type
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-export
type Export struct {
	Type ExternType

	// Name is what the host refers to this definition as.
	Name string

	// Index is the index of the definition to export, the index namespace is by Type
	// e.g. If ExternTypeFunc, this is a position in the function index namespace.
	Index Index
}

// ElementSegment initializes a range of the table with function indices.
type ElementSegment struct {
	TableIndex Index
	OffsetExpr *ConstantExpression
	Init       []Index
}

// DataSegment initializes a range of memory with bytes.
type DataSegment struct {
	MemoryIndex      Index
	OffsetExpression *ConstantExpression
	Init             []byte
}

// Code is an entry in the Module.CodeSection containing the locals and body of the function.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order.
	LocalTypes []ValueType

	// Body is a sequence of expressions ending in OpcodeEnd
	Body []byte
}

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
type SectionID = byte

const (
	// SectionIDCustom includes the standard defined NameSection and possibly others not defined in the standard.
	SectionIDCustom SectionID = iota // don't add anything not in https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

// SectionIDName returns the canonical name of a module section.
// https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	}
	return "unknown"
}

// ImportCounts returns the number of imports of each kind.
func (m *Module) ImportCounts() (funcs, tables, memories, globals uint32) {
	for _, imp := range m.ImportSection {
		switch imp.Type {
		case ExternTypeFunc:
			funcs++
		case ExternTypeTable:
			tables++
		case ExternTypeMemory:
			memories++
		case ExternTypeGlobal:
			globals++
		}
	}
	return
}

// ImportFuncCount returns the number of imported functions, which is the index of the first local function.
func (m *Module) ImportFuncCount() uint32 {
	funcs, _, _, _ := m.ImportCounts()
	return funcs
}

// FunctionTypeIndices returns the type index of every function in the function index namespace, imports first.
func (m *Module) FunctionTypeIndices() []Index {
	ret := make([]Index, 0, len(m.ImportSection)+len(m.FunctionSection))
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeFunc {
			ret = append(ret, imp.DescFunc)
		}
	}
	return append(ret, m.FunctionSection...)
}

// AllGlobalTypes returns the type of every global in the global index namespace, imports first.
func (m *Module) AllGlobalTypes() []*GlobalType {
	var ret []*GlobalType
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeGlobal {
			ret = append(ret, imp.DescGlobal)
		}
	}
	for _, g := range m.GlobalSection {
		ret = append(ret, g.Type)
	}
	return ret
}

// Memory returns the imported or defined memory, or nil if there is none.
func (m *Module) Memory() *MemoryType {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeMemory {
			return imp.DescMem
		}
	}
	if len(m.MemorySection) > 0 {
		return m.MemorySection[0]
	}
	return nil
}

// Table returns the imported or defined table, or nil if there is none.
func (m *Module) Table() *TableType {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeTable {
			return imp.DescTable
		}
	}
	if len(m.TableSection) > 0 {
		return m.TableSection[0]
	}
	return nil
}

// ExportedFunctionName returns the first export name of the function at funcIdx, or "" when not exported.
func (m *Module) ExportedFunctionName(funcIdx Index) string {
	for _, e := range m.ExportSection {
		if e.Type == ExternTypeFunc && e.Index == funcIdx {
			return e.Name
		}
	}
	return ""
}
