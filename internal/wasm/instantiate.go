package wasm

import (
	"fmt"

	"github.com/spwasm/spwasm/api"
)

// Extern is an item that can satisfy an import.
type Extern struct {
	Type     ExternType
	Function *FunctionInstance
	Memory   *MemoryInstance
	Table    *TableInstance
	Global   *GlobalInstance
}

// ImportResolver finds the item bound to the two-level import name.
type ImportResolver interface {
	ResolveImport(module, name string) (*Extern, bool)
}

func linkError(imp *Import, format string, args ...interface{}) error {
	return &api.LinkError{Module: imp.Module, Name: imp.Name, Reason: fmt.Sprintf(format, args...)}
}

// NewModuleInstance resolves the imports of m and allocates its memory, table, globals and functions. The
// returned instance has no engine yet and its segments are not applied.
//
// An unresolvable import is reported as *api.LinkError naming it; no instance is returned in that case.
func NewModuleInstance(m *Module, name string, resolver ImportResolver, memoryLimitPages uint32) (*ModuleInstance, error) {
	inst := &ModuleInstance{ModuleName: name, Source: m}

	for _, imp := range m.ImportSection {
		ext, ok := resolver.ResolveImport(imp.Module, imp.Name)
		if !ok {
			return nil, linkError(imp, "not found")
		}
		if ext.Type != imp.Type {
			return nil, linkError(imp, "expected %s, but was %s", ExternTypeName(imp.Type), ExternTypeName(ext.Type))
		}
		switch imp.Type {
		case ExternTypeFunc:
			expected := m.TypeSection[imp.DescFunc]
			if !ext.Function.Type.EqualsSignature(expected.Params, expected.Results) {
				return nil, linkError(imp, "signature mismatch: %s != %s", expected.Signature(), ext.Function.Type.Signature())
			}
			inst.Functions = append(inst.Functions, ext.Function)
		case ExternTypeMemory:
			if err := checkMemoryImport(imp.DescMem, ext.Memory); err != nil {
				return nil, linkError(imp, "%v", err)
			}
			inst.MemoryInstance = ext.Memory
		case ExternTypeTable:
			if err := checkTableImport(imp.DescTable, ext.Table); err != nil {
				return nil, linkError(imp, "%v", err)
			}
			inst.TableInstance = ext.Table
		case ExternTypeGlobal:
			if *imp.DescGlobal != *ext.Global.Type {
				return nil, linkError(imp, "global type mismatch: %s mutable=%v != %s mutable=%v",
					ValueTypeName(imp.DescGlobal.ValType), imp.DescGlobal.Mutable,
					ValueTypeName(ext.Global.Type.ValType), ext.Global.Type.Mutable)
			}
			inst.Globals = append(inst.Globals, ext.Global)
		}
	}

	for _, mem := range m.MemorySection {
		max := memoryLimitPages
		if mem.IsMaxEncoded && mem.Max < max {
			max = mem.Max
		}
		inst.MemoryInstance = NewMemoryInstance(mem.Min, max)
	}
	for _, t := range m.TableSection {
		inst.TableInstance = NewTableInstance(t.Min, t.Max)
	}
	for _, g := range m.GlobalSection {
		inst.Globals = append(inst.Globals, &GlobalInstance{Type: g.Type, Val: evaluateConstExpression(g.Init, inst.Globals)})
	}

	importedFuncs := uint32(len(inst.Functions))
	names := functionDebugNames(name, m, importedFuncs)
	for i, typeIdx := range m.FunctionSection {
		inst.Functions = append(inst.Functions, &FunctionInstance{
			Type:      m.TypeSection[typeIdx],
			Module:    inst,
			Index:     importedFuncs + Index(i),
			DebugName: names[i],
		})
	}

	inst.buildExports()
	return inst, nil
}

func checkMemoryImport(expected *MemoryType, actual *MemoryInstance) error {
	if pages := actual.PageSize(); pages < expected.Min {
		return fmt.Errorf("minimum size mismatch: %d > %d", expected.Min, pages)
	}
	if expected.IsMaxEncoded && actual.Max > expected.Max {
		return fmt.Errorf("maximum size mismatch: %d > %d", actual.Max, expected.Max)
	}
	return nil
}

func checkTableImport(expected *TableType, actual *TableInstance) error {
	if size := actual.Size(); size < expected.Min {
		return fmt.Errorf("minimum size mismatch: %d > %d", expected.Min, size)
	}
	if expected.Max != nil && (actual.Max == nil || *actual.Max > *expected.Max) {
		return fmt.Errorf("maximum size mismatch: table must have a maximum of at most %d", *expected.Max)
	}
	return nil
}

// ApplySegments writes the element and data segments into the table and memory. Every segment is bounds checked
// before any is written, so a failure leaves the table and memory untouched.
func (m *ModuleInstance) ApplySegments() error {
	src := m.Source
	elemOffsets := make([]uint32, len(src.ElementSection))
	for i, e := range src.ElementSection {
		offset := uint32(evaluateConstExpression(e.OffsetExpr, m.Globals))
		if uint64(offset)+uint64(len(e.Init)) > uint64(m.TableInstance.Size()) {
			return &api.LinkError{Reason: fmt.Sprintf("element segment[%d] out of bounds: offset %d, length %d, table size %d",
				i, offset, len(e.Init), m.TableInstance.Size())}
		}
		elemOffsets[i] = offset
	}
	dataOffsets := make([]uint32, len(src.DataSection))
	for i, d := range src.DataSection {
		offset := uint32(evaluateConstExpression(d.OffsetExpression, m.Globals))
		if !m.MemoryInstance.InBounds(offset, 0, uint32(len(d.Init))) {
			return &api.LinkError{Reason: fmt.Sprintf("data segment[%d] out of bounds: offset %d, length %d, memory size %d",
				i, offset, len(d.Init), m.MemoryInstance.Size())}
		}
		dataOffsets[i] = offset
	}

	for i, e := range src.ElementSection {
		for j, funcIdx := range e.Init {
			m.TableInstance.Elements[elemOffsets[i]+uint32(j)] = m.Functions[funcIdx]
		}
	}
	for i, d := range src.DataSection {
		copy(m.MemoryInstance.Buffer[dataOffsets[i]:], d.Init)
	}
	return nil
}
