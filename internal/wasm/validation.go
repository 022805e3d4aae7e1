package wasm

import (
	"errors"
	"fmt"

	"github.com/spwasm/spwasm/api"
)

// MemoryLimitPages is the maximum number of pages addressable by a 32-bit memory.
const MemoryLimitPages = uint32(65536)

func validationError(section SectionID, index Index, err error) error {
	return &api.ValidationError{Section: SectionIDName(section), Index: index, Err: err}
}

// Validate checks the structure of the module and type checks every function body. memoryLimitPages is the
// largest initial memory size accepted.
//
// The first violation is returned as an *api.ValidationError.
func (m *Module) Validate(memoryLimitPages uint32) error {
	if err := m.validateTypes(); err != nil {
		return err
	}
	if err := m.validateImports(memoryLimitPages); err != nil {
		return err
	}
	if err := m.validateDefinitions(memoryLimitPages); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateStart(); err != nil {
		return err
	}
	if err := m.validateSegments(); err != nil {
		return err
	}
	return m.validateFunctions()
}

func (m *Module) validateTypes() error {
	for i, ft := range m.TypeSection {
		if len(ft.Results) > 1 {
			return validationError(SectionIDType, Index(i), fmt.Errorf("multiple results are not supported: %s", ft))
		}
	}
	return nil
}

func (m *Module) validateImports(memoryLimitPages uint32) error {
	for i, imp := range m.ImportSection {
		var err error
		switch imp.Type {
		case ExternTypeFunc:
			if int(imp.DescFunc) >= len(m.TypeSection) {
				err = fmt.Errorf("invalid type index %d", imp.DescFunc)
			}
		case ExternTypeTable:
			err = validateTable(imp.DescTable)
		case ExternTypeMemory:
			err = validateMemory(imp.DescMem, memoryLimitPages)
		case ExternTypeGlobal:
			if imp.DescGlobal.Mutable {
				// Imported mutable globals arrived with a later proposal.
				err = errors.New("mutable globals cannot be imported")
			}
		}
		if err != nil {
			return validationError(SectionIDImport, Index(i), fmt.Errorf("%s.%s: %w", imp.Module, imp.Name, err))
		}
	}
	return nil
}

func (m *Module) validateDefinitions(memoryLimitPages uint32) error {
	_, importedTables, importedMemories, importedGlobals := m.ImportCounts()
	if n := int(importedTables) + len(m.TableSection); n > 1 {
		return validationError(SectionIDTable, 1, fmt.Errorf("at most one table allowed, but have %d", n))
	}
	if n := int(importedMemories) + len(m.MemorySection); n > 1 {
		return validationError(SectionIDMemory, 1, fmt.Errorf("at most one memory allowed, but have %d", n))
	}
	for i, t := range m.TableSection {
		if err := validateTable(t); err != nil {
			return validationError(SectionIDTable, importedTables+Index(i), err)
		}
	}
	for i, mem := range m.MemorySection {
		if err := validateMemory(mem, memoryLimitPages); err != nil {
			return validationError(SectionIDMemory, importedMemories+Index(i), err)
		}
	}

	importedGlobalTypes := m.AllGlobalTypes()[:importedGlobals]
	for i, g := range m.GlobalSection {
		if err := validateConstExpression(importedGlobalTypes, g.Init, g.Type.ValType); err != nil {
			return validationError(SectionIDGlobal, importedGlobals+Index(i), err)
		}
	}

	if m.CodeSection != nil && len(m.CodeSection) != len(m.FunctionSection) {
		return validationError(SectionIDCode, 0, fmt.Errorf("function and code section have inconsistent lengths: %d != %d",
			len(m.FunctionSection), len(m.CodeSection)))
	}
	importedFuncs := m.ImportFuncCount()
	for i, typeIdx := range m.FunctionSection {
		if int(typeIdx) >= len(m.TypeSection) {
			return validationError(SectionIDFunction, importedFuncs+Index(i), fmt.Errorf("invalid type index %d", typeIdx))
		}
	}
	return nil
}

func validateTable(t *TableType) error {
	if t.Max != nil && t.Min > *t.Max {
		return fmt.Errorf("table size minimum must not be greater than maximum: %d > %d", t.Min, *t.Max)
	}
	return nil
}

// ValidateMemoryLimit checks the imported or defined memory against memoryLimitPages. It is what Validate checks of
// memories, for modules restored from an artifact validated under another limit.
func (m *Module) ValidateMemoryLimit(memoryLimitPages uint32) error {
	for i, imp := range m.ImportSection {
		if imp.Type != ExternTypeMemory {
			continue
		}
		if err := validateMemory(imp.DescMem, memoryLimitPages); err != nil {
			return validationError(SectionIDImport, Index(i), fmt.Errorf("%s.%s: %w", imp.Module, imp.Name, err))
		}
	}
	_, _, importedMemories, _ := m.ImportCounts()
	for i, mem := range m.MemorySection {
		if err := validateMemory(mem, memoryLimitPages); err != nil {
			return validationError(SectionIDMemory, importedMemories+Index(i), err)
		}
	}
	return nil
}

func validateMemory(mem *MemoryType, memoryLimitPages uint32) error {
	if mem.Min > MemoryLimitPages {
		return fmt.Errorf("min %d pages over the limit of %d pages", mem.Min, MemoryLimitPages)
	}
	if mem.IsMaxEncoded {
		if mem.Max > MemoryLimitPages {
			return fmt.Errorf("max %d pages over the limit of %d pages", mem.Max, MemoryLimitPages)
		}
		if mem.Min > mem.Max {
			return fmt.Errorf("min %d pages greater than max %d pages", mem.Min, mem.Max)
		}
	}
	if mem.Min > memoryLimitPages {
		return fmt.Errorf("min %d pages over the configured limit of %d pages", mem.Min, memoryLimitPages)
	}
	return nil
}

func (m *Module) validateExports() error {
	funcs := len(m.FunctionTypeIndices())
	globals := len(m.AllGlobalTypes())
	names := make(map[string]struct{}, len(m.ExportSection))
	for i, e := range m.ExportSection {
		if _, ok := names[e.Name]; ok {
			return validationError(SectionIDExport, Index(i), fmt.Errorf("duplicate export name %q", e.Name))
		}
		names[e.Name] = struct{}{}

		var ok bool
		switch e.Type {
		case ExternTypeFunc:
			ok = int(e.Index) < funcs
		case ExternTypeGlobal:
			ok = int(e.Index) < globals
		case ExternTypeMemory:
			ok = e.Index == 0 && m.Memory() != nil
		case ExternTypeTable:
			ok = e.Index == 0 && m.Table() != nil
		}
		if !ok {
			return validationError(SectionIDExport, Index(i), fmt.Errorf("%s[%d] of export %q is out of range",
				ExternTypeName(e.Type), e.Index, e.Name))
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.StartSection == nil {
		return nil
	}
	idx := *m.StartSection
	typeIndices := m.FunctionTypeIndices()
	if int(idx) >= len(typeIndices) {
		return validationError(SectionIDStart, 0, fmt.Errorf("invalid function index %d", idx))
	}
	if ft := m.TypeSection[typeIndices[idx]]; len(ft.Params) > 0 || len(ft.Results) > 0 {
		return validationError(SectionIDStart, 0, fmt.Errorf("start function must have an empty signature, but was %s", ft))
	}
	return nil
}

func (m *Module) validateSegments() error {
	_, _, _, importedGlobals := m.ImportCounts()
	importedGlobalTypes := m.AllGlobalTypes()[:importedGlobals]
	funcs := len(m.FunctionTypeIndices())
	for i, e := range m.ElementSection {
		if e.TableIndex != 0 || m.Table() == nil {
			return validationError(SectionIDElement, Index(i), fmt.Errorf("unknown table %d", e.TableIndex))
		}
		if err := validateConstExpression(importedGlobalTypes, e.OffsetExpr, ValueTypeI32); err != nil {
			return validationError(SectionIDElement, Index(i), err)
		}
		for _, f := range e.Init {
			if int(f) >= funcs {
				return validationError(SectionIDElement, Index(i), fmt.Errorf("invalid function index %d", f))
			}
		}
	}
	for i, d := range m.DataSection {
		if d.MemoryIndex != 0 || m.Memory() == nil {
			return validationError(SectionIDData, Index(i), fmt.Errorf("unknown memory %d", d.MemoryIndex))
		}
		if err := validateConstExpression(importedGlobalTypes, d.OffsetExpression, ValueTypeI32); err != nil {
			return validationError(SectionIDData, Index(i), err)
		}
	}
	return nil
}

func (m *Module) validateFunctions() error {
	vc := &validationContext{
		types:     m.TypeSection,
		functions: m.FunctionTypeIndices(),
		globals:   m.AllGlobalTypes(),
		memory:    m.Memory(),
		table:     m.Table(),
	}
	importedFuncs := m.ImportFuncCount()
	for i, code := range m.CodeSection {
		sig := m.TypeSection[m.FunctionSection[i]]
		if err := validateFunction(vc, sig, code); err != nil {
			return validationError(SectionIDFunction, importedFuncs+Index(i), err)
		}
	}
	return nil
}
