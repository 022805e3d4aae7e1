package wasm

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/spwasm/spwasm/api"
)

// FunctionInstance is a function in the index space of an instance: either defined by a module or a host
// function.
type FunctionInstance struct {
	Type *FunctionType
	// Module is the instance defining this function, or nil for a host function.
	Module *ModuleInstance
	// Index is the position of this function in the function index space of Module.
	Index Index
	// Host is non-nil for host functions.
	Host api.GoFunction
	// DebugName is used in traps, e.g. "env.add" or "math.$3".
	DebugName string
}

// ModuleInstance is an instantiated module and implements api.Instance.
//
// Note: the fields are exported for the engine; end users interact with api.Instance.
type ModuleInstance struct {
	ModuleName string
	Source     *Module

	// Functions holds imported functions first, then the ones defined by Source.
	Functions      []*FunctionInstance
	Globals        []*GlobalInstance
	MemoryInstance *MemoryInstance
	TableInstance  *TableInstance
	Engine         ModuleEngine

	exports     []*Export
	exportIndex map[string]int

	closed  atomic.Bool
	onClose func()
}

// compile-time check to ensure ModuleInstance implements api.Instance
var _ api.Instance = &ModuleInstance{}

// String implements fmt.Stringer
func (m *ModuleInstance) String() string {
	return fmt.Sprintf("Instance[%s]", m.ModuleName)
}

// Name implements api.Instance Name
func (m *ModuleInstance) Name() string {
	return m.ModuleName
}

// OnClose registers a callback invoked once when the instance is closed.
func (m *ModuleInstance) OnClose(f func()) {
	m.onClose = f
}

// Closed returns true after Close.
func (m *ModuleInstance) Closed() bool {
	return m.closed.Load()
}

// Close implements api.Closer. Closing twice is a no-op.
func (m *ModuleInstance) Close(context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

// Export implements api.Instance Export
func (m *ModuleInstance) Export(name string) (api.Export, error) {
	if m.closed.Load() {
		return nil, api.ErrInstanceClosed
	}
	i, ok := m.exportIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", api.ErrExportNotFound, name, m.ModuleName)
	}
	return ExportHandle{instance: m, index: i}, nil
}

// Exports implements api.Instance Exports
func (m *ModuleInstance) Exports() []string {
	ret := make([]string, len(m.exports))
	for i, e := range m.exports {
		ret[i] = e.Name
	}
	return ret
}

// Memory implements api.Instance Memory
func (m *ModuleInstance) Memory() api.Memory {
	if m.MemoryInstance == nil {
		return nil
	}
	return m.MemoryInstance
}

func (m *ModuleInstance) exported(name string, kind ExternType) (*Export, bool) {
	if m.closed.Load() {
		return nil, false
	}
	i, ok := m.exportIndex[name]
	if !ok || m.exports[i].Type != kind {
		return nil, false
	}
	return m.exports[i], true
}

// ExportedFunction implements api.Instance ExportedFunction
func (m *ModuleInstance) ExportedFunction(name string) api.Function {
	e, ok := m.exported(name, ExternTypeFunc)
	if !ok {
		return nil
	}
	return &functionHandle{instance: m, fn: m.Functions[e.Index], name: e.Name}
}

// ExportedMemory implements api.Instance ExportedMemory
func (m *ModuleInstance) ExportedMemory(name string) api.Memory {
	if _, ok := m.exported(name, ExternTypeMemory); !ok {
		return nil
	}
	return m.MemoryInstance
}

// ExportedGlobal implements api.Instance ExportedGlobal
func (m *ModuleInstance) ExportedGlobal(name string) api.Global {
	e, ok := m.exported(name, ExternTypeGlobal)
	if !ok {
		return nil
	}
	return GlobalView(m.Globals[e.Index])
}

// ExportedTable implements api.Instance ExportedTable
func (m *ModuleInstance) ExportedTable(name string) api.Table {
	if _, ok := m.exported(name, ExternTypeTable); !ok {
		return nil
	}
	return m.TableInstance
}

// LookupExtern returns the export as an Extern, so that it can satisfy an import of another module.
func (m *ModuleInstance) LookupExtern(name string) (*Extern, bool) {
	if m.closed.Load() {
		return nil, false
	}
	i, ok := m.exportIndex[name]
	if !ok {
		return nil, false
	}
	e := m.exports[i]
	ext := &Extern{Type: e.Type}
	switch e.Type {
	case ExternTypeFunc:
		ext.Function = m.Functions[e.Index]
	case ExternTypeMemory:
		ext.Memory = m.MemoryInstance
	case ExternTypeTable:
		ext.Table = m.TableInstance
	case ExternTypeGlobal:
		ext.Global = m.Globals[e.Index]
	}
	return ext, true
}

// buildExports indexes the export section for constant time lookup by name.
func (m *ModuleInstance) buildExports() {
	m.exports = m.Source.ExportSection
	m.exportIndex = make(map[string]int, len(m.exports))
	for i, e := range m.exports {
		m.exportIndex[e.Name] = i
	}
}

// ExportHandle is a copyable reference to one export of an instance, and implements api.Export.
type ExportHandle struct {
	instance *ModuleInstance
	index    int
}

// compile-time check to ensure ExportHandle implements api.Export
var _ api.Export = ExportHandle{}

func (e ExportHandle) export() *Export {
	return e.instance.exports[e.index]
}

// Name implements api.Export Name
func (e ExportHandle) Name() string {
	return e.export().Name
}

// Kind implements api.Export Kind
func (e ExportHandle) Kind() api.ExternType {
	return e.export().Type
}

func (e ExportHandle) as(kind ExternType) (*Export, error) {
	if e.instance.closed.Load() {
		return nil, api.ErrInstanceClosed
	}
	exp := e.export()
	if exp.Type != kind {
		return nil, fmt.Errorf("%w: %q is a %s, not a %s", api.ErrExportKind, exp.Name,
			ExternTypeName(exp.Type), ExternTypeName(kind))
	}
	return exp, nil
}

// Function implements api.Export Function
func (e ExportHandle) Function() (api.Function, error) {
	exp, err := e.as(ExternTypeFunc)
	if err != nil {
		return nil, err
	}
	return &functionHandle{instance: e.instance, fn: e.instance.Functions[exp.Index], name: exp.Name}, nil
}

// Memory implements api.Export Memory
func (e ExportHandle) Memory() (api.Memory, error) {
	if _, err := e.as(ExternTypeMemory); err != nil {
		return nil, err
	}
	return e.instance.MemoryInstance, nil
}

// Global implements api.Export Global
func (e ExportHandle) Global() (api.Global, error) {
	exp, err := e.as(ExternTypeGlobal)
	if err != nil {
		return nil, err
	}
	return GlobalView(e.instance.Globals[exp.Index]), nil
}

// Table implements api.Export Table
func (e ExportHandle) Table() (api.Table, error) {
	if _, err := e.as(ExternTypeTable); err != nil {
		return nil, err
	}
	return e.instance.TableInstance, nil
}

// Call implements api.Export Call
func (e ExportHandle) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	f, err := e.Function()
	if err != nil {
		return nil, err
	}
	return f.Call(ctx, params...)
}

// functionHandle implements api.Function for an exported function.
type functionHandle struct {
	// instance is the exporting instance, whose engine runs the call.
	instance *ModuleInstance
	fn       *FunctionInstance
	name     string
}

// Name implements api.Function Name
func (f *functionHandle) Name() string {
	return f.name
}

// ParamTypes implements api.Function ParamTypes
func (f *functionHandle) ParamTypes() []api.ValueType {
	return f.fn.Type.Params
}

// ResultTypes implements api.Function ResultTypes
func (f *functionHandle) ResultTypes() []api.ValueType {
	return f.fn.Type.Results
}

// Call implements api.Function Call
func (f *functionHandle) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if f.instance.closed.Load() {
		return nil, api.ErrInstanceClosed
	}
	ft := f.fn.Type
	if len(params) != len(ft.Params) {
		return nil, fmt.Errorf("%w: %s expects %d params, but passed %d", api.ErrSignatureMismatch,
			f.name, len(ft.Params), len(params))
	}
	for i, t := range ft.Params {
		if (t == ValueTypeI32 || t == ValueTypeF32) && params[i]>>32 != 0 {
			return nil, fmt.Errorf("%w: %s param[%d] is %s, but has upper bits set: %#x", api.ErrSignatureMismatch,
				f.name, i, ValueTypeName(t), params[i])
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return f.instance.Engine.Call(ctx, f.fn, params)
}

// CallValues implements api.Function CallValues
func (f *functionHandle) CallValues(ctx context.Context, params ...api.Value) ([]api.Value, error) {
	ft := f.fn.Type
	if len(params) != len(ft.Params) {
		return nil, fmt.Errorf("%w: %s expects %d params, but passed %d", api.ErrSignatureMismatch,
			f.name, len(ft.Params), len(params))
	}
	raw := make([]uint64, len(params))
	for i, p := range params {
		if p.Type != ft.Params[i] {
			return nil, fmt.Errorf("%w: %s param[%d] must be %s, but was %s", api.ErrSignatureMismatch,
				f.name, i, ValueTypeName(ft.Params[i]), ValueTypeName(p.Type))
		}
		raw[i] = p.Bits
	}
	results, err := f.Call(ctx, raw...)
	if err != nil {
		return nil, err
	}
	ret := make([]api.Value, len(results))
	for i, r := range results {
		ret[i] = api.Value{Type: ft.Results[i], Bits: r}
	}
	return ret, nil
}

// functionDebugNames returns the name of each function in traps, preferring the export name.
func functionDebugNames(moduleName string, m *Module, importedFuncs uint32) []string {
	names := make([]string, len(m.FunctionSection))
	for _, e := range m.ExportSection {
		if e.Type == ExternTypeFunc && e.Index >= importedFuncs && names[e.Index-importedFuncs] == "" {
			names[e.Index-importedFuncs] = moduleName + "." + e.Name
		}
	}
	for i := range names {
		if names[i] == "" {
			names[i] = moduleName + ".$" + strconv.Itoa(int(importedFuncs)+i)
		}
	}
	return names
}
