package spwasm

import (
	"context"
	"sync/atomic"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/wasm"
)

// CompiledModule is a WebAssembly module ready to be instantiated (Runtime.Instantiate) as an api.Instance. It is
// immutable and may be instantiated any number of times, concurrently.
//
// Note: In WebAssembly language, this is a decoded, validated, and compiled module. spwasm avoids using the name
// "Module" for both before and after instantiation as the name conflation has caused confusion.
type CompiledModule interface {
	// ID is the sha256 of the module source.
	ID() [32]byte

	// Imports describes the imports in declaration order.
	Imports() []ImportDescription

	// Exports describes the exports in declaration order.
	Exports() []ExportDescription

	// FunctionCount is the number of functions defined by the module, excluding imports.
	FunctionCount() int

	// CodeSize is the length of the generated code in bytes.
	CodeSize() int

	// Close releases the module. Instances of it keep working, but it can no longer be instantiated or serialized.
	api.Closer
}

// ImportDescription is one import of a CompiledModule.
type ImportDescription struct {
	Module, Name string
	Kind         api.ExternType
	// Signature is set for function imports, e.g. "(param i32 i32) (result i32)".
	Signature string
}

// ExportDescription is one export of a CompiledModule.
type ExportDescription struct {
	Name string
	Kind api.ExternType
	// Signature is set for function exports.
	Signature string
}

// compiledModule implements CompiledModule.
type compiledModule struct {
	compiled *compiler.CompiledModule
	closed   atomic.Bool
}

func (c *compiledModule) module() *wasm.Module {
	return c.compiled.Module
}

// ID implements CompiledModule.ID
func (c *compiledModule) ID() [32]byte {
	return c.module().ID
}

// Imports implements CompiledModule.Imports
func (c *compiledModule) Imports() []ImportDescription {
	m := c.module()
	ret := make([]ImportDescription, len(m.ImportSection))
	for i, imp := range m.ImportSection {
		ret[i] = ImportDescription{Module: imp.Module, Name: imp.Name, Kind: imp.Type}
		if imp.Type == wasm.ExternTypeFunc {
			ret[i].Signature = m.TypeSection[imp.DescFunc].Signature()
		}
	}
	return ret
}

// Exports implements CompiledModule.Exports
func (c *compiledModule) Exports() []ExportDescription {
	m := c.module()
	var funcTypes []wasm.Index
	ret := make([]ExportDescription, len(m.ExportSection))
	for i, e := range m.ExportSection {
		ret[i] = ExportDescription{Name: e.Name, Kind: e.Type}
		if e.Type == wasm.ExternTypeFunc {
			if funcTypes == nil {
				funcTypes = m.FunctionTypeIndices()
			}
			ret[i].Signature = m.TypeSection[funcTypes[e.Index]].Signature()
		}
	}
	return ret
}

// FunctionCount implements CompiledModule.FunctionCount
func (c *compiledModule) FunctionCount() int {
	return len(c.compiled.Functions)
}

// CodeSize implements CompiledModule.CodeSize
func (c *compiledModule) CodeSize() int {
	return len(c.compiled.Code)
}

// Close implements api.Closer
func (c *compiledModule) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}
