package spwasm

import (
	"fmt"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

// Imports binds the imports of a module at instantiation. Host items are defined with the With methods, and
// WithInstance makes every export of an instance importable under the instance name.
//
// Imports is not goroutine-safe while being built, but may be shared by concurrent instantiations afterwards.
//
// Ex.
//
//	imports := spwasm.NewImports().
//		WithFunction("env", "log", []api.ValueType{api.ValueTypeI32}, nil, logFn).
//		WithInstance(lib)
//	inst, err := r.Instantiate(ctx, compiled, imports, "app")
type Imports struct {
	externs   map[string]*wasm.Extern
	instances map[string]*wasm.ModuleInstance
}

// NewImports returns an empty set of bindings.
func NewImports() *Imports {
	return &Imports{externs: map[string]*wasm.Extern{}, instances: map[string]*wasm.ModuleInstance{}}
}

func importKey(module, name string) string {
	return module + "\x00" + name
}

// WithFunction binds module.name to a Go function with the given signature. fn reads its parameters from the
// stack and writes its results back to it, starting at index zero.
func (i *Imports) WithFunction(module, name string, params, results []api.ValueType, fn api.GoFunction) *Imports {
	i.externs[importKey(module, name)] = &wasm.Extern{
		Type: wasm.ExternTypeFunc,
		Function: &wasm.FunctionInstance{
			Type:      &wasm.FunctionType{Params: params, Results: results},
			Host:      fn,
			DebugName: module + "." + name,
		},
	}
	return i
}

// WithMemory binds module.name to a new memory of min pages, growable up to max pages.
func (i *Imports) WithMemory(module, name string, min, max uint32) *Imports {
	i.externs[importKey(module, name)] = &wasm.Extern{
		Type:   wasm.ExternTypeMemory,
		Memory: wasm.NewMemoryInstance(min, max),
	}
	return i
}

// WithGlobal binds module.name to a new global of the given type and initial value, encoded as api.ValueType
// describes.
func (i *Imports) WithGlobal(module, name string, valType api.ValueType, mutable bool, value uint64) *Imports {
	i.externs[importKey(module, name)] = &wasm.Extern{
		Type: wasm.ExternTypeGlobal,
		Global: &wasm.GlobalInstance{
			Type: &wasm.GlobalType{ValType: valType, Mutable: mutable},
			Val:  value,
		},
	}
	return i
}

// WithTable binds module.name to a new table of min uninitialized elements.
func (i *Imports) WithTable(module, name string, min uint32, max *uint32) *Imports {
	i.externs[importKey(module, name)] = &wasm.Extern{
		Type:  wasm.ExternTypeTable,
		Table: wasm.NewTableInstance(min, max),
	}
	return i
}

// WithInstance makes the exports of inst importable under inst.Name(). Items bound with the other With methods
// take precedence. inst must have been returned by a Runtime of this package.
func (i *Imports) WithInstance(inst api.Instance) *Imports {
	mi, ok := inst.(*wasm.ModuleInstance)
	if !ok {
		panic(fmt.Sprintf("unsupported instance implementation: %T", inst))
	}
	i.instances[mi.ModuleName] = mi
	return i
}

// ResolveImport implements wasm.ImportResolver.
func (i *Imports) ResolveImport(module, name string) (*wasm.Extern, bool) {
	if ext, ok := i.externs[importKey(module, name)]; ok {
		return ext, true
	}
	if inst, ok := i.instances[module]; ok {
		return inst.LookupExtern(name)
	}
	return nil, false
}
