// Package vs compares spwasm with other WebAssembly runtimes on the same modules. Each runtime implements Runtime,
// and the Run functions drive any of them through the same tests and benchmarks.
package vs

import (
	"context"
	"fmt"

	"github.com/spwasm/spwasm"
	"github.com/spwasm/spwasm/api"
)

type RuntimeConfig struct {
	ModuleName string
	ModuleWasm []byte
	FuncNames  []string
}

type Runtime interface {
	Name() string
	Compile(context.Context, *RuntimeConfig) error
	Instantiate(context.Context, *RuntimeConfig) (Module, error)
	Close(context.Context) error
}

type Module interface {
	CallV_V(ctx context.Context, funcName string) error
	CallI64_I64(ctx context.Context, funcName string, param uint64) (uint64, error)
	Close(context.Context) error
}

// NewSpwasmRuntime returns a Runtime of spwasm with the default configuration.
func NewSpwasmRuntime() Runtime {
	return newSpwasmRuntime("spwasm", spwasm.NewRuntimeConfig())
}

// NewSpwasmArtifactRuntime is like NewSpwasmRuntime, except Compile also round trips the module through a compressed
// artifact, so instances run deserialized code.
func NewSpwasmArtifactRuntime() Runtime {
	r := newSpwasmRuntime("spwasm-artifact", spwasm.NewRuntimeConfig().WithArtifactCompression(true))
	r.viaArtifact = true
	return r
}

func newSpwasmRuntime(name string, config *spwasm.RuntimeConfig) *spwasmRuntime {
	return &spwasmRuntime{name: name, config: config}
}

type spwasmRuntime struct {
	name        string
	config      *spwasm.RuntimeConfig
	viaArtifact bool
	runtime     spwasm.Runtime
	compiled    spwasm.CompiledModule
}

type spwasmModule struct {
	inst  api.Instance
	funcs map[string]api.Function
}

func (r *spwasmRuntime) Name() string {
	return r.name
}

func (r *spwasmRuntime) Compile(ctx context.Context, cfg *RuntimeConfig) (err error) {
	r.runtime = spwasm.NewRuntimeWithConfig(ctx, r.config)
	if r.compiled, err = r.runtime.CompileModule(ctx, cfg.ModuleWasm); err != nil {
		return
	}
	if r.viaArtifact {
		var artifact []byte
		if artifact, err = r.runtime.SerializeModule(r.compiled); err != nil {
			return
		}
		r.compiled, err = r.runtime.DeserializeModule(ctx, artifact)
	}
	return
}

func (r *spwasmRuntime) Instantiate(ctx context.Context, cfg *RuntimeConfig) (mod Module, err error) {
	m := &spwasmModule{funcs: map[string]api.Function{}}
	if m.inst, err = r.runtime.Instantiate(ctx, r.compiled, nil, cfg.ModuleName); err != nil {
		return
	}

	// Ensure function exports exist.
	for _, funcName := range cfg.FuncNames {
		if fn := m.inst.ExportedFunction(funcName); fn == nil {
			return nil, fmt.Errorf("%s is not an exported function", funcName)
		} else {
			m.funcs[funcName] = fn
		}
	}
	mod = m
	return
}

func (r *spwasmRuntime) Close(ctx context.Context) (err error) {
	if rt := r.runtime; rt != nil {
		err = rt.Close(ctx)
	}
	r.runtime, r.compiled = nil, nil
	return
}

func (m *spwasmModule) CallV_V(ctx context.Context, funcName string) (err error) {
	_, err = m.funcs[funcName].Call(ctx)
	return
}

func (m *spwasmModule) CallI64_I64(ctx context.Context, funcName string, param uint64) (uint64, error) {
	if results, err := m.funcs[funcName].Call(ctx, param); err != nil {
		return 0, err
	} else if len(results) > 0 {
		return results[0], nil
	}
	return 0, nil
}

func (m *spwasmModule) Close(ctx context.Context) (err error) {
	if inst := m.inst; inst != nil {
		err = inst.Close(ctx)
	}
	m.inst = nil
	return
}
