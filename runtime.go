package spwasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/wasm"
	"github.com/spwasm/spwasm/internal/wasm/binary"
)

// Runtime allows embedding of WebAssembly 1.0 (20191205) modules.
//
// Ex.
//
//	ctx := context.Background()
//	r := spwasm.NewRuntime(ctx)
//	defer r.Close(ctx) // This closes everything this Runtime created.
//
//	compiled, _ := r.CompileModule(ctx, source)
//	inst, _ := r.Instantiate(ctx, compiled, spwasm.NewImports(), "math")
//	results, _ := inst.ExportedFunction("add").Call(ctx, 1, 2)
type Runtime interface {
	// CompileModule decodes, validates and compiles the WebAssembly binary source. Failures are *api.DecodeError,
	// *api.ValidationError or *api.CompileError, and no module is returned with them.
	//
	// With a compilation cache configured, a cached artifact of the same source is used instead of compiling.
	CompileModule(ctx context.Context, source []byte) (CompiledModule, error)

	// Instantiate creates an instance of compiled named name, with its imports resolved against imports. A nil
	// imports resolves nothing.
	//
	// An unresolvable or mismatched import is *api.LinkError naming the first one in declaration order, and a trap
	// in the start function is *api.Trap. No instance is returned in either case, and compiled remains usable.
	Instantiate(ctx context.Context, compiled CompiledModule, imports *Imports, name string) (api.Instance, error)

	// SerializeModule encodes compiled into an artifact. The output is identical for identical modules.
	SerializeModule(compiled CompiledModule) ([]byte, error)

	// DeserializeModule restores a module from an artifact produced by SerializeModule of the same version of this
	// library, without decoding or compiling anything. Failures are *api.ArtifactError.
	DeserializeModule(ctx context.Context, artifact []byte) (CompiledModule, error)

	// Close closes all the instances and compiled modules created by this runtime. Further use returns
	// api.ErrRuntimeClosed.
	api.Closer
}

// NewRuntime returns a runtime with the default configuration.
func NewRuntime(ctx context.Context) Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(ctx context.Context, config *RuntimeConfig) Runtime {
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &runtime{
		config: config.clone(),
		logger: logger,
		engine: compiler.NewEngine(logger, config.workers(), config.callStackLimit),
	}
	if c, ok := config.cache.(*cache); ok {
		r.cache = c
	}
	return r
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	config *RuntimeConfig
	logger *zap.Logger
	engine *compiler.Engine
	cache  *cache

	mux       sync.Mutex
	closed    bool
	compiled  []*compiledModule
	instances []*wasm.ModuleInstance
}

// track records c for Close, or fails if the runtime is closed.
func (r *runtime) track(c *compiledModule, inst *wasm.ModuleInstance) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return api.ErrRuntimeClosed
	}
	if c != nil {
		r.compiled = append(r.compiled, c)
	}
	if inst != nil {
		inst.OnClose(func() { r.untrack(inst) })
		r.instances = append(r.instances, inst)
	}
	return nil
}

// untrack forgets inst once it is closed, so that long-lived runtimes don't hold every instance they created.
func (r *runtime) untrack(inst *wasm.ModuleInstance) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for i, tracked := range r.instances {
		if tracked == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			break
		}
	}
	r.logger.Debug("closed instance", zap.String("name", inst.ModuleName))
}

func (r *runtime) isClosed() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.closed
}

// CompileModule implements Runtime.CompileModule
func (r *runtime) CompileModule(ctx context.Context, source []byte) (CompiledModule, error) {
	if r.isClosed() {
		return nil, api.ErrRuntimeClosed
	}

	cm, err := r.compileModule(ctx, source)
	if err != nil {
		return nil, err
	}
	ret := &compiledModule{compiled: cm}
	if err = r.track(ret, nil); err != nil {
		return nil, err
	}
	return ret, nil
}

func (r *runtime) compileModule(ctx context.Context, source []byte) (*compiler.CompiledModule, error) {
	if r.cache == nil {
		return r.compileSource(ctx, source)
	}

	key := r.cache.key(source, r.config)
	artifact, err := r.cache.get(key)
	if err != nil {
		return nil, fmt.Errorf("read compilation cache: %w", err)
	}
	if artifact != nil {
		cm, err := r.engine.Deserialize(artifact)
		if err == nil {
			r.logger.Debug("compilation cache hit", zap.Binary("key", key[:8]))
			return cm, nil
		}
		var ae *api.ArtifactError
		if !errors.As(err, &ae) {
			return nil, err
		}
		// The entry is stale or corrupt, so it is replaced below.
		r.logger.Debug("compilation cache entry unusable",
			zap.Binary("key", key[:8]), zap.Bool("stale", ae.Stale), zap.Error(err))
		if err = r.cache.delete(key); err != nil {
			return nil, fmt.Errorf("delete compilation cache entry: %w", err)
		}
	} else {
		r.logger.Debug("compilation cache miss", zap.Binary("key", key[:8]))
	}

	cm, err := r.compileSource(ctx, source)
	if err != nil {
		return nil, err
	}
	if artifact, err = r.engine.Serialize(cm, r.config.compressArtifacts); err != nil {
		return nil, err
	}
	if err = r.cache.add(key, artifact); err != nil {
		return nil, fmt.Errorf("write compilation cache: %w", err)
	}
	return cm, nil
}

func (r *runtime) compileSource(ctx context.Context, source []byte) (*compiler.CompiledModule, error) {
	start := time.Now()
	m, err := binary.DecodeModule(source)
	if err != nil {
		return nil, err
	}
	if err = m.Validate(r.config.memoryLimitPages); err != nil {
		return nil, err
	}
	cm, err := r.engine.CompileModule(ctx, m)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("compiled module from source",
		zap.Int("source_bytes", len(source)),
		zap.Duration("duration", time.Since(start)))
	return cm, nil
}

// Instantiate implements Runtime.Instantiate
func (r *runtime) Instantiate(ctx context.Context, compiled CompiledModule, imports *Imports, name string) (api.Instance, error) {
	if r.isClosed() {
		return nil, api.ErrRuntimeClosed
	}
	c, err := r.unwrap(compiled)
	if err != nil {
		return nil, err
	}
	if imports == nil {
		imports = NewImports()
	}

	inst, err := wasm.NewModuleInstance(c.module(), name, imports, r.config.memoryLimitPages)
	if err != nil {
		return nil, err
	}
	if inst.Engine, err = r.engine.NewModuleEngine(c.compiled, inst); err != nil {
		return nil, err
	}
	if err = inst.ApplySegments(); err != nil {
		return nil, err
	}
	if start := c.module().StartSection; start != nil {
		if _, err = inst.Engine.Call(ctx, inst.Functions[*start], nil); err != nil {
			return nil, fmt.Errorf("start function: %w", err)
		}
	}
	if err = r.track(nil, inst); err != nil {
		return nil, err
	}
	id := c.ID()
	r.logger.Debug("instantiated module",
		zap.String("name", name),
		zap.Binary("module_id", id[:8]),
		zap.Int("exports", len(inst.Exports())))
	return inst, nil
}

func (r *runtime) unwrap(compiled CompiledModule) (*compiledModule, error) {
	c, ok := compiled.(*compiledModule)
	if !ok {
		return nil, fmt.Errorf("unsupported compiled module implementation: %T", compiled)
	}
	if c.closed.Load() {
		return nil, errors.New("compiled module closed")
	}
	return c, nil
}

// SerializeModule implements Runtime.SerializeModule
func (r *runtime) SerializeModule(compiled CompiledModule) ([]byte, error) {
	c, err := r.unwrap(compiled)
	if err != nil {
		return nil, err
	}
	return r.engine.Serialize(c.compiled, r.config.compressArtifacts)
}

// DeserializeModule implements Runtime.DeserializeModule
func (r *runtime) DeserializeModule(_ context.Context, artifact []byte) (CompiledModule, error) {
	if r.isClosed() {
		return nil, api.ErrRuntimeClosed
	}
	cm, err := r.engine.Deserialize(artifact)
	if err != nil {
		return nil, err
	}
	// The artifact may come from a runtime with a larger memory limit.
	if err = cm.Module.ValidateMemoryLimit(r.config.memoryLimitPages); err != nil {
		return nil, err
	}
	ret := &compiledModule{compiled: cm}
	if err = r.track(ret, nil); err != nil {
		return nil, err
	}
	return ret, nil
}

// Close implements api.Closer
func (r *runtime) Close(ctx context.Context) error {
	r.mux.Lock()
	if r.closed {
		r.mux.Unlock()
		return nil
	}
	r.closed = true
	instances, compiled := r.instances, r.compiled
	r.instances, r.compiled = nil, nil
	r.mux.Unlock()

	var errs []error
	for _, inst := range instances {
		errs = append(errs, inst.Close(ctx))
	}
	for _, c := range compiled {
		errs = append(errs, c.Close(ctx))
	}
	return errors.Join(errs...)
}
