package compiler

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spwasm/spwasm/internal/wasm"
)

// DefaultCallStackLimit is the maximum call depth when the runtime doesn't configure one.
const DefaultCallStackLimit = 10000

// Relocation is a call site whose callee is filled in when the code is linked.
type Relocation struct {
	// Offset is the position of the call site in CompiledModule.Code. Where the callee is written depends on the
	// target: the operand of opCall for spvm64, the immediate of the instruction at Offset for native targets.
	Offset uint64
	// FunctionIndex is the callee in the module's function index space, imports first.
	FunctionIndex wasm.Index
}

// FunctionRecord locates the code of a function defined by the module.
type FunctionRecord struct {
	TypeIndex wasm.Index
	// Entry is the offset of the function header in CompiledModule.Code.
	Entry uint64
	// Length is the size of the header and instructions, excluding alignment padding.
	Length    uint64
	FrameSize uint32
	// Relocations are the call sites of the function, in code order.
	Relocations []Relocation
}

// CompiledModule is the immutable result of compiling a module. It can be instantiated any number of times and
// serialized. Code is never modified: linking produces a copy, shared by all instances.
type CompiledModule struct {
	// Module is the decoded module without function bodies.
	Module *wasm.Module
	// Functions is index-correlated with Module.FunctionSection.
	Functions []FunctionRecord
	// Code is the contiguous buffer of all functions, each entry aligned to 8 bytes.
	Code []byte

	backend  *backend
	linkOnce sync.Once
	linked   []byte
	linkErr  error
}

// Target returns the instruction set of Code.
func (cm *CompiledModule) Target() string {
	return cm.backend.target
}

// Disassemble lists the code of the i-th function defined by the module.
func (cm *CompiledModule) Disassemble(i int) (string, error) {
	return cm.backend.disassemble(cm.FunctionCode(i))
}

// FunctionCode returns the code of the i-th function defined by the module, header first.
func (cm *CompiledModule) FunctionCode(i int) []byte {
	f := &cm.Functions[i]
	return cm.Code[f.Entry : f.Entry+f.Length]
}

// RelocationCount returns the number of call sites in the module.
func (cm *CompiledModule) RelocationCount() (n int) {
	for i := range cm.Functions {
		n += len(cm.Functions[i].Relocations)
	}
	return
}

// verify checks the invariants the executor relies on, so that code restored from an artifact can be trusted.
func (cm *CompiledModule) verify() error {
	m := cm.Module
	if len(cm.Functions) != len(m.FunctionSection) {
		return fmt.Errorf("%d function records for %d functions", len(cm.Functions), len(m.FunctionSection))
	}
	importFuncs := m.ImportFuncCount()
	totalFuncs := uint64(importFuncs) + uint64(len(cm.Functions))
	var pc uint64
	for i := range cm.Functions {
		f := &cm.Functions[i]
		if f.TypeIndex != m.FunctionSection[i] || int(f.TypeIndex) >= len(m.TypeSection) {
			return fmt.Errorf("function[%d]: invalid type index %d", i, f.TypeIndex)
		}
		pc = alignUp(pc)
		if f.Entry != pc {
			return fmt.Errorf("function[%d]: entry %#x, expected %#x", i, f.Entry, pc)
		}
		if f.Length < functionHeaderSize || f.Entry+f.Length > uint64(len(cm.Code)) {
			return fmt.Errorf("function[%d]: length %d out of range", i, f.Length)
		}
		h := readFunctionHeader(cm.Code[f.Entry:])
		ft := m.TypeSection[f.TypeIndex]
		if h.params != uint32(len(ft.Params)) || h.results != uint32(len(ft.Results)) ||
			h.frameSize != f.FrameSize || uint64(h.params)+uint64(h.locals) > uint64(h.frameSize) {
			return fmt.Errorf("function[%d]: header mismatch", i)
		}
		for _, r := range f.Relocations {
			if r.Offset < f.Entry+functionHeaderSize {
				return fmt.Errorf("function[%d]: relocation offset %#x out of range", i, r.Offset)
			}
			if uint64(r.FunctionIndex) >= totalFuncs ||
				(!cm.backend.callsImports && r.FunctionIndex < importFuncs) {
				return fmt.Errorf("function[%d]: relocation target %d out of range", i, r.FunctionIndex)
			}
			if err := cm.backend.checkCallSite(cm.Code, r.Offset, f.Entry+f.Length); err != nil {
				return fmt.Errorf("function[%d]: %w", i, err)
			}
		}
		pc = f.Entry + f.Length
	}
	if pc != uint64(len(cm.Code)) {
		return fmt.Errorf("code length %d, expected %d", len(cm.Code), pc)
	}
	if cm.backend.callsImports && pc >= uint64(importFlag) {
		return fmt.Errorf("code length %d exceeds the addressable range", pc)
	}
	return nil
}

func alignUp(pc uint64) uint64 {
	return (pc + functionAlignment - 1) &^ (functionAlignment - 1)
}

// Engine compiles modules for one target and creates the ModuleEngine of their instances.
type Engine struct {
	logger         *zap.Logger
	backend        *backend
	workers        int
	callStackLimit int
	executors      sync.Pool
}

// NewEngine returns an Engine compiling for Target with up to workers goroutines. workers below 2 compiles on the
// calling goroutine.
func NewEngine(logger *zap.Logger, workers, callStackLimit int) *Engine {
	return newEngine(logger, backends[0], workers, callStackLimit)
}

// NewEngineForTarget is like NewEngine, for one of Targets.
func NewEngineForTarget(logger *zap.Logger, target string, workers, callStackLimit int) (*Engine, error) {
	b, err := lookupBackend(target)
	if err != nil {
		return nil, err
	}
	return newEngine(logger, b, workers, callStackLimit), nil
}

func newEngine(logger *zap.Logger, b *backend, workers, callStackLimit int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callStackLimit <= 0 {
		callStackLimit = DefaultCallStackLimit
	}
	e := &Engine{logger: logger, backend: b, workers: workers, callStackLimit: callStackLimit}
	e.executors.New = func() interface{} { return b.newExecutor(e.callStackLimit) }
	return e
}

// Target returns the instruction set the engine compiles to.
func (e *Engine) Target() string {
	return e.backend.target
}

// compileBatchSize is the number of functions a worker compiles per task, so that tiny functions don't cost a
// goroutine each.
const compileBatchSize = 64

// CompileModule generates the code of every function of a validated module. The code buffer is laid out in
// function index order, so the output doesn't depend on the number of workers.
//
// Any failure is returned as *api.CompileError for the lowest failing function index, and no module is returned.
func (e *Engine) CompileModule(ctx context.Context, m *wasm.Module) (*CompiledModule, error) {
	start := time.Now()
	mc := newModuleContext(m)
	n := len(m.CodeSection)
	funcs := make([]*compiledFunction, n)

	if e.workers < 2 || n <= compileBatchSize {
		for i := 0; i < n; i++ {
			f, err := compileFunction(mc, e.backend, i, m.FunctionSection[i], m.CodeSection[i])
			if err != nil {
				return nil, err
			}
			funcs[i] = f
		}
	} else if err := e.compileParallel(ctx, mc, m, funcs); err != nil {
		return nil, err
	}

	cm := &CompiledModule{Module: stripBodies(m), Functions: make([]FunctionRecord, n), backend: e.backend}
	size := 0
	for _, f := range funcs {
		size = int(alignUp(uint64(size))) + len(f.code)
	}
	cm.Code = make([]byte, 0, size)
	for i, f := range funcs {
		for uint64(len(cm.Code)) != alignUp(uint64(len(cm.Code))) {
			cm.Code = append(cm.Code, e.backend.padding)
		}
		entry := uint64(len(cm.Code))
		cm.Code = append(cm.Code, f.code...)
		rec := FunctionRecord{
			TypeIndex: m.FunctionSection[i],
			Entry:     entry,
			Length:    uint64(len(f.code)),
			FrameSize: f.frameSize,
		}
		if len(f.relocations) > 0 {
			rec.Relocations = make([]Relocation, len(f.relocations))
			for j, r := range f.relocations {
				rec.Relocations[j] = Relocation{Offset: entry + r.Offset, FunctionIndex: r.FunctionIndex}
			}
		}
		cm.Functions[i] = rec
	}

	e.logger.Debug("compiled module",
		zap.Binary("module_id", m.ID[:8]),
		zap.String("target", e.backend.target),
		zap.Int("functions", n),
		zap.Int("code_bytes", len(cm.Code)),
		zap.Duration("duration", time.Since(start)))
	return cm, nil
}

func (e *Engine) compileParallel(ctx context.Context, mc *moduleContext, m *wasm.Module, funcs []*compiledFunction) error {
	n := len(funcs)
	batches := (n + compileBatchSize - 1) / compileBatchSize
	errs := make([]error, batches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for b := 0; b < batches; b++ {
		if gctx.Err() != nil {
			break
		}
		b := b
		g.Go(func() error {
			end := (b + 1) * compileBatchSize
			if end > n {
				end = n
			}
			for i := b * compileBatchSize; i < end; i++ {
				f, err := compileFunction(mc, e.backend, i, m.FunctionSection[i], m.CodeSection[i])
				if err != nil {
					errs[b] = err
					return err
				}
				funcs[i] = f
			}
			return nil
		})
	}
	waitErr := g.Wait()
	// Batches are started in order and run to completion, so the first recorded error is the lowest index.
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if waitErr != nil {
		return waitErr
	}
	return ctx.Err()
}

// stripBodies returns a shallow copy of m without the code section, which isn't needed after compilation.
func stripBodies(m *wasm.Module) *wasm.Module {
	ret := *m
	ret.CodeSection = nil
	return &ret
}

// NewModuleEngine links the compiled code for inst, whose functions and globals are already allocated.
func (e *Engine) NewModuleEngine(cm *CompiledModule, inst *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	if cm.backend != e.backend {
		return nil, fmt.Errorf("module compiled for %s, engine runs %s", cm.backend.target, e.backend.target)
	}
	code, err := cm.linkedCode()
	if err != nil {
		return nil, err
	}
	return &moduleEngine{
		parent:      e,
		compiled:    cm,
		code:        code,
		instance:    inst,
		importFuncs: cm.Module.ImportFuncCount(),
	}, nil
}

// moduleEngine implements wasm.ModuleEngine.
type moduleEngine struct {
	parent   *Engine
	compiled *CompiledModule
	// code is the linked code, shared with the other instances of the module.
	code        []byte
	instance    *wasm.ModuleInstance
	importFuncs uint32
}

// codeAddress returns the address of the linked code.
func (me *moduleEngine) codeAddress() uintptr {
	return uintptr(unsafe.Pointer(&me.code[0]))
}

// entryOf returns the code offset of a function defined by the module.
func (me *moduleEngine) entryOf(index wasm.Index) uint64 {
	return me.compiled.Functions[index-me.importFuncs].Entry
}

// Call implements the same method as documented on wasm.ModuleEngine.
func (me *moduleEngine) Call(ctx context.Context, f *wasm.FunctionInstance, params []uint64) ([]uint64, error) {
	ex := me.parent.executors.Get().(executor)
	defer me.parent.executors.Put(ex)
	return ex.call(ctx, me, f, params)
}
