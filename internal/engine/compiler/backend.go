package compiler

import (
	"context"
	"fmt"

	"github.com/spwasm/spwasm/internal/wasm"
)

// backend is the target specific half of the engine: how function bodies are emitted, how call sites are resolved
// and how the linked code is run.
type backend struct {
	// target is stored in artifacts so that code is never loaded by an executor of another instruction set.
	target string
	// padding fills the gap between functions.
	padding byte
	// newEmitter returns the emitter of one function and a func to call when it is done.
	newEmitter func(h functionHeader, bodySize int) (emitter, func())
	// callsImports is true when imports are called through relocated call sites too.
	callsImports bool
	// checkCallSite verifies that the relocation at off, in a function ending at end, is a call site of this target.
	checkCallSite func(code []byte, off, end uint64) error
	// link returns the code with every call site resolved. It is called once per compiled module.
	link func(cm *CompiledModule) ([]byte, error)
	// newExecutor returns the state of one top-level call, reused through a pool.
	newExecutor func(callStackLimit int) executor
	// disassemble lists the code of one function, header first.
	disassemble func(code []byte) (string, error)
}

// executor runs calls into linked code.
type executor interface {
	call(ctx context.Context, me *moduleEngine, f *wasm.FunctionInstance, params []uint64) ([]uint64, error)
}

// interpreterBackend runs spvm64 on every platform.
var interpreterBackend = &backend{
	target:        interpreterTarget,
	padding:       opUnreachable,
	callsImports:  true,
	newEmitter:    func(_ functionHeader, bodySize int) (emitter, func()) { return newBytecodeEmitter(bodySize), func() {} },
	checkCallSite: checkBytecodeCallSite,
	link:          linkBytecode,
	newExecutor:   func(callStackLimit int) executor { return newCallEngine(callStackLimit) },
	disassemble:   disassembleBytecode,
}

// Targets returns the instruction sets the engine can emit on this platform, the default first.
func Targets() []string {
	ret := make([]string, len(backends))
	for i, b := range backends {
		ret[i] = b.target
	}
	return ret
}

func lookupBackend(target string) (*backend, error) {
	for _, b := range backends {
		if b.target == target {
			return b, nil
		}
	}
	return nil, fmt.Errorf("unsupported target %q: available targets are %v", target, Targets())
}
