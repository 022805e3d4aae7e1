package wasm

import "context"

// ModuleEngine executes the code of one ModuleInstance. It is created by the engine that compiled the module.
type ModuleEngine interface {
	// Call invokes f, which is defined or imported by the instance, with params already checked against f.Type.
	// Guest faults are returned as *api.Trap.
	Call(ctx context.Context, f *FunctionInstance, params []uint64) ([]uint64, error)
}
