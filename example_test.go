package spwasm_test

import (
	"context"
	"fmt"
	"log"

	"github.com/spwasm/spwasm"
	"github.com/spwasm/spwasm/api"
)

// addWasm is the binary of this module:
//
//	(module
//	  (func (export "add") (param i32 i32) (result i32)
//	    local.get 0 local.get 1 i32.add))
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// doubleWasm is the binary of this module:
//
//	(module
//	  (import "env" "double" (func $double (param i32) (result i32)))
//	  (func (export "run") (param i32) (result i32)
//	    local.get 0 call $double))
var doubleWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x02, 0x0e, 0x01, 0x03, 'e', 'n', 'v', 0x06, 'd', 'o', 'u', 'b', 'l', 'e', 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x01,
	0x0a, 0x08, 0x01, 0x06, 0x00, 0x20, 0x00, 0x10, 0x00, 0x0b,
}

// This is an example of how to use WebAssembly via adding two numbers.
func Example() {
	// Choose the context to use for function calls.
	ctx := context.Background()

	// Create a new WebAssembly Runtime.
	r := spwasm.NewRuntime(ctx)
	defer r.Close(ctx) // This closes everything this Runtime created.

	compiled, err := r.CompileModule(ctx, addWasm)
	if err != nil {
		log.Panicln(err)
	}
	mod, err := r.Instantiate(ctx, compiled, nil, "math")
	if err != nil {
		log.Panicln(err)
	}

	// Look up the export once and reuse the handle until the instance is closed.
	add, err := mod.Export("add")
	if err != nil {
		log.Panicln(err)
	}

	x, y := uint64(1), uint64(2)
	results, err := add.Call(ctx, x, y)
	if err != nil {
		log.Panicln(err)
	}

	fmt.Printf("%s: %d + %d = %d\n", mod.Name(), x, y, results[0])

	// Output:
	// math: 1 + 2 = 3
}

// This shows how to bind a Go function to an import.
func Example_hostFunction() {
	ctx := context.Background()

	r := spwasm.NewRuntime(ctx)
	defer r.Close(ctx)

	imports := spwasm.NewImports().WithFunction("env", "double",
		[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32},
		func(_ context.Context, _ api.Instance, stack []uint64) {
			stack[0] = api.EncodeI32(int32(stack[0]) * 2)
		})

	compiled, err := r.CompileModule(ctx, doubleWasm)
	if err != nil {
		log.Panicln(err)
	}
	mod, err := r.Instantiate(ctx, compiled, imports, "app")
	if err != nil {
		log.Panicln(err)
	}

	results, err := mod.ExportedFunction("run").Call(ctx, 21)
	if err != nil {
		log.Panicln(err)
	}
	fmt.Println(results[0])

	// Output:
	// 42
}

// This shows how to store a compiled module and load it later without compiling again. Artifacts are only
// loadable by the same version of spwasm.
func Example_serializeModule() {
	ctx := context.Background()

	r := spwasm.NewRuntime(ctx)
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, addWasm)
	if err != nil {
		log.Panicln(err)
	}
	artifact, err := r.SerializeModule(compiled)
	if err != nil {
		log.Panicln(err)
	}

	// Usually in another process.
	restored, err := r.DeserializeModule(ctx, artifact)
	if err != nil {
		log.Panicln(err)
	}
	mod, err := r.Instantiate(ctx, restored, nil, "restored")
	if err != nil {
		log.Panicln(err)
	}

	results, err := mod.ExportedFunction("add").Call(ctx, 1, 2)
	if err != nil {
		log.Panicln(err)
	}
	fmt.Printf("%s: 1 + 2 = %d\n", mod.Name(), results[0])

	// Output:
	// restored: 1 + 2 = 3
}
