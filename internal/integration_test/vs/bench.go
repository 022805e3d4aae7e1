package vs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/internal/testing/modgen"
	"github.com/spwasm/spwasm/internal/wasm"
	"github.com/spwasm/spwasm/internal/wasm/binary"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// ManyFunctionCounts are the sizes of the many-functions module the benchmarks compare at.
var ManyFunctionCounts = []int{1, 10, 100, 1000, 10000}

var (
	factorialParam  = uint64(30)
	factorialResult = uint64(9682165104862298112)
	factorialConfig = &RuntimeConfig{
		ModuleName: "math",
		ModuleWasm: factorialWasm(),
		FuncNames:  []string{"fac"},
	}
)

// factorialWasm returns a module exporting the iterative factorial "fac" of type (i64) -> i64.
func factorialWasm() []byte {
	i64 := wasm.ValueTypeI64
	return binary.EncodeModule(&wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []wasm.ValueType{i64}, Results: []wasm.ValueType{i64}}},
		FunctionSection: []wasm.Index{0},
		ExportSection:   []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "fac", Index: 0}},
		CodeSection: []*wasm.Code{{LocalTypes: []wasm.ValueType{i64}, Body: []byte{
			wasm.OpcodeI64Const, 1, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeBlock, 0x40,
			wasm.OpcodeLoop, 0x40,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Eqz, wasm.OpcodeBrIf, 1,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Mul, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub, wasm.OpcodeLocalSet, 0,
			wasm.OpcodeBr, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeEnd,
		}}},
	})
}

func manyFunctionsConfig(n int) *RuntimeConfig {
	return &RuntimeConfig{
		ModuleName: "many",
		ModuleWasm: modgen.ManyFunctions(n),
		FuncNames:  []string{"main", "single"},
	}
}

func RunTestFactorial(t *testing.T, runtime func() Runtime) {
	testCall(t, runtime, factorialConfig, func(t *testing.T, m Module) {
		res, err := m.CallI64_I64(testCtx, "fac", factorialParam)
		require.NoError(t, err)
		require.Equal(t, factorialResult, res)
	})
}

func RunTestManyFunctions(t *testing.T, runtime func() Runtime) {
	for _, n := range ManyFunctionCounts {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			testCall(t, runtime, manyFunctionsConfig(n), func(t *testing.T, m Module) {
				require.NoError(t, m.CallV_V(testCtx, "main"))
				require.NoError(t, m.CallV_V(testCtx, "single"))
			})
		})
	}
}

func RunBenchmarkFactorial(b *testing.B, runtime func() Runtime) {
	benchmark(b, runtime, factorialConfig, func(m Module) error {
		_, err := m.CallI64_I64(testCtx, "fac", factorialParam)
		return err
	})
}

func RunBenchmarkManyFunctions(b *testing.B, runtime func() Runtime) {
	for _, n := range ManyFunctionCounts {
		cfg := manyFunctionsConfig(n)
		b.Run(fmt.Sprint(n), func(b *testing.B) {
			b.Run("main", func(b *testing.B) {
				benchmark(b, runtime, cfg, func(m Module) error { return m.CallV_V(testCtx, "main") })
			})
			b.Run("single", func(b *testing.B) {
				benchmarkCall(b, runtime(), cfg, func(m Module) error { return m.CallV_V(testCtx, "single") })
			})
		})
	}
}

func benchmark(b *testing.B, runtime func() Runtime, rtCfg *RuntimeConfig, call func(Module) error) {
	rt := runtime()
	b.Run("Compile", func(b *testing.B) {
		benchmarkCompile(b, rt, rtCfg)
	})
	b.Run("Instantiate", func(b *testing.B) {
		benchmarkInstantiate(b, rt, rtCfg)
	})
	b.Run("Call", func(b *testing.B) {
		benchmarkCall(b, rt, rtCfg, call)
	})
}

func benchmarkCompile(b *testing.B, rt Runtime, rtCfg *RuntimeConfig) {
	for i := 0; i < b.N; i++ {
		if err := rt.Compile(testCtx, rtCfg); err != nil {
			b.Fatal(err)
		}
		if err := rt.Close(testCtx); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkInstantiate(b *testing.B, rt Runtime, rtCfg *RuntimeConfig) {
	// Compile outside the benchmark loop
	if err := rt.Compile(testCtx, rtCfg); err != nil {
		b.Fatal(err)
	}
	defer rt.Close(testCtx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mod, err := rt.Instantiate(testCtx, rtCfg)
		if err != nil {
			b.Fatal(err)
		}
		if err = mod.Close(testCtx); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkCall(b *testing.B, rt Runtime, rtCfg *RuntimeConfig, call func(Module) error) {
	// Initialize outside the benchmark loop
	if err := rt.Compile(testCtx, rtCfg); err != nil {
		b.Fatal(err)
	}
	defer rt.Close(testCtx)
	mod, err := rt.Instantiate(testCtx, rtCfg)
	if err != nil {
		b.Fatal(err)
	}
	defer mod.Close(testCtx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := call(mod); err != nil {
			b.Fatal(err)
		}
	}
}

func testCall(t *testing.T, runtime func() Runtime, rtCfg *RuntimeConfig, call func(*testing.T, Module)) {
	rt := runtime()
	err := rt.Compile(testCtx, rtCfg)
	require.NoError(t, err)
	defer rt.Close(testCtx)

	// Ensure the module can be instantiated several times.
	for i := 0; i < 10; i++ {
		m, err := rt.Instantiate(testCtx, rtCfg)
		require.NoError(t, err)

		// The loop shows the function is stable, e.g. doesn't leak or crash on the Nth use.
		for j := 0; j < 100; j++ {
			call(t, m)
		}

		require.NoError(t, m.Close(testCtx))
	}
}
