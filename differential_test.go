package spwasm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/spwasm/spwasm/internal/testing/modgen"
	"github.com/spwasm/spwasm/internal/wasm"
	"github.com/spwasm/spwasm/internal/wasm/binary"
)

const blockTypeEmpty = 0x40

// differentialWasm exports functions whose results are compared against wazero.
var differentialWasm = binary.EncodeModule(&wasm.Module{
	TypeSection:     []*wasm.FunctionType{i32i32_i32, i64_i64, i32_i32},
	FunctionSection: []wasm.Index{0, 1, 2, 0, 0},
	MemorySection:   []*wasm.MemoryType{{Min: 1}},
	ExportSection: []*wasm.Export{
		{Type: wasm.ExternTypeFunc, Name: "add", Index: 0},
		{Type: wasm.ExternTypeFunc, Name: "fac", Index: 1},
		{Type: wasm.ExternTypeFunc, Name: "sum", Index: 2},
		{Type: wasm.ExternTypeFunc, Name: "div_s", Index: 3},
		{Type: wasm.ExternTypeFunc, Name: "store_load", Index: 4},
	},
	CodeSection: []*wasm.Code{
		{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
		{Body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Eqz,
			wasm.OpcodeIf, wasm.ValueTypeI64,
			wasm.OpcodeI64Const, 1,
			wasm.OpcodeElse,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub,
			wasm.OpcodeCall, 1,
			wasm.OpcodeI64Mul,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		}},
		{LocalTypes: []wasm.ValueType{wasm.ValueTypeI32}, Body: []byte{
			wasm.OpcodeBlock, blockTypeEmpty,
			wasm.OpcodeLoop, blockTypeEmpty,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf, 1,
			wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Add, wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeLocalSet, 0,
			wasm.OpcodeBr, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeEnd,
		}},
		{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32DivS, wasm.OpcodeEnd}},
		// Stores the second parameter as a byte at the first, then loads it sign-extended.
		{Body: []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Store8, 0, 0,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load8S, 0, 0,
			wasm.OpcodeEnd,
		}},
	},
})

// TestRuntime_MatchesWazero runs the same binaries on this runtime and on wazero, and requires identical results,
// traps included.
func TestRuntime_MatchesWazero(t *testing.T) {
	tests := []struct {
		name   string
		export string
		params [][]uint64
	}{
		{
			name:   "add",
			export: "add",
			params: [][]uint64{{0, 0}, {1, 2}, {math.MaxUint32, 1}, {math.MaxInt32, math.MaxInt32}},
		},
		{
			name:   "factorial",
			export: "fac",
			params: [][]uint64{{0}, {1}, {10}, {20}, {25}},
		},
		{
			name:   "loop",
			export: "sum",
			params: [][]uint64{{0}, {1}, {100}, {65536}},
		},
		{
			name:   "division",
			export: "div_s",
			params: [][]uint64{{7, 2}, {uint64(math.MaxUint32 - 6), 2}, {1, 0}, {0x80000000, math.MaxUint32}},
		},
		{
			name:   "memory",
			export: "store_load",
			params: [][]uint64{{0, 0x7f}, {100, 0xff}, {65535, 0x80}, {65536, 1}, {math.MaxUint32, 1}},
		},
	}

	r := NewRuntime(testCtx)
	defer r.Close(testCtx)
	oracle := wazero.NewRuntimeWithConfig(testCtx, wazero.NewRuntimeConfigInterpreter())
	defer oracle.Close(testCtx)

	compiled, err := r.CompileModule(testCtx, differentialWasm)
	require.NoError(t, err)
	inst, err := r.Instantiate(testCtx, compiled, nil, "test")
	require.NoError(t, err)
	expected, err := oracle.Instantiate(testCtx, differentialWasm)
	require.NoError(t, err)

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			for _, params := range tc.params {
				want, wantErr := expected.ExportedFunction(tc.export).Call(testCtx, params...)
				have, haveErr := inst.ExportedFunction(tc.export).Call(testCtx, params...)
				if wantErr != nil {
					require.Error(t, haveErr, "params %v", params)
					continue
				}
				require.NoError(t, haveErr, "params %v", params)
				require.Equal(t, want, have, "params %v", params)
			}
		})
	}
}

func TestRuntime_ManyFunctions_MatchesWazero(t *testing.T) {
	source := modgen.ManyFunctions(1000)

	r := NewRuntime(testCtx)
	defer r.Close(testCtx)
	oracle := wazero.NewRuntimeWithConfig(testCtx, wazero.NewRuntimeConfigInterpreter())
	defer oracle.Close(testCtx)

	compiled, err := r.CompileModule(testCtx, source)
	require.NoError(t, err)
	inst, err := r.Instantiate(testCtx, compiled, nil, "many")
	require.NoError(t, err)
	expected, err := oracle.Instantiate(testCtx, source)
	require.NoError(t, err)

	for _, name := range []string{"main", "single"} {
		want, err := expected.ExportedFunction(name).Call(testCtx)
		require.NoError(t, err)
		have, err := inst.ExportedFunction(name).Call(testCtx)
		require.NoError(t, err)
		require.Equal(t, len(want), len(have))
	}
}
