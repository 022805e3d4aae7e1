package compiler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

const (
	blockTypeEmpty = 0x40
	i32            = wasm.ValueTypeI32
	i64            = wasm.ValueTypeI64
)

func TestCallEngine_Execute(t *testing.T) {
	tests := []struct {
		name     string
		module   *wasm.Module
		params   []uint64
		expected []uint64
	}{
		{
			name: "add",
			module: runModule(i32i32_i32, []byte{
				wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd,
			}),
			params:   []uint64{math.MaxUint32, 2},
			expected: []uint64{1},
		},
		{
			name: "recursive factorial",
			module: runModule(i64_i64, []byte{
				wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Eqz,
				wasm.OpcodeIf, i64,
				wasm.OpcodeI64Const, 1,
				wasm.OpcodeElse,
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 1, wasm.OpcodeI64Sub,
				wasm.OpcodeCall, 0,
				wasm.OpcodeI64Mul,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{20},
			expected: []uint64{2432902008176640000},
		},
		{
			name: "loop sum",
			module: runModule(i32_i32, []byte{
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
			}, i32),
			params:   []uint64{100},
			expected: []uint64{5050},
		},
		{
			name: "br_if carries a value",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 1, wasm.OpcodeI32Const, 42,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeBrIf, 0,
				wasm.OpcodeDrop, wasm.OpcodeDrop, wasm.OpcodeI32Const, 9,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{1},
			expected: []uint64{42},
		},
		{
			name: "br_if not taken",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 1, wasm.OpcodeI32Const, 42,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeBrIf, 0,
				wasm.OpcodeDrop, wasm.OpcodeDrop, wasm.OpcodeI32Const, 9,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{0},
			expected: []uint64{9},
		},
		{
			name: "br_table label",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 1, wasm.OpcodeDrop,
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 5, wasm.OpcodeI32Const, 7,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeBrTable, 1, 0, 1,
				wasm.OpcodeEnd,
				wasm.OpcodeI32Const, 0xe4, 0x00, // 100
				wasm.OpcodeI32Add,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{0},
			expected: []uint64{107},
		},
		{
			name: "br_table default",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 1, wasm.OpcodeDrop,
				wasm.OpcodeBlock, i32,
				wasm.OpcodeI32Const, 5, wasm.OpcodeI32Const, 7,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeBrTable, 1, 0, 1,
				wasm.OpcodeEnd,
				wasm.OpcodeI32Const, 0xe4, 0x00, // 100
				wasm.OpcodeI32Add,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{99},
			expected: []uint64{7},
		},
		{
			name: "if without else",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeIf, blockTypeEmpty,
				wasm.OpcodeI32Const, 3, wasm.OpcodeLocalSet, 0,
				wasm.OpcodeEnd,
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{8},
			expected: []uint64{3},
		},
		{
			name: "return from nested blocks",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeBlock, blockTypeEmpty,
				wasm.OpcodeI32Const, 1,
				wasm.OpcodeLoop, blockTypeEmpty,
				wasm.OpcodeLocalGet, 0, wasm.OpcodeReturn,
				wasm.OpcodeEnd,
				wasm.OpcodeDrop,
				wasm.OpcodeEnd,
				wasm.OpcodeI32Const, 0,
				wasm.OpcodeEnd,
			}),
			params:   []uint64{77},
			expected: []uint64{77},
		},
		{
			name: "select",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeI32Const, 10, wasm.OpcodeI32Const, 20, wasm.OpcodeLocalGet, 0, wasm.OpcodeSelect, wasm.OpcodeEnd,
			}),
			params:   []uint64{0},
			expected: []uint64{20},
		},
		{
			name: "i32 results are zero extended",
			module: runModule(i32_i32, []byte{
				wasm.OpcodeI32Const, 0x7f, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Mul, wasm.OpcodeEnd,
			}),
			params:   []uint64{1},
			expected: []uint64{math.MaxUint32},
		},
		{
			name: "memory store, load and grow",
			module: runModule(v_i32, []byte{
				wasm.OpcodeI32Const, 8, wasm.OpcodeI32Const, 0x7f, wasm.OpcodeI32Store16, 1, 0,
				wasm.OpcodeI32Const, 0, wasm.OpcodeI32Load16S, 1, 8, // -1
				wasm.OpcodeI32Const, 1, wasm.OpcodeMemoryGrow, 0, // 1
				wasm.OpcodeI32Add,
				wasm.OpcodeI32Const, 1, wasm.OpcodeMemoryGrow, 0, // -1: over the max
				wasm.OpcodeI32Add,
				wasm.OpcodeMemorySize, 0, // 2
				wasm.OpcodeI32Add,
				wasm.OpcodeEnd,
			}),
			expected: []uint64{1},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			forEachBackend(t, 0, func(t *testing.T, e *Engine) {
				inst := instantiate(t, e, compile(t, e, tc.module), "test", nil)
				results, err := inst.ExportedFunction("run").Call(testCtx, tc.params...)
				require.NoError(t, err)
				require.Equal(t, tc.expected, results)
			})
		})
	}
}

func TestCallEngine_Globals(t *testing.T) {
	m := runModule(v_i32, []byte{
		wasm.OpcodeGlobalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeGlobalSet, 0,
		wasm.OpcodeGlobalGet, 0,
		wasm.OpcodeEnd,
	})
	m.GlobalSection = []*wasm.Global{{
		Type: &wasm.GlobalType{ValType: i32, Mutable: true},
		Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{41}},
	}}
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", nil)
		run := inst.ExportedFunction("run")

		for _, expected := range []uint64{42, 43, 44} {
			results, err := run.Call(testCtx)
			require.NoError(t, err)
			require.Equal(t, []uint64{expected}, results)
		}
		require.Equal(t, uint64(44), inst.Globals[0].Val)
	})
}

func TestCallEngine_HostFunction(t *testing.T) {
	var caller api.Instance
	add := &wasm.FunctionInstance{
		Type:      i32i32_i32,
		DebugName: "env.add",
		Host: func(ctx context.Context, c api.Instance, stack []uint64) {
			caller = c
			stack[0] = uint64(uint32(stack[0]) + uint32(stack[1]))
		},
	}
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32i32_i32, i32_i32},
		ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "add", DescFunc: 0}},
		FunctionSection: []wasm.Index{1},
		CodeSection: []*wasm.Code{{Body: []byte{
			// Keep a value below the arguments so the host window doesn't start at the frame's operand base.
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 10, wasm.OpcodeCall, 0,
			wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		}}},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "run", Index: 1},
			{Type: wasm.ExternTypeFunc, Name: "add", Index: 0},
		},
	}
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", testResolver{"env.add": {Type: wasm.ExternTypeFunc, Function: add}})

		results, err := inst.ExportedFunction("run").Call(testCtx, 5)
		require.NoError(t, err)
		require.Equal(t, []uint64{16}, results)
		require.Equal(t, inst, caller)

		// A re-exported host function is called directly.
		results, err = inst.ExportedFunction("add").Call(testCtx, 2, 3)
		require.NoError(t, err)
		require.Equal(t, []uint64{5}, results)
	})
}

func TestCallEngine_CrossModuleCall(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		double := runModule(i32_i32, []byte{
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Add,
			// Touch the memory of this module, so that the callee runs against its own instance.
			wasm.OpcodeI32Const, 0, wasm.OpcodeI32Load, 2, 0, wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		})
		double.DataSection = []*wasm.DataSegment{{
			OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:             []byte{100, 0, 0, 0},
		}}
		lib := instantiate(t, e, compile(t, e, double), "lib", nil)
		ext, ok := lib.LookupExtern("run")
		require.True(t, ok)

		m := &wasm.Module{
			TypeSection:     []*wasm.FunctionType{i32_i32},
			ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "lib", Name: "double", DescFunc: 0}},
			FunctionSection: []wasm.Index{0},
			CodeSection: []*wasm.Code{{Body: []byte{
				wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 0, wasm.OpcodeCall, 0, wasm.OpcodeEnd,
			}}},
			ExportSection: []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 1}},
		}
		inst := instantiate(t, e, compile(t, e, m), "app", testResolver{"lib.double": ext})

		results, err := inst.ExportedFunction("run").Call(testCtx, 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{(1*2+100)*2 + 100}, results)
	})
}

func TestCallEngine_CallIndirect(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_i32, i32_i32, v_v},
		FunctionSection: []wasm.Index{0, 1, 1},
		TableSection:    []*wasm.TableType{{Min: 3}},
		ElementSection: []*wasm.ElementSegment{{
			OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:       []wasm.Index{0, 2},
		}},
		CodeSection: []*wasm.Code{
			{Body: []byte{wasm.OpcodeI32Const, 42, wasm.OpcodeEnd}},
			// call_indirect (type v_i32) with the table index in the param.
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCallIndirect, 0, 0, wasm.OpcodeEnd}},
			// call_indirect (type v_v), which no element has.
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeCallIndirect, 2, 0, wasm.OpcodeI32Const, 0, wasm.OpcodeEnd}},
		},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "call", Index: 1},
			{Type: wasm.ExternTypeFunc, Name: "call_v_v", Index: 2},
		},
	}
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", nil)

		results, err := inst.ExportedFunction("call").Call(testCtx, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, results)

		tests := []struct {
			name     string
			export   string
			index    uint64
			expected api.TrapCode
		}{
			{name: "type mismatch", export: "call", index: 1, expected: api.TrapCodeIndirectCallTypeMismatch},
			{name: "null element", export: "call", index: 2, expected: api.TrapCodeNullTableElement},
			{name: "out of bounds", export: "call", index: 3, expected: api.TrapCodeTableOutOfBounds},
			{name: "out of bounds before null", export: "call_v_v", index: 100, expected: api.TrapCodeTableOutOfBounds},
			{name: "mismatch", export: "call_v_v", index: 0, expected: api.TrapCodeIndirectCallTypeMismatch},
		}
		for _, tt := range tests {
			tc := tt
			t.Run(tc.name, func(t *testing.T) {
				_, err := inst.ExportedFunction(tc.export).Call(testCtx, tc.index)
				var trap *api.Trap
				require.ErrorAs(t, err, &trap)
				require.Equal(t, tc.expected, trap.Code)
			})
		}
	})
}

func TestCallEngine_Traps(t *testing.T) {
	tests := []struct {
		name              string
		module            *wasm.Module
		params            []uint64
		expected          api.TrapCode
		expectedBacktrace []string
	}{
		{
			name:              "unreachable",
			module:            runModule(v_v, []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}),
			expected:          api.TrapCodeUnreachable,
			expectedBacktrace: []string{"test.run"},
		},
		{
			name: "load out of bounds",
			module: runModule(i32_v, []byte{
				wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load, 2, 0, wasm.OpcodeDrop, wasm.OpcodeEnd,
			}),
			params:            []uint64{uint64(wasm.MemoryPageSize - 3)},
			expected:          api.TrapCodeMemoryOutOfBounds,
			expectedBacktrace: []string{"test.run"},
		},
		{
			name: "effective address over 4GiB",
			module: runModule(i32_v, []byte{
				wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load8U, 0, 0x10, wasm.OpcodeDrop, wasm.OpcodeEnd,
			}),
			params:            []uint64{math.MaxUint32},
			expected:          api.TrapCodeMemoryOutOfBounds,
			expectedBacktrace: []string{"test.run"},
		},
		{
			name: "divide by zero",
			module: runModule(i32_v, []byte{
				wasm.OpcodeI32Const, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32DivU, wasm.OpcodeDrop, wasm.OpcodeEnd,
			}),
			params:            []uint64{0},
			expected:          api.TrapCodeIntegerDivideByZero,
			expectedBacktrace: []string{"test.run"},
		},
		{
			name: "signed division overflow",
			module: runModule(i32_v, []byte{
				wasm.OpcodeI32Const, 0x80, 0x80, 0x80, 0x80, 0x78, // math.MinInt32
				wasm.OpcodeLocalGet, 0, wasm.OpcodeI32DivS, wasm.OpcodeDrop, wasm.OpcodeEnd,
			}),
			params:            []uint64{math.MaxUint32}, // -1
			expected:          api.TrapCodeIntegerOverflow,
			expectedBacktrace: []string{"test.run"},
		},
		{
			name: "nested",
			module: &wasm.Module{
				TypeSection:     []*wasm.FunctionType{v_v},
				FunctionSection: []wasm.Index{0, 0},
				CodeSection: []*wasm.Code{
					{Body: []byte{wasm.OpcodeCall, 1, wasm.OpcodeEnd}},
					{Body: []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}},
				},
				ExportSection: []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 0}},
			},
			expected:          api.TrapCodeUnreachable,
			expectedBacktrace: []string{"test.$1", "test.run"},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			forEachBackend(t, 0, func(t *testing.T, e *Engine) {
				inst := instantiate(t, e, compile(t, e, tc.module), "test", nil)
				results, err := inst.ExportedFunction("run").Call(testCtx, tc.params...)
				require.Nil(t, results)

				var trap *api.Trap
				require.ErrorAs(t, err, &trap)
				require.Equal(t, tc.expected, trap.Code)
				require.Equal(t, tc.expectedBacktrace, trap.Backtrace)
				require.ErrorIs(t, err, &api.Trap{Code: tc.expected})
			})
		})
	}
}

func TestCallEngine_NoPartialStore(t *testing.T) {
	m := runModule(i32_v, []byte{
		// A store before the faulting one persists.
		wasm.OpcodeI32Const, 0, wasm.OpcodeI32Const, 0x2a, wasm.OpcodeI32Store8, 0, 0,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI64Const, 0x7f, wasm.OpcodeI64Store, 3, 0,
		wasm.OpcodeEnd,
	})
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", nil)

		// The 8 byte store starting 4 bytes before the end of memory faults.
		_, err := inst.ExportedFunction("run").Call(testCtx, uint64(wasm.MemoryPageSize-4))
		require.ErrorIs(t, err, &api.Trap{Code: api.TrapCodeMemoryOutOfBounds})

		tail, ok := inst.MemoryInstance.Read(wasm.MemoryPageSize-4, 4)
		require.True(t, ok)
		require.Equal(t, []byte{0, 0, 0, 0}, tail)
		first, ok := inst.MemoryInstance.ReadByte(0)
		require.True(t, ok)
		require.Equal(t, byte(0x2a), first)

		// The instance is still usable after a trap.
		_, err = inst.ExportedFunction("run").Call(testCtx, 0)
		require.NoError(t, err)
		v, ok := inst.MemoryInstance.ReadUint64Le(0)
		require.True(t, ok)
		require.Equal(t, uint64(math.MaxUint64), v)
	})
}

func TestCallEngine_CallStackExhausted(t *testing.T) {
	m := runModule(v_v, []byte{wasm.OpcodeCall, 0, wasm.OpcodeEnd})
	forEachBackend(t, 100, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", nil)

		_, err := inst.ExportedFunction("run").Call(testCtx)
		var trap *api.Trap
		require.ErrorAs(t, err, &trap)
		require.Equal(t, api.TrapCodeCallStackExhausted, trap.Code)
		require.Equal(t, maxBacktraceFrames+1, len(trap.Backtrace))
		require.Equal(t, "... 37 frames omitted", trap.Backtrace[maxBacktraceFrames])
	})
}

func TestCallEngine_CallStackLimit(t *testing.T) {
	// countdown recurses param times.
	m := runModule(i32_v, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeIf, blockTypeEmpty,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeCall, 0,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
	})
	forEachBackend(t, 10, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", nil)

		// Nine calls deep, plus the entry: the limit.
		_, err := inst.ExportedFunction("run").Call(testCtx, 9)
		require.NoError(t, err)
		_, err = inst.ExportedFunction("run").Call(testCtx, 10)
		require.ErrorIs(t, err, &api.Trap{Code: api.TrapCodeCallStackExhausted})
	})
}

func TestCallEngine_HostFunctionPanic(t *testing.T) {
	boom := errors.New("boom")
	host := &wasm.FunctionInstance{
		Type:      v_v,
		DebugName: "env.boom",
		Host: func(context.Context, api.Instance, []uint64) {
			panic(boom)
		},
	}
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_v},
		ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "boom", DescFunc: 0}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeCall, 0, wasm.OpcodeEnd}}},
		ExportSection:   []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 1}},
	}
	forEachBackend(t, 0, func(t *testing.T, e *Engine) {
		inst := instantiate(t, e, compile(t, e, m), "test", testResolver{"env.boom": {Type: wasm.ExternTypeFunc, Function: host}})

		_, err := inst.ExportedFunction("run").Call(testCtx)
		var trap *api.Trap
		require.ErrorAs(t, err, &trap)
		require.Equal(t, api.TrapCodeHostFunctionPanic, trap.Code)
		require.Equal(t, []string{"env.boom", "test.run"}, trap.Backtrace)
		require.ErrorIs(t, err, boom)
		require.EqualError(t, err, "wasm trap: host function panic: boom\nwasm stack trace:\n\tenv.boom\n\ttest.run")
	})
}

// forEachBackend runs test against an engine of every target of this platform.
func forEachBackend(t *testing.T, callStackLimit int, test func(t *testing.T, e *Engine)) {
	for _, b := range backends {
		t.Run(b.target, func(t *testing.T) {
			test(t, newEngine(nil, b, 1, callStackLimit))
		})
	}
}

func TestCallEngine_grow(t *testing.T) {
	c := newCallEngine(DefaultCallStackLimit)
	c.stack[3] = 7
	c.grow(initialStackSize)
	require.Equal(t, initialStackSize, len(c.stack))
	c.grow(initialStackSize*3 + 1)
	require.Equal(t, initialStackSize*4, len(c.stack))
	require.Equal(t, uint64(7), c.stack[3])
}
