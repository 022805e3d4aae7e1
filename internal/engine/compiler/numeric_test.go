package compiler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

func TestExecuteUnary(t *testing.T) {
	negOne32 := uint64(math.MaxUint32)
	tests := []struct {
		op       wasm.Opcode
		v        uint64
		expected uint64
	}{
		{op: wasm.OpcodeI32Eqz, v: 1 << 32, expected: 1}, // upper bits are ignored
		{op: wasm.OpcodeI32Clz, v: 0, expected: 32},
		{op: wasm.OpcodeI32Ctz, v: 0x80, expected: 7},
		{op: wasm.OpcodeI32Popcnt, v: negOne32, expected: 32},
		{op: wasm.OpcodeI64Clz, v: 1, expected: 63},
		{op: wasm.OpcodeI64Popcnt, v: math.MaxUint64, expected: 64},
		{op: wasm.OpcodeI32WrapI64, v: 0x1_0000_0002, expected: 2},
		{op: wasm.OpcodeI64ExtendI32S, v: negOne32, expected: math.MaxUint64},
		{op: wasm.OpcodeI64ExtendI32U, v: negOne32, expected: negOne32},
		{op: wasm.OpcodeF32ConvertI32S, v: negOne32, expected: fromF32(-1)},
		{op: wasm.OpcodeF32ConvertI32U, v: negOne32, expected: fromF32(4294967296)},
		{op: wasm.OpcodeF64ConvertI64S, v: math.MaxUint64, expected: fromF64(-1)},
		{op: wasm.OpcodeF64PromoteF32, v: fromF32(1.5), expected: fromF64(1.5)},
		{op: wasm.OpcodeF32DemoteF64, v: fromF64(2.25), expected: fromF32(2.25)},
		{op: wasm.OpcodeF32Neg, v: fromF32(0), expected: fromF32(float32(math.Copysign(0, -1)))},
		{op: wasm.OpcodeF64Abs, v: fromF64(-3), expected: fromF64(3)},
		{op: wasm.OpcodeF32Nearest, v: fromF32(2.5), expected: fromF32(2)},
		{op: wasm.OpcodeF64Nearest, v: fromF64(-3.5), expected: fromF64(-4)},
		{op: wasm.OpcodeF64Trunc, v: fromF64(-1.9), expected: fromF64(-1)},
		{op: wasm.OpcodeF64Sqrt, v: fromF64(16), expected: fromF64(4)},
		{op: wasm.OpcodeI64ReinterpretF64, v: fromF64(1), expected: 0x3ff0000000000000},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(wasm.InstructionName(tc.op), func(t *testing.T) {
			require.Equal(t, tc.expected, executeUnary(tc.op, tc.v))
		})
	}
}

func TestExecuteUnary_NegKeepsNaNPayload(t *testing.T) {
	nan := uint64(0x7fc0_0001)
	require.Equal(t, uint64(0xffc0_0001), executeUnary(wasm.OpcodeF32Neg, nan))
	require.Equal(t, nan, executeUnary(wasm.OpcodeF32Abs, 0xffc0_0001))
}

func TestExecuteBinary(t *testing.T) {
	negOne32 := uint64(math.MaxUint32)
	minInt32 := uint64(uint32(1) << 31)
	minInt64 := uint64(1) << 63
	tests := []struct {
		name         string
		op           wasm.Opcode
		x, y         uint64
		expected     uint64
		expectedTrap api.TrapCode
	}{
		{name: "i32.add wraps", op: wasm.OpcodeI32Add, x: negOne32, y: 1, expected: 0},
		{name: "i32.sub wraps", op: wasm.OpcodeI32Sub, x: 0, y: 1, expected: negOne32},
		{name: "i32.lt_s", op: wasm.OpcodeI32LtS, x: negOne32, y: 0, expected: 1},
		{name: "i32.lt_u", op: wasm.OpcodeI32LtU, x: negOne32, y: 0, expected: 0},
		{name: "i64.gt_s", op: wasm.OpcodeI64GtS, x: 0, y: math.MaxUint64, expected: 1},
		{name: "i32.div_s", op: wasm.OpcodeI32DivS, x: uint64(uint32(0xfffffff9)), y: 2, expected: uint64(uint32(0xfffffffd))}, // -7/2 = -3
		{name: "i32.div_s by zero", op: wasm.OpcodeI32DivS, x: 1, y: 0, expectedTrap: api.TrapCodeIntegerDivideByZero},
		{name: "i32.div_s overflow", op: wasm.OpcodeI32DivS, x: minInt32, y: negOne32, expectedTrap: api.TrapCodeIntegerOverflow},
		{name: "i32.div_u by zero", op: wasm.OpcodeI32DivU, x: 1, y: 1 << 32, expectedTrap: api.TrapCodeIntegerDivideByZero},
		{name: "i32.rem_s min by -1", op: wasm.OpcodeI32RemS, x: minInt32, y: negOne32, expected: 0},
		{name: "i32.rem_s sign of dividend", op: wasm.OpcodeI32RemS, x: uint64(uint32(0xfffffff9)), y: 2, expected: negOne32},
		{name: "i32.rem_u by zero", op: wasm.OpcodeI32RemU, x: 1, y: 0, expectedTrap: api.TrapCodeIntegerDivideByZero},
		{name: "i64.div_s overflow", op: wasm.OpcodeI64DivS, x: minInt64, y: math.MaxUint64, expectedTrap: api.TrapCodeIntegerOverflow},
		{name: "i64.div_u by zero", op: wasm.OpcodeI64DivU, x: 1, y: 0, expectedTrap: api.TrapCodeIntegerDivideByZero},
		{name: "i64.rem_s min by -1", op: wasm.OpcodeI64RemS, x: minInt64, y: math.MaxUint64, expected: 0},
		{name: "i64.rem_u by zero", op: wasm.OpcodeI64RemU, x: 1, y: 0, expectedTrap: api.TrapCodeIntegerDivideByZero},
		{name: "i32.shl masks the count", op: wasm.OpcodeI32Shl, x: 1, y: 33, expected: 2},
		{name: "i32.shr_s", op: wasm.OpcodeI32ShrS, x: minInt32, y: 31, expected: negOne32},
		{name: "i32.shr_u", op: wasm.OpcodeI32ShrU, x: minInt32, y: 31, expected: 1},
		{name: "i32.rotl", op: wasm.OpcodeI32Rotl, x: minInt32 | 1, y: 1, expected: 3},
		{name: "i32.rotr", op: wasm.OpcodeI32Rotr, x: 3, y: 1, expected: minInt32 | 1},
		{name: "i64.shl masks the count", op: wasm.OpcodeI64Shl, x: 1, y: 65, expected: 2},
		{name: "i64.rotr", op: wasm.OpcodeI64Rotr, x: 1, y: 1, expected: minInt64},
		{name: "f32.add", op: wasm.OpcodeF32Add, x: fromF32(1.5), y: fromF32(2), expected: fromF32(3.5)},
		{name: "f64.div by zero", op: wasm.OpcodeF64Div, x: fromF64(1), y: fromF64(0), expected: fromF64(math.Inf(1))},
		{name: "f32.copysign", op: wasm.OpcodeF32Copysign, x: fromF32(2), y: fromF32(-1), expected: fromF32(-2)},
		{name: "f64.copysign", op: wasm.OpcodeF64Copysign, x: fromF64(-2), y: fromF64(1), expected: fromF64(2)},
		{name: "f64.ne NaN", op: wasm.OpcodeF64Ne, x: fromF64(math.NaN()), y: fromF64(math.NaN()), expected: 1},
		{name: "f32.eq NaN", op: wasm.OpcodeF32Eq, x: fromF32(float32(math.NaN())), y: fromF32(float32(math.NaN())), expected: 0},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			actual, trap := executeBinary(tc.op, tc.x, tc.y)
			require.Equal(t, tc.expectedTrap, trap)
			require.Equal(t, tc.expected, actual)
		})
	}
}
