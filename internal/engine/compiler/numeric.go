package compiler

import (
	"math"
	"math/bits"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/moremath"
	"github.com/spwasm/spwasm/internal/wasm"
)

// Slots hold i32 and f32 values zero-extended, so the upper 32 bits of a slot are always clear for them.

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func f32(v uint64) float32 { return math.Float32frombits(uint32(v)) }

func f64(v uint64) float64 { return math.Float64frombits(v) }

func fromF32(f float32) uint64 { return uint64(math.Float32bits(f)) }

func fromF64(f float64) uint64 { return math.Float64bits(f) }

const (
	f32SignBit = uint64(1) << 31
	f64SignBit = uint64(1) << 63
)

// executeUnary computes a numeric instruction with one operand. None of them trap.
func executeUnary(op wasm.Opcode, v uint64) uint64 {
	switch op {
	case wasm.OpcodeI32Eqz:
		return b2u(uint32(v) == 0)
	case wasm.OpcodeI64Eqz:
		return b2u(v == 0)
	case wasm.OpcodeI32Clz:
		return uint64(bits.LeadingZeros32(uint32(v)))
	case wasm.OpcodeI32Ctz:
		return uint64(bits.TrailingZeros32(uint32(v)))
	case wasm.OpcodeI32Popcnt:
		return uint64(bits.OnesCount32(uint32(v)))
	case wasm.OpcodeI64Clz:
		return uint64(bits.LeadingZeros64(v))
	case wasm.OpcodeI64Ctz:
		return uint64(bits.TrailingZeros64(v))
	case wasm.OpcodeI64Popcnt:
		return uint64(bits.OnesCount64(v))

	case wasm.OpcodeF32Abs:
		return v &^ f32SignBit
	case wasm.OpcodeF32Neg:
		return v ^ f32SignBit
	case wasm.OpcodeF32Ceil:
		return fromF32(float32(math.Ceil(float64(f32(v)))))
	case wasm.OpcodeF32Floor:
		return fromF32(float32(math.Floor(float64(f32(v)))))
	case wasm.OpcodeF32Trunc:
		return fromF32(float32(math.Trunc(float64(f32(v)))))
	case wasm.OpcodeF32Nearest:
		return fromF32(moremath.WasmCompatNearestF32(f32(v)))
	case wasm.OpcodeF32Sqrt:
		return fromF32(float32(math.Sqrt(float64(f32(v)))))
	case wasm.OpcodeF64Abs:
		return v &^ f64SignBit
	case wasm.OpcodeF64Neg:
		return v ^ f64SignBit
	case wasm.OpcodeF64Ceil:
		return fromF64(math.Ceil(f64(v)))
	case wasm.OpcodeF64Floor:
		return fromF64(math.Floor(f64(v)))
	case wasm.OpcodeF64Trunc:
		return fromF64(math.Trunc(f64(v)))
	case wasm.OpcodeF64Nearest:
		return fromF64(moremath.WasmCompatNearestF64(f64(v)))
	case wasm.OpcodeF64Sqrt:
		return fromF64(math.Sqrt(f64(v)))

	case wasm.OpcodeI32WrapI64:
		return uint64(uint32(v))
	case wasm.OpcodeI64ExtendI32S:
		return uint64(int64(int32(v)))
	case wasm.OpcodeI64ExtendI32U:
		return uint64(uint32(v))
	case wasm.OpcodeF32ConvertI32S:
		return fromF32(float32(int32(v)))
	case wasm.OpcodeF32ConvertI32U:
		return fromF32(float32(uint32(v)))
	case wasm.OpcodeF32ConvertI64S:
		return fromF32(float32(int64(v)))
	case wasm.OpcodeF32ConvertI64U:
		return fromF32(float32(v))
	case wasm.OpcodeF32DemoteF64:
		return fromF32(float32(f64(v)))
	case wasm.OpcodeF64ConvertI32S:
		return fromF64(float64(int32(v)))
	case wasm.OpcodeF64ConvertI32U:
		return fromF64(float64(uint32(v)))
	case wasm.OpcodeF64ConvertI64S:
		return fromF64(float64(int64(v)))
	case wasm.OpcodeF64ConvertI64U:
		return fromF64(float64(v))
	case wasm.OpcodeF64PromoteF32:
		return fromF64(float64(f32(v)))
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		return v
	}
	panic("BUG: unexpected unary opcode " + wasm.InstructionName(op))
}

// executeBinary computes a numeric instruction with two operands. The trap code is non-zero on integer division
// faults.
func executeBinary(op wasm.Opcode, x, y uint64) (uint64, api.TrapCode) {
	x32, y32 := uint32(x), uint32(y)
	switch op {
	case wasm.OpcodeI32Eq:
		return b2u(x32 == y32), 0
	case wasm.OpcodeI32Ne:
		return b2u(x32 != y32), 0
	case wasm.OpcodeI32LtS:
		return b2u(int32(x32) < int32(y32)), 0
	case wasm.OpcodeI32LtU:
		return b2u(x32 < y32), 0
	case wasm.OpcodeI32GtS:
		return b2u(int32(x32) > int32(y32)), 0
	case wasm.OpcodeI32GtU:
		return b2u(x32 > y32), 0
	case wasm.OpcodeI32LeS:
		return b2u(int32(x32) <= int32(y32)), 0
	case wasm.OpcodeI32LeU:
		return b2u(x32 <= y32), 0
	case wasm.OpcodeI32GeS:
		return b2u(int32(x32) >= int32(y32)), 0
	case wasm.OpcodeI32GeU:
		return b2u(x32 >= y32), 0

	case wasm.OpcodeI64Eq:
		return b2u(x == y), 0
	case wasm.OpcodeI64Ne:
		return b2u(x != y), 0
	case wasm.OpcodeI64LtS:
		return b2u(int64(x) < int64(y)), 0
	case wasm.OpcodeI64LtU:
		return b2u(x < y), 0
	case wasm.OpcodeI64GtS:
		return b2u(int64(x) > int64(y)), 0
	case wasm.OpcodeI64GtU:
		return b2u(x > y), 0
	case wasm.OpcodeI64LeS:
		return b2u(int64(x) <= int64(y)), 0
	case wasm.OpcodeI64LeU:
		return b2u(x <= y), 0
	case wasm.OpcodeI64GeS:
		return b2u(int64(x) >= int64(y)), 0
	case wasm.OpcodeI64GeU:
		return b2u(x >= y), 0

	case wasm.OpcodeF32Eq:
		return b2u(f32(x) == f32(y)), 0
	case wasm.OpcodeF32Ne:
		return b2u(f32(x) != f32(y)), 0
	case wasm.OpcodeF32Lt:
		return b2u(f32(x) < f32(y)), 0
	case wasm.OpcodeF32Gt:
		return b2u(f32(x) > f32(y)), 0
	case wasm.OpcodeF32Le:
		return b2u(f32(x) <= f32(y)), 0
	case wasm.OpcodeF32Ge:
		return b2u(f32(x) >= f32(y)), 0
	case wasm.OpcodeF64Eq:
		return b2u(f64(x) == f64(y)), 0
	case wasm.OpcodeF64Ne:
		return b2u(f64(x) != f64(y)), 0
	case wasm.OpcodeF64Lt:
		return b2u(f64(x) < f64(y)), 0
	case wasm.OpcodeF64Gt:
		return b2u(f64(x) > f64(y)), 0
	case wasm.OpcodeF64Le:
		return b2u(f64(x) <= f64(y)), 0
	case wasm.OpcodeF64Ge:
		return b2u(f64(x) >= f64(y)), 0

	case wasm.OpcodeI32Add:
		return uint64(x32 + y32), 0
	case wasm.OpcodeI32Sub:
		return uint64(x32 - y32), 0
	case wasm.OpcodeI32Mul:
		return uint64(x32 * y32), 0
	case wasm.OpcodeI32DivS:
		if y32 == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		if int32(x32) == math.MinInt32 && int32(y32) == -1 {
			return 0, api.TrapCodeIntegerOverflow
		}
		return uint64(uint32(int32(x32) / int32(y32))), 0
	case wasm.OpcodeI32DivU:
		if y32 == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		return uint64(x32 / y32), 0
	case wasm.OpcodeI32RemS:
		if y32 == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		if int32(y32) == -1 {
			return 0, 0
		}
		return uint64(uint32(int32(x32) % int32(y32))), 0
	case wasm.OpcodeI32RemU:
		if y32 == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		return uint64(x32 % y32), 0
	case wasm.OpcodeI32And:
		return uint64(x32 & y32), 0
	case wasm.OpcodeI32Or:
		return uint64(x32 | y32), 0
	case wasm.OpcodeI32Xor:
		return uint64(x32 ^ y32), 0
	case wasm.OpcodeI32Shl:
		return uint64(x32 << (y32 & 31)), 0
	case wasm.OpcodeI32ShrS:
		return uint64(uint32(int32(x32) >> (y32 & 31))), 0
	case wasm.OpcodeI32ShrU:
		return uint64(x32 >> (y32 & 31)), 0
	case wasm.OpcodeI32Rotl:
		return uint64(bits.RotateLeft32(x32, int(y32&31))), 0
	case wasm.OpcodeI32Rotr:
		return uint64(bits.RotateLeft32(x32, -int(y32&31))), 0

	case wasm.OpcodeI64Add:
		return x + y, 0
	case wasm.OpcodeI64Sub:
		return x - y, 0
	case wasm.OpcodeI64Mul:
		return x * y, 0
	case wasm.OpcodeI64DivS:
		if y == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		if int64(x) == math.MinInt64 && int64(y) == -1 {
			return 0, api.TrapCodeIntegerOverflow
		}
		return uint64(int64(x) / int64(y)), 0
	case wasm.OpcodeI64DivU:
		if y == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		return x / y, 0
	case wasm.OpcodeI64RemS:
		if y == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		if int64(y) == -1 {
			return 0, 0
		}
		return uint64(int64(x) % int64(y)), 0
	case wasm.OpcodeI64RemU:
		if y == 0 {
			return 0, api.TrapCodeIntegerDivideByZero
		}
		return x % y, 0
	case wasm.OpcodeI64And:
		return x & y, 0
	case wasm.OpcodeI64Or:
		return x | y, 0
	case wasm.OpcodeI64Xor:
		return x ^ y, 0
	case wasm.OpcodeI64Shl:
		return x << (y & 63), 0
	case wasm.OpcodeI64ShrS:
		return uint64(int64(x) >> (y & 63)), 0
	case wasm.OpcodeI64ShrU:
		return x >> (y & 63), 0
	case wasm.OpcodeI64Rotl:
		return bits.RotateLeft64(x, int(y&63)), 0
	case wasm.OpcodeI64Rotr:
		return bits.RotateLeft64(x, -int(y&63)), 0

	case wasm.OpcodeF32Add:
		return fromF32(f32(x) + f32(y)), 0
	case wasm.OpcodeF32Sub:
		return fromF32(f32(x) - f32(y)), 0
	case wasm.OpcodeF32Mul:
		return fromF32(f32(x) * f32(y)), 0
	case wasm.OpcodeF32Div:
		return fromF32(f32(x) / f32(y)), 0
	case wasm.OpcodeF32Copysign:
		return uint64(moremath.WasmCompatCopysignF32(x32, y32)), 0
	case wasm.OpcodeF64Add:
		return fromF64(f64(x) + f64(y)), 0
	case wasm.OpcodeF64Sub:
		return fromF64(f64(x) - f64(y)), 0
	case wasm.OpcodeF64Mul:
		return fromF64(f64(x) * f64(y)), 0
	case wasm.OpcodeF64Div:
		return fromF64(f64(x) / f64(y)), 0
	case wasm.OpcodeF64Copysign:
		return moremath.WasmCompatCopysignF64(x, y), 0
	}
	panic("BUG: unexpected binary opcode " + wasm.InstructionName(op))
}
