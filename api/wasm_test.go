package api

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExternTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    ExternType
		expected string
	}{
		{"func", ExternTypeFunc, "func"},
		{"table", ExternTypeTable, "table"},
		{"mem", ExternTypeMemory, "memory"},
		{"global", ExternTypeGlobal, "global"},
		{"unknown", 100, "0x64"},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ExternTypeName(tc.input))
		})
	}
}

func TestValueTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    ValueType
		expected string
	}{
		{"i32", ValueTypeI32, "i32"},
		{"i64", ValueTypeI64, "i64"},
		{"f32", ValueTypeF32, "f32"},
		{"f64", ValueTypeF64, "f64"},
		{"unknown", 100, "unknown"},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ValueTypeName(tc.input))
		})
	}
}

func TestValue_String(t *testing.T) {
	require.Equal(t, "i32(-1)", ValueI32(-1).String())
	require.Equal(t, "i64(42)", ValueI64(42).String())
	require.Equal(t, "f32(1.5)", ValueF32(1.5).String())
	require.Equal(t, "f64(-0.25)", ValueF64(-0.25).String())
	require.Equal(t, uint64(0xffffffff), ValueI32(-1).Bits)
}

func TestEncodeDecodeF32(t *testing.T) {
	for _, v := range []float32{
		0, 100, -100, 1, -1,
		100.01234124, -100.01234124, 200.12315,
		math.MaxFloat32,
		math.SmallestNonzeroFloat32,
		float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
	} {
		t.Run(fmt.Sprintf("%f", v), func(t *testing.T) {
			encoded := EncodeF32(v)
			decoded := DecodeF32(encoded)
			require.Zero(t, encoded>>32) // Ensures high bits aren't set
			if v != v {                  // NaN
				require.NotEqual(t, decoded, decoded)
			} else {
				require.Equal(t, v, decoded)
			}
		})
	}
}

func TestEncodeDecodeF64(t *testing.T) {
	for _, v := range []float64{
		0, 100, -100, 1, -1,
		100.01234124, -100.01234124, 200.12315,
		math.MaxFloat32,
		math.SmallestNonzeroFloat32,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		6.8719476736e+10,  /* = 1<<36 */
		1.37438953472e+11, /* = 1<<37 */
		math.Inf(1), math.Inf(-1), math.NaN(),
	} {
		t.Run(fmt.Sprintf("%f", v), func(t *testing.T) {
			encoded := EncodeF64(v)
			decoded := DecodeF64(encoded)
			if v != v { // NaN
				require.NotEqual(t, decoded, decoded)
			} else {
				require.Equal(t, v, decoded)
			}
		})
	}
}

func TestEncodeI32(t *testing.T) {
	for _, v := range []int32{
		0, 100, -100, 1, -1,
		math.MaxInt32,
		math.MinInt32,
	} {
		t.Run(fmt.Sprintf("%d", v), func(t *testing.T) {
			encoded := EncodeI32(v)
			require.Zero(t, encoded>>32) // Ensures high bits aren't set
			require.Equal(t, v, int32(encoded))
		})
	}
}

func TestTrap(t *testing.T) {
	trap := &Trap{Code: TrapCodeIntegerDivideByZero, Backtrace: []string{"m.div", "m.main"}}
	require.Equal(t, "wasm trap: integer divide by zero\nwasm stack trace:\n\tm.div\n\tm.main", trap.Error())

	wrapped := fmt.Errorf("calling main: %w", trap)
	require.True(t, errors.Is(wrapped, &Trap{Code: TrapCodeIntegerDivideByZero}))
	require.False(t, errors.Is(wrapped, &Trap{Code: TrapCodeUnreachable}))

	var asTrap *Trap
	require.True(t, errors.As(wrapped, &asTrap))
	require.Equal(t, TrapCodeIntegerDivideByZero, asTrap.Code)

	cause := errors.New("boom")
	hostPanic := &Trap{Code: TrapCodeHostFunctionPanic, Cause: cause}
	require.ErrorIs(t, hostPanic, cause)
	require.Equal(t, "wasm trap: host function panic: boom", hostPanic.Error())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "decode",
			err:      &DecodeError{Section: "type", Offset: 10, Err: errors.New("invalid byte")},
			expected: "decode error in type section at offset 0xa: invalid byte",
		},
		{
			name:     "validation",
			err:      &ValidationError{Section: "function", Index: 3, Err: errors.New("type mismatch")},
			expected: "invalid function[3]: type mismatch",
		},
		{
			name:     "compile",
			err:      &CompileError{FunctionIndex: 1, Offset: 4, Err: errors.New("unsupported instruction f32.min")},
			expected: "compilation failed at function[1] offset 0x4: unsupported instruction f32.min",
		},
		{
			name:     "link import",
			err:      &LinkError{Module: "env", Name: "f", Reason: "not found"},
			expected: "link error: import env.f: not found",
		},
		{
			name:     "link segment",
			err:      &LinkError{Reason: "data segment[0] out of bounds"},
			expected: "link error: data segment[0] out of bounds",
		},
		{
			name:     "artifact",
			err:      &ArtifactError{Reason: "checksum mismatch"},
			expected: "invalid artifact: checksum mismatch",
		},
		{
			name:     "stale artifact",
			err:      &ArtifactError{Stale: true, Reason: "version mismatch"},
			expected: "stale artifact: version mismatch",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, tc.err, tc.expected)
		})
	}
}
