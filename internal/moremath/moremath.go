// Package moremath holds float helpers whose semantics differ from the math package in ways WebAssembly cares about.
package moremath

import "math"

// WasmCompatNearestF32 is the WebAssembly f32.nearest: round to the nearest integer, ties to even.
//
// math.Round rounds ties away from zero, e.g. -4.5 becomes -5 instead of -4. The sign of zero and NaN are kept.
func WasmCompatNearestF32(f float32) float32 {
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 is the WebAssembly f64.nearest. See WasmCompatNearestF32.
func WasmCompatNearestF64(f float64) float64 {
	return math.RoundToEven(f)
}

// WasmCompatCopysignF32 copies the sign bit of y to x without touching the other bits, so NaN payloads survive.
func WasmCompatCopysignF32(x, y uint32) uint32 {
	const sign = uint32(1) << 31
	return x&^sign | y&sign
}

// WasmCompatCopysignF64 is the 64-bit WasmCompatCopysignF32.
func WasmCompatCopysignF64(x, y uint64) uint64 {
	const sign = uint64(1) << 63
	return x&^sign | y&sign
}
