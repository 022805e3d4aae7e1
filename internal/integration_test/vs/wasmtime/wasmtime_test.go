//go:build amd64 && cgo

package wasmtime

import (
	"testing"

	"github.com/spwasm/spwasm/internal/integration_test/vs"
)

func TestFactorial(t *testing.T) {
	vs.RunTestFactorial(t, newWasmtimeRuntime)
}

func TestManyFunctions(t *testing.T) {
	vs.RunTestManyFunctions(t, newWasmtimeRuntime)
}

func BenchmarkFactorial(b *testing.B) {
	vs.RunBenchmarkFactorial(b, newWasmtimeRuntime)
}

func BenchmarkManyFunctions(b *testing.B) {
	vs.RunBenchmarkManyFunctions(b, newWasmtimeRuntime)
}
