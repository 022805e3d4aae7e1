package vs

import (
	"testing"
)

func TestSpwasm_Factorial(t *testing.T) {
	RunTestFactorial(t, NewSpwasmRuntime)
	RunTestFactorial(t, NewSpwasmArtifactRuntime)
}

func TestSpwasm_ManyFunctions(t *testing.T) {
	RunTestManyFunctions(t, NewSpwasmRuntime)
	RunTestManyFunctions(t, NewSpwasmArtifactRuntime)
}

func BenchmarkSpwasm_Factorial(b *testing.B) {
	RunBenchmarkFactorial(b, NewSpwasmRuntime)
}

func BenchmarkSpwasm_ManyFunctions(b *testing.B) {
	RunBenchmarkManyFunctions(b, NewSpwasmRuntime)
}

func BenchmarkSpwasmArtifact_ManyFunctions(b *testing.B) {
	RunBenchmarkManyFunctions(b, NewSpwasmArtifactRuntime)
}
