package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/testing/modgen"
	"github.com/spwasm/spwasm/internal/version"
	"github.com/spwasm/spwasm/internal/wasm"
	"github.com/spwasm/spwasm/internal/wasm/binary"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

var mathWasm = binary.EncodeModule(&wasm.Module{
	MemorySection: []*wasm.MemoryType{{Min: 1, Max: 65536, IsMaxEncoded: true}},
	TypeSection: []*wasm.FunctionType{
		{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}},
		{},
		{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{wasm.ValueTypeF64}},
	},
	FunctionSection: []wasm.Index{0, 1, 2},
	ExportSection: []*wasm.Export{
		{Type: wasm.ExternTypeFunc, Name: "add", Index: 0},
		{Type: wasm.ExternTypeFunc, Name: "boom", Index: 1},
		{Type: wasm.ExternTypeFunc, Name: "half", Index: 2},
	},
	CodeSection: []*wasm.Code{
		{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
		{Body: []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}},
		{Body: []byte{
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeF64Const, 0, 0, 0, 0, 0, 0, 0xe0, 0x3f, // 0.5
			wasm.OpcodeF64Mul,
			wasm.OpcodeEnd,
		}},
	},
})

func newTestState(t *testing.T) (*globalState, *bytes.Buffer, *bytes.Buffer) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/math.wasm", mathWasm, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/many.wasm", modgen.ManyFunctions(3), 0o644))
	stdOut, stdErr := &bytes.Buffer{}, &bytes.Buffer{}
	return &globalState{fs: fs, stdOut: stdOut, stdErr: stdErr}, stdOut, stdErr
}

func TestVersion(t *testing.T) {
	gs, stdOut, _ := newTestState(t)

	require.Equal(t, 0, doMain(testCtx, gs, []string{"version"}))
	require.Equal(t, "spwasm "+version.GetVersion()+"\nartifact format 1\ntarget "+compiler.Target+"\n", stdOut.String())
}

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "add",
			args:     []string{"run", "/math.wasm", "add", "40", "2"},
			expected: "42\n",
		},
		{
			name:     "signed result",
			args:     []string{"run", "/math.wasm", "add", "4294967295", "0"},
			expected: "-1\n",
		},
		{
			name:     "hex argument",
			args:     []string{"run", "/math.wasm", "add", "0x10", "1"},
			expected: "17\n",
		},
		{
			name:     "float",
			args:     []string{"run", "/math.wasm", "half", "3"},
			expected: "1.5\n",
		},
		{
			name:     "no results",
			args:     []string{"run", "/many.wasm", "main"},
			expected: "",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			gs, stdOut, stdErr := newTestState(t)
			require.Equal(t, 0, doMain(testCtx, gs, tc.args), stdErr.String())
			require.Equal(t, tc.expected, stdOut.String())
		})
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectedErr string
	}{
		{
			name:        "missing export",
			args:        []string{"run", "/math.wasm", "sub"},
			expectedErr: "error: export not found: \"sub\" in math\n",
		},
		{
			name:        "argument count",
			args:        []string{"run", "/math.wasm", "add", "1"},
			expectedErr: "error: add: expected 2 arguments, but got 1\n",
		},
		{
			name:        "argument syntax",
			args:        []string{"run", "/math.wasm", "add", "1", "one"},
			expectedErr: "error: add: argument 1: strconv.ParseUint: parsing \"one\": invalid syntax\n",
		},
		{
			name:        "trap",
			args:        []string{"run", "/math.wasm", "boom"},
			expectedErr: "error: wasm trap: unreachable\nwasm stack trace:\n\tmath.boom\n",
		},
		{
			name:        "missing file",
			args:        []string{"run", "/nope.wasm", "add"},
			expectedErr: "error: open /nope.wasm: file does not exist\n",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			gs, stdOut, stdErr := newTestState(t)
			require.Equal(t, 1, doMain(testCtx, gs, tc.args))
			require.Empty(t, stdOut.String())
			require.Equal(t, tc.expectedErr, stdErr.String())
		})
	}
}

func TestCompile(t *testing.T) {
	for _, compress := range []string{"false", "true"} {
		compress := compress
		t.Run("compress="+compress, func(t *testing.T) {
			gs, stdOut, stdErr := newTestState(t)

			require.Equal(t, 0, doMain(testCtx, gs, []string{"compile", "--compress=" + compress, "/math.wasm"}), stdErr.String())
			require.True(t, strings.HasPrefix(stdOut.String(), "compiled 3 functions into /math.spwasm ("))

			artifact, err := afero.ReadFile(gs.fs, "/math.spwasm")
			require.NoError(t, err)
			require.True(t, compiler.IsArtifact(artifact))

			// The artifact runs like the binary it came from.
			stdOut.Reset()
			require.Equal(t, 0, doMain(testCtx, gs, []string{"run", "/math.spwasm", "add", "1", "2"}), stdErr.String())
			require.Equal(t, "3\n", stdOut.String())
		})
	}
}

func TestCompile_Output(t *testing.T) {
	gs, _, stdErr := newTestState(t)

	require.Equal(t, 0, doMain(testCtx, gs, []string{"compile", "-o", "/out/many.bin", "/many.wasm"}), stdErr.String())
	ok, err := afero.Exists(gs.fs, "/out/many.bin")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompile_Invalid(t *testing.T) {
	gs, _, stdErr := newTestState(t)
	require.NoError(t, afero.WriteFile(gs.fs, "/bad.wasm", []byte("bad"), 0o644))

	require.Equal(t, 1, doMain(testCtx, gs, []string{"compile", "/bad.wasm"}))
	require.Equal(t, "error: decode error in header section at offset 0x0: invalid magic number\n", stdErr.String())
}

func TestCompile_CacheDir(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		gs, _, stdErr := newTestState(t)
		require.Equal(t, 0, doMain(testCtx, gs, []string{"compile", "--verbose", "--cache-dir", dir, "/math.wasm"}))
		if i == 0 {
			require.Contains(t, stdErr.String(), "compilation cache miss")
		} else {
			require.Contains(t, stdErr.String(), "compilation cache hit")
		}
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, len(entries))
}

func TestInspect(t *testing.T) {
	gs, stdOut, stdErr := newTestState(t)

	require.Equal(t, 0, doMain(testCtx, gs, []string{"inspect", "--target", "spvm64", "/math.wasm"}), stdErr.String())
	out := stdOut.String()
	require.Contains(t, out, "target=spvm64 functions=3 ")
	require.Contains(t, out, "memory min=64 Ki max=4 Gi\n")
	require.Contains(t, out, "export add func 0\nexport boom func 1\nexport half func 2\n")
	require.Contains(t, out, "func[0] params=2 results=1 locals=0 frame=4\n")
	require.Contains(t, out, "func[1] params=0 results=0 locals=0 frame=")
	require.Contains(t, out, "  0014: unreachable\n")

	stdOut.Reset()
	require.Equal(t, 0, doMain(testCtx, gs, []string{"inspect", "--target", "spvm64", "-f", "1", "/math.wasm"}), stdErr.String())
	require.True(t, strings.HasPrefix(stdOut.String(), "func[1] "))
	require.NotContains(t, stdOut.String(), "func[0]")

	// The default target lists the code generated for this platform.
	stdOut.Reset()
	require.Equal(t, 0, doMain(testCtx, gs, []string{"inspect", "/math.wasm"}), stdErr.String())
	require.Contains(t, stdOut.String(), "target="+compiler.Target+" functions=3 ")
	require.Contains(t, stdOut.String(), "func[0] params=2 results=1 locals=0 frame=4\n")
}

func TestInspect_UnknownTarget(t *testing.T) {
	gs, _, stdErr := newTestState(t)

	require.Equal(t, 1, doMain(testCtx, gs, []string{"inspect", "--target", "riscv64", "/math.wasm"}))
	require.Contains(t, stdErr.String(), `error: unsupported target "riscv64"`)
}

func TestInspect_Artifact(t *testing.T) {
	gs, stdOut, stdErr := newTestState(t)
	require.Equal(t, 0, doMain(testCtx, gs, []string{"compile", "/many.wasm"}), stdErr.String())

	stdOut.Reset()
	require.Equal(t, 0, doMain(testCtx, gs, []string{"inspect", "/many.wasm"}), stdErr.String())
	fromSource := stdOut.String()

	stdOut.Reset()
	require.Equal(t, 0, doMain(testCtx, gs, []string{"inspect", "/many.spwasm"}), stdErr.String())
	require.Equal(t, fromSource, stdOut.String())
}

func TestInspect_FunctionOutOfRange(t *testing.T) {
	gs, _, stdErr := newTestState(t)

	require.Equal(t, 1, doMain(testCtx, gs, []string{"inspect", "-f", "3", "/math.wasm"}))
	require.Equal(t, "error: function 3 is not defined by the module\n", stdErr.String())
}

func TestUnknownCommand(t *testing.T) {
	gs, _, stdErr := newTestState(t)

	require.Equal(t, 1, doMain(testCtx, gs, []string{"nope"}))
	require.Contains(t, stdErr.String(), `unknown command "nope"`)
}
