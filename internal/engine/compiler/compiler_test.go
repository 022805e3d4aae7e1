package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

func TestCompileFunction_Disassemble(t *testing.T) {
	tests := []struct {
		name     string
		sig      *wasm.FunctionType
		body     []byte
		expected string
	}{
		{
			name: "empty",
			sig:  v_v,
			body: []byte{wasm.OpcodeEnd},
			expected: `func[0] params=0 results=0 locals=0 frame=0
  0014: return 0 0
`,
		},
		{
			name: "add",
			sig:  i32i32_i32,
			body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd},
			expected: `func[0] params=2 results=1 locals=0 frame=4
  0014: move 2 0
  001d: move 3 1
  0026: binary i32.add 2 2 3
  0034: return 2 1
`,
		},
		{
			name: "unresolved call",
			sig:  v_v,
			body: []byte{wasm.OpcodeCall, 0, wasm.OpcodeEnd},
			expected: `func[0] params=0 results=0 locals=0 frame=0
  0014: call 4294967295 0
  001d: return 0 0
`,
		},
		{
			name: "explicit return",
			sig:  v_v,
			body: []byte{wasm.OpcodeReturn, wasm.OpcodeEnd},
			expected: `func[0] params=0 results=0 locals=0 frame=0
  0014: return 0 0
  001d: return 0 0
`,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := &wasm.Module{
				TypeSection:     []*wasm.FunctionType{tc.sig},
				FunctionSection: []wasm.Index{0},
				CodeSection:     []*wasm.Code{{Body: tc.body}},
			}
			require.NoError(t, m.Validate(wasm.MemoryLimitPages))

			f, err := compileFunction(newModuleContext(m), interpreterBackend, 0, 0, m.CodeSection[0])
			require.NoError(t, err)
			actual, err := disassembleBytecode(f.code)
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestCompileFunction_Relocations(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_v, i32_i32},
		FunctionSection: []wasm.Index{0, 1},
		CodeSection: []*wasm.Code{
			{Body: []byte{wasm.OpcodeEnd}},
			{Body: []byte{wasm.OpcodeCall, 0, wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 1, wasm.OpcodeEnd}},
		},
	}
	require.NoError(t, m.Validate(wasm.MemoryLimitPages))

	f, err := compileFunction(newModuleContext(m), interpreterBackend, 1, 1, m.CodeSection[1])
	require.NoError(t, err)
	// call at 0x14, move at 0x1d and call at 0x26.
	require.Equal(t, []Relocation{{Offset: 0x15, FunctionIndex: 0}, {Offset: 0x27, FunctionIndex: 1}}, f.relocations)
	require.Equal(t, readFunctionHeader(f.code).frameSize, f.frameSize)
	require.Equal(t, uint32(1), readFunctionHeader(f.code).funcIndex)
}

func TestCompileFunction_Unsupported(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		expectedErr string
	}{
		{
			name: "f64.max",
			body: []byte{
				wasm.OpcodeF64Const, 0, 0, 0, 0, 0, 0, 0, 0,
				wasm.OpcodeF64Const, 0, 0, 0, 0, 0, 0, 0, 0,
				wasm.OpcodeF64Max, wasm.OpcodeDrop, wasm.OpcodeEnd,
			},
			expectedErr: "compilation failed at function[0] offset 0x12: unsupported instruction: f64.max",
		},
		{
			name: "i32.trunc_f32_s",
			body: []byte{
				wasm.OpcodeF32Const, 0, 0, 0, 0,
				wasm.OpcodeI32TruncF32S, wasm.OpcodeDrop, wasm.OpcodeEnd,
			},
			expectedErr: "compilation failed at function[0] offset 0x5: unsupported instruction: i32.trunc_f32_s",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := &wasm.Module{
				TypeSection:     []*wasm.FunctionType{v_v},
				FunctionSection: []wasm.Index{0},
				CodeSection:     []*wasm.Code{{Body: tc.body}},
			}
			require.NoError(t, m.Validate(wasm.MemoryLimitPages))

			_, err := compileFunction(newModuleContext(m), interpreterBackend, 0, 0, m.CodeSection[0])
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, errors.Is(err, ErrUnsupportedInstruction))
			var ce *api.CompileError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, uint32(0), ce.FunctionIndex)
		})
	}
}

func TestCompileFunction_UnreachableCodeIsSkipped(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{v_i32},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []byte{
			wasm.OpcodeUnreachable,
			// Nothing after unreachable is emitted, including an unsupported instruction.
			wasm.OpcodeF32Const, 0, 0, 0, 0, wasm.OpcodeF32Const, 0, 0, 0, 0, wasm.OpcodeF32Min, wasm.OpcodeDrop,
			wasm.OpcodeBlock, blockTypeEmpty, wasm.OpcodeNop, wasm.OpcodeEnd,
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeEnd,
		}}},
	}
	require.NoError(t, m.Validate(wasm.MemoryLimitPages))

	f, err := compileFunction(newModuleContext(m), interpreterBackend, 0, 0, m.CodeSection[0])
	require.NoError(t, err)
	actual, err := disassembleBytecode(f.code)
	require.NoError(t, err)
	require.Equal(t, `func[0] params=0 results=1 locals=0 frame=0
  0014: unreachable
  0015: return 0 1
`, actual)
}

func TestDisassembleBytecode_Errors(t *testing.T) {
	_, err := disassembleBytecode(make([]byte, functionHeaderSize-1))
	require.EqualError(t, err, "function shorter than its header: 19 bytes")

	code := append(make([]byte, functionHeaderSize), opMove, 1, 0)
	_, err = disassembleBytecode(code)
	require.EqualError(t, err, "at 0x14: truncated move")
}
