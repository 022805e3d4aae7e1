package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	v_v     = &FunctionType{}
	v_i32   = &FunctionType{Results: []ValueType{ValueTypeI32}}
	i32_v   = &FunctionType{Params: []ValueType{ValueTypeI32}}
	i64_v   = &FunctionType{Params: []ValueType{ValueTypeI64}}
	i32_i64 = &FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI64}}
)

func TestValidateFunction(t *testing.T) {
	vc := &validationContext{
		types:     []*FunctionType{v_v, v_i32, i32_i32},
		functions: []Index{0, 1, 2},
		globals: []*GlobalType{
			{ValType: ValueTypeI32},
			{ValType: ValueTypeI64, Mutable: true},
		},
		memory: &MemoryType{Min: 1},
		table:  &TableType{Min: 1},
	}

	tests := []struct {
		name string
		sig  *FunctionType
		code *Code
	}{
		{
			name: "empty",
			sig:  v_v,
			code: &Code{Body: []byte{OpcodeEnd}},
		},
		{
			name: "add params",
			sig:  i32i32_i32,
			code: &Code{Body: []byte{OpcodeLocalGet, 0, OpcodeLocalGet, 1, OpcodeI32Add, OpcodeEnd}},
		},
		{
			name: "block result",
			sig:  v_i32,
			code: &Code{Body: []byte{OpcodeBlock, ValueTypeI32, OpcodeI32Const, 1, OpcodeEnd, OpcodeEnd}},
		},
		{
			name: "if else",
			sig:  i32_i32,
			code: &Code{Body: []byte{
				OpcodeLocalGet, 0,
				OpcodeIf, ValueTypeI32, OpcodeI32Const, 1, OpcodeElse, OpcodeI32Const, 2, OpcodeEnd,
				OpcodeEnd,
			}},
		},
		{
			name: "loop with br_if",
			sig:  v_v,
			code: &Code{LocalTypes: []ValueType{ValueTypeI32}, Body: []byte{
				OpcodeLoop, 0x40,
				OpcodeLocalGet, 0, OpcodeI32Const, 1, OpcodeI32Add, OpcodeLocalTee, 0,
				OpcodeI32Const, 10, OpcodeI32LtS, OpcodeBrIf, 0,
				OpcodeEnd, OpcodeEnd,
			}},
		},
		{
			name: "unreachable makes the stack polymorphic",
			sig:  v_i32,
			code: &Code{Body: []byte{OpcodeUnreachable, OpcodeI32Add, OpcodeEnd}},
		},
		{
			name: "return before end",
			sig:  v_i32,
			code: &Code{Body: []byte{OpcodeI32Const, 1, OpcodeReturn, OpcodeEnd}},
		},
		{
			name: "br_table",
			sig:  i32_i32,
			code: &Code{Body: []byte{
				OpcodeBlock, ValueTypeI32,
				OpcodeI32Const, 7, OpcodeLocalGet, 0, OpcodeBrTable, 1, 0, 0,
				OpcodeEnd, OpcodeEnd,
			}},
		},
		{
			name: "call and call_indirect",
			sig:  v_i32,
			code: &Code{Body: []byte{
				OpcodeCall, 1, OpcodeI32Const, 0, OpcodeCallIndirect, 2, 0x00, OpcodeEnd,
			}},
		},
		{
			name: "memory",
			sig:  v_i32,
			code: &Code{Body: []byte{
				OpcodeI32Const, 0, OpcodeI32Const, 42, OpcodeI32Store, 2, 0,
				OpcodeI32Const, 0, OpcodeI32Load, 2, 0,
				OpcodeI32Const, 1, OpcodeMemoryGrow, 0, OpcodeI32Add,
				OpcodeEnd,
			}},
		},
		{
			name: "globals",
			sig:  v_i32,
			code: &Code{Body: []byte{
				OpcodeI64Const, 1, OpcodeGlobalSet, 1, OpcodeGlobalGet, 0, OpcodeEnd,
			}},
		},
		{
			name: "select",
			sig:  i32_i64,
			code: &Code{Body: []byte{
				OpcodeI64Const, 1, OpcodeI64Const, 2, OpcodeLocalGet, 0, OpcodeSelect, OpcodeEnd,
			}},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, validateFunction(vc, tc.sig, tc.code))
		})
	}
}

func TestValidateFunction_Errors(t *testing.T) {
	vc := &validationContext{
		types:     []*FunctionType{v_v},
		functions: []Index{0},
		globals:   []*GlobalType{{ValType: ValueTypeI32}},
	}

	tests := []struct {
		name        string
		sig         *FunctionType
		code        *Code
		expectedErr string
	}{
		{
			name:        "missing result",
			sig:         v_i32,
			code:        &Code{Body: []byte{OpcodeEnd}},
			expectedErr: "end at offset 0x0: expected i32: operand stack underflow",
		},
		{
			name:        "type mismatch",
			sig:         v_i32,
			code:        &Code{Body: []byte{OpcodeI64Const, 1, OpcodeEnd}},
			expectedErr: "end at offset 0x2: type mismatch: expected i32, but was i64",
		},
		{
			name:        "extra values",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeI32Const, 1, OpcodeEnd}},
			expectedErr: "end at offset 0x2: type mismatch: 1 extra values on the stack at the end of block",
		},
		{
			name:        "unknown local",
			sig:         i32_v,
			code:        &Code{Body: []byte{OpcodeLocalGet, 1, OpcodeDrop, OpcodeEnd}},
			expectedErr: "local.get at offset 0x0: invalid local index 1: 1 locals",
		},
		{
			name:        "immutable global",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeI32Const, 1, OpcodeGlobalSet, 0, OpcodeEnd}},
			expectedErr: "global.set at offset 0x2: global 0 is immutable",
		},
		{
			name:        "no memory",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeI32Const, 0, OpcodeI32Load, 2, 0, OpcodeDrop, OpcodeEnd}},
			expectedErr: "i32.load at offset 0x2: memory instruction requires a memory",
		},
		{
			name:        "no table",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeI32Const, 0, OpcodeCallIndirect, 0, 0, OpcodeEnd}},
			expectedErr: "call_indirect at offset 0x2: call_indirect requires a table",
		},
		{
			name:        "invalid label",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeBr, 1, OpcodeEnd}},
			expectedErr: "br at offset 0x0: invalid label depth 1: only 1 blocks",
		},
		{
			name:        "if without else with result",
			sig:         i32_i32,
			code:        &Code{Body: []byte{OpcodeLocalGet, 0, OpcodeIf, ValueTypeI32, OpcodeI32Const, 1, OpcodeEnd, OpcodeEnd}},
			expectedErr: "end at offset 0x6: type mismatch: if without else must not produce values",
		},
		{
			name:        "missing end",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeNop}},
			expectedErr: "function body must end with end",
		},
		{
			name:        "trailing instructions",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeEnd, OpcodeNop}},
			expectedErr: "unexpected instructions after the function end at offset 0x1",
		},
		{
			name:        "multi-value block type",
			sig:         v_v,
			code:        &Code{Body: []byte{OpcodeBlock, 0x00, OpcodeEnd, OpcodeEnd}},
			expectedErr: "block at offset 0x0: invalid block type: 0x0",
		},
		{
			name:        "unknown opcode",
			sig:         v_v,
			code:        &Code{Body: []byte{0xfc, OpcodeEnd}},
			expectedErr: "unknown(0xfc) at offset 0x0: invalid instruction 0xfc",
		},
		{
			name:        "select operands differ",
			sig:         i64_v,
			code:        &Code{Body: []byte{OpcodeI32Const, 1, OpcodeLocalGet, 0, OpcodeI32Const, 1, OpcodeSelect, OpcodeDrop, OpcodeEnd}},
			expectedErr: "select at offset 0x6: type mismatch: select operands i32 and i64 differ",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, validateFunction(vc, tc.sig, tc.code), tc.expectedErr)
		})
	}
}
