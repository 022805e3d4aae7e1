package binary

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

var (
	header = append(append([]byte{}, Magic...), version...)

	// addModule is (module (func (export "add") (param i32 i32) (result i32) local.get 0 local.get 1 i32.add))
	addModule = concat(header,
		[]byte{wasm.SectionIDType, 0x07, 0x01, 0x60, 0x02, wasm.ValueTypeI32, wasm.ValueTypeI32, 0x01, wasm.ValueTypeI32},
		[]byte{wasm.SectionIDFunction, 0x02, 0x01, 0x00},
		[]byte{wasm.SectionIDExport, 0x07, 0x01, 0x03, 'a', 'd', 'd', wasm.ExternTypeFunc, 0x00},
		[]byte{wasm.SectionIDCode, 0x09, 0x01, 0x07, 0x00,
			wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd},
	)

	emptyType      = []byte{wasm.SectionIDType, 0x04, 0x01, 0x60, 0x00, 0x00}
	oneFunction    = []byte{wasm.SectionIDFunction, 0x02, 0x01, 0x00}
	nameSectionNop = []byte{wasm.SectionIDCustom, 0x05, 0x04, 'n', 'a', 'm', 'e'}
)

func concat(parts ...[]byte) (ret []byte) {
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return
}

func TestDecodeModule(t *testing.T) {
	expected := &wasm.Module{
		TypeSection: []*wasm.FunctionType{
			{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}},
		},
		FunctionSection: []wasm.Index{0},
		ExportSection:   []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "add", Index: 0}},
		CodeSection: []*wasm.Code{
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
		},
	}

	t.Run("add", func(t *testing.T) {
		m, err := DecodeModule(addModule)
		require.NoError(t, err)
		expected.ID = sha256.Sum256(addModule)
		require.Equal(t, expected, m)
	})

	t.Run("custom sections are skipped", func(t *testing.T) {
		bin := concat(addModule, nameSectionNop)
		m, err := DecodeModule(bin)
		require.NoError(t, err)
		require.Equal(t, expected.CodeSection, m.CodeSection)
		require.Equal(t, sha256.Sum256(bin), m.ID)
	})
}

func TestDecodeModule_Errors(t *testing.T) {
	tooManyLocals := []byte{wasm.SectionIDCode, 0x08, 0x01,
		0x06, 0x01, 0xd1, 0x86, 0x03, wasm.ValueTypeI32, wasm.OpcodeEnd} // 50001 locals
	missingEnd := []byte{wasm.SectionIDCode, 0x04, 0x01, 0x02, 0x00, wasm.OpcodeNop}

	tests := []struct {
		name        string
		input       []byte
		expectedErr string
	}{
		{
			name:        "wrong magic",
			input:       []byte("wasm\x01\x00\x00\x00"),
			expectedErr: "decode error in header section at offset 0x0: invalid magic number",
		},
		{
			name:        "wrong version",
			input:       concat(Magic, []byte{0x02, 0x00, 0x00, 0x00}),
			expectedErr: "decode error in header section at offset 0x4: invalid version header",
		},
		{
			name:        "redundant section",
			input:       concat(header, []byte{wasm.SectionIDType, 0x01, 0x00}, []byte{wasm.SectionIDType, 0x01, 0x00}),
			expectedErr: "decode error in type section at offset 0xb: redundant type section",
		},
		{
			name:        "section out of order",
			input:       concat(header, []byte{wasm.SectionIDFunction, 0x01, 0x00}, []byte{wasm.SectionIDType, 0x01, 0x00}),
			expectedErr: "decode error in type section at offset 0xb: type section must not follow function section",
		},
		{
			name:        "unknown section",
			input:       concat(header, []byte{0x0c, 0x00}),
			expectedErr: "decode error in unknown section at offset 0x8: invalid section id: 0xc",
		},
		{
			name:        "section longer than its content",
			input:       concat(header, []byte{wasm.SectionIDType, 0x02, 0x00, 0x00}),
			expectedErr: "decode error in type section at offset 0xb: invalid section length: expected to be 2 but got 1",
		},
		{
			name:        "section size past the end",
			input:       concat(header, []byte{wasm.SectionIDType, 0x05, 0x00}),
			expectedErr: "decode error in type section at offset 0xa: section size 5 exceeds the remaining 1 bytes",
		},
		{
			name:        "function without code",
			input:       concat(header, emptyType, oneFunction),
			expectedErr: "decode error in code section at offset 0x12: function and code section have inconsistent lengths: 1 != 0",
		},
		{
			name:        "too many locals",
			input:       concat(header, emptyType, oneFunction, tooManyLocals),
			expectedErr: "decode error in code section at offset 0x1c: read 0-th code segment: too many locals: 50001 > 50000",
		},
		{
			name:        "body without end",
			input:       concat(header, emptyType, oneFunction, missingEnd),
			expectedErr: "decode error in code section at offset 0x18: read 0-th code segment: expr not end with OpcodeEnd",
		},
		{
			name:        "truncated",
			input:       addModule[:len(addModule)-3],
			expectedErr: "decode error in code section at offset 0x20: section size 9 exceeds the remaining 6 bytes",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m, err := DecodeModule(tc.input)
			require.Nil(t, m)
			require.EqualError(t, err, tc.expectedErr)

			var de *api.DecodeError
			require.True(t, errors.As(err, &de))
		})
	}
}
