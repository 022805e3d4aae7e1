//go:build unix || windows

package compiler

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/internal/testing/modgen"
)

func TestPatchAmd64CallSite(t *testing.T) {
	site := []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xe0}
	patchAmd64CallSite(site, 0x1122334455667788)
	require.Equal(t, []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0xff, 0xe0}, site)
	require.NoError(t, checkAmd64CallSite(site, 0, uint64(len(site))))
}

func TestAmd64Backend_Link(t *testing.T) {
	cm := compile(t, nativeEngine(1), modgen.ManyFunctionsModule(3))
	linked, err := cm.linkedCode()
	require.NoError(t, err)
	base := uint64(uintptr(unsafe.Pointer(&linked[0])))

	for _, f := range cm.Functions {
		for _, r := range f.Relocations {
			callee := cm.Functions[r.FunctionIndex]
			require.Equal(t, base+callee.Entry+functionHeaderSize, binary.LittleEndian.Uint64(linked[r.Offset+2:]))
		}
	}
	// The compiled module keeps its placeholders.
	require.NotEqual(t, cm.Code, linked)
}
