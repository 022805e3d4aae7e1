//go:build unix || windows

package compiler

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/spwasm/spwasm/internal/testing/modgen"
)

// arm64CallSiteAddress decodes the callee address loaded by the call site at site.
func arm64CallSiteAddress(site []byte) (addr uint64) {
	for i := range arm64CallSite {
		w := binary.LittleEndian.Uint32(site[i*4:])
		addr |= uint64(w&arm64ImmediateMask>>5) << (16 * i)
	}
	return
}

func TestPatchArm64CallSite(t *testing.T) {
	site := make([]byte, arm64CallSiteSize)
	for i, w := range arm64CallSite {
		binary.LittleEndian.PutUint32(site[i*4:], w|arm64ImmediateMask)
	}
	patchArm64CallSite(site, 0x1122334455667788)
	require.Equal(t, uint64(0x1122334455667788), arm64CallSiteAddress(site))
	require.NoError(t, checkArm64CallSite(site, 0, uint64(len(site))))
}

func TestArm64Backend_Link(t *testing.T) {
	cm := compile(t, nativeEngine(1), modgen.ManyFunctionsModule(3))
	linked, err := cm.linkedCode()
	require.NoError(t, err)
	base := uint64(uintptr(unsafe.Pointer(&linked[0])))

	for _, f := range cm.Functions {
		for _, r := range f.Relocations {
			callee := cm.Functions[r.FunctionIndex]
			require.Equal(t, base+callee.Entry+functionHeaderSize, arm64CallSiteAddress(linked[r.Offset:]))
		}
	}
	// The compiled module keeps its placeholders.
	require.NotEqual(t, cm.Code, linked)
}
