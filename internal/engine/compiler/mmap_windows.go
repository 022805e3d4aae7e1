//go:build amd64 || arm64

package compiler

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapCodeSegment returns a read-write region of size bytes for the code of a module.
func mmapCodeSegment(size int) ([]byte, error) {
	p, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

// protectCodeSegment makes the region read-execute once the code is written.
func protectCodeSegment(seg []byte) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&seg[0])), uintptr(len(seg)), windows.PAGE_EXECUTE_READ, &old)
}

func munmapCodeSegment(seg []byte) error {
	// The size must be zero with MEM_RELEASE.
	return windows.VirtualFree(uintptr(unsafe.Pointer(&seg[0])), 0, windows.MEM_RELEASE)
}
