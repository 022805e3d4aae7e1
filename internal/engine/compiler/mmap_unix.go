//go:build (amd64 || arm64) && unix

package compiler

import "golang.org/x/sys/unix"

// mmapCodeSegment returns a read-write region of size bytes for the code of a module.
func mmapCodeSegment(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// protectCodeSegment makes the region read-execute once the code is written. The region is never writable and
// executable at the same time.
func protectCodeSegment(seg []byte) error {
	return unix.Mprotect(seg, unix.PROT_READ|unix.PROT_EXEC)
}

func munmapCodeSegment(seg []byte) error {
	return unix.Munmap(seg)
}
