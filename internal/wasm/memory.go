package wasm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spwasm/spwasm/api"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// compile-time check to ensure MemoryInstance implements api.Memory
var _ api.Memory = &MemoryInstance{}

// MemoryInstance represents a memory instance and implements api.Memory.
//
// The buffer only ever grows. An imported memory is the same *MemoryInstance in every importing instance.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
type MemoryInstance struct {
	Buffer []byte
	Min    uint32
	// Max is the declared maximum in pages, or the configured limit when the module declares none.
	Max uint32
}

// NewMemoryInstance allocates the initial pages of a memory.
func NewMemoryInstance(min, max uint32) *MemoryInstance {
	return &MemoryInstance{Buffer: make([]byte, MemoryPagesToBytesNum(min)), Min: min, Max: max}
}

// Size implements api.Memory Size
func (m *MemoryInstance) Size() uint32 {
	if l := uint64(len(m.Buffer)); l <= math.MaxUint32 {
		return uint32(l)
	}
	return math.MaxUint32
}

// hasSize returns true if Len is sufficient for sizeInBytes at the given offset.
func (m *MemoryInstance) hasSize(offset uint64, sizeInBytes uint64) bool {
	return offset+sizeInBytes <= uint64(len(m.Buffer))
}

// InBounds returns true if sizeInBytes bytes at the effective address are within the memory.
// The effective address is a 32-bit base plus a 32-bit static offset, so it is computed in 64 bits.
func (m *MemoryInstance) InBounds(base, offset uint32, sizeInBytes uint32) bool {
	return m.hasSize(uint64(base)+uint64(offset), uint64(sizeInBytes))
}

// ReadByte implements api.Memory ReadByte
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if !m.hasSize(uint64(offset), 1) {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(uint64(offset), 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset:]), true
}

// ReadUint64Le implements api.Memory ReadUint64Le
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(uint64(offset), 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset:]), true
}

// Read implements api.Memory Read
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(uint64(offset), uint64(byteCount)) {
		return nil, false
	}
	return m.Buffer[offset : uint64(offset)+uint64(byteCount)], true
}

// WriteByte implements api.Memory WriteByte
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if !m.hasSize(uint64(offset), 1) {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(uint64(offset), 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteUint64Le implements api.Memory WriteUint64Le
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(uint64(offset), 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// Write implements api.Memory Write
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(uint64(offset), uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// PageSize returns the current memory buffer size in pages.
func (m *MemoryInstance) PageSize() uint32 {
	return uint32(uint64(len(m.Buffer)) >> MemoryPageSizeInBits)
}

// Grow implements api.Memory Grow. The logic here is described in
// https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem.
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	currentPages := m.PageSize()
	if uint64(currentPages)+uint64(deltaPages) > uint64(m.Max) {
		return 0, false
	}
	if deltaPages > 0 {
		m.Buffer = append(m.Buffer, make([]byte, MemoryPagesToBytesNum(deltaPages))...)
	}
	return currentPages, true
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	return fmt.Sprintf("%d Gi", m/1024)
}
