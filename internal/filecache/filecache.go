// Package filecache persists serialized compiled modules across processes.
package filecache

import (
	"crypto/sha256"
	"io"
)

// Cache stores artifacts by Key.
//
// Since these methods are concurrently accessed, the implementations must be Goroutine-safe.
type Cache interface {
	// Get returns the content stored by Add. A missing entry is ok=false with a nil error. The caller closes
	// content.
	//
	// Note: the content isn't trusted by the runtime. Artifacts carry a checksum and are verified before any of
	// their code is used.
	Get(key Key) (content io.ReadCloser, ok bool, err error)
	// Add stores content under key, replacing any previous entry. Readers never observe a partial entry.
	Add(key Key, content io.Reader) (err error)
	// Delete removes the entry for key, e.g. when it was written by another version. Deleting a missing entry
	// is not an error.
	Delete(key Key) (err error)
}

// Key is the 256-bit identifier of an entry.
type Key = [sha256.Size]byte
