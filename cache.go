package spwasm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/filecache"
	"github.com/spwasm/spwasm/internal/version"
)

// Cache persists compiled modules across runtimes and processes. Pass it to RuntimeConfig.WithCompilationCache.
//
// Entries are keyed by the module source, the version of this library and the settings that affect the output,
// so a cache directory can be shared by different versions. An entry that fails to load is deleted and the
// module is compiled again.
//
// Note: The embedder must safeguard the directory from external changes. Artifacts are checksummed, but not
// signed.
type Cache interface {
	// Dir is the directory holding the entries.
	Dir() string
}

// NewCache returns a Cache in a version-specific subdirectory of dir on the OS filesystem. dir is created if it
// doesn't exist.
func NewCache(dir string) (Cache, error) {
	// Resolve a potentially relative directory into an absolute one.
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err = mkdir(afero.NewOsFs(), dir); err != nil {
		return nil, err
	}
	return newCache(afero.NewOsFs(), dir), nil
}

// NewCacheWithFS is like NewCache, but on fs, e.g. afero.NewMemMapFs. The directory is created on first write.
func NewCacheWithFS(fs afero.Fs, dir string) Cache {
	return newCache(fs, dir)
}

func newCache(fs afero.Fs, dir string) *cache {
	// Separate versions to avoid churn when two versions share a directory.
	dirname := path.Join(dir, "spwasm-"+version.GetVersion()+"-"+compiler.Target)
	return &cache{dir: dirname, files: filecache.NewWithFS(fs, dirname)}
}

// cache implements Cache.
type cache struct {
	dir   string
	files filecache.Cache
}

// Dir implements Cache.Dir
func (c *cache) Dir() string {
	return c.dir
}

// key identifies the artifact of source compiled under config.
func (c *cache) key(source []byte, config *RuntimeConfig) filecache.Key {
	h := sha256.New()
	h.Write(source)
	h.Write([]byte(version.GetVersion()))
	h.Write([]byte(compiler.Target))
	var bits [5]byte
	binary.LittleEndian.PutUint32(bits[:], config.memoryLimitPages)
	if config.compressArtifacts {
		bits[4] = 1
	}
	h.Write(bits[:])
	var ret filecache.Key
	h.Sum(ret[:0])
	return ret
}

// get returns the artifact for key, or nil if there is none.
func (c *cache) get(key filecache.Key) ([]byte, error) {
	content, ok, err := c.files.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	defer content.Close()
	return io.ReadAll(content)
}

func (c *cache) add(key filecache.Key, artifact []byte) error {
	return c.files.Add(key, bytes.NewReader(artifact))
}

func (c *cache) delete(key filecache.Key) error {
	return c.files.Delete(key)
}

func mkdir(fs afero.Fs, dirname string) error {
	if st, err := fs.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		// If the directory not found, create the cache dir.
		if err = fs.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}
