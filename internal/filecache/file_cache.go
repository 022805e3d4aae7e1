package filecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
)

// New returns a Cache storing one file per entry in dir on the OS filesystem.
func New(dir string) Cache {
	return NewWithFS(afero.NewOsFs(), dir)
}

// NewWithFS is like New, but on the given filesystem, e.g. afero.NewMemMapFs in tests.
func NewWithFS(fs afero.Fs, dir string) Cache {
	return newFileCache(fs, dir)
}

func newFileCache(fs afero.Fs, dir string) *fileCache {
	return &fileCache{fs: fs, dirPath: dir}
}

// fileCache writes entries to dirPath, named by the hex encoded key.
type fileCache struct {
	fs      afero.Fs
	dirPath string
}

func (fc *fileCache) path(key Key) string {
	return path.Join(fc.dirPath, hex.EncodeToString(key[:]))
}

func (fc *fileCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	f, err := fc.fs.Open(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// Add writes content to a temporary file and renames it into place, so that a concurrent Get sees either the
// previous entry or the complete new one.
func (fc *fileCache) Add(key Key, content io.Reader) (err error) {
	if err = fc.fs.MkdirAll(fc.dirPath, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := afero.TempFile(fc.fs, fc.dirPath, hex.EncodeToString(key[:])+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fc.fs.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return fc.fs.Rename(tmp.Name(), fc.path(key))
}

func (fc *fileCache) Delete(key Key) (err error) {
	err = fc.fs.Remove(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return
}
