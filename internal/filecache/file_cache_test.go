package filecache

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestFileCache_Add(t *testing.T) {
	fc := newFileCache(afero.NewOsFs(), t.TempDir())

	t.Run("not exist", func(t *testing.T) {
		content := []byte{1, 2, 3, 4, 5}
		id := Key{1, 2, 3, 4, 5, 6, 7}
		err := fc.Add(id, bytes.NewReader(content))
		require.NoError(t, err)

		// Ensures that file exists.
		cached, err := os.ReadFile(fc.path(id))
		require.NoError(t, err)

		// Check if the saved content is the same as the given one.
		require.Equal(t, content, cached)
	})

	t.Run("already exists", func(t *testing.T) {
		id := Key{1, 2, 3}
		require.NoError(t, os.WriteFile(fc.path(id), []byte{9, 9}, 0o600))

		content := []byte{1, 2, 3, 4, 5}
		err := fc.Add(id, bytes.NewReader(content))
		require.NoError(t, err)

		cached, err := os.ReadFile(fc.path(id))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})

	t.Run("no temporary files left", func(t *testing.T) {
		entries, err := os.ReadDir(fc.dirPath)
		require.NoError(t, err)
		require.Equal(t, 2, len(entries))
	})
}

func TestFileCache_Add_CreatesDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	fc := newFileCache(fs, "/cache/spwasm")

	id := Key{0xa}
	require.NoError(t, fc.Add(id, bytes.NewReader([]byte("artifact"))))

	cached, err := afero.ReadFile(fs, fc.path(id))
	require.NoError(t, err)
	require.Equal(t, []byte("artifact"), cached)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestFileCache_Add_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	fc := newFileCache(fs, "/cache")
	id := Key{1}
	require.NoError(t, fc.Add(id, bytes.NewReader([]byte{1})))

	err := fc.Add(id, failingReader{})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// The previous entry is intact and the temporary file is gone.
	cached, err := afero.ReadFile(fs, fc.path(id))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, cached)
	entries, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	require.Equal(t, 1, len(entries))
}

func TestFileCache_Delete(t *testing.T) {
	fs := afero.NewMemMapFs()
	fc := newFileCache(fs, "/cache")
	t.Run("non-exist", func(t *testing.T) {
		require.NoError(t, fc.Delete(Key{0}))
	})
	t.Run("exist", func(t *testing.T) {
		id := Key{1, 2, 3}
		require.NoError(t, afero.WriteFile(fs, fc.path(id), nil, 0o600))

		require.NoError(t, fc.Delete(id))

		exists, err := afero.Exists(fs, fc.path(id))
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestFileCache_Get(t *testing.T) {
	fs := afero.NewMemMapFs()
	fc := newFileCache(fs, "/cache")

	t.Run("exist", func(t *testing.T) {
		content := []byte{1, 2, 3, 4, 5}
		id := Key{1, 2, 3}
		require.NoError(t, afero.WriteFile(fs, fc.path(id), content, 0o600))

		result, ok, err := fc.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		defer func() {
			require.NoError(t, result.Close())
		}()

		actual, err := io.ReadAll(result)
		require.NoError(t, err)
		require.Equal(t, content, actual)
	})
	t.Run("not exist", func(t *testing.T) {
		_, ok, err := fc.Get(Key{0xf})
		// Non-exist should not be error.
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestFileCache_path(t *testing.T) {
	fc := &fileCache{dirPath: "/tmp/.spwasm"}
	actual := fc.path(Key{1, 2, 3, 4, 5})
	require.Equal(t, "/tmp/.spwasm/0102030405000000000000000000000000000000000000000000000000000000", actual)
}
