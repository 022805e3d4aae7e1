package spwasm

import (
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/version"
)

func TestNewCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")

	c, err := NewCache(dir)
	require.NoError(t, err)
	require.Equal(t, path.Join(dir, "spwasm-"+version.GetVersion()+"-"+compiler.Target), c.Dir())

	st, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir())

	// The versioned subdirectory is created on first write.
	_, err = os.Stat(c.Dir())
	require.True(t, os.IsNotExist(err))
}

func TestNewCache_NotDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := NewCache(file)
	require.EqualError(t, err, file+" is not dir")
}

func TestCache_key(t *testing.T) {
	c := newCache(afero.NewMemMapFs(), "/cache")
	config := NewRuntimeConfig()

	key := c.key(mathWasm, config)
	require.Equal(t, key, c.key(mathWasm, config.WithCompilationWorkers(3)), "workers don't change the output")
	require.Equal(t, key, c.key(mathWasm, config.WithCallStackLimit(3)), "call stack limit is a runtime setting")

	for _, other := range [][32]byte{
		c.key(importWasm, config),
		c.key(mathWasm, config.WithMemoryLimitPages(1)),
		c.key(mathWasm, config.WithArtifactCompression(true)),
	} {
		require.NotEqual(t, key, other)
	}
}

func TestCompilationCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := NewCacheWithFS(fs, "/cache")

	core, logs := observer.New(zap.DebugLevel)
	config := NewRuntimeConfig().WithCompilationCache(c).WithLogger(zap.New(core))

	compile := func(t *testing.T, config *RuntimeConfig) {
		r := NewRuntimeWithConfig(testCtx, config)
		defer r.Close(testCtx)

		compiled, err := r.CompileModule(testCtx, mathWasm)
		require.NoError(t, err)
		inst, err := r.Instantiate(testCtx, compiled, nil, "math")
		require.NoError(t, err)
		results, err := inst.ExportedFunction("add").Call(testCtx, 1, 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{3}, results)
	}
	count := func(message string) int {
		return logs.FilterMessage(message).Len()
	}

	key := c.(*cache).key(mathWasm, config)
	entry := path.Join(c.Dir(), hex.EncodeToString(key[:]))

	t.Run("miss", func(t *testing.T) {
		compile(t, config)
		require.Equal(t, 1, count("compilation cache miss"))
		require.Equal(t, 1, count("compiled module from source"))

		ok, err := afero.Exists(fs, entry)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("hit", func(t *testing.T) {
		compile(t, config)
		require.Equal(t, 1, count("compilation cache hit"))
		require.Equal(t, 1, count("compiled module from source"))
	})

	t.Run("corrupt entry is replaced", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, entry, []byte("garbage"), 0o600))

		compile(t, config)
		require.Equal(t, 1, count("compilation cache entry unusable"))
		require.Equal(t, 2, count("compiled module from source"))

		compile(t, config)
		require.Equal(t, 2, count("compilation cache hit"))
	})

	t.Run("settings are part of the key", func(t *testing.T) {
		compile(t, config.WithArtifactCompression(true))
		require.Equal(t, 2, count("compilation cache miss"))
		require.Equal(t, 3, count("compiled module from source"))

		files, err := afero.ReadDir(fs, c.Dir())
		require.NoError(t, err)
		require.Equal(t, 2, len(files))
	})
}
