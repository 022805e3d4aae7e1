package spwasm_test

import (
	"context"
	"log"
	"os"

	"github.com/spwasm/spwasm"
)

// This is a basic example of using the file system compilation cache via spwasm.NewCache.
// The main goal is to show how it is configured.
func Example_compileCache() {
	// Prepare a cache directory.
	cacheDir, err := os.MkdirTemp("", "example")
	if err != nil {
		log.Panicln(err)
	}
	defer os.RemoveAll(cacheDir)

	ctx := context.Background()

	// Create a runtime config which shares a compilation cache directory.
	cache, err := spwasm.NewCache(cacheDir)
	if err != nil {
		log.Panicln(err)
	}
	config := spwasm.NewRuntimeConfig().WithCompilationCache(cache)

	// Use the same cache directory for multiple runtimes.
	newRuntimeCompileClose(ctx, config)
	// Since the above stored the artifact to disk, below won't compile from scratch.
	// Instead, the artifact stored in the file cache is deserialized.
	newRuntimeCompileClose(ctx, config)
	newRuntimeCompileClose(ctx, config)

	// Output:
	//
}

// newRuntimeCompileClose creates a new spwasm.Runtime, compiles a binary, and then closes the runtime.
func newRuntimeCompileClose(ctx context.Context, config *spwasm.RuntimeConfig) {
	r := spwasm.NewRuntimeWithConfig(ctx, config)
	defer r.Close(ctx) // This closes everything this Runtime created except the file system cache.

	if _, err := r.CompileModule(ctx, addWasm); err != nil {
		log.Panicln(err)
	}
}
