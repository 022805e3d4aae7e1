package spwasm

import (
	"fmt"
	goruntime "runtime"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/wasm"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig.
//
// The With methods return a modified copy, so a config can be shared and specialized safely:
//
//	base := spwasm.NewRuntimeConfig().WithMemoryLimitPages(16)
//	compressed := base.WithArtifactCompression(true)
type RuntimeConfig struct {
	logger             *zap.Logger
	compilationWorkers int
	memoryLimitPages   uint32
	callStackLimit     int
	compressArtifacts  bool
	cache              Cache
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	memoryLimitPages: wasm.MemoryLimitPages,
	callStackLimit:   compiler.DefaultCallStackLimit,
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// NewRuntimeConfig returns the default configuration: no logging, one compilation worker per GOMAXPROCS, the
// 4GiB memory limit, a call stack limit of 10000 frames, uncompressed artifacts and no compilation cache.
func NewRuntimeConfig() *RuntimeConfig {
	return engineLessConfig.clone()
}

// WithLogger sets the logger of debug events: compilation, cache lookups, instantiation and the artifact codec.
// Defaults to zap.NewNop.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithCompilationWorkers sets how many goroutines compile the functions of one module. Zero, the default, means
// runtime.GOMAXPROCS(0) and one compiles on the calling goroutine.
//
// The output doesn't depend on this: the same module compiles to identical code with any number of workers.
func (c *RuntimeConfig) WithCompilationWorkers(workers int) *RuntimeConfig {
	ret := c.clone()
	ret.compilationWorkers = workers
	return ret
}

// WithMemoryLimitPages reduces the maximum number of pages a module can use from 65536 pages (4GiB).
//
// Notes:
//   - If a module defines no memory max, memory.grow fails beyond this.
//   - If a module defines a memory min or max larger than this, it fails to compile.
func (c *RuntimeConfig) WithMemoryLimitPages(pages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.memoryLimitPages = pages
	return ret
}

// WithCallStackLimit sets the maximum depth of WebAssembly calls. A call beyond it traps with
// api.TrapCodeCallStackExhausted. Defaults to 10000.
func (c *RuntimeConfig) WithCallStackLimit(frames int) *RuntimeConfig {
	ret := c.clone()
	ret.callStackLimit = frames
	return ret
}

// WithArtifactCompression compresses the payload of serialized modules with zstd. Deserialization accepts both
// forms regardless of this setting.
func (c *RuntimeConfig) WithArtifactCompression(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.compressArtifacts = enabled
	return ret
}

// WithCompilationCache persists compiled modules in the cache, so that compiling the same source again
// deserializes the artifact instead of generating code.
func (c *RuntimeConfig) WithCompilationCache(cache Cache) *RuntimeConfig {
	ret := c.clone()
	ret.cache = cache
	return ret
}

func (c *RuntimeConfig) workers() int {
	if c.compilationWorkers <= 0 {
		return goruntime.GOMAXPROCS(0)
	}
	return c.compilationWorkers
}

// envRuntimeConfig holds the variables read by RuntimeConfigFromEnv. Unset variables are nil.
type envRuntimeConfig struct {
	CompilationWorkers *int    `envconfig:"COMPILATION_WORKERS"`
	MemoryLimitPages   *uint32 `envconfig:"MEMORY_LIMIT_PAGES"`
	CallStackLimit     *int    `envconfig:"CALL_STACK_LIMIT"`
	CompressArtifacts  *bool   `envconfig:"COMPRESS_ARTIFACTS"`
	CacheDir           *string `envconfig:"CACHE_DIR"`
}

// RuntimeConfigFromEnv returns NewRuntimeConfig overlaid with these environment variables, when set:
//
//   - SPWASM_COMPILATION_WORKERS: WithCompilationWorkers
//   - SPWASM_MEMORY_LIMIT_PAGES: WithMemoryLimitPages
//   - SPWASM_CALL_STACK_LIMIT: WithCallStackLimit
//   - SPWASM_COMPRESS_ARTIFACTS: WithArtifactCompression
//   - SPWASM_CACHE_DIR: WithCompilationCache of NewCache on the directory
func RuntimeConfigFromEnv() (*RuntimeConfig, error) {
	var env envRuntimeConfig
	if err := envconfig.Process("spwasm", &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	ret := NewRuntimeConfig()
	if env.CompilationWorkers != nil {
		ret.compilationWorkers = *env.CompilationWorkers
	}
	if env.MemoryLimitPages != nil {
		if *env.MemoryLimitPages > wasm.MemoryLimitPages {
			return nil, fmt.Errorf("SPWASM_MEMORY_LIMIT_PAGES: %d is over the limit of %d pages",
				*env.MemoryLimitPages, wasm.MemoryLimitPages)
		}
		ret.memoryLimitPages = *env.MemoryLimitPages
	}
	if env.CallStackLimit != nil {
		ret.callStackLimit = *env.CallStackLimit
	}
	if env.CompressArtifacts != nil {
		ret.compressArtifacts = *env.CompressArtifacts
	}
	if env.CacheDir != nil && *env.CacheDir != "" {
		cache, err := NewCache(*env.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("SPWASM_CACHE_DIR: %w", err)
		}
		ret.cache = cache
	}
	return ret, nil
}
