package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spwasm/spwasm"
	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/version"
)

func newRootCommand(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:   "spwasm",
		Short: "WebAssembly 1.0 compiler and runtime",
		Long: `spwasm compiles WebAssembly 1.0 binaries to machine code of this platform, or to the portable spvm64
code where there is no native code generator, stores the result as artifacts and runs exported functions of
either form.

Settings not given as flags are read from SPWASM_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddFlagSet(rootPersistentFlagSet(gs))

	root.AddCommand(
		getCompileCmd(gs),
		getRunCmd(gs),
		getInspectCmd(gs),
		getVersionCmd(gs),
	)
	return root
}

func rootPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", false, "log compilation and cache events to stderr")
	flags.StringVar(&gs.flags.cacheDir, "cache-dir", "", "directory of the compilation cache, overrides SPWASM_CACHE_DIR")
	flags.BoolVar(&gs.flags.compress, "compress", false, "compress artifacts with zstd, overrides SPWASM_COMPRESS_ARTIFACTS")
	return flags
}

// newLogger returns a development logger writing to stderr when verbose, otherwise a no-op one.
func (gs *globalState) newLogger() *zap.Logger {
	if !gs.flags.verbose {
		return zap.NewNop()
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(gs.stdErr),
		zap.DebugLevel,
	)
	return zap.New(core)
}

// runtimeConfig reads the environment, then applies the flags set on the command line.
func (gs *globalState) runtimeConfig(cmd *cobra.Command, logger *zap.Logger) (*spwasm.RuntimeConfig, error) {
	config, err := spwasm.RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	config = config.WithLogger(logger)
	if gs.flags.cacheDir != "" {
		cache, err := spwasm.NewCache(gs.flags.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("--cache-dir: %w", err)
		}
		config = config.WithCompilationCache(cache)
	}
	if cmd.Flags().Changed("compress") {
		config = config.WithArtifactCompression(gs.flags.compress)
	}
	return config, nil
}

// loadModule compiles the binary at filename, or deserializes it when it is an artifact.
func (gs *globalState) loadModule(ctx context.Context, r spwasm.Runtime, filename string) (spwasm.CompiledModule, error) {
	data, err := afero.ReadFile(gs.fs, filename)
	if err != nil {
		return nil, err
	}
	if compiler.IsArtifact(data) {
		return r.DeserializeModule(ctx, data)
	}
	return r.CompileModule(ctx, data)
}

// moduleName is the file name without its extension.
func moduleName(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func getVersionCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version and the artifact compatibility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(gs.stdOut, "spwasm %s\nartifact format %s\ntarget %s\n",
				version.GetVersion(), version.ArtifactFormat, compiler.Target)
			return err
		},
	}
}
