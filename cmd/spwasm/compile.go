package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/spwasm/spwasm"
)

// artifactExt is appended to the output of compile when --output is not set.
const artifactExt = ".spwasm"

func getCompileCmd(gs *globalState) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "compile <module.wasm>",
		Short: "Compile a WebAssembly binary into an artifact",
		Long: `Compile a WebAssembly binary into an artifact that run and inspect load without compiling again.

The artifact is only loadable by the same version of spwasm.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := gs.newLogger()
			defer logger.Sync() //nolint:errcheck

			config, err := gs.runtimeConfig(cmd, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			r := spwasm.NewRuntimeWithConfig(ctx, config)
			defer r.Close(ctx)

			source, err := afero.ReadFile(gs.fs, args[0])
			if err != nil {
				return err
			}
			compiled, err := r.CompileModule(ctx, source)
			if err != nil {
				return err
			}
			artifact, err := r.SerializeModule(compiled)
			if err != nil {
				return err
			}

			if output == "" {
				output = strings.TrimSuffix(args[0], ".wasm") + artifactExt
			}
			if err = afero.WriteFile(gs.fs, output, artifact, 0o644); err != nil {
				return err
			}
			_, err = fmt.Fprintf(gs.stdOut, "compiled %d functions into %s (%d bytes)\n",
				compiled.FunctionCount(), output, len(artifact))
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "artifact path, defaults to the input path with the "+artifactExt+" extension")
	return cmd
}
