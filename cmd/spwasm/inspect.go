package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spwasm/spwasm/internal/engine/compiler"
	"github.com/spwasm/spwasm/internal/wasm"
	"github.com/spwasm/spwasm/internal/wasm/binary"
)

func getInspectCmd(gs *globalState) *cobra.Command {
	var function int
	var target string

	cmd := &cobra.Command{
		Use:   "inspect <module>",
		Short: "Print the imports, exports and generated code of a module",
		Long: `Print the imports, exports and generated code of a WebAssembly binary or an artifact.

Machine code is listed in hex, while spvm64 code is disassembled. Calls to other functions are shown unlinked, as
stored in artifacts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := gs.newLogger()
			defer logger.Sync() //nolint:errcheck

			cm, err := gs.compileForInspection(cmd.Context(), logger, target, args[0])
			if err != nil {
				return err
			}
			return printCompiledModule(gs.stdOut, cm, function)
		},
	}
	cmd.Flags().IntVarP(&function, "function", "f", -1, "only disassemble the function of this index, imports first")
	cmd.Flags().StringVar(&target, "target", compiler.Target, fmt.Sprintf("instruction set to generate, one of %v", compiler.Targets()))
	return cmd
}

// compileForInspection goes under the runtime to reach the generated code.
func (gs *globalState) compileForInspection(ctx context.Context, logger *zap.Logger, target, filename string) (*compiler.CompiledModule, error) {
	e, err := compiler.NewEngineForTarget(logger, target, 1, compiler.DefaultCallStackLimit)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(gs.fs, filename)
	if err != nil {
		return nil, err
	}
	if compiler.IsArtifact(data) {
		return e.Deserialize(data)
	}
	m, err := binary.DecodeModule(data)
	if err != nil {
		return nil, err
	}
	if err = m.Validate(wasm.MemoryLimitPages); err != nil {
		return nil, err
	}
	return e.CompileModule(ctx, m)
}

func printCompiledModule(w io.Writer, cm *compiler.CompiledModule, function int) error {
	m := cm.Module
	imported := int(m.ImportFuncCount())

	if function >= 0 {
		if function < imported || function-imported >= len(cm.Functions) {
			return fmt.Errorf("function %d is not defined by the module", function)
		}
		return printFunction(w, cm, function-imported)
	}

	fmt.Fprintf(w, "module %s\n", hex.EncodeToString(m.ID[:8]))
	fmt.Fprintf(w, "target=%s functions=%d code=%d relocations=%d\n", cm.Target(), len(cm.Functions), len(cm.Code), cm.RelocationCount())
	if mem := m.Memory(); mem != nil {
		limit := "none"
		if mem.IsMaxEncoded {
			limit = wasm.PagesToUnitOfBytes(mem.Max)
		}
		fmt.Fprintf(w, "memory min=%s max=%s\n", wasm.PagesToUnitOfBytes(mem.Min), limit)
	}
	for _, imp := range m.ImportSection {
		fmt.Fprintf(w, "import %s.%s %s\n", imp.Module, imp.Name, wasm.ExternTypeName(imp.Type))
	}
	for _, exp := range m.ExportSection {
		fmt.Fprintf(w, "export %s %s %d\n", exp.Name, wasm.ExternTypeName(exp.Type), exp.Index)
	}
	for i := range cm.Functions {
		if err := printFunction(w, cm, i); err != nil {
			return err
		}
	}
	return nil
}

func printFunction(w io.Writer, cm *compiler.CompiledModule, i int) error {
	listing, err := cm.Disassemble(i)
	if err != nil {
		return fmt.Errorf("function %d: %w", i, err)
	}
	_, err = io.WriteString(w, listing)
	return err
}
