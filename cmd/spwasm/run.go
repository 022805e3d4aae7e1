package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spwasm/spwasm"
	"github.com/spwasm/spwasm/api"
)

func getRunCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "run <module> <export> [args...]",
		Short: "Call an exported function",
		Long: `Call an exported function of a WebAssembly binary or an artifact, and print its results one per line.

Arguments are parsed according to the parameter types: integers in any base accepted by Go literals, and floats in
decimal or hexadecimal notation. The module is instantiated without imports.`,
		Args: cobra.MinimumNArgs(2),
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

			compiled, err := gs.loadModule(ctx, r, args[0])
			if err != nil {
				return err
			}
			inst, err := r.Instantiate(ctx, compiled, nil, moduleName(args[0]))
			if err != nil {
				return err
			}
			export, err := inst.Export(args[1])
			if err != nil {
				return err
			}
			fn, err := export.Function()
			if err != nil {
				return err
			}

			params, err := parseParams(fn.ParamTypes(), args[2:])
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			results, err := fn.Call(ctx, params...)
			if err != nil {
				return err
			}
			for i, t := range fn.ResultTypes() {
				if _, err = fmt.Fprintln(gs.stdOut, formatValue(t, results[i])); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func parseParams(types []api.ValueType, args []string) ([]uint64, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("expected %d arguments, but got %d", len(types), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		v, err := parseValue(types[i], arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		params[i] = v
	}
	return params, nil
}

// parseValue encodes s as t. Integers may be given signed or unsigned.
func parseValue(t api.ValueType, s string) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return api.EncodeI32(int32(v)), nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		return v, err
	case api.ValueTypeI64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return api.EncodeI64(v), nil
		}
		return strconv.ParseUint(s, 0, 64)
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		return api.EncodeF64(v), err
	}
	return 0, fmt.Errorf("unsupported value type %#x", t)
}

func formatValue(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return strconv.FormatUint(v, 16)
}
