// Package main is the spwasm command: it compiles WebAssembly binaries into artifacts, runs exported functions and
// prints the generated code.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

func main() {
	gs := &globalState{fs: afero.NewOsFs(), stdOut: os.Stdout, stdErr: os.Stderr}
	os.Exit(doMain(context.Background(), gs, os.Args[1:]))
}

// globalState is what the commands share. Tests substitute the filesystem and the output streams.
type globalState struct {
	fs             afero.Fs
	stdOut, stdErr io.Writer
	flags          globalFlags
}

type globalFlags struct {
	verbose  bool
	cacheDir string
	compress bool
}

// doMain is separated out for the purpose of unit testing. It returns the exit code.
func doMain(ctx context.Context, gs *globalState, args []string) int {
	cmd := newRootCommand(gs)
	cmd.SetArgs(args)
	cmd.SetOut(gs.stdOut)
	cmd.SetErr(gs.stdErr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(gs.stdErr, "error: %v\n", err)
		return 1
	}
	return 0
}
