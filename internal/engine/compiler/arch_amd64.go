//go:build unix || windows

package compiler

// Target is the instruction set the engine emits by default on this platform.
const Target = "amd64"

// backends are the targets available on this platform, the default first.
var backends = []*backend{amd64Backend, interpreterBackend}
