//go:build !((amd64 || arm64) && (unix || windows))

package compiler

// Target is the instruction set the engine emits by default on this platform. Without a native code generator,
// modules compile to spvm64 and run on the interpreter.
const Target = interpreterTarget

// backends are the targets available on this platform, the default first.
var backends = []*backend{interpreterBackend}
