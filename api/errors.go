package api

import (
	"errors"
	"fmt"
	"strings"
)

// Usage errors. These are returned (possibly wrapped) when the host misuses the API. They never originate from
// guest code.
var (
	// ErrExportNotFound is returned by Instance.Export when there is no export with the given name.
	ErrExportNotFound = errors.New("export not found")
	// ErrExportKind is returned when an export handle is used as a kind it is not, e.g. calling a memory.
	ErrExportKind = errors.New("export kind mismatch")
	// ErrSignatureMismatch is returned when call arguments don't match the function signature.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrInstanceClosed is returned when using an instance, or a handle of it, after Close.
	ErrInstanceClosed = errors.New("instance closed")
	// ErrRuntimeClosed is returned when compiling or instantiating with a closed runtime.
	ErrRuntimeClosed = errors.New("runtime closed")
)

// DecodeError is returned when a WebAssembly binary is malformed.
type DecodeError struct {
	// Section is the name of the section being decoded, or "header".
	Section string
	// Offset is the byte offset in the binary where decoding failed.
	Offset int
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error in %s section at offset %#x: %v", e.Section, e.Offset, e.Err)
}

// Unwrap returns the cause.
func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError is returned when a well-formed module violates a typing or structural rule.
type ValidationError struct {
	// Section is the name of the section holding the invalid entry.
	Section string
	// Index is the index of the invalid entry within its index space, e.g. a function index.
	Index uint32
	Err   error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s[%d]: %v", e.Section, e.Index, e.Err)
}

// Unwrap returns the cause.
func (e *ValidationError) Unwrap() error { return e.Err }

// CompileError is returned when code generation fails for a valid function, e.g. an instruction the code
// generator doesn't support.
type CompileError struct {
	// FunctionIndex is the index of the function in the module's function index space (imports first).
	FunctionIndex uint32
	// Offset is the offset of the offending instruction within the function body.
	Offset uint32
	Err    error
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed at function[%d] offset %#x: %v", e.FunctionIndex, e.Offset, e.Err)
}

// Unwrap returns the cause.
func (e *CompileError) Unwrap() error { return e.Err }

// LinkError is returned when instantiation fails before any code runs: an unresolvable import, or an element or
// data segment that doesn't fit.
type LinkError struct {
	// Module and Name identify the import. Both are empty for segment failures.
	Module, Name string
	Reason       string
}

// Error implements error.
func (e *LinkError) Error() string {
	if e.Module == "" && e.Name == "" {
		return "link error: " + e.Reason
	}
	return fmt.Sprintf("link error: import %s.%s: %s", e.Module, e.Name, e.Reason)
}

// ArtifactError is returned when a serialized module cannot be loaded.
type ArtifactError struct {
	// Stale is true when the artifact is intact but was produced by another version or for another target.
	Stale  bool
	Reason string
}

// Error implements error.
func (e *ArtifactError) Error() string {
	if e.Stale {
		return "stale artifact: " + e.Reason
	}
	return "invalid artifact: " + e.Reason
}

// TrapCode is the reason WebAssembly execution was aborted.
type TrapCode byte

const (
	TrapCodeUnreachable TrapCode = iota + 1
	TrapCodeMemoryOutOfBounds
	TrapCodeIntegerDivideByZero
	TrapCodeIntegerOverflow
	TrapCodeTableOutOfBounds
	TrapCodeNullTableElement
	TrapCodeIndirectCallTypeMismatch
	TrapCodeCallStackExhausted
	TrapCodeHostFunctionPanic
)

// String implements fmt.Stringer
func (c TrapCode) String() string {
	switch c {
	case TrapCodeUnreachable:
		return "unreachable"
	case TrapCodeMemoryOutOfBounds:
		return "out of bounds memory access"
	case TrapCodeIntegerDivideByZero:
		return "integer divide by zero"
	case TrapCodeIntegerOverflow:
		return "integer overflow"
	case TrapCodeTableOutOfBounds:
		return "undefined element"
	case TrapCodeNullTableElement:
		return "uninitialized element"
	case TrapCodeIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case TrapCodeCallStackExhausted:
		return "call stack exhausted"
	case TrapCodeHostFunctionPanic:
		return "host function panic"
	}
	return fmt.Sprintf("trap(%d)", byte(c))
}

// Trap is returned from Function.Call when the guest faults. The instance remains usable.
type Trap struct {
	Code TrapCode
	// Backtrace lists the functions on the call stack at the fault, innermost first.
	Backtrace []string
	// Cause is the recovered value when Code is TrapCodeHostFunctionPanic.
	Cause error
}

// Error implements error.
func (e *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm trap: ")
	b.WriteString(e.Code.String())
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if len(e.Backtrace) > 0 {
		b.WriteString("\nwasm stack trace:")
		for _, f := range e.Backtrace {
			b.WriteString("\n\t")
			b.WriteString(f)
		}
	}
	return b.String()
}

// Unwrap returns the cause, if any.
func (e *Trap) Unwrap() error { return e.Cause }

// Is reports whether target is a *Trap with the same code, so errors.Is(err, &Trap{Code: c}) works.
func (e *Trap) Is(target error) bool {
	t, ok := target.(*Trap)
	return ok && t.Code == e.Code
}
