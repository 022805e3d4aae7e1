//go:build (amd64 || arm64) && (unix || windows)

package compiler

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

// jitcall enters native code at codeSegment with ce, a *nativeContext, in the register the code expects. It returns
// when the code exits back to Go, with the reason in nativeContext.status.
//
// Note: this is implemented in per-arch Go assembler file. For example, native_amd64.s implements this for amd64.
func jitcall(codeSegment, ce uintptr)

// nativeContext is the state shared by native code and Go. Native code addresses its fields by the offsets
// below, so the layout must not change without updating them.
type nativeContext struct {
	// goReturnAddress is where native code returns to jitcall. Only used on arm64.
	goReturnAddress uintptr
	// stackElement0Address is &nativeCallEngine.stack[0], and stackLen its length in bytes.
	stackElement0Address uintptr
	stackLen             uint64
	// frameOffset is the byte offset of the current frame in the stack.
	frameOffset uint64
	// framesElement0Address is &nativeCallEngine.frames[0].
	framesElement0Address uintptr
	// depth is the index of the current function in frames.
	depth          uint64
	callStackLimit uint64
	// memoryElement0Address is the buffer of the running instance's memory, and memoryLen its length in bytes.
	memoryElement0Address uintptr
	memoryLen             uint64
	// globalsElement0Address is &ModuleInstance.Globals[0] of the running instance.
	globalsElement0Address uintptr
	// status is why native code exited, with its arguments.
	status     nativeStatus
	statusArgs [4]uint64
	// resumeAddress is where to continue after Go handled the status.
	resumeAddress uintptr
}

const (
	nativeContextGoReturnAddressOffset        = 0
	nativeContextStackElement0AddressOffset   = 8
	nativeContextStackLenOffset               = 16
	nativeContextFrameOffsetOffset            = 24
	nativeContextFramesElement0AddressOffset  = 32
	nativeContextDepthOffset                  = 40
	nativeContextCallStackLimitOffset         = 48
	nativeContextMemoryElement0AddressOffset  = 56
	nativeContextMemoryLenOffset              = 64
	nativeContextGlobalsElement0AddressOffset = 72
	nativeContextStatusOffset                 = 80
	nativeContextStatusArgsOffset             = 88
	nativeContextResumeAddressOffset          = 120

	// globalInstanceValOffset is the offset of GlobalInstance.Val.
	globalInstanceValOffset = 8
)

// nativeFrame is one entry of the native call stack.
type nativeFrame struct {
	// returnAddress is where the caller resumes, or zero when the function was entered from Go.
	returnAddress uintptr
	// callerFrameOffset is the caller's nativeContext.frameOffset.
	callerFrameOffset uint64
	funcIndex         uint32
	_                 uint32
	_                 uint64
}

const (
	nativeFrameReturnAddressOffset     = 0
	nativeFrameCallerFrameOffsetOffset = 8
	nativeFrameFuncIndexOffset         = 16
	nativeFrameSizeLog2                = 5
)

// nativeStatus is the reason native code exits to Go. The slot arguments are relative to the current frame.
type nativeStatus uint64

const (
	nativeStatusReturned nativeStatus = iota
	// nativeStatusTrap args: trap code.
	nativeStatusTrap
	// nativeStatusGrowStack args: required stack length in bytes.
	nativeStatusGrowStack
	// nativeStatusCallImport args: function index, argBase slot.
	nativeStatusCallImport
	// nativeStatusCallIndirect args: type index, element slot, argBase slot.
	nativeStatusCallIndirect
	// nativeStatusMemoryGrow args: dst slot, delta slot.
	nativeStatusMemoryGrow
	// nativeStatusUnary args: wasm opcode, dst slot, src slot.
	nativeStatusUnary
	// nativeStatusBinary args: wasm opcode, dst slot, lhs slot, rhs slot.
	nativeStatusBinary
)

// assemblerMutex serializes the use of golang-asm, which isn't goroutine-safe.
var assemblerMutex sync.Mutex

// nativeLabel is the NOP a label is bound to, and the branches waiting for it until then.
type nativeLabel struct {
	target  *obj.Prog
	pending []*obj.Prog
}

type nativeTrap struct {
	code  api.TrapCode
	label label
}

type nativeRelocation struct {
	prog  *obj.Prog
	index wasm.Index
}

// nativeAssembler is the part of the native emitters which doesn't depend on the architecture.
type nativeAssembler struct {
	b      *goasm.Builder
	labels []nativeLabel
	// onGenerate are called with the machine code once it is assembled, to patch what golang-asm can't emit.
	onGenerate  []func(code []byte) error
	traps       []nativeTrap
	relocations []nativeRelocation
}

func newNativeAssembler(arch string) nativeAssembler {
	b, err := goasm.NewBuilder(arch, 1024)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to create a new assembly builder: %w", err))
	}
	return nativeAssembler{b: b}
}

func (a *nativeAssembler) newProg() *obj.Prog {
	return a.b.NewProg()
}

func (a *nativeAssembler) add(p *obj.Prog) {
	a.b.AddInstruction(p)
}

func (a *nativeAssembler) standalone(as obj.As) {
	p := a.newProg()
	p.As = as
	a.add(p)
}

func (a *nativeAssembler) newLabel() label {
	a.labels = append(a.labels, nativeLabel{})
	return label(len(a.labels) - 1)
}

func (a *nativeAssembler) bind(l label) {
	nop := a.newProg()
	nop.As = obj.ANOP
	a.add(nop)
	nl := &a.labels[l]
	nl.target = nop
	for _, p := range nl.pending {
		p.To.SetTarget(nop)
	}
	nl.pending = nil
}

// branch adds a branch instruction to l.
func (a *nativeAssembler) branch(as obj.As, l label) *obj.Prog {
	p := a.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	a.setTarget(p, l)
	a.add(p)
	return p
}

func (a *nativeAssembler) setTarget(p *obj.Prog, l label) {
	nl := &a.labels[l]
	if nl.target != nil {
		p.To.SetTarget(nl.target)
	} else {
		nl.pending = append(nl.pending, p)
	}
}

// labelPc returns the offset of a bound label in the assembled code.
func (a *nativeAssembler) labelPc(l label) int64 {
	return a.labels[l].target.Pc
}

// trapLabel returns the label of the stub raising code, emitted at the end of the function.
func (a *nativeAssembler) trapLabel(code api.TrapCode) label {
	for _, t := range a.traps {
		if t.code == code {
			return t.label
		}
	}
	l := a.newLabel()
	a.traps = append(a.traps, nativeTrap{code: code, label: l})
	return l
}

// assemble returns the header followed by the machine code.
func (a *nativeAssembler) assemble(h functionHeader) ([]byte, []Relocation, error) {
	for i := range a.labels {
		if len(a.labels[i].pending) > 0 {
			return nil, nil, fmt.Errorf("BUG: label %d is never bound", i)
		}
	}
	code := a.b.Assemble()
	for _, cb := range a.onGenerate {
		if err := cb(code); err != nil {
			return nil, nil, err
		}
	}
	out := h.appendTo(make([]byte, 0, functionHeaderSize+len(code)))
	out = append(out, code...)
	var relocations []Relocation
	for _, r := range a.relocations {
		relocations = append(relocations, Relocation{Offset: functionHeaderSize + uint64(r.prog.Pc), FunctionIndex: r.index})
	}
	return out, relocations, nil
}

// checkFrameBytes returns an error if the frame can't be addressed with 32-bit displacements.
func checkFrameBytes(h functionHeader) (int64, error) {
	frameBytes := int64(h.frameSize) * 8
	if frameBytes > math.MaxInt32 {
		return 0, fmt.Errorf("frame of %d slots is too large", h.frameSize)
	}
	return frameBytes, nil
}

// linkNative copies the code to an executable region and writes the absolute address of each callee, with patch,
// at its call site. The region is unmapped when cm is garbage collected.
func linkNative(cm *CompiledModule, patch func(site []byte, addr uint64)) ([]byte, error) {
	if len(cm.Code) == 0 {
		return nil, nil
	}
	seg, err := mmapCodeSegment(len(cm.Code))
	if err != nil {
		return nil, fmt.Errorf("mmap code segment: %w", err)
	}
	copy(seg, cm.Code)
	base := uint64(uintptr(unsafe.Pointer(&seg[0])))
	importFuncs := cm.Module.ImportFuncCount()
	for i := range cm.Functions {
		for _, r := range cm.Functions[i].Relocations {
			callee := &cm.Functions[r.FunctionIndex-importFuncs]
			patch(seg[r.Offset:], base+callee.Entry+functionHeaderSize)
		}
	}
	if err = protectCodeSegment(seg); err != nil {
		_ = munmapCodeSegment(seg)
		return nil, fmt.Errorf("protect code segment: %w", err)
	}
	runtime.SetFinalizer(cm, func(cm *CompiledModule) {
		_ = munmapCodeSegment(seg)
	})
	return seg, nil
}

// disassembleNative lists the header of one function followed by its machine code in hex, 16 bytes per line.
func disassembleNative(code []byte) (string, error) {
	if len(code) < functionHeaderSize {
		return "", fmt.Errorf("function shorter than its header: %d bytes", len(code))
	}
	var sb strings.Builder
	h := readFunctionHeader(code)
	fmt.Fprintf(&sb, "func[%d] params=%d results=%d locals=%d frame=%d\n",
		h.funcIndex, h.params, h.results, h.locals, h.frameSize)
	for pc := functionHeaderSize; pc < len(code); pc += 16 {
		end := pc + 16
		if end > len(code) {
			end = len(code)
		}
		fmt.Fprintf(&sb, "  %04x: % x\n", pc, code[pc:end])
	}
	return sb.String(), nil
}

// nativeSession is a run of native code entered from Go, at depth of the call stack.
type nativeSession struct {
	me    *moduleEngine
	depth uint64
}

// nativeCallEngine executes one top-level call in native code. Frames are windows of stack as in callEngine, but
// the call stack lives in frames, written by native code. Go is only entered for what native code doesn't do
// itself: calls to imports or through tables, memory growth, some numeric instructions, and growing the stack.
//
// nativeCallEngine is reused through a sync.Pool, so it is never used by two goroutines at the same time.
type nativeCallEngine struct {
	// nativeContext must be first: native code receives the address of the engine.
	nativeContext
	stack  []uint64
	frames []nativeFrame
	// sessions map the depths of frames to module engines: a session covers the frames from its depth up to the
	// next session's.
	sessions []nativeSession
}

func newNativeCallEngine(callStackLimit int) *nativeCallEngine {
	c := &nativeCallEngine{
		stack:  make([]uint64, initialStackSize),
		frames: make([]nativeFrame, callStackLimit+1),
	}
	c.callStackLimit = uint64(callStackLimit)
	c.framesElement0Address = uintptr(unsafe.Pointer(&c.frames[0]))
	c.setStack(c.stack)
	return c
}

func (c *nativeCallEngine) setStack(stack []uint64) {
	c.stack = stack
	c.stackElement0Address = uintptr(unsafe.Pointer(&stack[0]))
	c.stackLen = uint64(len(stack)) * 8
}

// grow ensures the stack has at least n slots.
func (c *nativeCallEngine) grow(n int) {
	if n <= len(c.stack) {
		return
	}
	size := len(c.stack) * 2
	for size < n {
		size *= 2
	}
	stack := make([]uint64, size)
	copy(stack, c.stack)
	c.setStack(stack)
}

// call implements executor.call.
func (c *nativeCallEngine) call(ctx context.Context, me *moduleEngine, f *wasm.FunctionInstance, params []uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("wasm engine error while calling %s: %v", f.DebugName, r)
		}
		c.sessions = c.sessions[:0]
	}()

	if f.Host != nil {
		return callHostDirect(ctx, me, f, params)
	}

	target := f.Module.Engine.(*moduleEngine)
	c.depth, c.frameOffset = 0, 0
	c.frames[0] = nativeFrame{}
	c.grow(len(params))
	copy(c.stack, params)
	if err = c.execute(ctx, target, target.entryOf(f.Index)); err != nil {
		return nil, err
	}
	results = make([]uint64, len(f.Type.Results))
	copy(results, c.stack)
	return results, nil
}

// bindInstance points the context at the memory and globals of inst.
func (c *nativeCallEngine) bindInstance(inst *wasm.ModuleInstance) {
	c.memoryElement0Address, c.memoryLen = 0, 0
	if mem := inst.MemoryInstance; mem != nil && len(mem.Buffer) > 0 {
		c.memoryElement0Address = uintptr(unsafe.Pointer(&mem.Buffer[0]))
		c.memoryLen = uint64(len(mem.Buffer))
	}
	c.globalsElement0Address = 0
	if len(inst.Globals) > 0 {
		c.globalsElement0Address = uintptr(unsafe.Pointer(&inst.Globals[0]))
	}
}

// execute runs the function at entry of me, whose frame is at the current frameOffset and depth, until it returns.
func (c *nativeCallEngine) execute(ctx context.Context, me *moduleEngine, entry uint64) error {
	c.sessions = append(c.sessions, nativeSession{me: me, depth: c.depth})
	defer func() { c.sessions = c.sessions[:len(c.sessions)-1] }()

	inst := me.instance
	addr := me.codeAddress() + uintptr(entry) + functionHeaderSize
	for {
		c.bindInstance(inst)
		jitcall(addr, uintptr(unsafe.Pointer(c)))
		resume := c.resumeAddress
		base := c.frameOffset / 8
		args := c.statusArgs

		switch c.status {
		case nativeStatusReturned:
			return nil
		case nativeStatusTrap:
			return c.trap(api.TrapCode(args[0]), nil, "")
		case nativeStatusGrowStack:
			c.grow(int(args[0] / 8))
		case nativeStatusCallImport:
			if err := c.callFunction(ctx, inst, inst.Functions[args[0]], base+args[1]); err != nil {
				return err
			}
		case nativeStatusCallIndirect:
			fn, trapCode := lookupTable(inst, uint32(args[0]), uint32(c.stack[base+args[1]]))
			if trapCode != 0 {
				return c.trap(trapCode, nil, "")
			}
			if err := c.callFunction(ctx, inst, fn, base+args[2]); err != nil {
				return err
			}
		case nativeStatusMemoryGrow:
			if prev, ok := inst.MemoryInstance.Grow(uint32(c.stack[base+args[1]])); ok {
				c.stack[base+args[0]] = uint64(prev)
			} else {
				c.stack[base+args[0]] = math.MaxUint32 // -1
			}
		case nativeStatusUnary:
			c.stack[base+args[1]] = executeUnary(wasm.Opcode(args[0]), c.stack[base+args[2]])
		case nativeStatusBinary:
			v, trapCode := executeBinary(wasm.Opcode(args[0]), c.stack[base+args[2]], c.stack[base+args[3]])
			if trapCode != 0 {
				return c.trap(trapCode, nil, "")
			}
			c.stack[base+args[1]] = v
		default:
			panic(fmt.Sprintf("BUG: invalid exit status %d", c.status))
		}
		addr = resume
	}
}

// callFunction calls fn through Go with its frame starting at the slot base of the stack.
func (c *nativeCallEngine) callFunction(ctx context.Context, caller *wasm.ModuleInstance, fn *wasm.FunctionInstance, base uint64) error {
	if fn.Host != nil {
		n := uint64(hostStackSize(fn.Type))
		c.grow(int(base + n))
		if cause := callHost(ctx, caller, fn, c.stack[base:base+n]); cause != nil {
			return c.trap(api.TrapCodeHostFunctionPanic, cause, fn.DebugName)
		}
		return nil
	}

	callee := fn.Module.Engine.(*moduleEngine)
	savedFrameOffset, savedDepth := c.frameOffset, c.depth
	c.depth++
	c.frames[c.depth] = nativeFrame{callerFrameOffset: savedFrameOffset}
	c.frameOffset = base * 8
	err := c.execute(ctx, callee, callee.entryOf(fn.Index))
	c.frameOffset, c.depth = savedFrameOffset, savedDepth
	return err
}

// trap returns the *api.Trap for code raised at the current depth.
func (c *nativeCallEngine) trap(code api.TrapCode, cause error, hostName string) error {
	var backtrace []string
	if hostName != "" {
		backtrace = append(backtrace, hostName)
	}
	s := len(c.sessions) - 1
	for d := int(c.depth); d >= 0; d-- {
		if len(backtrace) == maxBacktraceFrames {
			backtrace = append(backtrace, "... "+strconv.Itoa(d+1)+" frames omitted")
			break
		}
		for s > 0 && uint64(d) < c.sessions[s].depth {
			s--
		}
		inst := c.sessions[s].me.instance
		backtrace = append(backtrace, inst.Functions[c.frames[d].funcIndex].DebugName)
	}
	return &api.Trap{Code: code, Backtrace: backtrace, Cause: cause}
}
