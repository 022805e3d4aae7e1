package compiler

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

const (
	// initialStackSize is the number of slots a new callEngine starts with. The stack doubles as needed.
	initialStackSize = 512
	// maxBacktraceFrames bounds the backtrace of a trap, which matters when the call stack is exhausted.
	maxBacktraceFrames = 64
)

// callFrame is a function activation.
type callFrame struct {
	me *moduleEngine
	// entry is the code offset of the function header.
	entry uint64
	// base is the index of the first slot of the frame in callEngine.stack.
	base int
	// pc is where the caller resumes, for frames saved in callEngine.frames.
	pc uint64
}

// callEngine executes one top-level call. Each frame is a window of stack; a callee's window starts at the
// caller's argBase, so arguments are passed and results returned in place.
//
// callEngine is reused through a sync.Pool, so it is never used by two goroutines at the same time.
type callEngine struct {
	stack          []uint64
	frames         []callFrame
	callStackLimit int
}

func newCallEngine(callStackLimit int) *callEngine {
	return &callEngine{stack: make([]uint64, initialStackSize), callStackLimit: callStackLimit}
}

// call implements executor.call. It runs f with params and returns its results. Guest faults are returned as *api.Trap.
func (c *callEngine) call(ctx context.Context, me *moduleEngine, f *wasm.FunctionInstance, params []uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("wasm engine error while calling %s: %v", f.DebugName, r)
		}
		c.frames = c.frames[:0]
	}()

	if f.Host != nil {
		return callHostDirect(ctx, me, f, params)
	}

	target := f.Module.Engine.(*moduleEngine)
	c.grow(len(params))
	copy(c.stack, params)
	if err = c.execute(ctx, target, target.entryOf(f.Index)); err != nil {
		return nil, err
	}
	results = make([]uint64, len(f.Type.Results))
	copy(results, c.stack)
	return results, nil
}

// callHostDirect runs a Go function called from outside the module, with me's instance as the caller.
func callHostDirect(ctx context.Context, me *moduleEngine, f *wasm.FunctionInstance, params []uint64) ([]uint64, error) {
	stack := make([]uint64, hostStackSize(f.Type))
	copy(stack, params)
	if cause := callHost(ctx, me.instance, f, stack); cause != nil {
		return nil, &api.Trap{Code: api.TrapCodeHostFunctionPanic, Cause: cause, Backtrace: []string{f.DebugName}}
	}
	return stack[:len(f.Type.Results)], nil
}

// grow ensures the stack has at least n slots.
func (c *callEngine) grow(n int) {
	if n <= len(c.stack) {
		return
	}
	size := len(c.stack) * 2
	for size < n {
		size *= 2
	}
	stack := make([]uint64, size)
	copy(stack, c.stack)
	c.stack = stack
}

func hostStackSize(ft *wasm.FunctionType) int {
	if len(ft.Results) > len(ft.Params) {
		return len(ft.Results)
	}
	return len(ft.Params)
}

// callHost invokes a Go function, converting a panic to its cause.
func callHost(ctx context.Context, caller api.Instance, f *wasm.FunctionInstance, stack []uint64) (cause error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				cause = err
			} else {
				cause = fmt.Errorf("%v", r)
			}
		}
	}()
	f.Host(ctx, caller, stack)
	return nil
}

// enter pushes the frame of the function at entry, which starts at base, and returns the pc of its first
// instruction.
func (c *callEngine) enter(me *moduleEngine, entry uint64, base int) (uint64, *api.TrapCode) {
	if len(c.frames) >= c.callStackLimit {
		code := api.TrapCodeCallStackExhausted
		return 0, &code
	}
	h := readFunctionHeader(me.code[entry:])
	c.grow(base + int(h.frameSize))
	locals := base + int(h.params)
	clear(c.stack[locals : locals+int(h.locals)])
	return entry + functionHeaderSize, nil
}

// trap returns the *api.Trap for code raised in frame cur.
func (c *callEngine) trap(code api.TrapCode, cur callFrame, cause error, hostName string) error {
	var backtrace []string
	if hostName != "" {
		backtrace = append(backtrace, hostName)
	}
	backtrace = append(backtrace, cur.me.functionName(cur.entry))
	for i := len(c.frames) - 1; i >= 0; i-- {
		if len(backtrace) == maxBacktraceFrames {
			backtrace = append(backtrace, "... "+strconv.Itoa(i+1)+" frames omitted")
			break
		}
		f := c.frames[i]
		backtrace = append(backtrace, f.me.functionName(f.entry))
	}
	return &api.Trap{Code: code, Backtrace: backtrace, Cause: cause}
}

// functionName returns the debug name of the function whose header is at entry.
func (me *moduleEngine) functionName(entry uint64) string {
	idx := readFunctionHeader(me.code[entry:]).funcIndex
	return me.instance.Functions[idx].DebugName
}

func u32At(code []byte, pc uint64) uint32 {
	return binary.LittleEndian.Uint32(code[pc:])
}

// execute runs the function at entry of me, whose arguments are at the bottom of the stack, until it returns.
func (c *callEngine) execute(ctx context.Context, me *moduleEngine, entry uint64) error {
	cur := callFrame{me: me, entry: entry}
	pc, tc := c.enter(me, entry, 0)
	if tc != nil {
		return c.trap(*tc, cur, nil, "")
	}
	code := me.code
	inst := me.instance
	s := c.stack

	for {
		switch code[pc] {
		case opUnreachable:
			return c.trap(api.TrapCodeUnreachable, cur, nil, "")
		case opConst32:
			s[u32At(code, pc+1)] = uint64(u32At(code, pc+5))
			pc += 9
		case opConst64:
			s[u32At(code, pc+1)] = binary.LittleEndian.Uint64(code[pc+5:])
			pc += 13
		case opMove:
			s[u32At(code, pc+1)] = s[u32At(code, pc+5)]
			pc += 9
		case opGlobalGet:
			s[u32At(code, pc+1)] = inst.Globals[u32At(code, pc+5)].Val
			pc += 9
		case opGlobalSet:
			inst.Globals[u32At(code, pc+1)].Val = s[u32At(code, pc+5)]
			pc += 9
		case opUnary:
			s[u32At(code, pc+2)] = executeUnary(code[pc+1], s[u32At(code, pc+6)])
			pc += 10
		case opBinary:
			v, trapCode := executeBinary(code[pc+1], s[u32At(code, pc+6)], s[u32At(code, pc+10)])
			if trapCode != 0 {
				return c.trap(trapCode, cur, nil, "")
			}
			s[u32At(code, pc+2)] = v
			pc += 14
		case opLoad:
			v, ok := load(inst.MemoryInstance, code[pc+1], uint32(s[u32At(code, pc+6)]), u32At(code, pc+10))
			if !ok {
				return c.trap(api.TrapCodeMemoryOutOfBounds, cur, nil, "")
			}
			s[u32At(code, pc+2)] = v
			pc += 14
		case opStore:
			if !store(inst.MemoryInstance, code[pc+1], uint32(s[u32At(code, pc+2)]), u32At(code, pc+10), s[u32At(code, pc+6)]) {
				return c.trap(api.TrapCodeMemoryOutOfBounds, cur, nil, "")
			}
			pc += 14
		case opMemorySize:
			s[u32At(code, pc+1)] = uint64(inst.MemoryInstance.PageSize())
			pc += 5
		case opMemoryGrow:
			if prev, ok := inst.MemoryInstance.Grow(uint32(s[u32At(code, pc+5)])); ok {
				s[u32At(code, pc+1)] = uint64(prev)
			} else {
				s[u32At(code, pc+1)] = uint64(uint32(0xffffffff)) // -1
			}
			pc += 9
		case opJump:
			pc = cur.entry + uint64(u32At(code, pc+1))
		case opBrIfZero:
			if uint32(s[u32At(code, pc+1)]) == 0 {
				pc = cur.entry + uint64(u32At(code, pc+5))
			} else {
				pc += 9
			}
		case opBrIfNonZero:
			if uint32(s[u32At(code, pc+1)]) != 0 {
				pc = cur.entry + uint64(u32At(code, pc+5))
			} else {
				pc += 9
			}
		case opBrTable:
			index, count := uint32(s[u32At(code, pc+1)]), u32At(code, pc+5)
			if index > count {
				index = count
			}
			pc = cur.entry + uint64(u32At(code, pc+9+4*uint64(index)))
		case opSelect:
			if uint32(s[u32At(code, pc+13)]) != 0 {
				s[u32At(code, pc+1)] = s[u32At(code, pc+5)]
			} else {
				s[u32At(code, pc+1)] = s[u32At(code, pc+9)]
			}
			pc += 17
		case opCall, opCallIndirect:
			var fn *wasm.FunctionInstance
			var argBase uint32
			var next uint64
			if code[pc] == opCall {
				callee := u32At(code, pc+1)
				argBase, next = u32At(code, pc+5), pc+9
				if callee&importFlag == 0 {
					// Fast path: a function of the same module.
					c.frames = append(c.frames, callFrame{me: cur.me, entry: cur.entry, base: cur.base, pc: next})
					cur = callFrame{me: me, entry: uint64(callee), base: cur.base + int(argBase)}
					if pc, tc = c.enter(me, cur.entry, cur.base); tc != nil {
						return c.trap(*tc, cur, nil, "")
					}
					s = c.stack[cur.base:]
					continue
				}
				fn = inst.Functions[callee&^importFlag]
			} else {
				typeIndex, elem := u32At(code, pc+1), uint32(s[u32At(code, pc+5)])
				argBase, next = u32At(code, pc+9), pc+13
				var trapCode api.TrapCode
				if fn, trapCode = lookupTable(inst, typeIndex, elem); trapCode != 0 {
					return c.trap(trapCode, cur, nil, "")
				}
			}

			calleeBase := cur.base + int(argBase)
			if fn.Host != nil {
				n := hostStackSize(fn.Type)
				c.grow(calleeBase + n)
				if cause := callHost(ctx, inst, fn, c.stack[calleeBase:calleeBase+n]); cause != nil {
					return c.trap(api.TrapCodeHostFunctionPanic, cur, cause, fn.DebugName)
				}
				s = c.stack[cur.base:]
				pc = next
				continue
			}

			c.frames = append(c.frames, callFrame{me: cur.me, entry: cur.entry, base: cur.base, pc: next})
			me = fn.Module.Engine.(*moduleEngine)
			cur = callFrame{me: me, entry: me.entryOf(fn.Index), base: calleeBase}
			if pc, tc = c.enter(me, cur.entry, cur.base); tc != nil {
				return c.trap(*tc, cur, nil, "")
			}
			code, inst = me.code, me.instance
			s = c.stack[cur.base:]
		case opReturn:
			src, count := u32At(code, pc+1), u32At(code, pc+5)
			copy(s[:count], s[src:src+count])
			if len(c.frames) == 0 {
				return nil
			}
			caller := c.frames[len(c.frames)-1]
			c.frames = c.frames[:len(c.frames)-1]
			cur, pc = caller, caller.pc
			me = cur.me
			code, inst = me.code, me.instance
			s = c.stack[cur.base:]
		default:
			panic(fmt.Sprintf("BUG: invalid opcode %#x at %#x", code[pc], pc))
		}
	}
}

// lookupTable returns the function of the table element called by call_indirect, checking that it exists and has
// the expected type.
func lookupTable(inst *wasm.ModuleInstance, typeIndex, elem uint32) (*wasm.FunctionInstance, api.TrapCode) {
	table := inst.TableInstance
	if elem >= table.Size() {
		return nil, api.TrapCodeTableOutOfBounds
	}
	fn := table.Elements[elem]
	if fn == nil {
		return nil, api.TrapCodeNullTableElement
	}
	expected := inst.Source.TypeSection[typeIndex]
	if !fn.Type.EqualsSignature(expected.Params, expected.Results) {
		return nil, api.TrapCodeIndirectCallTypeMismatch
	}
	return fn, 0
}

var accessSizes = func() (ret [256]uint64) {
	for op := 0; op < 256; op++ {
		if a, ok := wasm.LookupMemoryAccess(wasm.Opcode(op)); ok {
			ret[op] = uint64(a.Size)
		}
	}
	return
}()

// load reads the value of a load instruction at the effective address addr+offset. ok is false when the access
// is out of bounds.
func load(mem *wasm.MemoryInstance, op wasm.Opcode, addr, offset uint32) (uint64, bool) {
	ea := uint64(addr) + uint64(offset)
	if ea+accessSizes[op] > uint64(len(mem.Buffer)) {
		return 0, false
	}
	buf := mem.Buffer[ea:]
	switch op {
	case wasm.OpcodeI32Load, wasm.OpcodeF32Load, wasm.OpcodeI64Load32U:
		return uint64(binary.LittleEndian.Uint32(buf)), true
	case wasm.OpcodeI64Load, wasm.OpcodeF64Load:
		return binary.LittleEndian.Uint64(buf), true
	case wasm.OpcodeI32Load8S:
		return uint64(uint32(int32(int8(buf[0])))), true
	case wasm.OpcodeI32Load8U, wasm.OpcodeI64Load8U:
		return uint64(buf[0]), true
	case wasm.OpcodeI32Load16S:
		return uint64(uint32(int32(int16(binary.LittleEndian.Uint16(buf))))), true
	case wasm.OpcodeI32Load16U, wasm.OpcodeI64Load16U:
		return uint64(binary.LittleEndian.Uint16(buf)), true
	case wasm.OpcodeI64Load8S:
		return uint64(int64(int8(buf[0]))), true
	case wasm.OpcodeI64Load16S:
		return uint64(int64(int16(binary.LittleEndian.Uint16(buf)))), true
	case wasm.OpcodeI64Load32S:
		return uint64(int64(int32(binary.LittleEndian.Uint32(buf)))), true
	}
	panic("BUG: unexpected load opcode " + wasm.InstructionName(op))
}

// store writes v for a store instruction at the effective address addr+offset. Nothing is written when the access
// is out of bounds, in which case it returns false.
func store(mem *wasm.MemoryInstance, op wasm.Opcode, addr, offset uint32, v uint64) bool {
	ea := uint64(addr) + uint64(offset)
	if ea+accessSizes[op] > uint64(len(mem.Buffer)) {
		return false
	}
	buf := mem.Buffer[ea:]
	switch op {
	case wasm.OpcodeI32Store, wasm.OpcodeF32Store, wasm.OpcodeI64Store32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		binary.LittleEndian.PutUint64(buf, v)
	case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		buf[0] = byte(v)
	case wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	default:
		panic("BUG: unexpected store opcode " + wasm.InstructionName(op))
	}
	return true
}
