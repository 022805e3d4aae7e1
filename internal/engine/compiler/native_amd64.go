//go:build unix || windows

package compiler

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

var amd64Backend = &backend{
	target:        "amd64",
	padding:       0xcc, // int3
	newEmitter:    newAmd64Emitter,
	checkCallSite: checkAmd64CallSite,
	link:          func(cm *CompiledModule) ([]byte, error) { return linkNative(cm, patchAmd64CallSite) },
	newExecutor:   func(callStackLimit int) executor { return newNativeCallEngine(callStackLimit) },
	disassemble:   disassembleNative,
}

const (
	// amd64CallEngineRegister holds the *nativeContext while native code runs.
	amd64CallEngineRegister = x86.REG_R13
	// amd64FrameRegister holds the address of the first slot of the current frame.
	amd64FrameRegister = x86.REG_R12
	// amd64CallSiteSize is the size of "MOVQ $callee, AX", whose 64-bit immediate is the relocated address.
	amd64CallSiteSize = 10
	// amd64CalleePlaceholder forces the assembler to encode the callee as a 64-bit immediate.
	amd64CalleePlaceholder = math.MaxInt64
)

// checkAmd64CallSite verifies that off is the start of "MOVQ $imm64, AX".
func checkAmd64CallSite(code []byte, off, end uint64) error {
	if off+amd64CallSiteSize > end {
		return fmt.Errorf("relocation offset %#x out of range", off)
	}
	if code[off] != 0x48 || code[off+1] != 0xb8 {
		return fmt.Errorf("relocation at %#x is not a call", off)
	}
	return nil
}

func patchAmd64CallSite(site []byte, addr uint64) {
	binary.LittleEndian.PutUint64(site[2:], addr)
}

type amd64Op struct {
	as   obj.As
	wide bool
}

var amd64IntBinary = map[wasm.Opcode]amd64Op{
	wasm.OpcodeI32Add:  {x86.AADDL, false},
	wasm.OpcodeI32Sub:  {x86.ASUBL, false},
	wasm.OpcodeI32Mul:  {x86.AIMULL, false},
	wasm.OpcodeI32And:  {x86.AANDL, false},
	wasm.OpcodeI32Or:   {x86.AORL, false},
	wasm.OpcodeI32Xor:  {x86.AXORL, false},
	wasm.OpcodeI32Shl:  {x86.ASHLL, false},
	wasm.OpcodeI32ShrS: {x86.ASARL, false},
	wasm.OpcodeI32ShrU: {x86.ASHRL, false},
	wasm.OpcodeI32Rotl: {x86.AROLL, false},
	wasm.OpcodeI32Rotr: {x86.ARORL, false},
	wasm.OpcodeI64Add:  {x86.AADDQ, true},
	wasm.OpcodeI64Sub:  {x86.ASUBQ, true},
	wasm.OpcodeI64Mul:  {x86.AIMULQ, true},
	wasm.OpcodeI64And:  {x86.AANDQ, true},
	wasm.OpcodeI64Or:   {x86.AORQ, true},
	wasm.OpcodeI64Xor:  {x86.AXORQ, true},
	wasm.OpcodeI64Shl:  {x86.ASHLQ, true},
	wasm.OpcodeI64ShrS: {x86.ASARQ, true},
	wasm.OpcodeI64ShrU: {x86.ASHRQ, true},
	wasm.OpcodeI64Rotl: {x86.AROLQ, true},
	wasm.OpcodeI64Rotr: {x86.ARORQ, true},
}

// amd64IntCompare maps integer comparisons to the SETcc of "CMP lhs, rhs".
var amd64IntCompare = map[wasm.Opcode]amd64Op{
	wasm.OpcodeI32Eq:  {x86.ASETEQ, false},
	wasm.OpcodeI32Ne:  {x86.ASETNE, false},
	wasm.OpcodeI32LtS: {x86.ASETLT, false},
	wasm.OpcodeI32LtU: {x86.ASETCS, false},
	wasm.OpcodeI32GtS: {x86.ASETGT, false},
	wasm.OpcodeI32GtU: {x86.ASETHI, false},
	wasm.OpcodeI32LeS: {x86.ASETLE, false},
	wasm.OpcodeI32LeU: {x86.ASETLS, false},
	wasm.OpcodeI32GeS: {x86.ASETGE, false},
	wasm.OpcodeI32GeU: {x86.ASETCC, false},
	wasm.OpcodeI64Eq:  {x86.ASETEQ, true},
	wasm.OpcodeI64Ne:  {x86.ASETNE, true},
	wasm.OpcodeI64LtS: {x86.ASETLT, true},
	wasm.OpcodeI64LtU: {x86.ASETCS, true},
	wasm.OpcodeI64GtS: {x86.ASETGT, true},
	wasm.OpcodeI64GtU: {x86.ASETHI, true},
	wasm.OpcodeI64LeS: {x86.ASETLE, true},
	wasm.OpcodeI64LeU: {x86.ASETLS, true},
	wasm.OpcodeI64GeS: {x86.ASETGE, true},
	wasm.OpcodeI64GeU: {x86.ASETCC, true},
}

var amd64FloatBinary = map[wasm.Opcode]amd64Op{
	wasm.OpcodeF32Add: {x86.AADDSS, false},
	wasm.OpcodeF32Sub: {x86.ASUBSS, false},
	wasm.OpcodeF32Mul: {x86.AMULSS, false},
	wasm.OpcodeF32Div: {x86.ADIVSS, false},
	wasm.OpcodeF64Add: {x86.AADDSD, true},
	wasm.OpcodeF64Sub: {x86.ASUBSD, true},
	wasm.OpcodeF64Mul: {x86.AMULSD, true},
	wasm.OpcodeF64Div: {x86.ADIVSD, true},
}

var amd64Loads = map[wasm.Opcode]obj.As{
	wasm.OpcodeI32Load:    x86.AMOVL,
	wasm.OpcodeF32Load:    x86.AMOVL,
	wasm.OpcodeI64Load32U: x86.AMOVL,
	wasm.OpcodeI64Load:    x86.AMOVQ,
	wasm.OpcodeF64Load:    x86.AMOVQ,
	wasm.OpcodeI32Load8S:  x86.AMOVBLSX,
	wasm.OpcodeI32Load8U:  x86.AMOVBLZX,
	wasm.OpcodeI64Load8U:  x86.AMOVBLZX,
	wasm.OpcodeI32Load16S: x86.AMOVWLSX,
	wasm.OpcodeI32Load16U: x86.AMOVWLZX,
	wasm.OpcodeI64Load16U: x86.AMOVWLZX,
	wasm.OpcodeI64Load8S:  x86.AMOVBQSX,
	wasm.OpcodeI64Load16S: x86.AMOVWQSX,
	wasm.OpcodeI64Load32S: x86.AMOVLQSX,
}

var amd64Stores = map[wasm.Opcode]obj.As{
	wasm.OpcodeI32Store:   x86.AMOVL,
	wasm.OpcodeF32Store:   x86.AMOVL,
	wasm.OpcodeI64Store32: x86.AMOVL,
	wasm.OpcodeI64Store:   x86.AMOVQ,
	wasm.OpcodeF64Store:   x86.AMOVQ,
	wasm.OpcodeI32Store8:  x86.AMOVB,
	wasm.OpcodeI64Store8:  x86.AMOVB,
	wasm.OpcodeI32Store16: x86.AMOVW,
	wasm.OpcodeI64Store16: x86.AMOVW,
}

// amd64Emitter emits amd64 machine code. Values live in their frame slots between instructions, so only AX, BX,
// CX, DX, X0 and X1 are used as scratch.
type amd64Emitter struct {
	nativeAssembler
	h functionHeader
	// frameBytes adds the frame size in the stack check, set when the size is known.
	frameBytes *obj.Prog
	// returnLabel is the shared return sequence, emitted at the end when used.
	returnLabel   label
	returnPending bool
}

func newAmd64Emitter(h functionHeader, _ int) (emitter, func()) {
	assemblerMutex.Lock()
	e := &amd64Emitter{nativeAssembler: newNativeAssembler("amd64"), h: h}
	e.returnLabel = e.newLabel()
	e.prologue()
	return e, assemblerMutex.Unlock
}

func mov(wide bool) obj.As {
	if wide {
		return x86.AMOVQ
	}
	return x86.AMOVL
}

func (e *amd64Emitter) regToReg(as obj.As, from, to int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *amd64Emitter) memToReg(as obj.As, base int16, offset int64, to int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg, p.From.Offset = obj.TYPE_MEM, base, offset
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *amd64Emitter) regToMem(as obj.As, from, base int16, offset int64) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, offset
	e.add(p)
}

func (e *amd64Emitter) constToReg(as obj.As, v int64, to int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Offset = obj.TYPE_CONST, v
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
	return p
}

func (e *amd64Emitter) constToMem(as obj.As, v int64, base int16, offset int64) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Offset = obj.TYPE_CONST, v
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, offset
	e.add(p)
}

// regToConst emits compare-like instructions such as "CMPL reg, $v".
func (e *amd64Emitter) regToConst(as obj.As, from int16, v int64) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Offset = obj.TYPE_CONST, v
	e.add(p)
}

func (e *amd64Emitter) regToNone(as obj.As, reg int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, reg
	e.add(p)
}

func (e *amd64Emitter) noneToReg(as obj.As, reg int16) {
	p := e.newProg()
	p.As = as
	p.To.Type, p.To.Reg = obj.TYPE_REG, reg
	e.add(p)
}

func (e *amd64Emitter) noneToMem(as obj.As, base int16, offset int64) {
	p := e.newProg()
	p.As = as
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, offset
	e.add(p)
}

func (e *amd64Emitter) memIndexToReg(as obj.As, base, index int16, to int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg, p.From.Index, p.From.Scale = obj.TYPE_MEM, base, index, 1
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *amd64Emitter) regToMemIndex(as obj.As, from, base, index int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg, p.To.Index, p.To.Scale = obj.TYPE_MEM, base, index, 1
	e.add(p)
}

func (e *amd64Emitter) jumpToReg(reg int16) {
	p := e.newProg()
	p.As = obj.AJMP
	p.To.Type, p.To.Reg = obj.TYPE_REG, reg
	e.add(p)
}

func slotOffset(slot uint32) int64 {
	return int64(slot) * 8
}

func (e *amd64Emitter) loadSlot(as obj.As, slot uint32, to int16) {
	e.memToReg(as, amd64FrameRegister, slotOffset(slot), to)
}

func (e *amd64Emitter) storeSlot(from int16, slot uint32) {
	e.regToMem(x86.AMOVQ, from, amd64FrameRegister, slotOffset(slot))
}

// readAddress loads the absolute address of l into dst.
func (e *amd64Emitter) readAddress(dst int16, l label) {
	// golang-asm can't emit "LEAQ offset(RIP), dst". "LEAQ 0xffff(BP), dst" encodes the same except for the most
	// significant bit of the ModRM byte, which is cleared together with the offset once the code is assembled.
	lea := e.newProg()
	lea.As = x86.ALEAQ
	lea.From.Type, lea.From.Reg, lea.From.Offset = obj.TYPE_MEM, x86.REG_BP, 0xffff
	lea.To.Type, lea.To.Reg = obj.TYPE_REG, dst
	e.add(lea)
	e.onGenerate = append(e.onGenerate, func(code []byte) error {
		// RIP points to the instruction after LEA.
		offset := uint32(e.labelPc(l) - lea.Link.Pc)
		binary.LittleEndian.PutUint32(code[lea.Pc+3:], offset)
		code[lea.Pc+2] &= 0b01111111
		return nil
	})
}

// loadFrameRegister points amd64FrameRegister at the current frame.
func (e *amd64Emitter) loadFrameRegister() {
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextStackElement0AddressOffset, amd64FrameRegister)
	e.memToReg(x86.AADDQ, amd64CallEngineRegister, nativeContextFrameOffsetOffset, amd64FrameRegister)
}

// loadCurrentFrame loads the address of frames[depth] into reg.
func (e *amd64Emitter) loadCurrentFrame(reg int16) {
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextDepthOffset, reg)
	e.constToReg(x86.ASHLQ, nativeFrameSizeLog2, reg)
	e.memToReg(x86.AADDQ, amd64CallEngineRegister, nativeContextFramesElement0AddressOffset, reg)
}

func (e *amd64Emitter) setStatus(status nativeStatus, args ...uint64) {
	e.constToMem(x86.AMOVQ, int64(status), amd64CallEngineRegister, nativeContextStatusOffset)
	for i, arg := range args {
		offset := int64(nativeContextStatusArgsOffset + 8*i)
		if arg <= math.MaxInt32 {
			e.constToMem(x86.AMOVQ, int64(arg), amd64CallEngineRegister, offset)
		} else {
			e.constToReg(x86.AMOVQ, int64(arg), x86.REG_AX)
			e.regToMem(x86.AMOVQ, x86.REG_AX, amd64CallEngineRegister, offset)
		}
	}
}

// exit returns to Go with status. Execution continues after it once Go handled the status.
func (e *amd64Emitter) exit(status nativeStatus, args ...uint64) {
	e.setStatus(status, args...)
	resume := e.newLabel()
	e.readAddress(x86.REG_AX, resume)
	e.regToMem(x86.AMOVQ, x86.REG_AX, amd64CallEngineRegister, nativeContextResumeAddressOffset)
	e.standalone(obj.ARET)
	e.bind(resume)
	// Go may have moved the stack.
	e.loadFrameRegister()
}

func (e *amd64Emitter) prologue() {
	e.standalone(obj.ANOP)

	// Record the function in frames[depth] for backtraces, and check the depth.
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextDepthOffset, x86.REG_AX)
	e.regToReg(x86.AMOVQ, x86.REG_AX, x86.REG_BX)
	e.constToReg(x86.ASHLQ, nativeFrameSizeLog2, x86.REG_BX)
	e.memToReg(x86.AADDQ, amd64CallEngineRegister, nativeContextFramesElement0AddressOffset, x86.REG_BX)
	e.constToMem(x86.AMOVL, int64(int32(e.h.funcIndex)), x86.REG_BX, nativeFrameFuncIndexOffset)
	e.regToMem(x86.ACMPQ, x86.REG_AX, amd64CallEngineRegister, nativeContextCallStackLimitOffset)
	e.branch(x86.AJCC, e.trapLabel(api.TrapCodeCallStackExhausted))

	// Grow the stack through Go unless the frame fits.
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextFrameOffsetOffset, x86.REG_AX)
	e.frameBytes = e.constToReg(x86.AADDQ, 0, x86.REG_AX)
	e.regToMem(x86.ACMPQ, x86.REG_AX, amd64CallEngineRegister, nativeContextStackLenOffset)
	enough := e.newLabel()
	e.branch(x86.AJLS, enough)
	e.regToMem(x86.AMOVQ, x86.REG_AX, amd64CallEngineRegister, nativeContextStatusArgsOffset)
	e.exit(nativeStatusGrowStack)
	e.bind(enough)
	e.loadFrameRegister()

	if e.h.locals > 0 {
		e.regToReg(x86.AXORL, x86.REG_AX, x86.REG_AX)
		for i := uint32(0); i < e.h.locals; i++ {
			e.storeSlot(x86.REG_AX, e.h.params+i)
		}
	}
}

func (e *amd64Emitter) unreachable() {
	e.branch(obj.AJMP, e.trapLabel(api.TrapCodeUnreachable))
}

func (e *amd64Emitter) storeConst(dst uint32, v uint64) {
	if v <= math.MaxInt32 {
		e.constToMem(x86.AMOVQ, int64(v), amd64FrameRegister, slotOffset(dst))
		return
	}
	e.constToReg(x86.AMOVQ, int64(v), x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) const32(dst, v uint32) { e.storeConst(dst, uint64(v)) }

func (e *amd64Emitter) const64(dst uint32, v uint64) { e.storeConst(dst, v) }

func (e *amd64Emitter) move(dst, src uint32) {
	e.loadSlot(x86.AMOVQ, src, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

// loadGlobal loads the address of the GlobalInstance at index into AX.
func (e *amd64Emitter) loadGlobal(index uint32) {
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextGlobalsElement0AddressOffset, x86.REG_AX)
	e.memToReg(x86.AMOVQ, x86.REG_AX, int64(index)*8, x86.REG_AX)
}

func (e *amd64Emitter) globalGet(dst, index uint32) {
	e.loadGlobal(index)
	e.memToReg(x86.AMOVQ, x86.REG_AX, globalInstanceValOffset, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) globalSet(index, src uint32) {
	e.loadSlot(x86.AMOVQ, src, x86.REG_CX)
	e.loadGlobal(index)
	e.regToMem(x86.AMOVQ, x86.REG_CX, x86.REG_AX, globalInstanceValOffset)
}

// setCondition stores the flag of as into dst as 0 or 1.
func (e *amd64Emitter) setCondition(as obj.As, dst uint32) {
	e.noneToReg(as, x86.REG_AX)
	e.regToReg(x86.AMOVBLZX, x86.REG_AX, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) unary(op wasm.Opcode, dst, src uint32) {
	switch op {
	case wasm.OpcodeI32Eqz, wasm.OpcodeI64Eqz:
		wide := op == wasm.OpcodeI64Eqz
		e.loadSlot(mov(wide), src, x86.REG_AX)
		if wide {
			e.regToReg(x86.ATESTQ, x86.REG_AX, x86.REG_AX)
		} else {
			e.regToReg(x86.ATESTL, x86.REG_AX, x86.REG_AX)
		}
		e.setCondition(x86.ASETEQ, dst)
	case wasm.OpcodeI32WrapI64, wasm.OpcodeI64ExtendI32U:
		e.loadSlot(x86.AMOVL, src, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeI64ExtendI32S:
		e.loadSlot(x86.AMOVLQSX, src, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		e.move(dst, src)
	case wasm.OpcodeF32Neg:
		e.loadSlot(x86.AMOVL, src, x86.REG_AX)
		e.constToReg(x86.AXORL, math.MinInt32, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF32Abs:
		e.loadSlot(x86.AMOVL, src, x86.REG_AX)
		e.constToReg(x86.AANDL, math.MaxInt32, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF64Neg:
		e.loadSlot(x86.AMOVQ, src, x86.REG_AX)
		e.constToReg(x86.AMOVQ, math.MinInt64, x86.REG_CX)
		e.regToReg(x86.AXORQ, x86.REG_CX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF64Abs:
		e.loadSlot(x86.AMOVQ, src, x86.REG_AX)
		e.constToReg(x86.AMOVQ, math.MaxInt64, x86.REG_CX)
		e.regToReg(x86.AANDQ, x86.REG_CX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF32Sqrt:
		e.loadSlot(x86.AMOVL, src, x86.REG_X0)
		e.regToReg(x86.ASQRTSS, x86.REG_X0, x86.REG_X0)
		e.storeFloat(false, dst)
	case wasm.OpcodeF64Sqrt:
		e.loadSlot(x86.AMOVQ, src, x86.REG_X0)
		e.regToReg(x86.ASQRTSD, x86.REG_X0, x86.REG_X0)
		e.storeFloat(true, dst)
	case wasm.OpcodeF32ConvertI32S, wasm.OpcodeF32ConvertI64S, wasm.OpcodeF64ConvertI32S, wasm.OpcodeF64ConvertI64S:
		var as obj.As
		wideSrc := op == wasm.OpcodeF32ConvertI64S || op == wasm.OpcodeF64ConvertI64S
		wideDst := op == wasm.OpcodeF64ConvertI32S || op == wasm.OpcodeF64ConvertI64S
		switch op {
		case wasm.OpcodeF32ConvertI32S:
			as = x86.ACVTSL2SS
		case wasm.OpcodeF32ConvertI64S:
			as = x86.ACVTSQ2SS
		case wasm.OpcodeF64ConvertI32S:
			as = x86.ACVTSL2SD
		default:
			as = x86.ACVTSQ2SD
		}
		e.loadSlot(mov(wideSrc), src, x86.REG_AX)
		e.regToReg(as, x86.REG_AX, x86.REG_X0)
		e.storeFloat(wideDst, dst)
	case wasm.OpcodeF32DemoteF64:
		e.loadSlot(x86.AMOVQ, src, x86.REG_X0)
		e.regToReg(x86.ACVTSD2SS, x86.REG_X0, x86.REG_X0)
		e.storeFloat(false, dst)
	case wasm.OpcodeF64PromoteF32:
		e.loadSlot(x86.AMOVL, src, x86.REG_X0)
		e.regToReg(x86.ACVTSS2SD, x86.REG_X0, x86.REG_X0)
		e.storeFloat(true, dst)
	default:
		// Bit counting, rounding and unsigned conversions.
		e.exit(nativeStatusUnary, uint64(op), uint64(dst), uint64(src))
	}
}

// storeFloat stores X0 into dst. A 32-bit value is zero extended to the slot.
func (e *amd64Emitter) storeFloat(wide bool, dst uint32) {
	e.regToReg(mov(wide), x86.REG_X0, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) binary(op wasm.Opcode, dst, lhs, rhs uint32) {
	if o, ok := amd64IntBinary[op]; ok {
		e.loadSlot(mov(o.wide), lhs, x86.REG_AX)
		e.loadSlot(mov(o.wide), rhs, x86.REG_CX)
		e.regToReg(o.as, x86.REG_CX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
		return
	}
	if o, ok := amd64IntCompare[op]; ok {
		e.loadSlot(mov(o.wide), lhs, x86.REG_AX)
		e.loadSlot(mov(o.wide), rhs, x86.REG_CX)
		if o.wide {
			e.regToReg(x86.ACMPQ, x86.REG_AX, x86.REG_CX)
		} else {
			e.regToReg(x86.ACMPL, x86.REG_AX, x86.REG_CX)
		}
		e.setCondition(o.as, dst)
		return
	}
	if o, ok := amd64FloatBinary[op]; ok {
		e.loadSlot(mov(o.wide), lhs, x86.REG_X0)
		e.loadSlot(mov(o.wide), rhs, x86.REG_X1)
		e.regToReg(o.as, x86.REG_X1, x86.REG_X0)
		e.storeFloat(o.wide, dst)
		return
	}

	switch op {
	case wasm.OpcodeI32DivU, wasm.OpcodeI32RemU, wasm.OpcodeI64DivU, wasm.OpcodeI64RemU:
		wide := op == wasm.OpcodeI64DivU || op == wasm.OpcodeI64RemU
		e.loadDivOperands(wide, lhs, rhs)
		e.regToReg(x86.AXORL, x86.REG_DX, x86.REG_DX)
		if wide {
			e.regToNone(x86.ADIVQ, x86.REG_CX)
		} else {
			e.regToNone(x86.ADIVL, x86.REG_CX)
		}
		if op == wasm.OpcodeI32DivU || op == wasm.OpcodeI64DivU {
			e.storeSlot(x86.REG_AX, dst)
		} else {
			e.storeSlot(x86.REG_DX, dst)
		}
	case wasm.OpcodeI32DivS, wasm.OpcodeI64DivS:
		wide := op == wasm.OpcodeI64DivS
		e.loadDivOperands(wide, lhs, rhs)
		divide := e.newLabel()
		e.compareMinusOne(wide)
		e.branch(x86.AJNE, divide)
		if wide {
			e.constToReg(x86.AMOVQ, math.MinInt64, x86.REG_DX)
			e.regToReg(x86.ACMPQ, x86.REG_AX, x86.REG_DX)
		} else {
			e.regToConst(x86.ACMPL, x86.REG_AX, math.MinInt32)
		}
		e.branch(x86.AJEQ, e.trapLabel(api.TrapCodeIntegerOverflow))
		e.bind(divide)
		e.signedDivide(wide)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeI32RemS, wasm.OpcodeI64RemS:
		wide := op == wasm.OpcodeI64RemS
		e.loadDivOperands(wide, lhs, rhs)
		divide, done := e.newLabel(), e.newLabel()
		e.compareMinusOne(wide)
		e.branch(x86.AJNE, divide)
		// IDIV faults on MinInt / -1, whose remainder is zero.
		e.regToReg(x86.AXORL, x86.REG_DX, x86.REG_DX)
		e.branch(obj.AJMP, done)
		e.bind(divide)
		e.signedDivide(wide)
		e.bind(done)
		e.storeSlot(x86.REG_DX, dst)
	case wasm.OpcodeF32Eq, wasm.OpcodeF64Eq, wasm.OpcodeF32Ne, wasm.OpcodeF64Ne:
		wide := op == wasm.OpcodeF64Eq || op == wasm.OpcodeF64Ne
		e.compareFloats(wide, lhs, rhs)
		// Unordered operands set the parity flag.
		if op == wasm.OpcodeF32Eq || op == wasm.OpcodeF64Eq {
			e.noneToReg(x86.ASETEQ, x86.REG_AX)
			e.noneToReg(x86.ASETPC, x86.REG_CX)
			e.regToReg(x86.AANDL, x86.REG_CX, x86.REG_AX)
		} else {
			e.noneToReg(x86.ASETNE, x86.REG_AX)
			e.noneToReg(x86.ASETPS, x86.REG_CX)
			e.regToReg(x86.AORL, x86.REG_CX, x86.REG_AX)
		}
		e.regToReg(x86.AMOVBLZX, x86.REG_AX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF32Lt, wasm.OpcodeF64Lt:
		// "UCOMIS x, y" sets above when y > x, and neither above nor equal when unordered.
		e.compareFloats(op == wasm.OpcodeF64Lt, lhs, rhs)
		e.setCondition(x86.ASETHI, dst)
	case wasm.OpcodeF32Gt, wasm.OpcodeF64Gt:
		e.compareFloats(op == wasm.OpcodeF64Gt, rhs, lhs)
		e.setCondition(x86.ASETHI, dst)
	case wasm.OpcodeF32Le, wasm.OpcodeF64Le:
		e.compareFloats(op == wasm.OpcodeF64Le, lhs, rhs)
		e.setCondition(x86.ASETCC, dst)
	case wasm.OpcodeF32Ge, wasm.OpcodeF64Ge:
		e.compareFloats(op == wasm.OpcodeF64Ge, rhs, lhs)
		e.setCondition(x86.ASETCC, dst)
	case wasm.OpcodeF32Copysign:
		e.loadSlot(x86.AMOVL, lhs, x86.REG_AX)
		e.loadSlot(x86.AMOVL, rhs, x86.REG_CX)
		e.constToReg(x86.AANDL, math.MaxInt32, x86.REG_AX)
		e.constToReg(x86.AANDL, math.MinInt32, x86.REG_CX)
		e.regToReg(x86.AORL, x86.REG_CX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	case wasm.OpcodeF64Copysign:
		e.loadSlot(x86.AMOVQ, lhs, x86.REG_AX)
		e.loadSlot(x86.AMOVQ, rhs, x86.REG_CX)
		e.constToReg(x86.AMOVQ, math.MaxInt64, x86.REG_DX)
		e.regToReg(x86.AANDQ, x86.REG_DX, x86.REG_AX)
		e.constToReg(x86.AMOVQ, math.MinInt64, x86.REG_DX)
		e.regToReg(x86.AANDQ, x86.REG_DX, x86.REG_CX)
		e.regToReg(x86.AORQ, x86.REG_CX, x86.REG_AX)
		e.storeSlot(x86.REG_AX, dst)
	default:
		e.exit(nativeStatusBinary, uint64(op), uint64(dst), uint64(lhs), uint64(rhs))
	}
}

// loadDivOperands loads the dividend into AX and the divisor into CX, trapping on a zero divisor.
func (e *amd64Emitter) loadDivOperands(wide bool, lhs, rhs uint32) {
	e.loadSlot(mov(wide), lhs, x86.REG_AX)
	e.loadSlot(mov(wide), rhs, x86.REG_CX)
	if wide {
		e.regToReg(x86.ATESTQ, x86.REG_CX, x86.REG_CX)
	} else {
		e.regToReg(x86.ATESTL, x86.REG_CX, x86.REG_CX)
	}
	e.branch(x86.AJEQ, e.trapLabel(api.TrapCodeIntegerDivideByZero))
}

func (e *amd64Emitter) compareMinusOne(wide bool) {
	if wide {
		e.regToConst(x86.ACMPQ, x86.REG_CX, -1)
	} else {
		e.regToConst(x86.ACMPL, x86.REG_CX, -1)
	}
}

// signedDivide divides DX:AX, sign extended from AX, by CX.
func (e *amd64Emitter) signedDivide(wide bool) {
	if wide {
		e.standalone(x86.ACQO)
		e.regToNone(x86.AIDIVQ, x86.REG_CX)
	} else {
		e.standalone(x86.ACDQ)
		e.regToNone(x86.AIDIVL, x86.REG_CX)
	}
}

func (e *amd64Emitter) compareFloats(wide bool, x, y uint32) {
	e.loadSlot(mov(wide), x, x86.REG_X0)
	e.loadSlot(mov(wide), y, x86.REG_X1)
	if wide {
		e.regToReg(x86.AUCOMISD, x86.REG_X0, x86.REG_X1)
	} else {
		e.regToReg(x86.AUCOMISS, x86.REG_X0, x86.REG_X1)
	}
}

// effectiveAddress loads addr+offset into AX, trapping unless size bytes from it are within the memory. It leaves
// the address of the memory in CX.
func (e *amd64Emitter) effectiveAddress(addr, offset uint32, size uint32) {
	e.loadSlot(x86.AMOVL, addr, x86.REG_AX)
	if offset > math.MaxInt32 {
		e.constToReg(x86.AMOVL, int64(offset), x86.REG_CX)
		e.regToReg(x86.AADDQ, x86.REG_CX, x86.REG_AX)
	} else if offset > 0 {
		e.constToReg(x86.AADDQ, int64(offset), x86.REG_AX)
	}
	e.regToReg(x86.AMOVQ, x86.REG_AX, x86.REG_DX)
	e.constToReg(x86.AADDQ, int64(size), x86.REG_DX)
	e.regToMem(x86.ACMPQ, x86.REG_DX, amd64CallEngineRegister, nativeContextMemoryLenOffset)
	e.branch(x86.AJHI, e.trapLabel(api.TrapCodeMemoryOutOfBounds))
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextMemoryElement0AddressOffset, x86.REG_CX)
}

func (e *amd64Emitter) load(op wasm.Opcode, dst, addr, offset uint32) {
	access, _ := wasm.LookupMemoryAccess(op)
	e.effectiveAddress(addr, offset, access.Size)
	e.memIndexToReg(amd64Loads[op], x86.REG_CX, x86.REG_AX, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) store(op wasm.Opcode, addr, value, offset uint32) {
	access, _ := wasm.LookupMemoryAccess(op)
	e.effectiveAddress(addr, offset, access.Size)
	e.loadSlot(x86.AMOVQ, value, x86.REG_DX)
	e.regToMemIndex(amd64Stores[op], x86.REG_DX, x86.REG_CX, x86.REG_AX)
}

func (e *amd64Emitter) memorySize(dst uint32) {
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextMemoryLenOffset, x86.REG_AX)
	e.constToReg(x86.ASHRQ, 16, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) memoryGrow(dst, delta uint32) {
	e.exit(nativeStatusMemoryGrow, uint64(dst), uint64(delta))
}

func (e *amd64Emitter) jump(l label) {
	e.branch(obj.AJMP, l)
}

func (e *amd64Emitter) testCondition(cond uint32) {
	e.loadSlot(x86.AMOVL, cond, x86.REG_AX)
	e.regToReg(x86.ATESTL, x86.REG_AX, x86.REG_AX)
}

func (e *amd64Emitter) brIfZero(cond uint32, l label) {
	e.testCondition(cond)
	e.branch(x86.AJEQ, l)
}

func (e *amd64Emitter) brIfNonZero(cond uint32, l label) {
	e.testCondition(cond)
	e.branch(x86.AJNE, l)
}

func (e *amd64Emitter) brTable(index uint32, targets []label) {
	e.loadSlot(x86.AMOVL, index, x86.REG_AX)
	for i, l := range targets[:len(targets)-1] {
		e.regToConst(x86.ACMPL, x86.REG_AX, int64(int32(i)))
		e.branch(x86.AJEQ, l)
	}
	e.branch(obj.AJMP, targets[len(targets)-1])
}

func (e *amd64Emitter) selectValue(dst, a, b, cond uint32) {
	e.testCondition(cond)
	e.loadSlot(x86.AMOVQ, a, x86.REG_AX)
	e.loadSlot(x86.AMOVQ, b, x86.REG_DX)
	e.regToReg(x86.ACMOVQEQ, x86.REG_DX, x86.REG_AX)
	e.storeSlot(x86.REG_AX, dst)
}

func (e *amd64Emitter) call(index wasm.Index, imported bool, argBase uint32) {
	if imported {
		e.exit(nativeStatusCallImport, uint64(index), uint64(argBase))
		return
	}

	// depth++ and push the frame of the callee, which returns to after.
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextDepthOffset, x86.REG_AX)
	e.noneToReg(x86.AINCQ, x86.REG_AX)
	e.regToMem(x86.AMOVQ, x86.REG_AX, amd64CallEngineRegister, nativeContextDepthOffset)
	e.constToReg(x86.ASHLQ, nativeFrameSizeLog2, x86.REG_AX)
	e.memToReg(x86.AADDQ, amd64CallEngineRegister, nativeContextFramesElement0AddressOffset, x86.REG_AX)
	after := e.newLabel()
	e.readAddress(x86.REG_CX, after)
	e.regToMem(x86.AMOVQ, x86.REG_CX, x86.REG_AX, nativeFrameReturnAddressOffset)
	e.memToReg(x86.AMOVQ, amd64CallEngineRegister, nativeContextFrameOffsetOffset, x86.REG_DX)
	e.regToMem(x86.AMOVQ, x86.REG_DX, x86.REG_AX, nativeFrameCallerFrameOffsetOffset)
	if argBase > 0 {
		e.constToReg(x86.AADDQ, slotOffset(argBase), x86.REG_DX)
	}
	e.regToMem(x86.AMOVQ, x86.REG_DX, amd64CallEngineRegister, nativeContextFrameOffsetOffset)

	callee := e.constToReg(x86.AMOVQ, amd64CalleePlaceholder, x86.REG_AX)
	e.relocations = append(e.relocations, nativeRelocation{prog: callee, index: index})
	e.jumpToReg(x86.REG_AX)
	e.bind(after)
}

func (e *amd64Emitter) callIndirect(typeIndex, elem, argBase uint32) {
	e.exit(nativeStatusCallIndirect, uint64(typeIndex), uint64(elem), uint64(argBase))
}

func (e *amd64Emitter) ret(src, count uint32) {
	for i := uint32(0); i < count; i++ {
		if src+i != i {
			e.move(i, src+i)
		}
	}
	e.returnPending = true
	e.branch(obj.AJMP, e.returnLabel)
}

// emitReturn pops the frame and jumps to the caller's return address, or exits to Go when the function was entered
// from Go.
func (e *amd64Emitter) emitReturn() {
	e.bind(e.returnLabel)
	e.loadCurrentFrame(x86.REG_AX)
	e.memToReg(x86.AMOVQ, x86.REG_AX, nativeFrameReturnAddressOffset, x86.REG_CX)
	e.regToReg(x86.ATESTQ, x86.REG_CX, x86.REG_CX)
	fromGo := e.newLabel()
	e.branch(x86.AJEQ, fromGo)
	e.memToReg(x86.AMOVQ, x86.REG_AX, nativeFrameCallerFrameOffsetOffset, x86.REG_DX)
	e.regToMem(x86.AMOVQ, x86.REG_DX, amd64CallEngineRegister, nativeContextFrameOffsetOffset)
	e.noneToMem(x86.ADECQ, amd64CallEngineRegister, nativeContextDepthOffset)
	e.loadFrameRegister()
	e.jumpToReg(x86.REG_CX)
	e.bind(fromGo)
	e.setStatus(nativeStatusReturned)
	e.standalone(obj.ARET)
}

func (e *amd64Emitter) finish(h functionHeader) ([]byte, []Relocation, error) {
	frameBytes, err := checkFrameBytes(h)
	if err != nil {
		return nil, nil, err
	}
	e.frameBytes.From.Offset = frameBytes
	if e.returnPending {
		e.emitReturn()
	}
	for _, t := range e.traps {
		e.bind(t.label)
		e.setStatus(nativeStatusTrap, uint64(t.code))
		e.standalone(obj.ARET)
	}
	return e.assemble(h)
}
