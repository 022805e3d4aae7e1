//go:build unix || windows

package compiler

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/wasm"
)

// Note: the assembler is github.com/twitchyliquid64/golang-asm/obj/arm64, whose notation differs from the
// original arm64 assembly. For example, 64-bit ldr, str and stur are all arm64.AMOVD, and three operand
// instructions take their operands as "From, Reg, To" = "Rm, Rn, Rd".

var arm64Backend = &backend{
	target:        "arm64",
	padding:       0,
	newEmitter:    newArm64Emitter,
	checkCallSite: checkArm64CallSite,
	link:          func(cm *CompiledModule) ([]byte, error) { return linkNative(cm, patchArm64CallSite) },
	newExecutor:   func(callStackLimit int) executor { return newNativeCallEngine(callStackLimit) },
	disassemble:   disassembleNative,
}

const (
	// arm64CallEngineRegister holds the *nativeContext while native code runs. jitcall sets it.
	arm64CallEngineRegister = arm64.REG_R0
	// arm64FrameRegister holds the address of the first slot of the current frame.
	arm64FrameRegister = arm64.REG_R1
	// arm64OffsetRegister holds memory offsets too large for an immediate.
	arm64OffsetRegister = arm64.REG_R7
	// arm64CalleeRegister receives the callee address of a call site.
	arm64CalleeRegister = arm64.REG_R5
	// arm64CallSiteSize is the size of the MOVZ and three MOVK loading the callee address.
	arm64CallSiteSize = 16
)

// arm64CallSite are the instructions of a call site, with a zero immediate, loading the callee into
// arm64CalleeRegister: MOVZ, then MOVK with shifts of 16, 32 and 48.
var arm64CallSite = [4]uint32{
	0xd2800000 | (arm64CalleeRegister - arm64.REG_R0),
	0xf2a00000 | (arm64CalleeRegister - arm64.REG_R0),
	0xf2c00000 | (arm64CalleeRegister - arm64.REG_R0),
	0xf2e00000 | (arm64CalleeRegister - arm64.REG_R0),
}

// arm64ImmediateMask is the 16-bit immediate of MOVZ and MOVK.
const arm64ImmediateMask = 0xffff << 5

// checkArm64CallSite verifies that off is the start of the instructions of arm64CallSite.
func checkArm64CallSite(code []byte, off, end uint64) error {
	if off+arm64CallSiteSize > end {
		return fmt.Errorf("relocation offset %#x out of range", off)
	}
	for i, expected := range arm64CallSite {
		if binary.LittleEndian.Uint32(code[off+uint64(i)*4:])&^arm64ImmediateMask != expected {
			return fmt.Errorf("relocation at %#x is not a call", off)
		}
	}
	return nil
}

func patchArm64CallSite(site []byte, addr uint64) {
	for i := range arm64CallSite {
		w := binary.LittleEndian.Uint32(site[i*4:])
		w = w&^arm64ImmediateMask | uint32(addr>>(16*i))&0xffff<<5
		binary.LittleEndian.PutUint32(site[i*4:], w)
	}
}

type arm64Op struct {
	as   obj.As
	wide bool
}

type arm64Cond struct {
	cond int16
	wide bool
}

var arm64IntBinary = map[wasm.Opcode]arm64Op{
	wasm.OpcodeI32Add:  {arm64.AADDW, false},
	wasm.OpcodeI32Sub:  {arm64.ASUBW, false},
	wasm.OpcodeI32Mul:  {arm64.AMULW, false},
	wasm.OpcodeI32And:  {arm64.AANDW, false},
	wasm.OpcodeI32Or:   {arm64.AORRW, false},
	wasm.OpcodeI32Xor:  {arm64.AEORW, false},
	wasm.OpcodeI32Shl:  {arm64.ALSLW, false},
	wasm.OpcodeI32ShrS: {arm64.AASRW, false},
	wasm.OpcodeI32ShrU: {arm64.ALSRW, false},
	wasm.OpcodeI32Rotr: {arm64.ARORW, false},
	wasm.OpcodeI64Add:  {arm64.AADD, true},
	wasm.OpcodeI64Sub:  {arm64.ASUB, true},
	wasm.OpcodeI64Mul:  {arm64.AMUL, true},
	wasm.OpcodeI64And:  {arm64.AAND, true},
	wasm.OpcodeI64Or:   {arm64.AORR, true},
	wasm.OpcodeI64Xor:  {arm64.AEOR, true},
	wasm.OpcodeI64Shl:  {arm64.ALSL, true},
	wasm.OpcodeI64ShrS: {arm64.AASR, true},
	wasm.OpcodeI64ShrU: {arm64.ALSR, true},
	wasm.OpcodeI64Rotr: {arm64.AROR, true},
}

// arm64IntCompare maps integer comparisons to the condition of "CMP rhs, lhs".
var arm64IntCompare = map[wasm.Opcode]arm64Cond{
	wasm.OpcodeI32Eq:  {arm64.COND_EQ, false},
	wasm.OpcodeI32Ne:  {arm64.COND_NE, false},
	wasm.OpcodeI32LtS: {arm64.COND_LT, false},
	wasm.OpcodeI32LtU: {arm64.COND_LO, false},
	wasm.OpcodeI32GtS: {arm64.COND_GT, false},
	wasm.OpcodeI32GtU: {arm64.COND_HI, false},
	wasm.OpcodeI32LeS: {arm64.COND_LE, false},
	wasm.OpcodeI32LeU: {arm64.COND_LS, false},
	wasm.OpcodeI32GeS: {arm64.COND_GE, false},
	wasm.OpcodeI32GeU: {arm64.COND_HS, false},
	wasm.OpcodeI64Eq:  {arm64.COND_EQ, true},
	wasm.OpcodeI64Ne:  {arm64.COND_NE, true},
	wasm.OpcodeI64LtS: {arm64.COND_LT, true},
	wasm.OpcodeI64LtU: {arm64.COND_LO, true},
	wasm.OpcodeI64GtS: {arm64.COND_GT, true},
	wasm.OpcodeI64GtU: {arm64.COND_HI, true},
	wasm.OpcodeI64LeS: {arm64.COND_LE, true},
	wasm.OpcodeI64LeU: {arm64.COND_LS, true},
	wasm.OpcodeI64GeS: {arm64.COND_GE, true},
	wasm.OpcodeI64GeU: {arm64.COND_HS, true},
}

// arm64FloatCompare maps float comparisons to the condition of "FCMP rhs, lhs", none of which holds when an
// operand is NaN except ne.
var arm64FloatCompare = map[wasm.Opcode]arm64Cond{
	wasm.OpcodeF32Eq: {arm64.COND_EQ, false},
	wasm.OpcodeF32Ne: {arm64.COND_NE, false},
	wasm.OpcodeF32Lt: {arm64.COND_MI, false},
	wasm.OpcodeF32Gt: {arm64.COND_GT, false},
	wasm.OpcodeF32Le: {arm64.COND_LS, false},
	wasm.OpcodeF32Ge: {arm64.COND_GE, false},
	wasm.OpcodeF64Eq: {arm64.COND_EQ, true},
	wasm.OpcodeF64Ne: {arm64.COND_NE, true},
	wasm.OpcodeF64Lt: {arm64.COND_MI, true},
	wasm.OpcodeF64Gt: {arm64.COND_GT, true},
	wasm.OpcodeF64Le: {arm64.COND_LS, true},
	wasm.OpcodeF64Ge: {arm64.COND_GE, true},
}

var arm64FloatBinary = map[wasm.Opcode]arm64Op{
	wasm.OpcodeF32Add: {arm64.AFADDS, false},
	wasm.OpcodeF32Sub: {arm64.AFSUBS, false},
	wasm.OpcodeF32Mul: {arm64.AFMULS, false},
	wasm.OpcodeF32Div: {arm64.AFDIVS, false},
	wasm.OpcodeF64Add: {arm64.AFADDD, true},
	wasm.OpcodeF64Sub: {arm64.AFSUBD, true},
	wasm.OpcodeF64Mul: {arm64.AFMULD, true},
	wasm.OpcodeF64Div: {arm64.AFDIVD, true},
}

var arm64FloatUnary = map[wasm.Opcode]arm64Op{
	wasm.OpcodeF32Neg:     {arm64.AFNEGS, false},
	wasm.OpcodeF32Abs:     {arm64.AFABSS, false},
	wasm.OpcodeF32Sqrt:    {arm64.AFSQRTS, false},
	wasm.OpcodeF32Ceil:    {arm64.AFRINTPS, false},
	wasm.OpcodeF32Floor:   {arm64.AFRINTMS, false},
	wasm.OpcodeF32Trunc:   {arm64.AFRINTZS, false},
	wasm.OpcodeF32Nearest: {arm64.AFRINTNS, false},
	wasm.OpcodeF64Neg:     {arm64.AFNEGD, true},
	wasm.OpcodeF64Abs:     {arm64.AFABSD, true},
	wasm.OpcodeF64Sqrt:    {arm64.AFSQRTD, true},
	wasm.OpcodeF64Ceil:    {arm64.AFRINTPD, true},
	wasm.OpcodeF64Floor:   {arm64.AFRINTMD, true},
	wasm.OpcodeF64Trunc:   {arm64.AFRINTZD, true},
	wasm.OpcodeF64Nearest: {arm64.AFRINTND, true},
}

// arm64IntToFloat are the conversions from integers, whose source is 64-bit when wide.
var arm64IntToFloat = map[wasm.Opcode]arm64Op{
	wasm.OpcodeF32ConvertI32S: {arm64.ASCVTFWS, false},
	wasm.OpcodeF32ConvertI32U: {arm64.AUCVTFWS, false},
	wasm.OpcodeF32ConvertI64S: {arm64.ASCVTFS, true},
	wasm.OpcodeF32ConvertI64U: {arm64.AUCVTFS, true},
	wasm.OpcodeF64ConvertI32S: {arm64.ASCVTFWD, false},
	wasm.OpcodeF64ConvertI32U: {arm64.AUCVTFWD, false},
	wasm.OpcodeF64ConvertI64S: {arm64.ASCVTFD, true},
	wasm.OpcodeF64ConvertI64U: {arm64.AUCVTFD, true},
}

var arm64Loads = map[wasm.Opcode]obj.As{
	wasm.OpcodeI32Load:    arm64.AMOVWU,
	wasm.OpcodeF32Load:    arm64.AMOVWU,
	wasm.OpcodeI64Load32U: arm64.AMOVWU,
	wasm.OpcodeI64Load:    arm64.AMOVD,
	wasm.OpcodeF64Load:    arm64.AMOVD,
	wasm.OpcodeI32Load8S:  arm64.AMOVB,
	wasm.OpcodeI32Load8U:  arm64.AMOVBU,
	wasm.OpcodeI64Load8U:  arm64.AMOVBU,
	wasm.OpcodeI32Load16S: arm64.AMOVH,
	wasm.OpcodeI32Load16U: arm64.AMOVHU,
	wasm.OpcodeI64Load16U: arm64.AMOVHU,
	wasm.OpcodeI64Load8S:  arm64.AMOVB,
	wasm.OpcodeI64Load16S: arm64.AMOVH,
	wasm.OpcodeI64Load32S: arm64.AMOVW,
}

var arm64Stores = map[wasm.Opcode]obj.As{
	wasm.OpcodeI32Store:   arm64.AMOVW,
	wasm.OpcodeF32Store:   arm64.AMOVW,
	wasm.OpcodeI64Store32: arm64.AMOVW,
	wasm.OpcodeI64Store:   arm64.AMOVD,
	wasm.OpcodeF64Store:   arm64.AMOVD,
	wasm.OpcodeI32Store8:  arm64.AMOVB,
	wasm.OpcodeI64Store8:  arm64.AMOVB,
	wasm.OpcodeI32Store16: arm64.AMOVH,
	wasm.OpcodeI64Store16: arm64.AMOVH,
}

// arm64Emitter emits arm64 machine code. Values live in their frame slots between instructions, so only R2 to R7,
// F0 and F1 are used as scratch. R27 is left to the assembler, which uses it for large constants.
type arm64Emitter struct {
	nativeAssembler
	h             functionHeader
	frameBytes    *obj.Prog
	returnLabel   label
	returnPending bool
}

func newArm64Emitter(h functionHeader, _ int) (emitter, func()) {
	assemblerMutex.Lock()
	e := &arm64Emitter{nativeAssembler: newNativeAssembler("arm64"), h: h}
	e.returnLabel = e.newLabel()
	e.prologue()
	return e, assemblerMutex.Unlock
}

func (e *arm64Emitter) regToReg(as obj.As, from, to int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

// threeReg emits "as rm, rn, rd", which is rd = rn op rm for arithmetic.
func (e *arm64Emitter) threeReg(as obj.As, rm, rn, rd int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, rm
	p.Reg = rn
	p.To.Type, p.To.Reg = obj.TYPE_REG, rd
	e.add(p)
}

// compare emits "as rm, rn", which sets the flags of rn - rm.
func (e *arm64Emitter) compare(as obj.As, rm, rn int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, rm
	p.Reg = rn
	e.add(p)
}

func (e *arm64Emitter) compareConst(as obj.As, v int64, rn int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Offset = obj.TYPE_CONST, v
	p.Reg = rn
	e.add(p)
}

func (e *arm64Emitter) constToReg(as obj.As, v int64, to int16) *obj.Prog {
	p := e.newProg()
	p.As = as
	if v == 0 && as == arm64.AMOVD {
		p.From.Type, p.From.Reg = obj.TYPE_REG, arm64.REGZERO
	} else {
		// The assembler emits up to four instructions for constants larger than 16 bits.
		p.From.Type, p.From.Offset = obj.TYPE_CONST, v
	}
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
	return p
}

func (e *arm64Emitter) memToReg(as obj.As, base int16, offset int64, to int16) {
	if offset > math.MaxInt16 {
		e.constToReg(arm64.AMOVD, offset, arm64OffsetRegister)
		e.memIndexToReg(as, base, arm64OffsetRegister, to)
		return
	}
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg, p.From.Offset = obj.TYPE_MEM, base, offset
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *arm64Emitter) regToMem(as obj.As, from, base int16, offset int64) {
	if offset > math.MaxInt16 {
		e.constToReg(arm64.AMOVD, offset, arm64OffsetRegister)
		e.regToMemIndex(as, from, base, arm64OffsetRegister)
		return
	}
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg, p.To.Offset = obj.TYPE_MEM, base, offset
	e.add(p)
}

func (e *arm64Emitter) memIndexToReg(as obj.As, base, index, to int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg, p.From.Index, p.From.Scale = obj.TYPE_MEM, base, index, 1
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *arm64Emitter) regToMemIndex(as obj.As, from, base, index int16) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, from
	p.To.Type, p.To.Reg, p.To.Index, p.To.Scale = obj.TYPE_MEM, base, index, 1
	e.add(p)
}

func (e *arm64Emitter) jumpToReg(as obj.As, reg int16) {
	p := e.newProg()
	p.As = as
	p.To.Type, p.To.Reg = obj.TYPE_REG, reg
	e.add(p)
}

// branchToAddress emits "B (reg)".
func (e *arm64Emitter) branchToAddress(reg int16) {
	p := e.newProg()
	p.As = arm64.AB
	p.To.Type, p.To.Reg = obj.TYPE_MEM, reg
	e.add(p)
}

// branchIfZero emits CBZ or CBZW to l.
func (e *arm64Emitter) branchIfZero(as obj.As, reg int16, l label) {
	p := e.newProg()
	p.As = as
	p.From.Type, p.From.Reg = obj.TYPE_REG, reg
	p.To.Type = obj.TYPE_BRANCH
	e.setTarget(p, l)
	e.add(p)
}

func (e *arm64Emitter) setCondition(cond int16, to int16) {
	p := e.newProg()
	p.As = arm64.ACSET
	p.From.Type, p.From.Reg = obj.TYPE_REG, cond
	p.To.Type, p.To.Reg = obj.TYPE_REG, to
	e.add(p)
}

func (e *arm64Emitter) word(v uint32) *obj.Prog {
	p := e.newProg()
	p.As = arm64.AWORD
	p.To.Type, p.To.Offset = obj.TYPE_CONST, int64(v)
	e.add(p)
	return p
}

func (e *arm64Emitter) loadSlot(as obj.As, slot uint32, to int16) {
	e.memToReg(as, arm64FrameRegister, slotOffset(slot), to)
}

func (e *arm64Emitter) storeSlot(as obj.As, from int16, slot uint32) {
	e.regToMem(as, from, arm64FrameRegister, slotOffset(slot))
}

func (e *arm64Emitter) loadContext(offset int64, to int16) {
	e.memToReg(arm64.AMOVD, arm64CallEngineRegister, offset, to)
}

func (e *arm64Emitter) storeContext(from int16, offset int64) {
	e.regToMem(arm64.AMOVD, from, arm64CallEngineRegister, offset)
}

// readAddress loads the absolute address of l into dst.
func (e *arm64Emitter) readAddress(dst int16, l label) {
	// The assembler only emits "ADR dst, ." here, so the offset of l is written once the code is assembled.
	adr := e.newProg()
	adr.As = arm64.AADR
	adr.From.Type = obj.TYPE_BRANCH
	adr.To.Type, adr.To.Reg = obj.TYPE_REG, dst
	e.add(adr)
	e.onGenerate = append(e.onGenerate, func(code []byte) error {
		offset := e.labelPc(l) - adr.Pc
		if offset >= 1<<20 {
			return fmt.Errorf("function too large: branch offset %#x", offset)
		}
		// ADR keeps the two low bits of the offset in bits 29 and 30, and the others from bit 5.
		w := binary.LittleEndian.Uint32(code[adr.Pc:])
		w |= uint32(offset&0b11)<<29 | uint32(offset>>2&0x7ffff)<<5
		binary.LittleEndian.PutUint32(code[adr.Pc:], w)
		return nil
	})
}

// loadFrameRegister points arm64FrameRegister at the current frame.
func (e *arm64Emitter) loadFrameRegister() {
	e.loadContext(nativeContextStackElement0AddressOffset, arm64FrameRegister)
	e.loadContext(nativeContextFrameOffsetOffset, arm64.REG_R6)
	e.threeReg(arm64.AADD, arm64.REG_R6, arm64FrameRegister, arm64FrameRegister)
}

// loadCurrentFrame loads the address of frames[depth] into reg, using R6.
func (e *arm64Emitter) loadCurrentFrame(reg int16) {
	e.loadContext(nativeContextDepthOffset, reg)
	e.constToReg(arm64.ALSL, nativeFrameSizeLog2, reg)
	e.loadContext(nativeContextFramesElement0AddressOffset, arm64.REG_R6)
	e.threeReg(arm64.AADD, arm64.REG_R6, reg, reg)
}

func (e *arm64Emitter) setStatus(status nativeStatus, args ...uint64) {
	e.constToReg(arm64.AMOVD, int64(status), arm64.REG_R2)
	e.storeContext(arm64.REG_R2, nativeContextStatusOffset)
	for i, arg := range args {
		e.constToReg(arm64.AMOVD, int64(arg), arm64.REG_R2)
		e.storeContext(arm64.REG_R2, int64(nativeContextStatusArgsOffset+8*i))
	}
}

// returnToGo returns from jitcall.
func (e *arm64Emitter) returnToGo() {
	e.loadContext(nativeContextGoReturnAddressOffset, arm64.REG_R6)
	e.jumpToReg(obj.ARET, arm64.REG_R6)
}

// exit returns to Go with status. Execution continues after it once Go handled the status.
func (e *arm64Emitter) exit(status nativeStatus, args ...uint64) {
	e.setStatus(status, args...)
	resume := e.newLabel()
	e.readAddress(arm64.REG_R2, resume)
	e.storeContext(arm64.REG_R2, nativeContextResumeAddressOffset)
	e.returnToGo()
	e.bind(resume)
	// Go may have moved the stack.
	e.loadFrameRegister()
}

func (e *arm64Emitter) prologue() {
	// The assembler skips the first instruction.
	e.standalone(obj.ANOP)

	// Record the function in frames[depth] for backtraces, and check the depth.
	e.loadContext(nativeContextDepthOffset, arm64.REG_R2)
	e.loadCurrentFrame(arm64.REG_R3)
	e.constToReg(arm64.AMOVD, int64(e.h.funcIndex), arm64.REG_R4)
	e.regToMem(arm64.AMOVW, arm64.REG_R4, arm64.REG_R3, nativeFrameFuncIndexOffset)
	e.loadContext(nativeContextCallStackLimitOffset, arm64.REG_R4)
	e.compare(arm64.ACMP, arm64.REG_R4, arm64.REG_R2)
	e.branch(arm64.ABHS, e.trapLabel(api.TrapCodeCallStackExhausted))

	// Grow the stack through Go unless the frame fits.
	e.loadContext(nativeContextFrameOffsetOffset, arm64.REG_R2)
	e.frameBytes = e.newProg()
	e.frameBytes.As = arm64.AADD
	e.frameBytes.From.Type = obj.TYPE_CONST
	e.frameBytes.Reg = arm64.REG_R2
	e.frameBytes.To.Type, e.frameBytes.To.Reg = obj.TYPE_REG, arm64.REG_R2
	e.add(e.frameBytes)
	e.loadContext(nativeContextStackLenOffset, arm64.REG_R3)
	e.compare(arm64.ACMP, arm64.REG_R3, arm64.REG_R2)
	enough := e.newLabel()
	e.branch(arm64.ABLS, enough)
	e.storeContext(arm64.REG_R2, nativeContextStatusArgsOffset)
	e.exit(nativeStatusGrowStack)
	e.bind(enough)
	e.loadFrameRegister()

	for i := uint32(0); i < e.h.locals; i++ {
		e.storeSlot(arm64.AMOVD, arm64.REGZERO, e.h.params+i)
	}
}

func (e *arm64Emitter) unreachable() {
	e.branch(arm64.AB, e.trapLabel(api.TrapCodeUnreachable))
}

func (e *arm64Emitter) const32(dst, v uint32) { e.const64(dst, uint64(v)) }

func (e *arm64Emitter) const64(dst uint32, v uint64) {
	if v == 0 {
		e.storeSlot(arm64.AMOVD, arm64.REGZERO, dst)
		return
	}
	e.constToReg(arm64.AMOVD, int64(v), arm64.REG_R2)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

func (e *arm64Emitter) move(dst, src uint32) {
	e.loadSlot(arm64.AMOVD, src, arm64.REG_R2)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

// loadGlobal loads the address of the GlobalInstance at index into R3.
func (e *arm64Emitter) loadGlobal(index uint32) {
	e.loadContext(nativeContextGlobalsElement0AddressOffset, arm64.REG_R3)
	e.memToReg(arm64.AMOVD, arm64.REG_R3, int64(index)*8, arm64.REG_R3)
}

func (e *arm64Emitter) globalGet(dst, index uint32) {
	e.loadGlobal(index)
	e.memToReg(arm64.AMOVD, arm64.REG_R3, globalInstanceValOffset, arm64.REG_R2)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

func (e *arm64Emitter) globalSet(index, src uint32) {
	e.loadSlot(arm64.AMOVD, src, arm64.REG_R2)
	e.loadGlobal(index)
	e.regToMem(arm64.AMOVD, arm64.REG_R2, arm64.REG_R3, globalInstanceValOffset)
}

func movIntegerSlot(wide bool) obj.As {
	if wide {
		return arm64.AMOVD
	}
	return arm64.AMOVWU
}

func movFloat(wide bool) obj.As {
	if wide {
		return arm64.AFMOVD
	}
	return arm64.AFMOVS
}

// storeFloat stores F0 into dst. A 32-bit value is zero extended to the slot.
func (e *arm64Emitter) storeFloat(wide bool, dst uint32) {
	e.regToReg(movFloat(wide), arm64.REG_F0, arm64.REG_R2)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

func (e *arm64Emitter) unary(op wasm.Opcode, dst, src uint32) {
	if o, ok := arm64FloatUnary[op]; ok {
		e.loadSlot(movFloat(o.wide), src, arm64.REG_F0)
		e.regToReg(o.as, arm64.REG_F0, arm64.REG_F0)
		e.storeFloat(o.wide, dst)
		return
	}
	if o, ok := arm64IntToFloat[op]; ok {
		wideDst := op == wasm.OpcodeF64ConvertI32S || op == wasm.OpcodeF64ConvertI32U ||
			op == wasm.OpcodeF64ConvertI64S || op == wasm.OpcodeF64ConvertI64U
		e.loadSlot(movIntegerSlot(o.wide), src, arm64.REG_R2)
		e.regToReg(o.as, arm64.REG_R2, arm64.REG_F0)
		e.storeFloat(wideDst, dst)
		return
	}

	switch op {
	case wasm.OpcodeI32Eqz, wasm.OpcodeI64Eqz:
		wide := op == wasm.OpcodeI64Eqz
		e.loadSlot(movIntegerSlot(wide), src, arm64.REG_R2)
		e.compare(arm64.ACMP, arm64.REGZERO, arm64.REG_R2)
		e.setCondition(arm64.COND_EQ, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeI32Clz, wasm.OpcodeI64Clz, wasm.OpcodeI32Ctz, wasm.OpcodeI64Ctz:
		wide := op == wasm.OpcodeI64Clz || op == wasm.OpcodeI64Ctz
		e.loadSlot(movIntegerSlot(wide), src, arm64.REG_R2)
		clz, rbit := arm64.ACLZW, arm64.ARBITW
		if wide {
			clz, rbit = arm64.ACLZ, arm64.ARBIT
		}
		if op == wasm.OpcodeI32Ctz || op == wasm.OpcodeI64Ctz {
			e.regToReg(rbit, arm64.REG_R2, arm64.REG_R2)
		}
		e.regToReg(clz, arm64.REG_R2, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeI32WrapI64, wasm.OpcodeI64ExtendI32U:
		e.loadSlot(arm64.AMOVWU, src, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeI64ExtendI32S:
		e.loadSlot(arm64.AMOVW, src, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		e.move(dst, src)
	case wasm.OpcodeF32DemoteF64:
		e.loadSlot(arm64.AFMOVD, src, arm64.REG_F0)
		e.regToReg(arm64.AFCVTDS, arm64.REG_F0, arm64.REG_F0)
		e.storeFloat(false, dst)
	case wasm.OpcodeF64PromoteF32:
		e.loadSlot(arm64.AFMOVS, src, arm64.REG_F0)
		e.regToReg(arm64.AFCVTSD, arm64.REG_F0, arm64.REG_F0)
		e.storeFloat(true, dst)
	default:
		// Population count and the trapping truncations.
		e.exit(nativeStatusUnary, uint64(op), uint64(dst), uint64(src))
	}
}

func (e *arm64Emitter) binary(op wasm.Opcode, dst, lhs, rhs uint32) {
	if o, ok := arm64IntBinary[op]; ok {
		e.loadSlot(movIntegerSlot(o.wide), lhs, arm64.REG_R2)
		e.loadSlot(movIntegerSlot(o.wide), rhs, arm64.REG_R3)
		e.threeReg(o.as, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
		return
	}
	if o, ok := arm64IntCompare[op]; ok {
		e.loadSlot(movIntegerSlot(o.wide), lhs, arm64.REG_R2)
		e.loadSlot(movIntegerSlot(o.wide), rhs, arm64.REG_R3)
		if o.wide {
			e.compare(arm64.ACMP, arm64.REG_R3, arm64.REG_R2)
		} else {
			e.compare(arm64.ACMPW, arm64.REG_R3, arm64.REG_R2)
		}
		e.setCondition(o.cond, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
		return
	}
	if o, ok := arm64FloatBinary[op]; ok {
		e.loadSlot(movFloat(o.wide), lhs, arm64.REG_F0)
		e.loadSlot(movFloat(o.wide), rhs, arm64.REG_F1)
		e.threeReg(o.as, arm64.REG_F1, arm64.REG_F0, arm64.REG_F0)
		e.storeFloat(o.wide, dst)
		return
	}
	if o, ok := arm64FloatCompare[op]; ok {
		e.loadSlot(movFloat(o.wide), lhs, arm64.REG_F0)
		e.loadSlot(movFloat(o.wide), rhs, arm64.REG_F1)
		if o.wide {
			e.compare(arm64.AFCMPD, arm64.REG_F1, arm64.REG_F0)
		} else {
			e.compare(arm64.AFCMPS, arm64.REG_F1, arm64.REG_F0)
		}
		e.setCondition(o.cond, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
		return
	}

	switch op {
	case wasm.OpcodeI32Rotl, wasm.OpcodeI64Rotl:
		// Rotating left by n is rotating right by -n.
		wide := op == wasm.OpcodeI64Rotl
		e.loadSlot(movIntegerSlot(wide), lhs, arm64.REG_R2)
		e.loadSlot(movIntegerSlot(wide), rhs, arm64.REG_R3)
		if wide {
			e.regToReg(arm64.ANEG, arm64.REG_R3, arm64.REG_R3)
			e.threeReg(arm64.AROR, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
		} else {
			e.regToReg(arm64.ANEGW, arm64.REG_R3, arm64.REG_R3)
			e.threeReg(arm64.ARORW, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
		}
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeI32DivS, wasm.OpcodeI32DivU, wasm.OpcodeI32RemS, wasm.OpcodeI32RemU,
		wasm.OpcodeI64DivS, wasm.OpcodeI64DivU, wasm.OpcodeI64RemS, wasm.OpcodeI64RemU:
		e.divide(op, dst, lhs, rhs)
	case wasm.OpcodeF32Copysign:
		e.loadSlot(arm64.AMOVWU, lhs, arm64.REG_R2)
		e.loadSlot(arm64.AMOVWU, rhs, arm64.REG_R3)
		e.constToReg(arm64.AANDW, math.MaxInt32, arm64.REG_R2)
		e.constToReg(arm64.AANDW, 1<<31, arm64.REG_R3)
		e.threeReg(arm64.AORRW, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	case wasm.OpcodeF64Copysign:
		e.loadSlot(arm64.AMOVD, lhs, arm64.REG_R2)
		e.loadSlot(arm64.AMOVD, rhs, arm64.REG_R3)
		e.constToReg(arm64.AAND, math.MaxInt64, arm64.REG_R2)
		e.constToReg(arm64.AAND, math.MinInt64, arm64.REG_R3)
		e.threeReg(arm64.AORR, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
		e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
	default:
		e.exit(nativeStatusBinary, uint64(op), uint64(dst), uint64(lhs), uint64(rhs))
	}
}

// divide emits the integer divisions. SDIV doesn't fault: MinInt / -1 is MinInt, so the remainder computed from
// it is zero as required, and only the quotient needs the overflow check.
func (e *arm64Emitter) divide(op wasm.Opcode, dst, lhs, rhs uint32) {
	var wide, signed, rem bool
	switch op {
	case wasm.OpcodeI32DivS:
		signed = true
	case wasm.OpcodeI32RemS:
		signed, rem = true, true
	case wasm.OpcodeI32RemU:
		rem = true
	case wasm.OpcodeI64DivS:
		wide, signed = true, true
	case wasm.OpcodeI64DivU:
		wide = true
	case wasm.OpcodeI64RemS:
		wide, signed, rem = true, true, true
	case wasm.OpcodeI64RemU:
		wide, rem = true, true
	}

	e.loadSlot(movIntegerSlot(wide), lhs, arm64.REG_R2)
	e.loadSlot(movIntegerSlot(wide), rhs, arm64.REG_R3)
	cbz, cmp, div, mul, sub := arm64.ACBZW, arm64.ACMPW, arm64.AUDIVW, arm64.AMULW, arm64.ASUBW
	if wide {
		cbz, cmp, div, mul, sub = arm64.ACBZ, arm64.ACMP, arm64.AUDIV, arm64.AMUL, arm64.ASUB
	}
	if signed {
		div = arm64.ASDIVW
		if wide {
			div = arm64.ASDIV
		}
	}
	e.branchIfZero(cbz, arm64.REG_R3, e.trapLabel(api.TrapCodeIntegerDivideByZero))

	if signed && !rem {
		divide := e.newLabel()
		e.compareConst(cmp, -1, arm64.REG_R3)
		e.branch(arm64.ABNE, divide)
		if wide {
			e.compareConst(cmp, math.MinInt64, arm64.REG_R2)
		} else {
			e.compareConst(cmp, math.MinInt32, arm64.REG_R2)
		}
		e.branch(arm64.ABEQ, e.trapLabel(api.TrapCodeIntegerOverflow))
		e.bind(divide)
	}

	e.threeReg(div, arm64.REG_R3, arm64.REG_R2, arm64.REG_R4)
	if rem {
		// rem = lhs - quotient * rhs
		e.threeReg(mul, arm64.REG_R3, arm64.REG_R4, arm64.REG_R4)
		e.threeReg(sub, arm64.REG_R4, arm64.REG_R2, arm64.REG_R4)
	}
	e.storeSlot(arm64.AMOVD, arm64.REG_R4, dst)
}

// effectiveAddress loads addr+offset into R2, trapping unless size bytes from it are within the memory. It leaves
// the address of the memory in R4.
func (e *arm64Emitter) effectiveAddress(addr, offset, size uint32) {
	e.loadSlot(arm64.AMOVWU, addr, arm64.REG_R2)
	if offset > 0 {
		e.constToReg(arm64.AMOVD, int64(offset), arm64.REG_R3)
		e.threeReg(arm64.AADD, arm64.REG_R3, arm64.REG_R2, arm64.REG_R2)
	}
	e.constToReg(arm64.AMOVD, int64(size), arm64.REG_R3)
	e.threeReg(arm64.AADD, arm64.REG_R2, arm64.REG_R3, arm64.REG_R3)
	e.loadContext(nativeContextMemoryLenOffset, arm64.REG_R4)
	e.compare(arm64.ACMP, arm64.REG_R4, arm64.REG_R3)
	e.branch(arm64.ABHI, e.trapLabel(api.TrapCodeMemoryOutOfBounds))
	e.loadContext(nativeContextMemoryElement0AddressOffset, arm64.REG_R4)
}

func (e *arm64Emitter) load(op wasm.Opcode, dst, addr, offset uint32) {
	access, _ := wasm.LookupMemoryAccess(op)
	e.effectiveAddress(addr, offset, access.Size)
	e.memIndexToReg(arm64Loads[op], arm64.REG_R4, arm64.REG_R2, arm64.REG_R3)
	if op == wasm.OpcodeI32Load8S || op == wasm.OpcodeI32Load16S {
		// Sign extended to 64 bits, while i32 slots are zero extended.
		e.regToReg(arm64.AMOVWU, arm64.REG_R3, arm64.REG_R3)
	}
	e.storeSlot(arm64.AMOVD, arm64.REG_R3, dst)
}

func (e *arm64Emitter) store(op wasm.Opcode, addr, value, offset uint32) {
	access, _ := wasm.LookupMemoryAccess(op)
	e.effectiveAddress(addr, offset, access.Size)
	e.loadSlot(arm64.AMOVD, value, arm64.REG_R3)
	e.regToMemIndex(arm64Stores[op], arm64.REG_R3, arm64.REG_R4, arm64.REG_R2)
}

func (e *arm64Emitter) memorySize(dst uint32) {
	e.loadContext(nativeContextMemoryLenOffset, arm64.REG_R2)
	e.constToReg(arm64.ALSR, 16, arm64.REG_R2)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

func (e *arm64Emitter) memoryGrow(dst, delta uint32) {
	e.exit(nativeStatusMemoryGrow, uint64(dst), uint64(delta))
}

func (e *arm64Emitter) jump(l label) {
	e.branch(arm64.AB, l)
}

func (e *arm64Emitter) brIfZero(cond uint32, l label) {
	e.loadSlot(arm64.AMOVWU, cond, arm64.REG_R2)
	e.branchIfZero(arm64.ACBZW, arm64.REG_R2, l)
}

func (e *arm64Emitter) brIfNonZero(cond uint32, l label) {
	e.loadSlot(arm64.AMOVWU, cond, arm64.REG_R2)
	e.branchIfZero(arm64.ACBNZW, arm64.REG_R2, l)
}

func (e *arm64Emitter) brTable(index uint32, targets []label) {
	e.loadSlot(arm64.AMOVWU, index, arm64.REG_R2)
	for i, l := range targets[:len(targets)-1] {
		e.compareConst(arm64.ACMPW, int64(i), arm64.REG_R2)
		e.branch(arm64.ABEQ, l)
	}
	e.branch(arm64.AB, targets[len(targets)-1])
}

func (e *arm64Emitter) selectValue(dst, a, b, cond uint32) {
	keep := e.newLabel()
	e.loadSlot(arm64.AMOVD, a, arm64.REG_R2)
	e.loadSlot(arm64.AMOVWU, cond, arm64.REG_R4)
	e.branchIfZero(arm64.ACBNZW, arm64.REG_R4, keep)
	e.loadSlot(arm64.AMOVD, b, arm64.REG_R2)
	e.bind(keep)
	e.storeSlot(arm64.AMOVD, arm64.REG_R2, dst)
}

func (e *arm64Emitter) call(index wasm.Index, imported bool, argBase uint32) {
	if imported {
		e.exit(nativeStatusCallImport, uint64(index), uint64(argBase))
		return
	}

	// depth++ and push the frame of the callee, which returns to after.
	e.loadContext(nativeContextDepthOffset, arm64.REG_R2)
	e.constToReg(arm64.AADD, 1, arm64.REG_R2)
	e.storeContext(arm64.REG_R2, nativeContextDepthOffset)
	e.loadCurrentFrame(arm64.REG_R2)
	after := e.newLabel()
	e.readAddress(arm64.REG_R3, after)
	e.regToMem(arm64.AMOVD, arm64.REG_R3, arm64.REG_R2, nativeFrameReturnAddressOffset)
	e.loadContext(nativeContextFrameOffsetOffset, arm64.REG_R4)
	e.regToMem(arm64.AMOVD, arm64.REG_R4, arm64.REG_R2, nativeFrameCallerFrameOffsetOffset)
	if argBase > 0 {
		e.constToReg(arm64.AMOVD, slotOffset(argBase), arm64.REG_R3)
		e.threeReg(arm64.AADD, arm64.REG_R3, arm64.REG_R4, arm64.REG_R4)
	}
	e.storeContext(arm64.REG_R4, nativeContextFrameOffsetOffset)

	first := e.word(arm64CallSite[0])
	for _, w := range arm64CallSite[1:] {
		e.word(w)
	}
	e.relocations = append(e.relocations, nativeRelocation{prog: first, index: index})
	e.branchToAddress(arm64CalleeRegister)
	e.bind(after)
}

func (e *arm64Emitter) callIndirect(typeIndex, elem, argBase uint32) {
	e.exit(nativeStatusCallIndirect, uint64(typeIndex), uint64(elem), uint64(argBase))
}

func (e *arm64Emitter) ret(src, count uint32) {
	for i := uint32(0); i < count; i++ {
		if src+i != i {
			e.move(i, src+i)
		}
	}
	e.returnPending = true
	e.branch(arm64.AB, e.returnLabel)
}

// emitReturn pops the frame and branches to the caller's return address, or returns to Go when the function was
// entered from Go.
func (e *arm64Emitter) emitReturn() {
	e.bind(e.returnLabel)
	e.loadCurrentFrame(arm64.REG_R2)
	e.memToReg(arm64.AMOVD, arm64.REG_R2, nativeFrameReturnAddressOffset, arm64.REG_R3)
	fromGo := e.newLabel()
	e.branchIfZero(arm64.ACBZ, arm64.REG_R3, fromGo)
	e.memToReg(arm64.AMOVD, arm64.REG_R2, nativeFrameCallerFrameOffsetOffset, arm64.REG_R4)
	e.storeContext(arm64.REG_R4, nativeContextFrameOffsetOffset)
	e.loadContext(nativeContextDepthOffset, arm64.REG_R4)
	e.constToReg(arm64.ASUB, 1, arm64.REG_R4)
	e.storeContext(arm64.REG_R4, nativeContextDepthOffset)
	e.loadFrameRegister()
	e.branchToAddress(arm64.REG_R3)
	e.bind(fromGo)
	e.setStatus(nativeStatusReturned)
	e.returnToGo()
}

func (e *arm64Emitter) finish(h functionHeader) ([]byte, []Relocation, error) {
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
		e.returnToGo()
	}
	code, relocations, err := e.assemble(h)
	if err != nil {
		return nil, nil, err
	}
	// The assembler may place a literal pool anywhere, which must not split a call site.
	for _, r := range relocations {
		if err = checkArm64CallSite(code, r.Offset, uint64(len(code))); err != nil {
			return nil, nil, fmt.Errorf("BUG: %w", err)
		}
	}
	return code, relocations, nil
}
