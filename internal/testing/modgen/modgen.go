// Package modgen builds modules for tests and benchmarks: the many-functions module and pseudo random modules
// that always pass validation.
package modgen

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/spwasm/spwasm/internal/leb128"
	"github.com/spwasm/spwasm/internal/wasm"
	wasmbinary "github.com/spwasm/spwasm/internal/wasm/binary"
)

// ManyFunctions returns the binary of a module with n functions that only return, plus two exports: "main" calls
// each of the n functions in order and "single" calls the first one. n must be at least one.
//
// In the text format, for n = 2:
//
//	(module
//	  (func $fn0 return)
//	  (func $fn1 return)
//	  (func (export "main") call $fn0 call $fn1 return)
//	  (func (export "single") call $fn0 return))
func ManyFunctions(n int) []byte {
	return wasmbinary.EncodeModule(ManyFunctionsModule(n))
}

// ManyFunctionsModule is the decoded form of ManyFunctions.
func ManyFunctionsModule(n int) *wasm.Module {
	if n < 1 {
		panic(fmt.Sprintf("BUG: n must be at least one, but was %d", n))
	}
	m := &wasm.Module{TypeSection: []*wasm.FunctionType{{}}}

	stub := []byte{wasm.OpcodeReturn, wasm.OpcodeEnd}
	for i := 0; i < n; i++ {
		m.FunctionSection = append(m.FunctionSection, 0)
		m.CodeSection = append(m.CodeSection, &wasm.Code{Body: stub})
	}

	var mainBody []byte
	for i := 0; i < n; i++ {
		mainBody = append(mainBody, wasm.OpcodeCall)
		mainBody = append(mainBody, leb128.EncodeUint32(uint32(i))...)
	}
	mainBody = append(mainBody, wasm.OpcodeReturn, wasm.OpcodeEnd)
	singleBody := []byte{wasm.OpcodeCall, 0, wasm.OpcodeReturn, wasm.OpcodeEnd}

	m.FunctionSection = append(m.FunctionSection, 0, 0)
	m.CodeSection = append(m.CodeSection, &wasm.Code{Body: mainBody}, &wasm.Code{Body: singleBody})
	m.ExportSection = []*wasm.Export{
		{Type: wasm.ExternTypeFunc, Name: "main", Index: uint32(n)},
		{Type: wasm.ExternTypeFunc, Name: "single", Index: uint32(n + 1)},
	}
	return m
}

// Gen generates a pseudo random module based on `seed` which passes validation with the default memory limit.
// The size of each section is controlled by the corresponding params.
// For example, `numImports` controls the number of segment in the import section.
//
// Note: "pseudo" here means the determinism of the generated results,
// e.g. giving same seed returns exactly the same module for
// the same code base in Gen.
func Gen(seed []byte,
	numTypes, numFunctions, numImports, numExports, numGlobals, numElements, numData uint32,
	needStartSection bool,
) *wasm.Module {
	if len(seed) == 0 {
		return &wasm.Module{}
	}

	checksum := sha256.Sum256(seed)
	g := &generator{
		// Use 4 randoms created from the unique sha256 hash value of the seed.
		size: len(seed), rands: make([]random, 4),
		numTypes:         numTypes,
		numFunctions:     numFunctions,
		numImports:       numImports,
		numExports:       numExports,
		numGlobals:       numGlobals,
		numElements:      numElements,
		numData:          numData,
		needStartSection: needStartSection,
	}
	for i := 0; i < 4; i++ {
		g.rands[i] = rand.New(rand.NewSource(
			int64(binary.LittleEndian.Uint64(checksum[i*8 : (i+1)*8]))))
	}
	return g.gen()
}

type generator struct {
	// rands holds random sources for generating a module.
	rands         []random
	nextRandIndex int

	// size holds the original size of the seed.
	size int

	// m is the resulting module.
	m *wasm.Module

	numTypes, numFunctions, numImports, numExports,
	numGlobals, numElements, numData uint32
	needStartSection bool
}

// random is the interface over methods of rand.Rand which are used by our generator.
type random interface {
	// See rand.Intn.
	Intn(n int) int

	// See rand.Read
	Read(p []byte) (n int, err error)
}

func (g *generator) nextRandom() (ret random) {
	ret = g.rands[g.nextRandIndex]
	g.nextRandIndex = (g.nextRandIndex + 1) % len(g.rands)
	return
}

// gen generates a random Wasm module.
func (g *generator) gen() *wasm.Module {
	g.m = &wasm.Module{}
	g.genTypeSection()
	g.genImportSection()
	g.genFunctionSection()
	g.genTableSection()
	g.genMemorySection()
	g.genGlobalSection()
	g.genExportSection()
	g.genStartSection()
	g.genElementSection()
	g.genCodeSection()
	g.genDataSection()
	return g.m
}

// genTypeSection creates random types each with a random number of parameters and at most one result.
func (g *generator) genTypeSection() {
	for i := uint32(0); i < g.numTypes; i++ {
		ft := g.newFunctionType(g.nextRandom().Intn(g.size), g.nextRandom().Intn(2))
		g.m.TypeSection = append(g.m.TypeSection, ft)
	}
}

func (g *generator) newFunctionType(params, results int) *wasm.FunctionType {
	ret := &wasm.FunctionType{}
	for i := 0; i < params; i++ {
		ret.Params = append(ret.Params, g.newValueType())
	}
	for i := 0; i < results; i++ {
		ret.Results = append(ret.Results, g.newValueType())
	}
	return ret
}

func (g *generator) newValueType() (ret wasm.ValueType) {
	switch g.nextRandom().Intn(4) {
	case 0:
		ret = wasm.ValueTypeI32
	case 1:
		ret = wasm.ValueTypeI64
	case 2:
		ret = wasm.ValueTypeF32
	case 3:
		ret = wasm.ValueTypeF64
	default:
		panic("BUG")
	}
	return
}

// genImportSection creates random import descriptions, including memory and table. Imported globals are
// immutable, as importing a mutable global is not supported.
func (g *generator) genImportSection() {
	var memoryImported, tableImported int
	for i := uint32(0); i < g.numImports; i++ {
		imp := &wasm.Import{
			Name:   strconv.Itoa(int(i)),
			Module: fmt.Sprintf("module-%d", i),
		}
		g.m.ImportSection = append(g.m.ImportSection, imp)

		r := g.nextRandom().Intn(4 - memoryImported - tableImported)
		if r == 0 && len(g.m.TypeSection) > 0 {
			imp.Type = wasm.ExternTypeFunc
			imp.DescFunc = uint32(g.nextRandom().Intn(len(g.m.TypeSection)))
			continue
		}

		if r == 0 || r == 1 {
			imp.Type = wasm.ExternTypeGlobal
			imp.DescGlobal = &wasm.GlobalType{ValType: g.newValueType()}
			continue
		}

		if memoryImported == 0 {
			imp.Type = wasm.ExternTypeMemory
			imp.DescMem = g.newMemoryType()
			memoryImported = 1
			continue
		}

		if tableImported == 0 {
			imp.Type = wasm.ExternTypeTable
			imp.DescTable = g.newTableType()
			tableImported = 1
			continue
		}

		panic("BUG")
	}
}

func (g *generator) newMemoryType() *wasm.MemoryType {
	min := g.nextRandom().Intn(4) // Min in reality is relatively small like 4.
	max := g.nextRandom().Intn(int(wasm.MemoryLimitPages)-min) + min
	return &wasm.MemoryType{Min: uint32(min), Max: uint32(max), IsMaxEncoded: true}
}

func (g *generator) newTableType() *wasm.TableType {
	min := g.nextRandom().Intn(4) // Min in reality is relatively small like 4.
	max := uint32(g.nextRandom().Intn(int(wasm.MemoryLimitPages)-min) + min)
	return &wasm.TableType{Min: uint32(min), Max: &max}
}

// genFunctionSection generates random function declarations whose type is randomly chosen
// from already generated type section.
func (g *generator) genFunctionSection() {
	numTypes := len(g.m.TypeSection)
	if numTypes == 0 {
		return
	}
	for i := uint32(0); i < g.numFunctions; i++ {
		typeIndex := g.nextRandom().Intn(numTypes)
		g.m.FunctionSection = append(g.m.FunctionSection, uint32(typeIndex))
	}
}

// genTableSection generates random table definition if there's no import for table.
func (g *generator) genTableSection() {
	if g.m.Table() != nil {
		return
	}
	g.m.TableSection = []*wasm.TableType{g.newTableType()}
}

// genMemorySection generates random memory definition if there's no import for memory.
func (g *generator) genMemorySection() {
	if g.m.Memory() != nil {
		return
	}
	g.m.MemorySection = []*wasm.MemoryType{g.newMemoryType()}
}

// genGlobalSection generates random globals.
func (g *generator) genGlobalSection() {
	for i := uint32(0); i < g.numGlobals; i++ {
		expr, t := g.newConstExpr()
		mutable := g.nextRandom().Intn(2) == 0
		global := &wasm.Global{
			Type: &wasm.GlobalType{ValType: t, Mutable: mutable},
			Init: expr,
		}
		g.m.GlobalSection = append(g.m.GlobalSection, global)
	}
}

func (g *generator) newConstExpr() (*wasm.ConstantExpression, wasm.ValueType) {
	_, _, _, importedGlobalCount := g.m.ImportCounts()
	importedGlobalsNotExist := 1
	if importedGlobalCount > 0 {
		importedGlobalsNotExist = 0
	}
	var opcode wasm.Opcode
	var data []byte
	var valueType wasm.ValueType
	switch g.nextRandom().Intn(5 - importedGlobalsNotExist) {
	case 0:
		opcode = wasm.OpcodeI32Const
		v := g.nextRandom().Intn(math.MaxInt32)
		if g.nextRandom().Intn(2) == 0 {
			v = -v
		}
		data = leb128.EncodeInt32(int32(v))
		valueType = wasm.ValueTypeI32
	case 1:
		opcode = wasm.OpcodeI64Const
		v := g.nextRandom().Intn(math.MaxInt64)
		if g.nextRandom().Intn(2) == 0 {
			v = -v
		}
		data = leb128.EncodeInt64(int64(v))
		valueType = wasm.ValueTypeI64
	case 2:
		opcode = wasm.OpcodeF32Const
		data = g.newBytes(4)
		valueType = wasm.ValueTypeF32
	case 3:
		opcode = wasm.OpcodeF64Const
		data = g.newBytes(8)
		valueType = wasm.ValueTypeF64
	case 4:
		opcode = wasm.OpcodeGlobalGet
		// Constexpr can only reference imported globals.
		globalIndex := g.nextRandom().Intn(int(importedGlobalCount))
		data = leb128.EncodeUint32(uint32(globalIndex))
		valueType = g.m.AllGlobalTypes()[globalIndex].ValType
	default:
		panic("BUG")
	}
	return &wasm.ConstantExpression{Opcode: opcode, Data: data}, valueType
}

func (g *generator) newBytes(n int) []byte {
	data := make([]byte, n)
	if _, err := g.nextRandom().Read(data); err != nil {
		panic(err)
	}
	return data
}

// genExportSection generates random export descriptions from previously generated functions, globals, table and
// memory declarations.
func (g *generator) genExportSection() {
	var possibleExports []wasm.Export
	for i := range g.m.FunctionTypeIndices() {
		possibleExports = append(possibleExports, wasm.Export{Type: wasm.ExternTypeFunc, Index: uint32(i)})
	}
	for i := range g.m.AllGlobalTypes() {
		possibleExports = append(possibleExports, wasm.Export{Type: wasm.ExternTypeGlobal, Index: uint32(i)})
	}
	if g.m.Table() != nil {
		possibleExports = append(possibleExports, wasm.Export{Type: wasm.ExternTypeTable, Index: 0})
	}
	if g.m.Memory() != nil {
		possibleExports = append(possibleExports, wasm.Export{Type: wasm.ExternTypeMemory, Index: 0})
	}

	for i := uint32(0); i < g.numExports; i++ {
		target := possibleExports[g.nextRandom().Intn(len(possibleExports))]

		g.m.ExportSection = append(g.m.ExportSection, &wasm.Export{
			Type:  target.Type,
			Index: target.Index,
			Name:  strconv.Itoa(int(i)),
		})
	}
}

// genStartSection generates start section whose function is randomly chosen from previously declared function.
func (g *generator) genStartSection() {
	if !g.needStartSection {
		return
	}

	var candidates []wasm.Index
	for funcIndex, typeIndex := range g.m.FunctionTypeIndices() {
		sig := g.m.TypeSection[typeIndex]
		// Start function must have the empty signature.
		if sig.EqualsSignature(nil, nil) {
			candidates = append(candidates, wasm.Index(funcIndex))
		}
	}

	if len(candidates) > 0 {
		g.m.StartSection = &candidates[g.nextRandom().Intn(len(candidates))]
	}
}

// genElementSection generates random element section if table and functions exist.
func (g *generator) genElementSection() {
	numFuncs := len(g.m.FunctionTypeIndices())
	table := g.m.Table()
	if table == nil || numFuncs == 0 {
		return
	}

	min := table.Min
	for i := uint32(0); i < g.numElements; i++ {
		// Elements can't exceed min of table.
		indexes := make([]wasm.Index, g.nextRandom().Intn(int(min)+1))
		for i := range indexes {
			indexes[i] = uint32(g.nextRandom().Intn(numFuncs))
		}

		offset := g.nextRandom().Intn(int(min) - len(indexes) + 1)
		elem := &wasm.ElementSegment{
			OffsetExpr: &wasm.ConstantExpression{
				Opcode: wasm.OpcodeI32Const,
				Data:   leb128.EncodeInt32(int32(offset)),
			},
			Init: indexes,
		}
		g.m.ElementSection = append(g.m.ElementSection, elem)
	}
}

// genCodeSection generates the code section for functions defined in this module.
func (g *generator) genCodeSection() {
	importedFuncs := g.m.ImportFuncCount()
	for i, typeIndex := range g.m.FunctionSection {
		g.m.CodeSection = append(g.m.CodeSection, g.newCode(importedFuncs+uint32(i), g.m.TypeSection[typeIndex]))
	}
}

// newCode returns a body which may call a nullary function of a lower index, then produces a constant of the
// result type. Calls only go to lower indices, so every call graph terminates.
func (g *generator) newCode(funcIndex wasm.Index, sig *wasm.FunctionType) *wasm.Code {
	var body []byte
	if funcIndex > 0 && g.nextRandom().Intn(2) == 0 {
		callee := wasm.Index(g.nextRandom().Intn(int(funcIndex)))
		if calleeType := g.m.TypeSection[g.m.FunctionTypeIndices()[callee]]; len(calleeType.Params) == 0 {
			body = append(body, wasm.OpcodeCall)
			body = append(body, leb128.EncodeUint32(callee)...)
			if len(calleeType.Results) > 0 {
				body = append(body, wasm.OpcodeDrop)
			}
		}
	}
	if len(sig.Results) > 0 {
		body = append(body, g.newConstInstruction(sig.Results[0])...)
	}
	return &wasm.Code{Body: append(body, wasm.OpcodeEnd)}
}

func (g *generator) newConstInstruction(t wasm.ValueType) []byte {
	switch t {
	case wasm.ValueTypeI32:
		return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(int32(g.nextRandom().Intn(math.MaxInt32)))...)
	case wasm.ValueTypeI64:
		return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(int64(g.nextRandom().Intn(math.MaxInt64)))...)
	case wasm.ValueTypeF32:
		return append([]byte{wasm.OpcodeF32Const}, g.newBytes(4)...)
	default:
		return append([]byte{wasm.OpcodeF64Const}, g.newBytes(8)...)
	}
}

// genDataSection generates random data section if memory is declared and its min is not zero.
func (g *generator) genDataSection() {
	mem := g.m.Memory()
	if mem == nil || mem.Min == 0 || g.numData == 0 {
		return
	}

	min := int(mem.Min * wasm.MemoryPageSize)
	for i := uint32(0); i < g.numData; i++ {
		offset := g.nextRandom().Intn(min)
		expr := &wasm.ConstantExpression{
			Opcode: wasm.OpcodeI32Const,
			Data:   leb128.EncodeInt32(int32(offset)),
		}

		init := make([]byte, g.nextRandom().Intn(min-offset+1))
		if len(init) == 0 {
			continue
		}
		if _, err := g.nextRandom().Read(init); err != nil {
			panic(err)
		}

		g.m.DataSection = append(g.m.DataSection, &wasm.DataSegment{
			OffsetExpression: expr,
			Init:             init,
		})
	}
}
