package binary

import (
	"github.com/spwasm/spwasm/internal/leb128"
	"github.com/spwasm/spwasm/internal/wasm"
)

// EncodeModule encodes the module in the WebAssembly 1.0 (20191205) Binary Format. Empty sections are omitted and
// the output only depends on m, so encoding the same module twice produces identical bytes.
//
// Note: If saving to a file, the conventional extension is wasm
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func EncodeModule(m *wasm.Module) (bytes []byte) {
	bytes = append(append([]byte{}, Magic...), version...)
	if len(m.TypeSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDType, len(m.TypeSection), func(i int) []byte {
			return encodeFunctionType(m.TypeSection[i])
		})...)
	}
	if len(m.ImportSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDImport, len(m.ImportSection), func(i int) []byte {
			return encodeImport(m.ImportSection[i])
		})...)
	}
	if len(m.FunctionSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDFunction, len(m.FunctionSection), func(i int) []byte {
			return leb128.EncodeUint32(m.FunctionSection[i])
		})...)
	}
	if len(m.TableSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDTable, len(m.TableSection), func(i int) []byte {
			return encodeTableType(m.TableSection[i])
		})...)
	}
	if len(m.MemorySection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDMemory, len(m.MemorySection), func(i int) []byte {
			return encodeMemoryType(m.MemorySection[i])
		})...)
	}
	if len(m.GlobalSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDGlobal, len(m.GlobalSection), func(i int) []byte {
			return encodeGlobal(m.GlobalSection[i])
		})...)
	}
	if len(m.ExportSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDExport, len(m.ExportSection), func(i int) []byte {
			return encodeExport(m.ExportSection[i])
		})...)
	}
	if m.StartSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDStart, leb128.EncodeUint32(*m.StartSection))...)
	}
	if len(m.ElementSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDElement, len(m.ElementSection), func(i int) []byte {
			return encodeElement(m.ElementSection[i])
		})...)
	}
	if len(m.CodeSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDCode, len(m.CodeSection), func(i int) []byte {
			return encodeCode(m.CodeSection[i])
		})...)
	}
	if len(m.DataSection) > 0 {
		bytes = append(bytes, encodeVectorSection(wasm.SectionIDData, len(m.DataSection), func(i int) []byte {
			return encodeDataSegment(m.DataSection[i])
		})...)
	}
	return
}
