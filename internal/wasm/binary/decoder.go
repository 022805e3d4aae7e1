package binary

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/leb128"
	"github.com/spwasm/spwasm/internal/wasm"
)

// DecodeModule decodes a module in the WebAssembly 1.0 (20191205) Binary Format. The result is not validated: see
// wasm.Module Validate.
//
// Any failure is returned as *api.DecodeError and no partial module is returned.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func DecodeModule(binary []byte) (*wasm.Module, error) {
	r := bytes.NewReader(binary)

	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, Magic) {
		return nil, &api.DecodeError{Section: "header", Offset: 0, Err: ErrInvalidMagicNumber}
	}
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, &api.DecodeError{Section: "header", Offset: 4, Err: ErrInvalidVersion}
	}

	m := &wasm.Module{}
	var lastID wasm.SectionID
	for {
		sectionStart := offsetOf(r)
		sectionID, err := r.ReadByte()
		if err == io.EOF {
			break
		}

		sectionSize, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, decodeError(sectionID, sectionStart, fmt.Errorf("get size of section: %w", err))
		}
		contentStart := offsetOf(r)
		if int64(sectionSize) > int64(r.Len()) {
			return nil, decodeError(sectionID, contentStart,
				fmt.Errorf("section size %d exceeds the remaining %d bytes", sectionSize, r.Len()))
		}
		content := binary[contentStart : contentStart+int(sectionSize)]
		_, _ = r.Seek(int64(sectionSize), io.SeekCurrent)

		if sectionID != wasm.SectionIDCustom {
			switch {
			case sectionID > wasm.SectionIDData:
				return nil, decodeError(sectionID, sectionStart, fmt.Errorf("%w: %#x", ErrInvalidSectionID, sectionID))
			case sectionID == lastID:
				return nil, decodeError(sectionID, sectionStart, fmt.Errorf("redundant %s section", wasm.SectionIDName(sectionID)))
			case sectionID < lastID:
				return nil, decodeError(sectionID, sectionStart, fmt.Errorf("%s section must not follow %s section",
					wasm.SectionIDName(sectionID), wasm.SectionIDName(lastID)))
			}
			lastID = sectionID
		}

		sr := bytes.NewReader(content)
		err = decodeSection(m, sectionID, sr)
		if err == nil && sr.Len() != 0 {
			err = fmt.Errorf("invalid section length: expected to be %d but got %d", sectionSize, int(sectionSize)-sr.Len())
		}
		if err != nil {
			return nil, decodeError(sectionID, contentStart+offsetOf(sr), err)
		}
	}

	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, decodeError(wasm.SectionIDCode, len(binary), fmt.Errorf(
			"function and code section have inconsistent lengths: %d != %d", len(m.FunctionSection), len(m.CodeSection)))
	}
	m.ID = sha256.Sum256(binary)
	return m, nil
}

func decodeSection(m *wasm.Module, sectionID wasm.SectionID, r *bytes.Reader) (err error) {
	switch sectionID {
	case wasm.SectionIDCustom:
		// Custom sections, including the name section, carry nothing the engine uses.
		if _, _, err = decodeUTF8(r, "custom section name"); err == nil {
			_, _ = r.Seek(0, io.SeekEnd)
		}
	case wasm.SectionIDType:
		m.TypeSection, err = decodeTypeSection(r)
	case wasm.SectionIDImport:
		m.ImportSection, err = decodeImportSection(r)
	case wasm.SectionIDFunction:
		m.FunctionSection, err = decodeFunctionSection(r)
	case wasm.SectionIDTable:
		m.TableSection, err = decodeTableSection(r)
	case wasm.SectionIDMemory:
		m.MemorySection, err = decodeMemorySection(r)
	case wasm.SectionIDGlobal:
		m.GlobalSection, err = decodeGlobalSection(r)
	case wasm.SectionIDExport:
		m.ExportSection, err = decodeExportSection(r)
	case wasm.SectionIDStart:
		m.StartSection, err = decodeStartSection(r)
	case wasm.SectionIDElement:
		m.ElementSection, err = decodeElementSection(r)
	case wasm.SectionIDCode:
		m.CodeSection, err = decodeCodeSection(r)
	case wasm.SectionIDData:
		m.DataSection, err = decodeDataSection(r)
	}
	return
}

func decodeError(sectionID wasm.SectionID, offset int, err error) error {
	return &api.DecodeError{Section: wasm.SectionIDName(sectionID), Offset: offset, Err: err}
}

func offsetOf(r *bytes.Reader) int {
	return int(r.Size()) - r.Len()
}
