package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spwasm/spwasm/internal/leb128"
	"github.com/spwasm/spwasm/internal/wasm"
)

// maximumLocals bounds the declared locals of one function, so a tiny binary cannot request a huge frame.
const maximumLocals = 50000

func decodeCode(r *bytes.Reader) (*wasm.Code, error) {
	ss, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of code: %w", err)
	}
	if int64(ss) > int64(r.Len()) {
		return nil, fmt.Errorf("code size %d exceeds the remaining %d bytes", ss, r.Len())
	}

	body := make([]byte, ss)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read code: %w", err)
	}
	cr := bytes.NewReader(body)

	// parse locals
	ls, _, err := leb128.DecodeUint32(cr)
	if err != nil {
		return nil, fmt.Errorf("get the size locals: %v", err)
	}

	var localTypes []wasm.ValueType
	var sum uint64
	for i := uint32(0); i < ls; i++ {
		n, _, err := leb128.DecodeUint32(cr)
		if err != nil {
			return nil, fmt.Errorf("read n of locals: %v", err)
		}
		sum += uint64(n)
		if sum > maximumLocals {
			return nil, fmt.Errorf("too many locals: %d > %d", sum, maximumLocals)
		}

		vt, err := cr.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read type of local: %v", err)
		}
		if err = checkValueType(vt); err != nil {
			return nil, fmt.Errorf("invalid local type: %#x", vt)
		}
		for j := uint32(0); j < n; j++ {
			localTypes = append(localTypes, vt)
		}
	}

	body = body[offsetOf(cr):]
	if len(body) == 0 || body[len(body)-1] != wasm.OpcodeEnd {
		return nil, fmt.Errorf("expr not end with OpcodeEnd")
	}

	return &wasm.Code{Body: body, LocalTypes: localTypes}, nil
}

// encodeCode returns the wasm.Code encoded in WebAssembly 1.0 (20191205) Binary Format. Runs of the same local
// type are grouped.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
func encodeCode(c *wasm.Code) []byte {
	var groups []byte
	var count uint32
	for i := 0; i < len(c.LocalTypes); {
		j := i
		for j < len(c.LocalTypes) && c.LocalTypes[j] == c.LocalTypes[i] {
			j++
		}
		groups = append(groups, leb128.EncodeUint32(uint32(j-i))...)
		groups = append(groups, c.LocalTypes[i])
		count++
		i = j
	}
	code := append(leb128.EncodeUint32(count), groups...)
	code = append(code, c.Body...)
	return encodeSizePrefixed(code)
}
