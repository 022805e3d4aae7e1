package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spwasm/spwasm/internal/leb128"
	"github.com/spwasm/spwasm/internal/wasm"
)

func decodeDataSegment(r *bytes.Reader) (*wasm.DataSegment, error) {
	d, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read memory index: %v", err)
	}

	if d != 0 {
		return nil, fmt.Errorf("invalid memory index: %d", d)
	}

	expr, err := decodeConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("read offset expression: %v", err)
	}

	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of vector: %v", err)
	}
	if int64(vs) > int64(r.Len()) {
		return nil, fmt.Errorf("read bytes for init: %v", io.ErrUnexpectedEOF)
	}

	b := make([]byte, vs)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read bytes for init: %v", err)
	}

	return &wasm.DataSegment{
		MemoryIndex:      d,
		OffsetExpression: expr,
		Init:             b,
	}, nil
}

func encodeDataSegment(d *wasm.DataSegment) []byte {
	ret := leb128.EncodeUint32(d.MemoryIndex)
	ret = append(ret, encodeConstantExpression(d.OffsetExpression)...)
	return append(ret, encodeSizePrefixed(d.Init)...)
}
