// Package leb128 encodes and decodes the LEB128 variable-length integers used by the WebAssembly binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A4
package leb128

import (
	"errors"
	"io"
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format
func EncodeInt64(value int64) (buf []byte) {
	for {
		b := uint8(value & 0x7f)
		s := uint8(value & 0x40)
		value >>= 7
		if (value != -1 || s == 0) && (value != 0 || s != 0) {
			buf = append(buf, b|0x80)
		} else {
			buf = append(buf, b)
			break
		}
	}
	return
}

// EncodeUint32 encodes the value into a buffer in LEB128 format
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format
func EncodeUint64(value uint64) (buf []byte) {
	for {
		b := uint8(value & 0x7f)
		value >>= 7
		if value != 0 {
			buf = append(buf, b|0x80)
		} else {
			buf = append(buf, b)
			break
		}
	}
	return
}

// LoadUint32 decodes a varuint32 from the head of buf, returning the value and how many bytes it consumed.
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	for shift := uint(0); ; shift += 7 {
		if bytesRead >= uint64(len(buf)) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := buf[bytesRead]
		bytesRead++
		if shift == 28 && b&0xf0 != 0 {
			return 0, 0, errOverflow32
		}
		ret |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return
		}
	}
}

// LoadUint64 decodes a varuint64 from the head of buf.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	for shift := uint(0); ; shift += 7 {
		if bytesRead >= uint64(len(buf)) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := buf[bytesRead]
		bytesRead++
		if shift == 63 && b&0xfe != 0 {
			return 0, 0, errOverflow64
		}
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return
		}
	}
}

// LoadInt32 decodes a varint32 from the head of buf.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for {
		if bytesRead >= uint64(len(buf)) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b = buf[bytesRead]
		bytesRead++
		if shift == 28 {
			// The fifth byte holds the last four bits; the rest must be sign extension.
			if s := b & 0xf8; s != 0 && s != 0x78 {
				return 0, 0, errOverflow32
			}
		}
		ret |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 32 && b&0x40 != 0 {
		ret |= ^int32(0) << shift
	}
	return
}

// LoadInt33AsInt64 decodes the signed 33-bit integer used by block types.
func LoadInt33AsInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for {
		if bytesRead >= uint64(len(buf)) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b = buf[bytesRead]
		bytesRead++
		if shift == 28 {
			if s := b & 0xf0; s != 0 && s != 0x70 {
				return 0, 0, errOverflow33
			}
		}
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if b&0x40 != 0 {
		ret |= ^int64(0) << shift
	}
	return
}

// LoadInt64 decodes a varint64 from the head of buf.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for {
		if bytesRead >= uint64(len(buf)) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b = buf[bytesRead]
		bytesRead++
		if shift == 63 {
			if s := b & 0xff; s != 0 && s != 0x7f {
				return 0, 0, errOverflow64
			}
		}
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		ret |= ^int64(0) << shift
	}
	return
}

// DecodeUint32 reads a varuint32 from r, returning the value and how many bytes it consumed.
func DecodeUint32(r io.ByteReader) (ret uint32, bytesRead uint64, err error) {
	for shift := uint(0); ; shift += 7 {
		b, err := readByte(r)
		if err != nil {
			return 0, 0, err
		}
		bytesRead++
		if shift == 28 && b&0xf0 != 0 {
			return 0, 0, errOverflow32
		}
		ret |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, bytesRead, nil
		}
	}
}

// DecodeUint64 reads a varuint64 from r.
func DecodeUint64(r io.ByteReader) (ret uint64, bytesRead uint64, err error) {
	for shift := uint(0); ; shift += 7 {
		b, err := readByte(r)
		if err != nil {
			return 0, 0, err
		}
		bytesRead++
		if shift == 63 && b&0xfe != 0 {
			return 0, 0, errOverflow64
		}
		ret |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return ret, bytesRead, nil
		}
	}
}

// DecodeInt32 reads a varint32 from r.
func DecodeInt32(r io.ByteReader) (ret int32, bytesRead uint64, err error) {
	buf, err := readVarint(r, 5)
	if err != nil {
		return 0, 0, err
	}
	return LoadInt32(buf)
}

// DecodeInt64 reads a varint64 from r.
func DecodeInt64(r io.ByteReader) (ret int64, bytesRead uint64, err error) {
	buf, err := readVarint(r, 10)
	if err != nil {
		return 0, 0, err
	}
	return LoadInt64(buf)
}

// readVarint reads the bytes of one LEB128 value, failing when it is longer than maxLen.
func readVarint(r io.ByteReader, maxLen int) ([]byte, error) {
	buf := make([]byte, 0, maxLen)
	for {
		b, err := readByte(r)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			return buf, nil
		}
		if len(buf) == maxLen {
			if maxLen == 5 {
				return nil, errOverflow32
			}
			return nil, errOverflow64
		}
	}
}

func readByte(r io.ByteReader) (byte, error) {
	b, err := r.ReadByte()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return b, err
}
