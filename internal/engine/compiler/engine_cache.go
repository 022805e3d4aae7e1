package compiler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/spwasm/spwasm/api"
	"github.com/spwasm/spwasm/internal/version"
	"github.com/spwasm/spwasm/internal/wasm"
	binaryformat "github.com/spwasm/spwasm/internal/wasm/binary"
)

var artifactMagic = []byte("SPWASM")

// IsArtifact reports whether data starts with the artifact magic. It doesn't validate anything else.
func IsArtifact(data []byte) bool {
	return bytes.HasPrefix(data, artifactMagic)
}

const (
	// flagZstd marks a zstd compressed payload.
	flagZstd   byte = 1 << iota
	knownFlags      = flagZstd
)

// maxPayloadSize bounds the decompressed payload of an artifact, so that a small corrupt or hostile artifact can't
// exhaust memory.
var maxPayloadSize uint64 = 1 << 30

const (
	// functionRecordSize is the minimum encoded size of a FunctionRecord, used to bound allocations.
	functionRecordSize = 4 + 8 + 8 + 4 + 4
	relocationSize     = 4 + 4
)

// Serialize encodes cm into an artifact, optionally compressing the payload.
func (e *Engine) Serialize(cm *CompiledModule, compress bool) ([]byte, error) {
	start := time.Now()
	ret, err := serializeCompiledModule(version.GetVersion(), cm, compress)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("serialized module",
		zap.Int("functions", len(cm.Functions)),
		zap.Int("bytes", len(ret)),
		zap.Bool("compressed", compress),
		zap.Duration("duration", time.Since(start)))
	return ret, nil
}

// Deserialize restores a module serialized by the same version of this engine. Any failure is *api.ArtifactError,
// with Stale set when the artifact is intact but was produced by another version or for another target.
func (e *Engine) Deserialize(data []byte) (*CompiledModule, error) {
	start := time.Now()
	cm, err := deserializeCompiledModule(e.backend, version.GetVersion(), data)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("deserialized module",
		zap.Int("functions", len(cm.Functions)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return cm, nil
}

// serializeCompiledModule encodes cm as follows:
//
//	"SPWASM" | u8 len, format version | u8 len, engine version | u8 len, target | u8 flags
//	| u64 payload length | payload | u64 xxhash64 of the uncompressed payload
//
// The payload is:
//
//	u32 metadata length | metadata, the module without function and code sections in the wasm binary format
//	| [32]byte module id | u32 function count
//	| per function: u32 type index, u64 entry, u64 length, u32 frame size, u32 relocation count,
//	  per relocation: u32 offset from the function entry, u32 function index
//	| u64 code length | code
func serializeCompiledModule(engineVersion string, cm *CompiledModule, compress bool) ([]byte, error) {
	payload := encodePayload(cm)
	sum := xxhash.Sum64(payload)

	var flags byte
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		_ = enc.Close()
		flags |= flagZstd
	}

	target := cm.Target()
	ret := make([]byte, 0, len(artifactMagic)+3+len(version.ArtifactFormat)+len(engineVersion)+len(target)+1+8+len(payload)+8)
	ret = append(ret, artifactMagic...)
	for _, s := range []string{version.ArtifactFormat, engineVersion, target} {
		if len(s) > 255 {
			return nil, fmt.Errorf("header field too long: %q", s)
		}
		ret = append(ret, byte(len(s)))
		ret = append(ret, s...)
	}
	ret = append(ret, flags)
	ret = binary.LittleEndian.AppendUint64(ret, uint64(len(payload)))
	ret = append(ret, payload...)
	return binary.LittleEndian.AppendUint64(ret, sum), nil
}

func encodePayload(cm *CompiledModule) []byte {
	meta := *cm.Module
	meta.FunctionSection, meta.CodeSection = nil, nil
	metadata := binaryformat.EncodeModule(&meta)

	buf := make([]byte, 0, 4+len(metadata)+32+4+len(cm.Functions)*functionRecordSize+8+len(cm.Code))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metadata)))
	buf = append(buf, metadata...)
	buf = append(buf, cm.Module.ID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cm.Functions)))
	for i := range cm.Functions {
		f := &cm.Functions[i]
		buf = binary.LittleEndian.AppendUint32(buf, f.TypeIndex)
		buf = binary.LittleEndian.AppendUint64(buf, f.Entry)
		buf = binary.LittleEndian.AppendUint64(buf, f.Length)
		buf = binary.LittleEndian.AppendUint32(buf, f.FrameSize)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Relocations)))
		for _, r := range f.Relocations {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Offset-f.Entry))
			buf = binary.LittleEndian.AppendUint32(buf, r.FunctionIndex)
		}
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(cm.Code)))
	return append(buf, cm.Code...)
}

func invalidArtifact(format string, args ...interface{}) error {
	return &api.ArtifactError{Reason: fmt.Sprintf(format, args...)}
}

func staleArtifact(format string, args ...interface{}) error {
	return &api.ArtifactError{Stale: true, Reason: fmt.Sprintf(format, args...)}
}

func deserializeCompiledModule(b *backend, engineVersion string, data []byte) (*CompiledModule, error) {
	if !bytes.HasPrefix(data, artifactMagic) {
		return nil, invalidArtifact("invalid magic number")
	}
	r := &artifactReader{buf: data[len(artifactMagic):]}

	for _, expected := range []struct{ name, value string }{
		{"format version", version.ArtifactFormat},
		{"engine version", engineVersion},
		{"target", b.target},
	} {
		actual := r.str()
		if r.err != nil {
			return nil, invalidArtifact("read %s: %v", expected.name, r.err)
		}
		if actual != expected.value {
			return nil, staleArtifact("%s mismatch: %q != %q", expected.name, actual, expected.value)
		}
	}

	flags := r.u8()
	payloadLen := r.u64()
	if r.err != nil {
		return nil, invalidArtifact("read header: %v", r.err)
	}
	if flags&^knownFlags != 0 {
		return nil, invalidArtifact("unknown flags %#x", flags)
	}
	if len(r.buf) < 8 || payloadLen != uint64(len(r.buf))-8 {
		return nil, invalidArtifact("payload length %d doesn't match the artifact size", payloadLen)
	}
	if payloadLen > maxPayloadSize {
		return nil, invalidArtifact("payload of %d bytes exceeds the limit of %d", payloadLen, maxPayloadSize)
	}
	payload := r.buf[:payloadLen]
	sum := binary.LittleEndian.Uint64(r.buf[payloadLen:])

	if flags&flagZstd != 0 {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxPayloadSize))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		dec.Close()
		if err != nil {
			return nil, invalidArtifact("decompress payload: %v", err)
		}
	} else {
		// The module must not alias the caller's buffer.
		payload = append([]byte(nil), payload...)
	}
	if actual := xxhash.Sum64(payload); actual != sum {
		return nil, invalidArtifact("checksum mismatch: %#x != %#x", actual, sum)
	}

	cm, err := decodePayload(payload)
	if err != nil {
		return nil, invalidArtifact("%v", err)
	}
	cm.backend = b
	if err = cm.verify(); err != nil {
		return nil, invalidArtifact("%v", err)
	}
	return cm, nil
}

func decodePayload(payload []byte) (*CompiledModule, error) {
	r := &artifactReader{buf: payload}
	metadata := r.bytes(uint64(r.u32()))
	id := r.bytes(32)
	if r.err != nil {
		return nil, fmt.Errorf("read metadata: %w", r.err)
	}
	m, err := binaryformat.DecodeModule(metadata)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	copy(m.ID[:], id)

	count := r.u32()
	if r.err == nil && uint64(count) > uint64(len(r.buf))/functionRecordSize {
		return nil, fmt.Errorf("function count %d exceeds the payload", count)
	}
	cm := &CompiledModule{Module: m, Functions: make([]FunctionRecord, count)}
	if count > 0 {
		m.FunctionSection = make([]wasm.Index, count)
	}
	for i := range cm.Functions {
		f := &cm.Functions[i]
		f.TypeIndex = r.u32()
		f.Entry = r.u64()
		f.Length = r.u64()
		f.FrameSize = r.u32()
		relocs := r.u32()
		if r.err != nil {
			break
		}
		if uint64(relocs) > uint64(len(r.buf))/relocationSize {
			return nil, fmt.Errorf("function[%d]: relocation count %d exceeds the payload", i, relocs)
		}
		if relocs > 0 {
			f.Relocations = make([]Relocation, relocs)
			for j := range f.Relocations {
				f.Relocations[j] = Relocation{Offset: f.Entry + uint64(r.u32()), FunctionIndex: r.u32()}
			}
		}
		m.FunctionSection[i] = f.TypeIndex
	}
	cm.Code = r.bytes(r.u64())
	if r.err != nil {
		return nil, fmt.Errorf("read functions: %w", r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(r.buf))
	}
	return cm, nil
}

// artifactReader reads little-endian fields. After the first short read, err is set and every read returns zero.
type artifactReader struct {
	buf []byte
	err error
}

func (r *artifactReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("unexpected end: need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	ret := r.buf[:n]
	r.buf = r.buf[n:]
	return ret
}

func (r *artifactReader) u8() byte {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *artifactReader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *artifactReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *artifactReader) str() string {
	return string(r.bytes(uint64(r.u8())))
}
