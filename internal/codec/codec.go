// Package codec serializes and optionally compresses accumulator values
// in flight between work tasks and the reducer.
//
// Serialization is msgpack, prefixed with a version byte so the envelope
// is self-describing even once compression is stripped away.
// Compression is LZ4 frame format at a caller-chosen level; Decompress
// is a no-op passthrough when its input doesn't start with the LZ4 frame
// magic number, which lets compressed and raw envelopes coexist on the
// same channel during partial migrations (spec: mixed compressed/raw
// streams).
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// envelopeVersion is bumped if the msgpack envelope layout changes.
const envelopeVersion byte = 1

// lz4Magic is the little-endian magic number at the start of every LZ4
// frame (github.com/pierrec/lz4/v4 writes frames, not blocks).
var lz4Magic = [4]byte{0x04, 0x22, 0x4D, 0x18}

// Level selects an LZ4 compression level. Nil means "don't compress".
type Level = lz4.CompressionLevel

// Levels re-exported for callers that don't want to import pierrec/lz4
// directly.
const (
	LevelFast  Level = lz4.Fast
	LevelSmall Level = lz4.Level9
)

// Encode serializes v into a versioned msgpack envelope, compressing it
// with LZ4 at level when level is non-nil.
func Encode(v any, level *Level) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	envelope := make([]byte, 1+len(payload))
	envelope[0] = envelopeVersion
	copy(envelope[1:], payload)

	if level == nil {
		return envelope, nil
	}
	return compress(envelope, *level)
}

// Decode reverses Encode, decompressing first if data looks like an LZ4
// frame, then unmarshaling the envelope into out.
func Decode(data []byte, out any) error {
	raw, err := Decompress(data)
	if err != nil {
		return fmt.Errorf("codec: decompress: %w", err)
	}
	if len(raw) == 0 || raw[0] != envelopeVersion {
		return fmt.Errorf("codec: unrecognized envelope version %v", raw)
	}
	if err := msgpack.Unmarshal(raw[1:], out); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// Compress LZ4-compresses an already-serialized blob at the given level,
// without round-tripping through msgpack (spec §4.1).
func Compress(blob []byte, level Level) ([]byte, error) {
	return compress(blob, level)
}

func compress(blob []byte, level Level) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("codec: apply level: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. If data does not start with the LZ4
// frame magic number it is returned unchanged (pass-through).
func Decompress(data []byte) ([]byte, error) {
	if !looksCompressed(data) {
		return data, nil
	}
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return out, nil
}

func looksCompressed(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return data[0] == lz4Magic[0] && data[1] == lz4Magic[1] && data[2] == lz4Magic[2] && data[3] == lz4Magic[3]
}
