package segmap

import (
	"encoding/binary"

	"github.com/offheapdb/segmap/segment"
)

// KeyCodec and ValueCodec re-export segment's codec interfaces at the
// façade so callers implementing a custom codec don't need to import the
// internal-ish segment package directly.
type KeyCodec[K comparable] = segment.KeyCodec[K]
type ValueCodec[V any] = segment.ValueCodec[V]

// StringCodec encodes a string as its raw UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) Encode(s string) []byte { return []byte(s) }
func (StringCodec) Decode(raw []byte) string {
	b := make([]byte, len(raw))
	copy(b, raw)
	return string(b)
}

// BytesCodec encodes a []byte as itself, copying on Decode since raw may
// be a zero-copy view into the mapped file that must not outlive the
// caller's lock.
type BytesCodec struct{}

func (BytesCodec) Encode(b []byte) []byte { return b }
func (BytesCodec) Decode(raw []byte) []byte {
	b := make([]byte, len(raw))
	copy(b, raw)
	return b
}

// Int64Codec encodes an int64 as 8 little-endian bytes.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}
func (Int64Codec) Decode(raw []byte) int64 { return int64(binary.LittleEndian.Uint64(raw)) }

// Uint64Codec encodes a uint64 as 8 little-endian bytes.
type Uint64Codec struct{}

func (Uint64Codec) Encode(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}
func (Uint64Codec) Decode(raw []byte) uint64 { return binary.LittleEndian.Uint64(raw) }
