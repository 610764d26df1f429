package entrycodec

import (
	"bytes"
	"testing"
)

func testLayout(constLen bool) *Layout {
	return &Layout{
		MetaDataBytes:    1,
		KeySizeMarshal:   Uint32Marshaller{},
		ValueSizeMarshal: Uint32Marshaller{},
		Alignment:        8,
		ChunkSize:        16,
		ConstantlySized:  constLen,
		WorstAlignment:   8,
	}
}

func TestRoundTrip(t *testing.T) {
	l := testLayout(false)
	key := []byte("hello-key")
	value := []byte("the-value-bytes")

	size := l.EntrySize(len(key), len(value))
	buf := make([]byte, size)
	buf[0] = 0xAB // meta byte, owned by the caller

	valOff := l.WriteHeader(buf, key, len(value))
	copy(buf[valOff:], value)

	hdr, err := l.ReadHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.KeySize != len(key) {
		t.Fatalf("KeySize = %d, want %d", hdr.KeySize, len(key))
	}
	if !bytes.Equal(buf[hdr.KeyOffset:hdr.KeyOffset+hdr.KeySize], key) {
		t.Fatalf("key bytes mismatch")
	}
	if hdr.ValueSize != len(value) {
		t.Fatalf("ValueSize = %d, want %d", hdr.ValueSize, len(value))
	}
	if hdr.ValueOffset != valOff {
		t.Fatalf("ValueOffset = %d, want %d", hdr.ValueOffset, valOff)
	}
	if !bytes.Equal(buf[hdr.ValueOffset:hdr.ValueOffset+hdr.ValueSize], value) {
		t.Fatalf("value bytes mismatch")
	}
}

func TestEntryChunksCeil(t *testing.T) {
	l := testLayout(true)
	for _, tc := range []struct{ k, v, wantChunks int }{
		{1, 1, 2},
		{1, 100, 8},
	} {
		size := l.EntrySize(tc.k, tc.v)
		chunks := l.EntryChunks(tc.k, tc.v)
		wantChunks := (size + l.ChunkSize - 1) / l.ChunkSize
		if chunks != wantChunks {
			t.Fatalf("k=%d v=%d: chunks=%d want=%d", tc.k, tc.v, chunks, wantChunks)
		}
	}
}

func TestValueOffsetAligned(t *testing.T) {
	l := testLayout(true)
	off := l.ValueOffsetInEntry(3, 10)
	if off%l.Alignment != 0 {
		t.Fatalf("value offset %d not aligned to %d", off, l.Alignment)
	}
}

func TestVarintMarshallerRoundTrip(t *testing.T) {
	m := VarintMarshaller{}
	for _, n := range []int{0, 1, 127, 128, 300, 1 << 20} {
		sz := m.SizeEncodingSize(n)
		buf := make([]byte, sz)
		m.WriteSize(buf, n)
		got, consumed := m.ReadSize(buf)
		if got != n || consumed != sz {
			t.Fatalf("n=%d: got=%d consumed=%d want consumed=%d", n, got, consumed, sz)
		}
	}
}
