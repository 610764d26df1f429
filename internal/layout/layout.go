// Package layout computes the fixed byte geometry of the mapped file: the
// global header, and within each segment the header, hash table, free-list
// bitset, and entry space, all aligned the way the teacher aligns its
// padded fields (64-byte cache-line boundaries via internal/opt's
// CacheLineSize_).
package layout

import "github.com/offheapdb/segmap/internal/opt"

const cacheLine = int(opt.CacheLineSize_)

// SegmentHeaderSize is the fixed width of one segment's header: the 64-bit
// lock word, a live-entry count, a deleted counter, and a bitset search
// hint, padded out to one cache line so no two segments' headers share an
// L1 cache line (the same false-sharing concern internal/opt's padding
// variants address for in-process structures, here applied across
// processes sharing the mapping).
const SegmentHeaderSize = 64

// Header field byte offsets within a segment header.
const (
	LockWordOffset             = 0
	EntriesOffset              = 8
	DeletedOffset              = 16
	NextPosToSearchFromOffset  = 24
)

// GlobalHeaderSize is the fixed width of the file's leading global header:
// a magic/version tag and the segment count, with the rest left as spare
// bytes. The tunables are not stored here; a file must be reopened with
// the same options it was created with.
const GlobalHeaderSize = 128

// Geometry is the computed byte layout for one segment, given its table
// capacity and slot width (owned by internal/probeindex) and its chunk
// count and size (owned by internal/chunkset and internal/entrycodec).
type Geometry struct {
	ChunkSize        int
	ChunksPerSegment int
	Capacity         int // hash table slot count
	SlotByteSize     int

	HashTableOffset int
	HashTableSize   int
	BitsetOffset    int
	BitsetSize      int
	EntrySpaceOffset int
	EntrySpaceSize   int

	SegmentSize int
}

func alignUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// NewGeometry computes a segment's internal layout from its table and
// chunk parameters.
func NewGeometry(chunkSize, chunksPerSegment, capacity, slotByteSize int) Geometry {
	g := Geometry{
		ChunkSize:        chunkSize,
		ChunksPerSegment: chunksPerSegment,
		Capacity:         capacity,
		SlotByteSize:     slotByteSize,
	}

	g.HashTableOffset = alignUp(SegmentHeaderSize, cacheLine)
	g.HashTableSize = capacity * slotByteSize

	g.BitsetOffset = alignUp(g.HashTableOffset+g.HashTableSize, cacheLine)
	g.BitsetSize = (chunksPerSegment + 7) / 8

	g.EntrySpaceOffset = alignUp(g.BitsetOffset+g.BitsetSize, cacheLine)
	g.EntrySpaceSize = chunksPerSegment * chunkSize

	g.SegmentSize = roundSegmentSize(g.EntrySpaceOffset + g.EntrySpaceSize)
	return g
}

// roundSegmentSize pads size up until (size & 4093) >= 64, spacing segment
// boundaries off of the repeating offsets that would otherwise put every
// segment's header on the same L1 cache set, while keeping the result a
// multiple of 8: segment i's base is GlobalHeaderSize + i*SegmentSize, and
// that address is where segment i's 64-bit lock word (LockWordOffset=0)
// lives, loaded and stored with sync/atomic — an unaligned SegmentSize
// would misalign every segment after the first.
func roundSegmentSize(size int) int {
	size = alignUp(size, 8)
	for size&4093 < 64 {
		size += 8
	}
	return size
}

// FileLayout is the whole-file geometry: the global header followed by N
// fixed-size segments.
type FileLayout struct {
	Segment     Geometry
	NumSegments int
}

// NewFileLayout wraps a segment Geometry with a segment count to compute
// whole-file offsets.
func NewFileLayout(seg Geometry, numSegments int) FileLayout {
	return FileLayout{Segment: seg, NumSegments: numSegments}
}

// TotalSize is the number of bytes the backing file must hold.
func (f FileLayout) TotalSize() int64 {
	return int64(GlobalHeaderSize) + int64(f.NumSegments)*int64(f.Segment.SegmentSize)
}

// SegmentOffset is the byte address, inside the mapping, of segment i.
func (f FileLayout) SegmentOffset(i int) int64 {
	return int64(GlobalHeaderSize) + int64(i)*int64(f.Segment.SegmentSize)
}

// SegmentHeaderOffset is the byte address of segment i's header, identical
// to SegmentOffset since the header sits at the very start of a segment.
func (f FileLayout) SegmentHeaderOffset(i int) int64 {
	return f.SegmentOffset(i)
}

// HashTableOffset is the byte address of segment i's hash table.
func (f FileLayout) HashTableOffset(i int) int64 {
	return f.SegmentOffset(i) + int64(f.Segment.HashTableOffset)
}

// BitsetOffset is the byte address of segment i's free-list bitset.
func (f FileLayout) BitsetOffset(i int) int64 {
	return f.SegmentOffset(i) + int64(f.Segment.BitsetOffset)
}

// EntrySpaceOffset is the byte address of segment i's entry space.
func (f FileLayout) EntrySpaceOffset(i int) int64 {
	return f.SegmentOffset(i) + int64(f.Segment.EntrySpaceOffset)
}
