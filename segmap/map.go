package segmap

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/offheapdb/segmap/internal/entrycodec"
	"github.com/offheapdb/segmap/internal/layout"
	"github.com/offheapdb/segmap/internal/mmapfile"
	"github.com/offheapdb/segmap/internal/probeindex"
	"github.com/offheapdb/segmap/internal/seglock"
	"github.com/offheapdb/segmap/segment"
)

const (
	fileMagic   uint64 = 0x7365676d61700001 // "segmap" + version 1, arbitrary but stable
	magicOffset        = 0
	versionOffset      = 8
	numSegOffset       = 16
)

// Map is a shared, persistent, off-heap hash map backed by a memory-mapped
// file. It partitions the file into fixed-layout segments (see
// internal/layout) and dispatches every operation to the segment a key's
// hash resolves to, leaving locking, allocation, and entry framing to the
// segment package.
type Map[K comparable, V any] struct {
	file     *mmapfile.File
	layout   layout.FileLayout
	segments []*segment.Segment[K, V]

	hasher   Hasher
	keyCodec KeyCodec[K]
	valCodec ValueCodec[V]

	loads loadGroup[K, V]
}

// Open opens (creating if necessary) the map backed by the file at path,
// sized and laid out per opts. keyCodec and valCodec describe how K and V
// serialize into entry bytes; most callers reach for one of the codecs in
// codec.go (StringCodec, BytesCodec, Int64Codec, Uint64Codec) or supply
// their own.
func Open[K comparable, V any](
	path string,
	keyCodec KeyCodec[K],
	valCodec ValueCodec[V],
	opts ...Option,
) (*Map[K, V], error) {
	t := defaultTunables()
	for _, opt := range opts {
		opt(&t)
	}
	if t.hasher == nil {
		t.hasher = xxHasher{}
	}

	capacity := nextPowerOfTwo(t.entriesPerSegment * 2)
	keyBits, valBits := indexWordBits(t.chunksPerSegment, capacity)
	slotByteSize := probeindex.SlotByteSize(keyBits, valBits)

	geo := layout.NewGeometry(t.chunkSize, t.chunksPerSegment, capacity, slotByteSize)
	fl := layout.NewFileLayout(geo, t.actualSegments)

	mf, err := mmapfile.Open(path, fl.TotalSize())
	if err != nil {
		return nil, fmt.Errorf("segmap: open %s: %w", path, err)
	}

	hdr := mf.Bytes()[:layout.GlobalHeaderSize]
	if binary.LittleEndian.Uint64(hdr[magicOffset:]) != fileMagic {
		binary.LittleEndian.PutUint64(hdr[magicOffset:], fileMagic)
		binary.LittleEndian.PutUint32(hdr[versionOffset:], 1)
		binary.LittleEndian.PutUint32(hdr[numSegOffset:], uint32(t.actualSegments))
	}

	codec := &entrycodec.Layout{
		MetaDataBytes:    t.metaDataBytes,
		KeySizeMarshal:   t.sizeMarshal.marshaller(),
		ValueSizeMarshal: t.sizeMarshal.marshaller(),
		Alignment:        t.alignment,
		ChunkSize:        t.chunkSize,
		ConstantlySized:  t.constantlySized,
		WorstAlignment:   t.worstAlignment,
	}

	lockTimeout := time.Duration(t.lockTimeoutNanos)
	var lockTimeoutListener seglock.TimeoutListener
	if t.lockTimeoutListener != nil {
		listener := t.lockTimeoutListener
		lockTimeoutListener = func(level seglock.Level) { listener(level.String()) }
	}

	segments := make([]*segment.Segment[K, V], t.actualSegments)
	for i := 0; i < t.actualSegments; i++ {
		start := fl.SegmentOffset(i)
		mapped := mf.Bytes()[start : start+int64(geo.SegmentSize)]
		wq := &seglock.WaitQueue{}
		segments[i] = segment.New[K, V](mapped, geo, keyBits, valBits, codec, t.maxChunksPerEntry, keyCodec, valCodec, wq, lockTimeout, lockTimeoutListener)
	}

	return &Map[K, V]{
		file:     mf,
		layout:   fl,
		segments: segments,
		hasher:   t.hasher,
		keyCodec: keyCodec,
		valCodec: valCodec,
	}, nil
}

// indexWordBits picks the key/value bit widths for the packed hash index:
// enough key bits to keep the all-zero-reserved partial hash collision
// rate low, and enough value bits to address every chunk position.
func indexWordBits(chunksPerSegment, capacity int) (keyBits, valBits uint) {
	valBits = bitsFor(chunksPerSegment - 1)
	keyBits = bitsFor(capacity - 1)
	if keyBits < 16 {
		keyBits = 16
	}
	if keyBits+valBits > 64 {
		keyBits = 64 - valBits
	}
	return keyBits, valBits
}

func bitsFor(n int) uint {
	if n <= 0 {
		return 1
	}
	var b uint
	for (1 << b) <= n {
		b++
	}
	return b
}

func (m *Map[K, V]) segmentFor(hash uint64) *segment.Segment[K, V] {
	return m.segments[hash%uint64(len(m.segments))]
}

func (m *Map[K, V]) hashOf(key K) uint64 {
	return hashOf(m.hasher, m.keyCodec, key)
}

// Put inserts or overwrites the value for key.
func (m *Map[K, V]) Put(key K, value V) error {
	h := m.hashOf(key)
	return m.segmentFor(h).Put(context.Background(), h, key, value)
}

// Get looks up key.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	h := m.hashOf(key)
	return m.segmentFor(h).Get(context.Background(), h, key)
}

// Remove deletes key's entry, if any.
func (m *Map[K, V]) Remove(key K) (bool, error) {
	h := m.hashOf(key)
	return m.segmentFor(h).Remove(context.Background(), h, key)
}

// ContainsKey reports whether key exists.
func (m *Map[K, V]) ContainsKey(key K) (bool, error) {
	h := m.hashOf(key)
	return m.segmentFor(h).ContainsKey(context.Background(), h, key)
}

// Replace overwrites the value for key only if it already exists.
func (m *Map[K, V]) Replace(key K, value V) (bool, error) {
	h := m.hashOf(key)
	return m.segmentFor(h).Replace(context.Background(), h, key, value)
}

// Clear removes every entry in every segment.
func (m *Map[K, V]) Clear() error {
	for _, seg := range m.segments {
		if err := seg.Clear(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the total live entry count across every segment.
func (m *Map[K, V]) Size() int64 {
	var total int64
	for _, seg := range m.segments {
		total += seg.Size()
	}
	return total
}

// Segments returns the number of segments the map is partitioned into, for
// diagnostics (see cmd/segmapctl).
func (m *Map[K, V]) Segments() int { return len(m.segments) }

// SegmentStats reports one segment's occupancy, for diagnostics.
type SegmentStats struct {
	Index          int
	Entries        int64
	Deleted        int64
	HashCapacity   int
	ChunksTotal    int
	ChunksOccupied int
	Contended      uint64
}

// StatsFor returns occupancy diagnostics for segment i.
func (m *Map[K, V]) StatsFor(i int) SegmentStats {
	seg := m.segments[i]
	return SegmentStats{
		Index:          i,
		Entries:        seg.Size(),
		Deleted:        seg.DeletedCount(),
		HashCapacity:   seg.Capacity(),
		ChunksTotal:    seg.ChunksTotal(),
		ChunksOccupied: seg.ChunksOccupied(),
		Contended:      seg.ContentionCount(),
	}
}

// GetOrLoad returns key's value if present; otherwise it calls load and
// Puts the result, coalescing concurrent misses for the same key into a
// single load call (see oncegroup.go).
func (m *Map[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, found, err := m.Get(key); err != nil {
		var zero V
		return zero, err
	} else if found {
		return v, nil
	}

	v, err, _ := m.loads.do(key, func() (V, error) {
		if v, found, err := m.Get(key); err != nil {
			var zero V
			return zero, err
		} else if found {
			return v, nil
		}
		v, err := load()
		if err != nil {
			var zero V
			return zero, err
		}
		if err := m.Put(key, v); err != nil {
			var zero V
			return zero, err
		}
		return v, nil
	})
	return v, err
}

// Compute applies ops against key's existing entry (or absence thereof)
// under a single write-locked pass, matching spec.md §6's entryOperations
// consumed interface. The find-then-mutate work happens inside one
// segment.Segment.Compute call so no concurrent writer can observe or
// change the entry in between.
func (m *Map[K, V]) Compute(key K, ops segment.EntryOps[V]) error {
	h := m.hashOf(key)
	seg := m.segmentFor(h)
	return seg.Compute(context.Background(), h, key, ops)
}

// ForEachRemoving scans every segment under its update lock, invoking fn
// for each entry; fn may call View.ReplaceValue or View.Remove. If fn
// returns false, the scan of the current segment stops and the scan goes
// on with the next segment; the remaining segments are still visited.
func (m *Map[K, V]) ForEachRemoving(fn func(*segment.View[K, V]) bool) error {
	for _, seg := range m.segments {
		ctx, err := seg.OpenContext()
		if err != nil {
			return err
		}
		_, err = ctx.ScanRemoving(context.Background(), fn)
		closeErr := ctx.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// Close flushes and unmaps the backing file.
func (m *Map[K, V]) Close() error {
	if err := m.file.Sync(); err != nil {
		return err
	}
	return m.file.Close()
}
