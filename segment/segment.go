// Package segment implements one fixed-layout partition of the map: the
// bitset allocator, packed hash index, and entry codec of a single
// memory-mapped region, combined with the lock protocol into point
// operations (Put/Get/Remove/ContainsKey/Replace/Clear/Size) and a
// goroutine-scoped iteration Context supporting in-place ReplaceValue and
// Remove during a scan.
//
// Control flow mirrors the teacher's layered composition: a Context wraps
// a seglock.Chain (itself wrapping a seglock.Word over the mapped header),
// and every mutating call walks probeindex to find a slot, entrycodec to
// read or lay out the entry bytes, and chunkset to allocate or free the
// chunks backing it.
package segment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/offheapdb/segmap/internal/chunkset"
	"github.com/offheapdb/segmap/internal/entrycodec"
	"github.com/offheapdb/segmap/internal/layout"
	"github.com/offheapdb/segmap/internal/probeindex"
	"github.com/offheapdb/segmap/internal/rtutil"
	"github.com/offheapdb/segmap/internal/seglock"
	"github.com/offheapdb/segmap/segmaperr"
)

// Segment owns one partition's slice of the mapped file: its header
// (lock word, entry count, deleted count, allocation hint), hash index,
// free-chunk bitset, and entry space.
type Segment[K comparable, V any] struct {
	header []byte // SegmentHeaderSize bytes, mapped
	lock   seglock.Word

	index   *probeindex.Index
	chunks  *chunkset.Set
	entries []byte // entry space, mapped

	codec             *entrycodec.Layout
	keyCodec          KeyCodec[K]
	valCodec          ValueCodec[V]
	maxChunksPerEntry int

	lockTimeout         time.Duration
	lockTimeoutListener seglock.TimeoutListener

	mu    sync.Mutex
	roots map[uint64]*rootEntry[K, V]
}

type rootEntry[K comparable, V any] struct {
	chain       *seglock.Chain
	openContext *Context[K, V]
}

// New wraps the mapped bytes of one segment (header, hash table, bitset,
// entry space, sliced per geometry) as a usable Segment.
func New[K comparable, V any](
	mapped []byte,
	geo layout.Geometry,
	keyBits, valBits uint,
	codec *entrycodec.Layout,
	maxChunksPerEntry int,
	keyCodec KeyCodec[K],
	valCodec ValueCodec[V],
	wq *seglock.WaitQueue,
	lockTimeout time.Duration,
	lockTimeoutListener seglock.TimeoutListener,
) *Segment[K, V] {
	header := mapped[0:layout.SegmentHeaderSize]
	hashTable := mapped[geo.HashTableOffset : geo.HashTableOffset+geo.HashTableSize]
	bitset := mapped[geo.BitsetOffset : geo.BitsetOffset+geo.BitsetSize]
	entries := mapped[geo.EntrySpaceOffset : geo.EntrySpaceOffset+geo.EntrySpaceSize]

	lockAddr := headerWord(header, layout.LockWordOffset)

	return &Segment[K, V]{
		header:              header,
		lock:                seglock.Word{Addr: lockAddr, Wait: wq},
		index:               probeindex.New(hashTable, geo.Capacity, keyBits, valBits),
		chunks:              chunkset.New(bitset, geo.ChunksPerSegment),
		entries:             entries,
		codec:               codec,
		keyCodec:            keyCodec,
		valCodec:            valCodec,
		maxChunksPerEntry:   maxChunksPerEntry,
		lockTimeout:         lockTimeout,
		lockTimeoutListener: lockTimeoutListener,
		roots:               make(map[uint64]*rootEntry[K, V]),
	}
}

func headerWord(header []byte, offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&header[offset]))
}

func (s *Segment[K, V]) entriesCount() int64 {
	return int64(atomic.LoadUint64(headerWord(s.header, layout.EntriesOffset)))
}

func (s *Segment[K, V]) addEntries(delta int64) {
	atomic.AddUint64(headerWord(s.header, layout.EntriesOffset), uint64(delta))
}

func (s *Segment[K, V]) addDeleted(delta int64) {
	atomic.AddUint64(headerWord(s.header, layout.DeletedOffset), uint64(delta))
}

func (s *Segment[K, V]) nextPosHint() int {
	return int(atomic.LoadUint64(headerWord(s.header, layout.NextPosToSearchFromOffset)))
}

func (s *Segment[K, V]) setNextPosHint(hint int) {
	atomic.StoreUint64(headerWord(s.header, layout.NextPosToSearchFromOffset), uint64(hint))
}

// Size reads the live entry count with acquire semantics, matching
// spec.md §5's "size() reads are acquire."
func (s *Segment[K, V]) Size() int64 { return s.entriesCount() }

// DeletedCount reads the segment's cumulative tombstone counter, for
// diagnostics (see cmd/segmapctl's stats command).
func (s *Segment[K, V]) DeletedCount() int64 {
	return int64(atomic.LoadUint64(headerWord(s.header, layout.DeletedOffset)))
}

// Capacity returns the hash table's slot count.
func (s *Segment[K, V]) Capacity() int { return s.index.Capacity() }

// ChunksTotal returns the number of allocation chunks in the segment.
func (s *Segment[K, V]) ChunksTotal() int { return s.chunks.Len() }

// ChunksOccupied returns the number of allocation chunks currently in use.
func (s *Segment[K, V]) ChunksOccupied() int { return s.chunks.PopCount() }

// ContentionCount returns how many lock acquires on this segment, in this
// process, had to spin or park instead of succeeding immediately.
func (s *Segment[K, V]) ContentionCount() uint64 {
	if s.lock.Wait == nil {
		return 0
	}
	return s.lock.Wait.Contended()
}

// chainFor returns the (possibly freshly created) reentrancy chain for the
// calling goroutine, and whether it already existed. Callers that create a
// fresh entry are responsible for forgetting it once they are done with
// it, unless they are registering a persistent root Context (see
// OpenContext), which owns the entry's lifetime instead.
func (s *Segment[K, V]) chainFor(gid uint64) (*rootEntry[K, V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.roots[gid]
	if !ok {
		e = &rootEntry[K, V]{chain: seglock.NewChainWithTimeout(s.lock, s.lockTimeout, s.lockTimeoutListener)}
		s.roots[gid] = e
	}
	return e, ok
}

func (s *Segment[K, V]) forgetChain(gid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.roots[gid]; ok && e.openContext == nil && e.chain.Depth() == 0 {
		delete(s.roots, gid)
	}
}

// withLevel runs fn with the calling goroutine's reentrancy chain holding
// at least level, acquiring it fresh if this goroutine holds nothing yet
// for this segment and releasing it again before returning unless an
// outer call (or an open Context) already owns the chain.
func (s *Segment[K, V]) withLevel(ctx context.Context, level seglock.Level, fn func() error) error {
	gid := rtutil.GoroutineID()
	entry, existed := s.chainFor(gid)

	if err := entry.chain.Acquire(ctx, level); err != nil {
		if !existed {
			s.forgetChain(gid)
		}
		return err
	}
	err := fn()
	entry.chain.Release(level)
	if !existed {
		s.forgetChain(gid)
	}
	return err
}

func (s *Segment[K, V]) partialHashOf(hash uint64) uint64 { return s.index.MaskPartialHash(hash) }

// findSlot walks the probe sequence for hash and returns the slot position
// and chunk position of the entry whose key matches k, or ok=false.
func (s *Segment[K, V]) findSlot(hash uint64, k K) (slotPos int, chunkPos uint64, ok bool) {
	ph := s.partialHashOf(hash)
	found := -1
	var foundChunk uint64
	s.index.FindFunc(ph, func(pos int) bool {
		cp := s.index.ValueAt(pos)
		_, keyBytes := s.readEntryKey(cp)
		if k == s.keyCodec.Decode(keyBytes) {
			found = pos
			foundChunk = cp
			return false
		}
		return true
	})
	if found < 0 {
		return 0, 0, false
	}
	return found, foundChunk, true
}

func (s *Segment[K, V]) entryBytesAt(chunkPos uint64) []byte {
	return s.entries[int(chunkPos)*s.codec.ChunkSize:]
}

func (s *Segment[K, V]) readEntryKey(chunkPos uint64) (entrycodec.Header, []byte) {
	entryBytes := s.entryBytesAt(chunkPos)
	hdr, err := s.codec.ReadHeader(entryBytes)
	if err != nil {
		panic(err) // corrupt on-disk state; not a recoverable caller error
	}
	return hdr, entryBytes[hdr.KeyOffset : hdr.KeyOffset+hdr.KeySize]
}

func (s *Segment[K, V]) readEntryValue(chunkPos uint64, hdr entrycodec.Header) []byte {
	entryBytes := s.entryBytesAt(chunkPos)
	return entryBytes[hdr.ValueOffset : hdr.ValueOffset+hdr.ValueSize]
}

// Put inserts or overwrites the value for key, under the write lock.
func (s *Segment[K, V]) Put(ctx context.Context, hash uint64, key K, value V) error {
	return s.withLevel(ctx, seglock.Write, func() error {
		if slotPos, chunkPos, ok := s.findSlot(hash, key); ok {
			_, err := s.rewriteValue(slotPos, chunkPos, key, value)
			return err
		}
		return s.insertEntry(hash, key, value)
	})
}

// Replace overwrites the value for key only if it already exists.
func (s *Segment[K, V]) Replace(ctx context.Context, hash uint64, key K, value V) (existed bool, err error) {
	err = s.withLevel(ctx, seglock.Write, func() error {
		slotPos, chunkPos, ok := s.findSlot(hash, key)
		if !ok {
			return nil
		}
		existed = true
		_, err := s.rewriteValue(slotPos, chunkPos, key, value)
		return err
	})
	return existed, err
}

// Get looks up key and decodes its value under the read lock.
func (s *Segment[K, V]) Get(ctx context.Context, hash uint64, key K) (value V, found bool, err error) {
	err = s.withLevel(ctx, seglock.Read, func() error {
		_, chunkPos, ok := s.findSlot(hash, key)
		if !ok {
			return nil
		}
		hdr, _ := s.readEntryKey(chunkPos)
		value = s.valCodec.Decode(s.readEntryValue(chunkPos, hdr))
		found = true
		return nil
	})
	return value, found, err
}

// ContainsKey reports whether key exists, under the read lock.
func (s *Segment[K, V]) ContainsKey(ctx context.Context, hash uint64, key K) (found bool, err error) {
	err = s.withLevel(ctx, seglock.Read, func() error {
		_, _, ok := s.findSlot(hash, key)
		found = ok
		return nil
	})
	return found, err
}

// Remove deletes key's entry, under the write lock.
func (s *Segment[K, V]) Remove(ctx context.Context, hash uint64, key K) (existed bool, err error) {
	err = s.withLevel(ctx, seglock.Write, func() error {
		slotPos, chunkPos, ok := s.findSlot(hash, key)
		if !ok {
			return nil
		}
		existed = true
		return s.removeEntry(slotPos, chunkPos)
	})
	return existed, err
}

// Compute applies ops against key's existing entry (or absence thereof)
// under a single write-locked pass: find and mutate happen inside one
// withLevel(Write, ...) call, so no concurrent writer can observe or
// change the entry between the lookup and the mutation, matching
// spec.md §6's entryOperations compute-against-current-entry semantics.
func (s *Segment[K, V]) Compute(ctx context.Context, hash uint64, key K, ops EntryOps[V]) error {
	return s.withLevel(ctx, seglock.Write, func() error {
		slotPos, chunkPos, ok := s.findSlot(hash, key)
		if !ok {
			var v V
			switch {
			case ops.Insert != nil:
				nv, insertOk := ops.Insert()
				if !insertOk {
					return nil
				}
				v = nv
			case ops.DefaultValue != nil:
				v = ops.DefaultValue()
			default:
				return nil
			}
			return s.insertEntry(hash, key, v)
		}

		hdr, _ := s.readEntryKey(chunkPos)
		old := s.valCodec.Decode(s.readEntryValue(chunkPos, hdr))

		if ops.Remove != nil && ops.Remove(old) {
			return s.removeEntry(slotPos, chunkPos)
		}
		if ops.ReplaceValue != nil {
			nv, ok := ops.ReplaceValue(old)
			if !ok {
				return nil
			}
			_, err := s.rewriteValue(slotPos, chunkPos, key, nv)
			return err
		}
		return nil
	})
}

// Clear removes every entry in the segment, under the write lock.
func (s *Segment[K, V]) Clear(ctx context.Context) error {
	return s.withLevel(ctx, seglock.Write, func() error {
		n := s.entriesCount()
		s.index.Reset()
		s.chunks.ClearRange(0, s.chunks.Len())
		s.setNextPosHint(0)
		s.addEntries(-n)
		s.addDeleted(n)
		return nil
	})
}

func (s *Segment[K, V]) insertEntry(hash uint64, key K, value V) error {
	keyBytes := s.keyCodec.Encode(key)
	valBytes := s.valCodec.Encode(value)
	chunks := s.codec.EntryChunks(len(keyBytes), len(valBytes))
	if chunks > s.maxChunksPerEntry {
		return segmaperr.ErrEntryTooLarge
	}

	hint := s.nextPosHint()
	pos, newHint, err := s.chunks.Allocate(chunks, s.maxChunksPerEntry, hint)
	if err != nil {
		return err
	}
	s.setNextPosHint(newHint)

	entryBytes := s.entryBytesAt(uint64(pos))
	valOff := s.codec.WriteHeader(entryBytes, keyBytes, len(valBytes))
	copy(entryBytes[valOff:], valBytes)

	ph := s.partialHashOf(hash)
	if _, err := s.index.Insert(ph, uint64(pos)); err != nil {
		s.chunks.Free(pos, chunks, newHint)
		return err
	}
	s.addEntries(1)
	return nil
}

// rewriteValue implements spec.md §4.5's replaceValue rules: in-place
// rewrite when the new value is the same size, in-place growth/shrink when
// the chunk run can absorb the change, otherwise relocate to a fresh run.
// It always re-publishes the (possibly unchanged) chunk position to the
// hash slot via PutValueVolatile.
func (s *Segment[K, V]) rewriteValue(slotPos int, chunkPos uint64, key K, value V) (newChunkPos uint64, err error) {
	keyBytes := s.keyCodec.Encode(key)
	newValBytes := s.valCodec.Encode(value)

	entryBytes := s.entryBytesAt(chunkPos)
	hdr, err := s.codec.ReadHeader(entryBytes)
	if err != nil {
		return chunkPos, err
	}
	oldChunks := s.codec.EntryChunks(hdr.KeySize, hdr.ValueSize)
	newChunks := s.codec.EntryChunks(len(keyBytes), len(newValBytes))
	if newChunks > s.maxChunksPerEntry {
		return chunkPos, segmaperr.ErrEntryTooLarge
	}

	switch {
	case newChunks == oldChunks:
		valOff := s.codec.WriteHeader(entryBytes, keyBytes, len(newValBytes))
		copy(entryBytes[valOff:], newValBytes)
		s.index.PutValueVolatile(slotPos, chunkPos)
		return chunkPos, nil

	case newChunks < oldChunks:
		s.chunks.ClearRange(int(chunkPos)+newChunks, int(chunkPos)+oldChunks)
		valOff := s.codec.WriteHeader(entryBytes, keyBytes, len(newValBytes))
		copy(entryBytes[valOff:], newValBytes)
		s.index.PutValueVolatile(slotPos, chunkPos)
		return chunkPos, nil

	case s.chunks.AllClear(int(chunkPos)+oldChunks, int(chunkPos)+newChunks):
		s.chunks.SetRange(int(chunkPos)+oldChunks, int(chunkPos)+newChunks)
		valOff := s.codec.WriteHeader(entryBytes, keyBytes, len(newValBytes))
		copy(entryBytes[valOff:], newValBytes)
		s.index.PutValueVolatile(slotPos, chunkPos)
		return chunkPos, nil

	default:
		// Allocate the new run before freeing the old one: the old run is
		// still backing a live entry the hash slot points at until this
		// call returns, so the allocator must never be allowed to hand it
		// back out. Only free the old run once the new one is secured.
		hint := s.nextPosHint()
		newPos, newHint, err := s.chunks.Allocate(newChunks, s.maxChunksPerEntry, hint)
		if err != nil {
			return chunkPos, err
		}
		newHint = s.chunks.Free(int(chunkPos), oldChunks, newHint)
		s.setNextPosHint(newHint)
		newEntryBytes := s.entryBytesAt(uint64(newPos))
		valOff := s.codec.WriteHeader(newEntryBytes, keyBytes, len(newValBytes))
		copy(newEntryBytes[valOff:], newValBytes)
		s.index.PutValueVolatile(slotPos, uint64(newPos))
		return uint64(newPos), nil
	}
}

// removeEntry frees an entry's chunks and clears its hash slot via
// backward-shift deletion.
func (s *Segment[K, V]) removeEntry(slotPos int, chunkPos uint64) error {
	s.index.Remove(slotPos)
	s.freeEntryChunks(chunkPos)
	return nil
}
