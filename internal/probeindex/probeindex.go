// Package probeindex implements the packed, open-addressed hash index
// described in the segment storage layout: a table of machine-word slots,
// each packing a partial key hash in its low bits and a chunk position in
// its high bits, linearly probed on insert/find and backward-shift deleted
// on remove.
//
// The bit-packing technique (mask-preserving read-modify-write over a
// shared word) is grounded on the teacher's RWLock/RWLock32 pair, which
// pack a writer bit and a reader count into a single uintptr or uint32 and
// always CAS the whole word while preserving the bits they don't own.
package probeindex

import (
	"encoding/binary"
	"fmt"
)

// Index is a view over a byte slice holding capacity slots of slotByteSize
// bytes each, little-endian, packing [keyBits bits = partial hash][valueBits
// bits = chunk position][unused high bits, preserved across writes].
type Index struct {
	bytes    []byte
	capacity int // power of two
	keyBits  uint
	valBits  uint

	capacityMask uint64
	keyMask      uint64
	valMask      uint64
	entryMask    uint64
	slotSize     int
}

// New wraps bytes (at least capacity*slotByteSize(keyBits,valBits) long) as
// a packed hash index of the given capacity (must be a power of two).
func New(bytes []byte, capacity int, keyBits, valBits uint) *Index {
	if capacity&(capacity-1) != 0 || capacity == 0 {
		panic("probeindex: capacity must be a power of two")
	}
	if keyBits+valBits > 64 {
		panic("probeindex: keyBits+valBits must be <= 64")
	}
	slotSize := SlotByteSize(keyBits, valBits)
	if len(bytes) < capacity*slotSize {
		panic("probeindex: backing slice too small")
	}
	idx := &Index{
		bytes:        bytes,
		capacity:     capacity,
		keyBits:      keyBits,
		valBits:      valBits,
		capacityMask: uint64(capacity - 1),
		keyMask:      mask(keyBits),
		valMask:      mask(valBits),
		slotSize:     slotSize,
	}
	idx.entryMask = mask(keyBits + valBits)
	return idx
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// SlotByteSize returns ceil((keyBits+valBits)/8), the on-disk width of one
// slot.
func SlotByteSize(keyBits, valBits uint) int {
	return int((keyBits + valBits + 7) / 8)
}

// ByteLen is the number of backing bytes needed for capacity slots.
func ByteLen(capacity int, keyBits, valBits uint) int {
	return capacity * SlotByteSize(keyBits, valBits)
}

// MaskPartialHash reduces h to keyBits low bits, remapping a result of 0 to
// keyMask since 0 is reserved to mean "empty slot".
func (ix *Index) MaskPartialHash(h uint64) uint64 {
	h &= ix.keyMask
	if h == 0 {
		return ix.keyMask
	}
	return h
}

// HLPos returns the probe home (byte offset) for a partial hash.
func (ix *Index) HLPos(partialHash uint64) int {
	return int(partialHash&ix.capacityMask) * ix.slotSize
}

// Step advances a slot byte position by one slot, wrapping past the end.
func (ix *Index) Step(pos int) int {
	pos += ix.slotSize
	if pos > int(ix.capacityMask)*ix.slotSize {
		return 0
	}
	return pos
}

// StepBack is the inverse of Step.
func (ix *Index) StepBack(pos int) int {
	if pos == 0 {
		return int(ix.capacityMask) * ix.slotSize
	}
	return pos - ix.slotSize
}

func (ix *Index) loadWord(pos int) uint64 {
	var buf [8]byte
	copy(buf[:], ix.bytes[pos:pos+ix.slotSize])
	return binary.LittleEndian.Uint64(buf[:])
}

func (ix *Index) storeWord(pos int, w uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w)
	copy(ix.bytes[pos:pos+ix.slotSize], buf[:ix.slotSize])
}

// key returns the key-field of the word packed at pos.
func (ix *Index) key(word uint64) uint64 { return word & ix.keyMask }

// value returns the value-field (chunk position) of the word packed at pos.
func (ix *Index) value(word uint64) uint64 { return (word >> ix.keyBits) & ix.valMask }

func (ix *Index) pack(partialHash, chunkPos uint64) uint64 {
	return (partialHash & ix.keyMask) | ((chunkPos & ix.valMask) << ix.keyBits)
}

// KeyAt returns the partial hash stored at slot byte position pos.
func (ix *Index) KeyAt(pos int) uint64 { return ix.key(ix.loadWord(pos)) }

// ValueAt returns the chunk position stored at slot byte position pos.
func (ix *Index) ValueAt(pos int) uint64 { return ix.value(ix.loadWord(pos)) }

// Empty reports whether the slot at pos is unoccupied: per the 0-reserved
// convention a slot is empty iff its packed entry bits (key-field and
// value-field together, i.e. word&entryMask) are all 0.
func (ix *Index) Empty(pos int) bool {
	return ix.loadWord(pos)&ix.entryMask == 0
}

// Find returns, in probe order starting at HLPos(partialHash), every slot
// byte position whose key-field equals partialHash, stopping at (and not
// including) the first empty slot.
func (ix *Index) Find(partialHash uint64) []int {
	var out []int
	start := ix.HLPos(partialHash)
	pos := start
	for {
		if ix.Empty(pos) {
			return out
		}
		if ix.key(ix.loadWord(pos)) == partialHash {
			out = append(out, pos)
		}
		pos = ix.Step(pos)
		if pos == start {
			return out
		}
	}
}

// FindFunc is like Find but calls visit for each matching slot and stops
// early if visit returns false. It avoids allocating a result slice on the
// hot lookup path.
func (ix *Index) FindFunc(partialHash uint64, visit func(pos int) bool) {
	start := ix.HLPos(partialHash)
	pos := start
	for {
		if ix.Empty(pos) {
			return
		}
		w := ix.loadWord(pos)
		if ix.key(w) == partialHash {
			if !visit(pos) {
				return
			}
		}
		pos = ix.Step(pos)
		if pos == start {
			return
		}
	}
}

// ErrIndexFull is returned by Insert when no empty slot can be found
// (should not happen in practice since capacity is sized with headroom
// over maxEntries, but the probe loop must still terminate).
var ErrIndexFull = fmt.Errorf("probeindex: no empty slot found while probing")

// Insert walks the probe sequence from HLPos(partialHash) and writes
// (partialHash, chunkPos) into the first empty slot found, publishing the
// word with a release-store so concurrent readers observing a non-empty
// slot see a fully formed entry. It never overwrites an occupied slot.
func (ix *Index) Insert(partialHash, chunkPos uint64) (pos int, err error) {
	start := ix.HLPos(partialHash)
	pos = start
	for {
		if ix.Empty(pos) {
			ix.publish(pos, ix.pack(partialHash, chunkPos))
			return pos, nil
		}
		pos = ix.Step(pos)
		if pos == start {
			return 0, ErrIndexFull
		}
	}
}

// publish stores newEntryBits (already masked to entryMask) into the slot
// at pos, preserving any unused high bits of the existing word.
func (ix *Index) publish(pos int, newEntryBits uint64) {
	w := ix.loadWord(pos)
	w = (w &^ ix.entryMask) | (newEntryBits & ix.entryMask)
	ix.storeWordVolatile(pos, w)
}

// storeWordVolatile is the release-store publication point for a slot: the
// plain byte write here is made visible to other readers (in this process
// or another) by the write/update lock's own unlock, not by this store
// itself. Every caller of publish/PutValueVolatile/Remove already holds the
// segment's write lock (seglock.Word), and every reader that later observes
// a non-empty slot has gone through a matching ReadLock first. Both
// WriteUnlock and ReadLock turn on a CAS against the same shared uint64
// (lockword.go), and an atomic CAS is a full hardware memory barrier on
// every architecture Go targets, not just a compiler fence — so the
// writer's plain stores here are ordered before its unlock's CAS, and the
// reader's lock CAS is ordered before its plain loads, exactly as with any
// mutex-protected field. That happens-before edge is what makes this
// cross-process safe despite two separate Go runtimes never sharing a
// memory model otherwise.
//
// A dedicated atomic word store at this call site would not be safe to add
// even if desired: slots are packed back-to-back at slotSize granularity
// (often 3-7 bytes, see SlotByteSize), so an 8-byte atomic store at pos
// would overwrite the following slot's leading bytes whenever slotSize < 8.
// Any atomic primitive here would have to match slotSize exactly, and Go's
// sync/atomic only offers 32- and 64-bit stores, not the arbitrary byte
// widths this format needs.
func (ix *Index) storeWordVolatile(pos int, w uint64) {
	ix.storeWord(pos, w)
}

// PutValueVolatile updates only the value-field of the slot at slotPos,
// preserving its key-field and any unused high bits, through the same
// lock-ordered plain store as every other slot write (see
// storeWordVolatile). Used after in-place and relocating replaceValue calls.
func (ix *Index) PutValueVolatile(slotPos int, newChunkPos uint64) {
	w := ix.loadWord(slotPos)
	k := ix.key(w)
	w = (w &^ ix.entryMask) | ix.pack(k, newChunkPos)
	ix.storeWordVolatile(slotPos, w)
}

// Remove performs backward-shift deletion starting at removePos (which
// must be a non-empty slot) and returns the final cleared slot position.
// Callers compare the result against removePos to decide whether to step
// their iteration cursor back a slot (see segment.Context.Remove).
func (ix *Index) Remove(removePos int) int {
	posToRemove := removePos
	posToShift := ix.Step(removePos)
	for {
		if ix.Empty(posToShift) {
			break
		}
		w := ix.loadWord(posToShift)
		home := ix.HLPos(ix.key(w))
		if ix.shouldShift(home, posToRemove, posToShift) {
			ix.publish(posToRemove, w)
			posToRemove = posToShift
		}
		posToShift = ix.Step(posToShift)
	}
	ix.publish(posToRemove, 0)
	return posToRemove
}

// shouldShift implements the wrap-aware "belongs before posToRemove in the
// probe sequence" predicate from the spec:
//
//	(home <= posToRemove && posToRemove <= posToShift) ||
//	(posToShift < home && (home <= posToRemove || posToRemove <= posToShift))
func (ix *Index) shouldShift(home, posToRemove, posToShift int) bool {
	if home <= posToRemove && posToRemove <= posToShift {
		return true
	}
	if posToShift < home && (home <= posToRemove || posToRemove <= posToShift) {
		return true
	}
	return false
}

// Capacity returns the number of slots in the table.
func (ix *Index) Capacity() int { return ix.capacity }

// SlotSize returns the byte width of one slot.
func (ix *Index) SlotSize() int { return ix.slotSize }

// Reset zeroes every slot, emptying the table in one pass instead of
// removing entries one at a time (which would do needless backward-shift
// work). Callers hold at least the write lock, same as Remove.
func (ix *Index) Reset() {
	for i := range ix.bytes {
		ix.bytes[i] = 0
	}
}
