package segment

import (
	"context"

	"github.com/offheapdb/segmap/segmaperr"
)

// View exposes one entry visited during a ScanRemoving scan: its key and
// value, and the mutating operations ReplaceValue and Remove. A View is
// only valid for the duration of the predicate call that received it and
// must not be retained past it.
type View[K comparable, V any] struct {
	ctx      *Context[K, V]
	slotPos  int
	chunkPos uint64
	removed  bool
}

// checkOnEachPublicOperation realizes spec.md §4.5's per-operation guard:
// the calling goroutine must be the Context's owner, and the entry must
// not already have been removed earlier in this same scan iteration.
func (v *View[K, V]) checkOnEachPublicOperation() error {
	if err := v.ctx.checkOwner(); err != nil {
		return err
	}
	if v.removed {
		return segmaperr.ErrStaleEntryAccess
	}
	return nil
}

// Key decodes and returns the entry's key.
func (v *View[K, V]) Key() (K, error) {
	var zero K
	if err := v.checkOnEachPublicOperation(); err != nil {
		return zero, err
	}
	_, keyBytes := v.ctx.seg.readEntryKey(v.chunkPos)
	return v.ctx.seg.keyCodec.Decode(keyBytes), nil
}

// Value decodes and returns the entry's current value.
func (v *View[K, V]) Value() (V, error) {
	var zero V
	if err := v.checkOnEachPublicOperation(); err != nil {
		return zero, err
	}
	hdr, _ := v.ctx.seg.readEntryKey(v.chunkPos)
	return v.ctx.seg.valCodec.Decode(v.ctx.seg.readEntryValue(v.chunkPos, hdr)), nil
}

// ReplaceValue rewrites the entry's value in place, growing, shrinking, or
// relocating its chunk run as needed, under a momentarily escalated write
// lock (see spec.md §4.5).
func (v *View[K, V]) ReplaceValue(value V) error {
	if err := v.checkOnEachPublicOperation(); err != nil {
		return err
	}
	key, err := v.Key()
	if err != nil {
		return err
	}
	if err := v.ctx.escalateToWrite(context.Background()); err != nil {
		return err
	}
	defer v.ctx.restoreFromWrite()

	newChunkPos, err := v.ctx.seg.rewriteValue(v.slotPos, v.chunkPos, key, value)
	if err != nil {
		return err
	}
	v.chunkPos = newChunkPos
	return nil
}

// Remove deletes the entry this View points at. It escalates to the write
// lock, backward-shift-deletes the slot, frees the entry's chunks, and
// marks the View stale for any further access.
func (v *View[K, V]) Remove() error {
	if err := v.checkOnEachPublicOperation(); err != nil {
		return err
	}
	if err := v.ctx.escalateToWrite(context.Background()); err != nil {
		return err
	}
	defer v.ctx.restoreFromWrite()

	seg := v.ctx.seg
	final := seg.index.Remove(v.slotPos)
	seg.freeEntryChunks(v.chunkPos)

	if final != v.slotPos {
		v.ctx.scan.cursor = seg.index.StepBack(v.slotPos)
	}
	v.removed = true
	v.ctx.scan.entryRemoved = true
	return nil
}

// ReadLock, UpdateLock, and WriteLock let a predicate escalate or pin the
// lock level for the remainder of the scan, matching the view operations
// table of spec.md §6.
func (v *View[K, V]) ReadLock() error   { return v.ctx.ReadLock(context.Background()) }
func (v *View[K, V]) UpdateLock() error { return v.ctx.UpdateLock(context.Background()) }
func (v *View[K, V]) WriteLock() error  { return v.ctx.WriteLock(context.Background()) }
