package segment

import (
	"context"

	"github.com/offheapdb/segmap/internal/seglock"
	"github.com/offheapdb/segmap/segmaperr"
)

// scanState holds the mutable cursor bookkeeping for one in-flight
// ScanRemoving call. It lives on the Context so a View's Remove can signal
// the enclosing loop to step its cursor back without either side needing
// a closure over the other's locals.
type scanState struct {
	cursor       int
	entryRemoved bool
}

// freeEntryChunks frees the chunk run backing the entry at chunkPos and
// updates the live/deleted counters. Callers are responsible for already
// having cleared the entry's hash slot.
func (s *Segment[K, V]) freeEntryChunks(chunkPos uint64) {
	entryBytes := s.entryBytesAt(chunkPos)
	hdr, err := s.codec.ReadHeader(entryBytes)
	if err != nil {
		panic(err) // corrupt on-disk state
	}
	chunks := s.codec.EntryChunks(hdr.KeySize, hdr.ValueSize)
	hint := s.nextPosHint()
	newHint := s.chunks.Free(int(chunkPos), chunks, hint)
	s.setNextPosHint(newHint)
	s.addEntries(-1)
	s.addDeleted(1)
}

// ScanRemoving implements spec.md §4.5's forEachRemoving: it takes the
// update lock, walks every occupied slot exactly once starting just past
// the first empty slot found from the beginning of the table, and invokes
// fn with a View for each. fn may call View.ReplaceValue or View.Remove;
// Remove escalates to the write lock for the duration of the shift and
// hands the scan loop a corrected cursor so a shifted-in entry is not
// skipped.
//
// fn returning false stops the scan early and ScanRemoving reports
// interrupted=true. Context cancellation reported through ctx is
// surfaced as segmaperr.ErrInterrupted; any mutations already applied
// before that point stand, matching spec.md §5's cancellation policy.
func (c *Context[K, V]) ScanRemoving(ctx context.Context, fn func(*View[K, V]) bool) (interrupted bool, err error) {
	if err := c.checkOwner(); err != nil {
		return false, err
	}

	priorLevel := c.level
	if err := c.acquire(ctx, seglock.Update); err != nil {
		return false, err
	}
	defer func() {
		c.chain.Release(seglock.Update)
		c.level = priorLevel
		c.scan = scanState{}
	}()

	remaining := c.seg.Size()
	if remaining == 0 {
		return false, nil
	}

	idx := c.seg.index
	start := 0
	for !idx.Empty(start) {
		start = idx.Step(start)
	}
	c.scan.cursor = start

	view := &View[K, V]{ctx: c}
	for {
		select {
		case <-ctx.Done():
			return false, segmaperr.ErrInterrupted
		default:
		}

		c.scan.cursor = idx.Step(c.scan.cursor)
		if c.scan.cursor == start {
			return interrupted, nil
		}
		if idx.Empty(c.scan.cursor) {
			continue
		}

		view.slotPos = c.scan.cursor
		view.chunkPos = idx.ValueAt(c.scan.cursor)
		view.removed = false
		c.scan.entryRemoved = false

		if !fn(view) {
			return true, nil
		}

		remaining--
		if remaining == 0 {
			return false, nil
		}
	}
}
