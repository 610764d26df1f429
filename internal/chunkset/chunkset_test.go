package chunkset

import (
	"errors"
	"testing"

	"github.com/offheapdb/segmap/segmaperr"
)

func newTestSet(n int) *Set {
	return New(make([]byte, ByteLen(n)), n)
}

// Scenario 2 from the spec: allocator hint recovery.
func TestAllocatorHintRecovery(t *testing.T) {
	const n = 64
	s := newTestSet(n)
	hint := 0

	for i := 0; i < n; i++ {
		pos, newHint, err := s.Allocate(1, n, hint)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if pos != i {
			t.Fatalf("allocate %d: got pos %d, want %d", i, pos, i)
		}
		hint = newHint
	}

	// The 64th allocation wrapped the hint back to 0, and Free only lowers
	// the hint, so freeing pos 10 leaves it at 0; the next allocate still
	// finds pos 10 by scanning from 0.
	hint = s.Free(10, 1, hint)
	if hint != 0 {
		t.Fatalf("free: hint = %d, want 0", hint)
	}

	pos, newHint, err := s.Allocate(1, n, hint)
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if pos != 10 {
		t.Fatalf("re-allocate: got pos %d, want 10", pos)
	}
	hint = newHint

	if _, _, err := s.Allocate(2, n, hint); err == nil {
		t.Fatalf("expected SegmentFull allocating 2 chunks into a full set")
	} else if !errors.Is(err, segmaperr.ErrSegmentFull) {
		t.Fatalf("expected ErrSegmentFull, got %v", err)
	}
}

func TestEntryTooLarge(t *testing.T) {
	s := newTestSet(8)
	_, _, err := s.Allocate(5, 4, 0)
	if !errors.Is(err, segmaperr.ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}
}

func TestAllocateWraps(t *testing.T) {
	s := newTestSet(8)
	// occupy [0,6), leaving [6,8) clear.
	s.SetRange(0, 6)
	pos, hint, err := s.Allocate(2, 8, 6)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if pos != 6 {
		t.Fatalf("got pos %d, want 6", pos)
	}
	if hint != 0 {
		t.Fatalf("got hint %d, want wrap to 0", hint)
	}

	// Free the middle of the occupied block from a later hint and confirm
	// Free lowers the hint to the freed position, where allocate finds it.
	s2 := newTestSet(8)
	s2.SetRange(0, 8)
	hint2 := s2.Free(2, 2, 5)
	if hint2 != 2 {
		t.Fatalf("free: hint = %d, want 2", hint2)
	}
	p, _, err := s2.Allocate(2, 8, hint2)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if p != 2 {
		t.Fatalf("got pos %d, want 2", p)
	}
}

func TestAllClearSetClearRange(t *testing.T) {
	s := newTestSet(16)
	s.SetRange(4, 8)
	if s.AllClear(4, 8) {
		t.Fatalf("expected [4,8) to be occupied")
	}
	if !s.AllClear(0, 4) {
		t.Fatalf("expected [0,4) to be clear")
	}
	s.ClearRange(4, 8)
	if !s.AllClear(0, 16) {
		t.Fatalf("expected entire set clear after ClearRange")
	}
}

func TestPopCount(t *testing.T) {
	s := newTestSet(20)
	s.SetRange(0, 5)
	s.SetRange(17, 20)
	if got := s.PopCount(); got != 8 {
		t.Fatalf("popcount = %d, want 8", got)
	}
}
