// Package seglock implements the per-segment lock word (a single atomic
// uint64 CAS-looped between read/update/write states, with park/wake for
// contended waiters) and the goroutine-local reentrancy bookkeeping layered
// on top of it.
//
// The bit-packing and CAS-retry-with-backoff technique is grounded on the
// teacher's RWLock/RWLock32 (a writer bit and reader count packed into one
// word, always CAS'd as a whole) and its bit_lock.go (spin a few rounds,
// then rtutil.Delay, then retry, with no separate wait queue for low
// contention). The park/wake extension for the high-contention tail is
// grounded on the teacher's semaphore-backed Gate.
package seglock

import (
	"context"
	"sync/atomic"

	"github.com/offheapdb/segmap/internal/rtutil"
	"github.com/offheapdb/segmap/segmaperr"
)

// Word bit layout, low to high:
//
//	bit 0       writeHeld
//	bit 1       updateHeld
//	bits 2-33   readerCount (32 bits)
//	bits 34-63  generation  (30 bits, wraps; only used to pick a wait bucket)
const (
	writeBit     uint64 = 1
	updateBit    uint64 = 1 << 1
	readerShift         = 2
	readerBits          = 32
	readerOne    uint64 = 1 << readerShift
	readerMask   uint64 = (uint64(1)<<readerBits - 1) << readerShift
	genShift            = readerShift + readerBits
	genOne       uint64 = 1 << genShift
)

func readers(w uint64) uint64   { return (w & readerMask) >> readerShift }
func generation(w uint64) uint32 { return uint32(w >> genShift) }

// Word is the shared, cross-process lock state for one segment: a pointer
// into the segment header's mapped bytes, plus the local (per-process)
// WaitQueue used to park goroutines blocked on it. Every process mapping
// the same file has its own Word value wrapping the same address, the same
// way every process has its own WaitQueue — parking is purely a local
// backoff mechanism; what make the lock itself cross-process safe is the
// atomic CAS loop against the shared memory the Addr field points at.
type Word struct {
	Addr *uint64
	Wait *WaitQueue
}

func (lw Word) load() uint64 { return atomic.LoadUint64(lw.Addr) }

func (lw Word) cas(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(lw.Addr, old, new)
}

const spinBudget = 64

// ReadLock blocks until no writer holds the segment, then increments the
// reader count.
func (lw Word) ReadLock(ctx context.Context) error {
	spins := 0
	for {
		w := lw.load()
		if w&writeBit == 0 {
			if lw.cas(w, w+readerOne) {
				return nil
			}
			continue
		}
		if err := lw.waitOut(ctx, &spins, w); err != nil {
			return err
		}
	}
}

// TryReadLock attempts a single non-blocking acquire.
func (lw Word) TryReadLock() bool {
	w := lw.load()
	return w&writeBit == 0 && lw.cas(w, w+readerOne)
}

// UpdateLock blocks until neither a writer nor another updater holds the
// segment, then sets the update bit. Readers may still be present; update
// is compatible with read, exclusive with itself and with write.
func (lw Word) UpdateLock(ctx context.Context) error {
	spins := 0
	for {
		w := lw.load()
		if w&(writeBit|updateBit) == 0 {
			if lw.cas(w, w|updateBit) {
				return nil
			}
			continue
		}
		if err := lw.waitOut(ctx, &spins, w); err != nil {
			return err
		}
	}
}

// TryUpdateLock attempts a single non-blocking acquire.
func (lw Word) TryUpdateLock() bool {
	w := lw.load()
	return w&(writeBit|updateBit) == 0 && lw.cas(w, w|updateBit)
}

// WriteLock blocks until no reader, updater, or other writer holds the
// segment, then sets the write bit.
func (lw Word) WriteLock(ctx context.Context) error {
	spins := 0
	for {
		w := lw.load()
		if w&(writeBit|updateBit) == 0 && readers(w) == 0 {
			if lw.cas(w, w|writeBit) {
				return nil
			}
			continue
		}
		if err := lw.waitOut(ctx, &spins, w); err != nil {
			return err
		}
	}
}

// TryWriteLock attempts a single non-blocking acquire.
func (lw Word) TryWriteLock() bool {
	w := lw.load()
	return w&(writeBit|updateBit) == 0 && readers(w) == 0 && lw.cas(w, w|writeBit)
}

// UpgradeUpdateToWrite blocks until all readers have drained, then performs
// the update->write transition atomically: the caller must already hold
// the update lock (checked one layer up, by the reentrancy bookkeeping in
// reentrant.go), so no other goroutine or process can be racing to acquire
// update or write concurrently; only readers can still be draining.
func (lw Word) UpgradeUpdateToWrite(ctx context.Context) error {
	spins := 0
	for {
		w := lw.load()
		if readers(w) == 0 {
			if lw.cas(w, (w&^updateBit)|writeBit) {
				return nil
			}
			continue
		}
		if err := lw.waitOut(ctx, &spins, w); err != nil {
			return err
		}
	}
}

// DowngradeWriteToUpdate clears the write bit and sets the update bit in a
// single CAS, so no other goroutine ever observes the segment unlocked.
func (lw Word) DowngradeWriteToUpdate() {
	lw.mutate(func(w uint64) uint64 { return (w &^ writeBit) | updateBit })
	lw.wake()
}

// DowngradeUpdateToRead clears the update bit and adds one reader in a
// single CAS.
func (lw Word) DowngradeUpdateToRead() {
	lw.mutate(func(w uint64) uint64 { return (w &^ updateBit) + readerOne })
	lw.wake()
}

// DowngradeWriteToRead clears the write bit and adds one reader in a
// single CAS.
func (lw Word) DowngradeWriteToRead() {
	lw.mutate(func(w uint64) uint64 { return (w &^ writeBit) + readerOne })
	lw.wake()
}

// ReadUnlock decrements the reader count.
func (lw Word) ReadUnlock() {
	w := lw.load()
	if readers(w) == 0 {
		panic(&segmaperr.LockUnderflowError{Level: "read"})
	}
	lw.mutate(func(w uint64) uint64 { return w - readerOne })
	lw.wake()
}

// UpdateUnlock clears the update bit.
func (lw Word) UpdateUnlock() {
	w := lw.load()
	if w&updateBit == 0 {
		panic(&segmaperr.LockUnderflowError{Level: "update"})
	}
	lw.mutate(func(w uint64) uint64 { return w &^ updateBit })
	lw.wake()
}

// WriteUnlock clears the write bit.
func (lw Word) WriteUnlock() {
	w := lw.load()
	if w&writeBit == 0 {
		panic(&segmaperr.LockUnderflowError{Level: "write"})
	}
	lw.mutate(func(w uint64) uint64 { return w &^ writeBit })
	lw.wake()
}

// Reset clears every bit of the word. Used only by the best-effort recovery
// path after ErrLockTimeout, where the caller has already decided the
// owning process is presumed gone and is willing to risk corrupting
// in-flight state in exchange for not deadlocking the map forever.
func (lw Word) Reset() {
	atomic.StoreUint64(lw.Addr, 0)
	lw.wake()
}

// mutate bumps the generation alongside whatever bit change fn describes,
// retrying the CAS until it succeeds.
func (lw Word) mutate(fn func(uint64) uint64) {
	for {
		w := lw.load()
		nw := fn(w) + genOne
		if lw.cas(w, nw) {
			return
		}
	}
}

func (lw Word) wake() {
	if lw.Wait == nil {
		return
	}
	w := lw.load()
	lw.Wait.Wake(generation(w), spinBudget)
}

// waitOut is called once a CAS attempt observes a conflicting state. It
// spins briefly, then parks on the current generation, then returns to let
// the caller re-read the word and retry its condition check. Returns
// ErrInterrupted if ctx is cancelled first.
func (lw Word) waitOut(ctx context.Context, spins *int, observed uint64) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return segmaperr.ErrInterrupted
		default:
		}
	}
	if *spins == 0 && lw.Wait != nil {
		lw.Wait.noteContention()
	}
	*spins++
	if *spins < spinBudget {
		rtutil.Delay(spins)
	} else if lw.Wait == nil {
		*spins = 0
		rtutil.Delay(spins)
	} else {
		*spins = 0
		lw.Wait.Park(generation(observed))
	}
	// Delay and the park path can leave spins at 0; keep it non-zero so the
	// contention note above fires once per acquire, not once per round.
	if *spins == 0 {
		*spins = 1
	}
	return nil
}
