package seglock

import (
	"sync/atomic"

	"github.com/offheapdb/segmap/internal/opt"
	"github.com/offheapdb/segmap/internal/rtutil"
)

// WaitQueue is the park/wake side of a segment's lock word: a small spin
// budget, then an OS-level park on one of two semaphores selected by the
// low bit of a generation counter. The double buffer keeps a goroutine that
// is about to park from missing a Release that happened between its last
// failed CAS and the semaphore acquire, the same problem the teacher's Gate
// solves by bumping a generation on every open.
//
// The generation counter also occupies part of the shared lock word (see
// genShift in lockword.go), so every unlock-family operation that can free a
// waiter bumps it as part of the same CAS that changes the lock bits.
//
// contended counts, per process, how many times a goroutine had to fall
// back to spinning/parking on this segment's word instead of acquiring it
// on the first try — a per-segment, in-process contention counter for
// cmd/segmapctl's stats command. It is kept in its own cache line (the
// teacher's CounterStripe_, normally used to shard a single hot counter
// across stripes) so incrementing it under contention never bounces the
// cache line the two semaphores live on.
type WaitQueue struct {
	_         rtutil.NoCopy
	sem       [2]opt.Sema
	contended opt.CounterStripe_
}

// Contended returns the cumulative count of lock acquires on this queue
// that had to spin or park at least once.
func (wq *WaitQueue) Contended() uint64 {
	return uint64(atomic.LoadUintptr(&wq.contended.C))
}

func (wq *WaitQueue) noteContention() {
	atomic.AddUintptr(&wq.contended.C, 1)
}

// Park blocks until woken by a Wake call whose generation differs from
// gen, or until spinBudget rounds of busy/backoff waiting have already
// happened (the caller decides when to stop retrying the CAS and call
// Park instead of spinning again).
func (wq *WaitQueue) Park(gen uint32) {
	wq.sem[gen&1].Acquire()
}

// Wake releases every goroutine parked on the generation that just ended.
// n is the caller's best estimate of the waiter count; overwaking is
// harmless (a goroutine that wakes spuriously just rechecks the lock word
// and parks again), underwaking just means a waiter spins a bit longer
// before the next Wake call reaches it.
func (wq *WaitQueue) Wake(gen uint32, n int) {
	s := &wq.sem[gen&1]
	for i := 0; i < n; i++ {
		s.Release()
	}
}
