// Package segmaperr defines the error taxonomy shared by every layer of
// the segment store, matching the policy table of the lock/iteration
// protocol: most kinds are ordinary sentinel errors a caller checks with
// errors.Is, a couple are deliberately fatal (they panic rather than
// return), and interruption is modeled as a distinct non-error status.
package segmaperr

import (
	"errors"
	"fmt"
)

var (
	// ErrSegmentFull is returned when the bitset allocator cannot find N
	// continuous free chunks anywhere in the segment. Never retried
	// internally; it is always surfaced to the caller.
	ErrSegmentFull = errors.New("segmap: segment full, no contiguous chunk run available")

	// ErrEntryTooLarge is returned when an entry would need more chunks
	// than maxChunksPerEntry allows.
	ErrEntryTooLarge = errors.New("segmap: entry exceeds maxChunksPerEntry")

	// ErrIllegalUpgrade is returned when a goroutine holding the read
	// lock on a segment requests the update or write lock directly. The
	// only legal path is to release the read lock first.
	ErrIllegalUpgrade = errors.New("segmap: cannot upgrade from read lock directly; unlock first")

	// ErrConcurrentAccess is returned when a Context, View, or other
	// goroutine-owned handle is used from a goroutine other than the one
	// that created it.
	ErrConcurrentAccess = errors.New("segmap: context accessed from a non-owner goroutine")

	// ErrStaleEntryAccess is returned when a View is used after its
	// underlying entry was removed earlier in the same scan iteration.
	ErrStaleEntryAccess = errors.New("segmap: view accessed after its entry was removed")

	// ErrLockTimeout is returned when a bounded lock acquisition exceeds
	// its deadline. The caller's configured listener (see
	// segmap.WithLockTimeoutListener) is notified before the lock word is
	// reset best-effort and the acquire retried once.
	ErrLockTimeout = errors.New("segmap: lock acquisition timed out")

	// ErrNestedContextUnsupported is returned by a second, non-descendant
	// Context opened for a (goroutine, segment) pair that already has a
	// root context — mirroring the teacher implementation's explicit
	// "nested context not implemented yet" rejection, as a typed error
	// instead of a panic.
	ErrNestedContextUnsupported = errors.New("segmap: nested nested context on the same segment is not supported")

	// ErrInterrupted is a status, not a failure: a scan or blocking lock
	// acquire observed context cancellation. Mutations already applied
	// before the cancellation was observed are not rolled back.
	ErrInterrupted = errors.New("segmap: operation interrupted")

	// ErrClosed names the closed-map condition. No operation in this
	// module returns it: Map and Segment methods do not check whether
	// Close has already run.
	ErrClosed = errors.New("segmap: map is closed")
)

// LockUnderflowError is raised via panic, matching the spec's "fatal,
// terminate process" policy for releasing a lock level whose total is
// already zero: this indicates a caller bug (an unmatched Unlock), not a
// recoverable runtime condition.
type LockUnderflowError struct {
	Level string
}

func (e *LockUnderflowError) Error() string {
	return fmt.Sprintf("segmap: lock underflow releasing %s lock with a zero total (unmatched unlock)", e.Level)
}

// NestedContextExhaustedError is raised via panic when a goroutine's
// context chain for this map exceeds the maximum nesting depth (2^16),
// which strongly suggests a missing Close call rather than legitimate
// deep nesting.
type NestedContextExhaustedError struct {
	Depth int
}

func (e *NestedContextExhaustedError) Error() string {
	return fmt.Sprintf("segmap: context chain depth %d exceeds maximum (missing Close?)", e.Depth)
}
