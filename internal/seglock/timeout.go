package seglock

import (
	"context"
	"errors"
	"time"

	"github.com/offheapdb/segmap/segmaperr"
)

// TimeoutListener is notified when a bounded acquire times out, before the
// lock word is reset and the acquire retried once. segmap.Open wraps the
// callback given to segmap.WithLockTimeoutListener into one of these to let
// an operator log or alert on the condition,
// which usually means a process died while holding the lock.
type TimeoutListener func(level Level)

// AcquireTimed behaves like Acquire but bounds the wait to timeout. On
// expiry it calls listener (if non-nil), best-effort resets the shared
// word, and retries exactly once before giving up with ErrLockTimeout.
// This is the degraded-recovery path described for a segment whose owning
// process died mid-hold; it is never used on the normal, healthy path.
func (c *Chain) AcquireTimed(parent context.Context, level Level, timeout time.Duration, listener TimeoutListener) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	err := c.acquireOnce(ctx, level)
	cancel()
	if err == nil {
		return nil
	}
	if !errors.Is(err, segmaperr.ErrInterrupted) || parent.Err() != nil {
		return err
	}

	if listener != nil {
		listener(level)
	}
	c.word.Reset()

	ctx2, cancel2 := context.WithTimeout(parent, timeout)
	defer cancel2()
	if err := c.acquireOnce(ctx2, level); err != nil {
		return segmaperr.ErrLockTimeout
	}
	return nil
}
