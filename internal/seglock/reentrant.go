package seglock

import (
	"context"
	"time"

	"github.com/offheapdb/segmap/segmaperr"
)

// Level identifies one of the three lock modes a Chain can hold, ordered by
// permissiveness: Write subsumes Update subsumes Read.
type Level int8

const (
	Unlocked Level = iota
	Read
	Update
	Write
)

func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Update:
		return "update"
	case Write:
		return "write"
	default:
		return "unlocked"
	}
}

// Chain is the reentrancy ledger shared by every Context a single goroutine
// has open against one segment: it tracks how many times each level has
// been acquired across the whole chain, and which level the underlying
// shared Word is actually sitting at. Only the goroutine that owns the
// chain ever touches it, so the totals themselves need no synchronization;
// what does need synchronization is the Word's shared memory, guarded by
// Word's own atomic CAS loop.
type Chain struct {
	word Word

	// timeout bounds each fresh acquire on this chain to AcquireTimed's
	// degraded-recovery path; zero means the plain, unbounded Acquire is
	// used (the normal, healthy-process path).
	timeout  time.Duration
	listener TimeoutListener

	totalRead   int
	totalUpdate int
	totalWrite  int
	depth       int
}

// NewChain wraps the shared lock word for one (goroutine, segment) pair,
// with no acquire timeout.
func NewChain(word Word) *Chain {
	return &Chain{word: word}
}

// NewChainWithTimeout wraps the shared lock word like NewChain, but bounds
// every fresh acquire to timeout via AcquireTimed, reporting expiry to
// listener. A non-positive timeout disables bounding, same as NewChain.
func NewChainWithTimeout(word Word, timeout time.Duration, listener TimeoutListener) *Chain {
	return &Chain{word: word, timeout: timeout, listener: listener}
}

// maxLevel returns the highest level currently reflected in the shared
// word because of this chain, i.e. what the next Acquire call can grant
// for free.
func (c *Chain) maxLevel() Level {
	switch {
	case c.totalWrite > 0:
		return Write
	case c.totalUpdate > 0:
		return Update
	case c.totalRead > 0:
		return Read
	default:
		return Unlocked
	}
}

const maxChainDepth = 1 << 16

// Acquire grants level to a new Context in this chain, exactly as
// acquireOnce does, except that when the chain was built with
// NewChainWithTimeout it bounds a fresh (non-reentrant) acquire via
// AcquireTimed instead of waiting unboundedly: spec's LockTimeout policy
// (report to listener, reset the word, retry once) applies to every
// acquire path through this chain without each call site having to know
// about it.
func (c *Chain) Acquire(ctx context.Context, level Level) error {
	if c.timeout <= 0 || c.maxLevel() != Unlocked {
		return c.acquireOnce(ctx, level)
	}
	return c.AcquireTimed(ctx, level, c.timeout, c.listener)
}

// acquireOnce grants level to a new Context in this chain. If the chain
// already holds a level permissive enough to cover it, the total is bumped
// without touching the shared word. If the chain holds only Read and level
// is Update or Write, it fails with ErrIllegalUpgrade: the caller must
// release its read lock and re-acquire from Unlocked. If the chain holds
// Update and level is Write, this performs the real upgrade (draining
// readers) rather than failing, since that is exactly what
// UpgradeUpdateToWrite is for; the Update total is left in place
// underneath, matching Release's expectation that releasing the Write
// layer can fall back to Update rather than Unlocked.
func (c *Chain) acquireOnce(ctx context.Context, level Level) error {
	c.depth++
	if c.depth > maxChainDepth {
		panic(&segmaperr.NestedContextExhaustedError{Depth: c.depth})
	}

	cur := c.maxLevel()
	switch {
	case cur >= level && !(cur == Update && level == Write):
		c.bump(level, 1)
		return nil

	case cur == Unlocked:
		if err := c.lockFresh(ctx, level); err != nil {
			c.depth--
			return err
		}
		c.bump(level, 1)
		return nil

	case cur == Read:
		// level is Update or Write: forbidden direct upgrade.
		c.depth--
		return segmaperr.ErrIllegalUpgrade

	case cur == Update && level == Write:
		if err := c.word.UpgradeUpdateToWrite(ctx); err != nil {
			c.depth--
			return err
		}
		c.bump(level, 1)
		return nil
	}
	// unreachable given the level lattice above
	c.depth--
	return segmaperr.ErrIllegalUpgrade
}

func (c *Chain) lockFresh(ctx context.Context, level Level) error {
	switch level {
	case Read:
		return c.word.ReadLock(ctx)
	case Update:
		return c.word.UpdateLock(ctx)
	case Write:
		return c.word.WriteLock(ctx)
	default:
		return nil
	}
}

func (c *Chain) bump(level Level, delta int) {
	switch level {
	case Read:
		c.totalRead += delta
	case Update:
		c.totalUpdate += delta
	case Write:
		c.totalWrite += delta
	}
}

// Release gives back one acquisition of level. If other acquisitions of
// the same or a more permissive level remain in the chain, only the total
// is decremented. Otherwise the shared word is actually released or
// downgraded to whatever level the chain still needs:
//
//	releasing Write with totalUpdate>0  -> downgrade write to update
//	releasing Write with totalRead>0    -> downgrade write to read
//	releasing Write otherwise           -> full write unlock
//	releasing Update with totalRead>0   -> downgrade update to read
//	releasing Update otherwise          -> full update unlock
//	releasing Read                      -> read unlock
//
// Release panics with a LockUnderflowError if level's total is already
// zero, matching the fatal policy for an unmatched Unlock.
func (c *Chain) Release(level Level) {
	switch level {
	case Read:
		if c.totalRead == 0 {
			panic(&segmaperr.LockUnderflowError{Level: "read"})
		}
		c.totalRead--
		if c.totalRead == 0 && c.totalUpdate == 0 && c.totalWrite == 0 {
			c.word.ReadUnlock()
		}
	case Update:
		if c.totalUpdate == 0 {
			panic(&segmaperr.LockUnderflowError{Level: "update"})
		}
		c.totalUpdate--
		if c.totalUpdate == 0 && c.totalWrite == 0 {
			if c.totalRead > 0 {
				c.word.DowngradeUpdateToRead()
			} else {
				c.word.UpdateUnlock()
			}
		}
	case Write:
		if c.totalWrite == 0 {
			panic(&segmaperr.LockUnderflowError{Level: "write"})
		}
		c.totalWrite--
		if c.totalWrite == 0 {
			switch {
			case c.totalUpdate > 0:
				c.word.DowngradeWriteToUpdate()
			case c.totalRead > 0:
				c.word.DowngradeWriteToRead()
			default:
				c.word.WriteUnlock()
			}
		}
	}
	c.depth--
}

// ReleaseAll is used when a Context is closed (or its owning root closes)
// while it still holds a level: it releases down to whatever the rest of
// the chain needs, exactly as if Release had been called for that one
// acquisition, then marks this Context's contribution gone. Call sites
// pass the level the closing Context itself was holding.
func (c *Chain) ReleaseAll(level Level) {
	if level != Unlocked {
		c.Release(level)
	}
}

// HeldLevel reports the level currently reflected in the shared word
// because of this chain as a whole (not any one Context within it).
func (c *Chain) HeldLevel() Level { return c.maxLevel() }

// Depth reports how many Contexts are currently open against this chain.
func (c *Chain) Depth() int { return c.depth }
