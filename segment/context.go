package segment

import (
	"context"

	"github.com/offheapdb/segmap/internal/rtutil"
	"github.com/offheapdb/segmap/internal/seglock"
	"github.com/offheapdb/segmap/segmaperr"
)

// Context pins one goroutine's access to a Segment: it owns a reentrancy
// Chain, tracks the level (if any) this particular Context instance is
// currently holding, and detects access from a foreign goroutine.
//
// A Segment allows at most one root Context per goroutine at a time;
// OpenContext on a goroutine that already has one returns
// ErrNestedContextUnsupported. OpenNested creates a child sharing the same
// Chain, for code that legitimately needs to pass a handle deeper into a
// call stack without re-deriving hash/key lookups.
type Context[K comparable, V any] struct {
	seg      *Segment[K, V]
	chain    *seglock.Chain
	ownerGID uint64
	isRoot   bool
	closed   bool

	level seglock.Level

	scan scanState
}

// OpenContext creates the root Context for the calling goroutine against
// seg. It fails with ErrNestedContextUnsupported if this goroutine already
// has one open.
func (s *Segment[K, V]) OpenContext() (*Context[K, V], error) {
	gid := rtutil.GoroutineID()

	s.mu.Lock()
	if e, ok := s.roots[gid]; ok && e.openContext != nil {
		s.mu.Unlock()
		return nil, segmaperr.ErrNestedContextUnsupported
	}
	e, ok := s.roots[gid]
	if !ok {
		e = &rootEntry[K, V]{chain: seglock.NewChainWithTimeout(s.lock, s.lockTimeout, s.lockTimeoutListener)}
		s.roots[gid] = e
	}
	ctx := &Context[K, V]{seg: s, chain: e.chain, ownerGID: gid, isRoot: true}
	e.openContext = ctx
	s.mu.Unlock()

	return ctx, nil
}

// OpenNested creates a child Context sharing c's reentrancy chain. It must
// be called, like every public Context operation, from the owning
// goroutine.
func (c *Context[K, V]) OpenNested() (*Context[K, V], error) {
	if err := c.checkOwner(); err != nil {
		return nil, err
	}
	return &Context[K, V]{seg: c.seg, chain: c.chain, ownerGID: c.ownerGID, isRoot: false}, nil
}

func (c *Context[K, V]) checkOwner() error {
	if rtutil.GoroutineID() != c.ownerGID {
		return segmaperr.ErrConcurrentAccess
	}
	return nil
}

// ReadLock, UpdateLock, and WriteLock acquire the named level on this
// Context, respecting and updating the chain's reentrancy bookkeeping.
func (c *Context[K, V]) ReadLock(ctx context.Context) error   { return c.acquire(ctx, seglock.Read) }
func (c *Context[K, V]) UpdateLock(ctx context.Context) error { return c.acquire(ctx, seglock.Update) }
func (c *Context[K, V]) WriteLock(ctx context.Context) error  { return c.acquire(ctx, seglock.Write) }

func (c *Context[K, V]) acquire(ctx context.Context, level seglock.Level) error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	if err := c.chain.Acquire(ctx, level); err != nil {
		return err
	}
	if level > c.level {
		c.level = level
	}
	return nil
}

// escalateToWrite temporarily raises this Context's chain to Write without
// changing c.level, for the duration of a structural mutation
// (ReplaceValue relocation or Remove) performed while holding Update; the
// matching restoreFromWrite call brings the chain back down afterward.
func (c *Context[K, V]) escalateToWrite(ctx context.Context) error {
	return c.chain.Acquire(ctx, seglock.Write)
}

func (c *Context[K, V]) restoreFromWrite() {
	c.chain.Release(seglock.Write)
}

// closeScan resets any in-flight scan bookkeeping. A Context closed mid-scan
// (e.g. the predicate returned an error that unwound the caller) must not
// leave a stale cursor behind for a future ScanRemoving on the same Context.
func (c *Context[K, V]) closeScan() {
	c.scan = scanState{}
}

// Close releases whatever level this Context ended at, walking the
// Chain's release table down to Unlocked, and — for a root Context — frees
// this goroutine's slot in the Segment's root registry.
func (c *Context[K, V]) Close() error {
	if err := c.checkOwner(); err != nil {
		return err
	}
	if c.closed {
		return nil
	}
	c.closeScan()
	if c.level != seglock.Unlocked {
		c.chain.Release(c.level)
		c.level = seglock.Unlocked
	}
	c.closed = true

	if c.isRoot {
		c.seg.mu.Lock()
		if e, ok := c.seg.roots[c.ownerGID]; ok {
			e.openContext = nil
			if e.chain.Depth() == 0 {
				delete(c.seg.roots, c.ownerGID)
			}
		}
		c.seg.mu.Unlock()
	}
	return nil
}
