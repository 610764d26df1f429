package segmap

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// loadCall tracks one in-flight GetOrLoad population for a key.
type loadCall[V any] struct {
	wg   sync.WaitGroup
	val  V
	err  error
	dups int32
}

// loadGroup coalesces concurrent GetOrLoad misses for the same key into a
// single call to the supplied loader, so a cache-stampede on first access
// only pays the load cost once. Grounded directly on the teacher's
// OnceGroup (oncegroup.go): same duplicate-suppression algorithm and
// panic/Goexit propagation, backed by the same in-process pb.MapOf — here
// used to protect the (comparatively expensive) Put into the mapped
// segment rather than an arbitrary singleflight call.
type loadGroup[K comparable, V any] struct {
	m pb.MapOf[K, *loadCall[V]]
}

func (g *loadGroup[K, V]) do(key K, fn func() (V, error)) (V, error, bool) {
	var c *loadCall[V]
	_, loaded := g.m.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *loadCall[V]]) (*pb.EntryOf[K, *loadCall[V]], *loadCall[V], bool) {
			if l != nil {
				c = l.Value
				atomic.AddInt32(&c.dups, 1)
				return l, c, true
			}
			c = &loadCall[V]{}
			c.wg.Add(1)
			return &pb.EntryOf[K, *loadCall[V]]{Value: c}, c, false
		},
	)
	if loaded {
		c.wg.Wait()
		var e *loadPanicError
		if errors.As(c.err, &e) {
			panic(e)
		} else if errors.Is(c.err, errLoadGoexit) {
			runtime.Goexit()
		}
		return c.val, c.err, true
	}

	g.doCall(c, key, fn)
	shared := atomic.LoadInt32(&c.dups) > 0
	return c.val, c.err, shared
}

func (g *loadGroup[K, V]) doCall(c *loadCall[V], key K, fn func() (V, error)) {
	normalReturn := false
	recovered := false

	defer func() {
		if !normalReturn && !recovered {
			c.err = errLoadGoexit
		}
		c.wg.Done()
		_, _ = g.m.ProcessEntry(
			key,
			func(l *pb.EntryOf[K, *loadCall[V]]) (*pb.EntryOf[K, *loadCall[V]], *loadCall[V], bool) {
				if l != nil && l.Value == c {
					return nil, nil, false
				}
				return l, nil, false
			},
		)

		var e *loadPanicError
		if errors.As(c.err, &e) {
			panic(e)
		}
	}()

	func() {
		defer func() {
			if !normalReturn {
				if r := recover(); r != nil {
					c.err = newLoadPanicError(r)
				}
			}
		}()
		c.val, c.err = fn()
		normalReturn = true
	}()

	if !normalReturn {
		recovered = true
	}
}

type loadPanicError struct {
	value any
	stack []byte
}

func (p *loadPanicError) Error() string {
	return fmt.Sprintf("%v\n\n%s", p.value, p.stack)
}

func (p *loadPanicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

func newLoadPanicError(v any) error {
	stack := debug.Stack()
	if line := bytes.IndexByte(stack[:], '\n'); line >= 0 {
		stack = stack[line+1:]
	}
	return &loadPanicError{value: v, stack: stack}
}

var errLoadGoexit = errors.New("runtime.Goexit was called")
