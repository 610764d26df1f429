package rtutil

import (
	"runtime"
	"strconv"
)

// GoroutineID returns an identifier for the calling goroutine.
//
// Go deliberately has no public API for this; the thread-local ownership
// the lock protocol needs is instead approximated with the well-known
// runtime.Stack-parsing trick ("goroutine 123 [running]:" is always the
// first line of a single-goroutine stack dump). It is slow relative to the
// CAS loops elsewhere in this package, so callers should cache the result
// for the lifetime of a Context rather than call this on every operation.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]

	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
