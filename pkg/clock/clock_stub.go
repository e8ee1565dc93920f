//go:build !linux

// Package clock provides the monotonic timestamps used for flow and buffer
// bookkeeping on the fast path.
package clock

import "time"

var base = time.Now()

// Monotonic returns nanoseconds elapsed since process start. time.Since
// uses the runtime's monotonic reading, matching the Linux implementation.
func Monotonic() uint64 {
	return uint64(time.Since(base))
}
