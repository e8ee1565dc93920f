//go:build linux

// Package clock provides the monotonic timestamps used for flow and buffer
// bookkeeping on the fast path.
package clock

import "golang.org/x/sys/unix"

// Monotonic returns the current CLOCK_MONOTONIC reading in nanoseconds.
func Monotonic() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
