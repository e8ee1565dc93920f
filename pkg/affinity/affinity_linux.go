//go:build linux

// Package affinity pins worker threads to CPU cores where the platform
// allows it. Pinning is opportunistic: failure costs cache locality, never
// correctness.
package affinity

import "golang.org/x/sys/unix"

// Pin binds the calling thread to the given CPU. Call from a goroutine
// that has locked its OS thread.
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
