//go:build !linux

// Package affinity pins worker threads to CPU cores where the platform
// allows it. Pinning is opportunistic: failure costs cache locality, never
// correctness.
package affinity

import "errors"

// ErrUnsupported is returned on platforms without thread affinity control.
var ErrUnsupported = errors.New("cpu pinning not supported on this platform")

// Pin is a no-op fallback.
func Pin(cpu int) error { return ErrUnsupported }
