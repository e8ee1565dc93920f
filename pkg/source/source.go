// Package source defines the packet I/O boundary of the fast path and two
// implementations: an in-process channel pair for tests and simulation,
// and an AF_PACKET adapter for running against a real interface on Linux.
package source

import "errors"

// ErrClosed is returned by Poll once a source is closed and drained.
var ErrClosed = errors.New("packet source closed")

// PacketSource delivers batches of raw inbound frames to one worker.
// Poll returns up to max frames, blocking for at most a short interval so
// the worker can observe the engine's stop flag between batches. The
// returned frames are only valid until the next Poll call; the worker
// copies them into pool buffers at ingress.
type PacketSource interface {
	Poll(max int) ([][]byte, error)
	Close() error
}

// PacketSink accepts processed outbound frames. A frame may arrive
// scattered across the segments of a buffer chain; the sink transmits the
// segments as one frame.
type PacketSink interface {
	Send(segments ...[]byte) error
	Close() error
}
