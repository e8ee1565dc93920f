package source

import (
	"sync"
	"time"
)

// defaultPollWait bounds how long a Poll blocks with no traffic. It caps
// worker shutdown latency together with the batch size.
const defaultPollWait = 50 * time.Millisecond

// ChannelSource feeds a worker from an in-process channel. Used by the
// simulator daemon mode and throughout the engine tests.
type ChannelSource struct {
	ch    chan []byte
	wait  time.Duration
	batch [][]byte
}

// NewChannelSource creates a source fed by ch.
func NewChannelSource(ch chan []byte) *ChannelSource {
	return &ChannelSource{ch: ch, wait: defaultPollWait}
}

// Poll collects up to max frames: it waits briefly for the first frame,
// then drains whatever else is immediately available.
func (s *ChannelSource) Poll(max int) ([][]byte, error) {
	s.batch = s.batch[:0]

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case f, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		s.batch = append(s.batch, f)
	case <-timer.C:
		return nil, nil
	}

	for len(s.batch) < max {
		select {
		case f, ok := <-s.ch:
			if !ok {
				return s.batch, nil
			}
			s.batch = append(s.batch, f)
		default:
			return s.batch, nil
		}
	}
	return s.batch, nil
}

// Close is a no-op; the feeding side owns the channel.
func (s *ChannelSource) Close() error { return nil }

// ChannelSink collects transmitted frames on a channel, coalescing chained
// segments into one contiguous frame.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChannelSink creates a sink delivering frames to ch.
func NewChannelSink(ch chan []byte) *ChannelSink {
	return &ChannelSink{ch: ch}
}

// Send copies the segments into one frame and delivers it. Frames are
// dropped when the consumer falls behind rather than blocking the worker.
func (s *ChannelSink) Send(segments ...[]byte) error {
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	frame := make([]byte, 0, total)
	for _, seg := range segments {
		frame = append(frame, seg...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- frame:
	default:
	}
	return nil
}

// Close marks the sink closed and closes the delivery channel.
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
