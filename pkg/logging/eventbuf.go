// Package logging implements the in-memory dataplane event buffer consumed
// by the CLI, API, and flow exporter.
package logging

import (
	"sync"
	"time"
)

// Event types.
const (
	EventFlowOpen   = "FLOW_OPEN"
	EventFlowClose  = "FLOW_CLOSE"
	EventDrop       = "DROP"
	EventCryptoFail = "CRYPTO_FAIL"
)

// EventRecord is a formatted dataplane event stored in the event buffer.
// Workers emit per-flow events (open, close via aging) and error events,
// never per-packet records.
type EventRecord struct {
	Time     time.Time
	Type     string // EventFlowOpen, EventFlowClose, ...
	Worker   int
	SrcAddr  string // "10.0.1.5:443"
	DstAddr  string
	Protocol string // "TCP", "UDP"
	Reason   string // close/drop reason
	TunnelID uint32
	Packets  uint64
	Bytes    uint64
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is not closed; readers select on it.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest when full. Subscribers are
// notified non-blocking; a slow subscriber loses events, never stalls a
// worker.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Recent returns up to n most recent events, newest last.
func (eb *EventBuffer) Recent(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 || n > eb.count {
		n = eb.count
	}
	out := make([]EventRecord, 0, n)
	start := eb.head - n
	if start < 0 {
		start += eb.size
	}
	for i := 0; i < n; i++ {
		out = append(out, eb.buf[(start+i)%eb.size])
	}
	return out
}

// Len returns the number of stored events.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}
