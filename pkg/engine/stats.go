// Package engine implements the per-core run-to-completion fast path:
// workers, the pipeline they execute, and the engine lifecycle around them.
package engine

import (
	"sync/atomic"
	"time"
)

// Stats is the engine-wide counter block. Every worker increments it
// concurrently; all updates are independent atomic adds with no ordering
// requirements, read by the observability paths off the hot loop. One
// Stats instance is owned by the engine and passed to each worker at
// construction.
type Stats struct {
	RxPackets atomic.Uint64
	TxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxBytes   atomic.Uint64
	Dropped   atomic.Uint64

	FlowHits   atomic.Uint64
	FlowMisses atomic.Uint64

	// Cycles counts processed batches across all workers.
	Cycles atomic.Uint64

	// Drop breakdown. Dropped is the sum; these attribute the cause.
	DropNoBuffer  atomic.Uint64
	DropMalformed atomic.Uint64
	DropPolicy    atomic.Uint64
	DropCrypto    atomic.Uint64

	start atomic.Int64 // unix nanos of last reset
}

// NewStats creates a zeroed counter block.
func NewStats() *Stats {
	s := &Stats{}
	s.start.Store(time.Now().UnixNano())
	return s
}

// Reset zeroes every counter and restarts the rate window.
func (s *Stats) Reset() {
	s.RxPackets.Store(0)
	s.TxPackets.Store(0)
	s.RxBytes.Store(0)
	s.TxBytes.Store(0)
	s.Dropped.Store(0)
	s.FlowHits.Store(0)
	s.FlowMisses.Store(0)
	s.Cycles.Store(0)
	s.DropNoBuffer.Store(0)
	s.DropMalformed.Store(0)
	s.DropPolicy.Store(0)
	s.DropCrypto.Store(0)
	s.start.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of the counters. Reads are not atomic
// as a set; counters may be mid-update, which is fine for reporting.
type Snapshot struct {
	RxPackets  uint64 `json:"rx_packets"`
	TxPackets  uint64 `json:"tx_packets"`
	RxBytes    uint64 `json:"rx_bytes"`
	TxBytes    uint64 `json:"tx_bytes"`
	Dropped    uint64 `json:"dropped"`
	FlowHits   uint64 `json:"flow_hits"`
	FlowMisses uint64 `json:"flow_misses"`
	Cycles     uint64 `json:"cycles"`

	DropNoBuffer  uint64 `json:"drop_no_buffer"`
	DropMalformed uint64 `json:"drop_malformed"`
	DropPolicy    uint64 `json:"drop_policy"`
	DropCrypto    uint64 `json:"drop_crypto"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RxPackets:     s.RxPackets.Load(),
		TxPackets:     s.TxPackets.Load(),
		RxBytes:       s.RxBytes.Load(),
		TxBytes:       s.TxBytes.Load(),
		Dropped:       s.Dropped.Load(),
		FlowHits:      s.FlowHits.Load(),
		FlowMisses:    s.FlowMisses.Load(),
		Cycles:        s.Cycles.Load(),
		DropNoBuffer:  s.DropNoBuffer.Load(),
		DropMalformed: s.DropMalformed.Load(),
		DropPolicy:    s.DropPolicy.Load(),
		DropCrypto:    s.DropCrypto.Load(),
		Elapsed:       time.Since(time.Unix(0, s.start.Load())),
	}
}

// ThroughputGbps derives the received bit rate over the window.
func (sn Snapshot) ThroughputGbps() float64 {
	secs := sn.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(sn.RxBytes) * 8 / secs / 1e9
}

// PacketRateMpps derives the received packet rate over the window.
func (sn Snapshot) PacketRateMpps() float64 {
	secs := sn.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(sn.RxPackets) / secs / 1e6
}
