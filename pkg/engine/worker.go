package engine

import (
	"errors"
	"log/slog"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/veloxsec/velox/pkg/affinity"
	"github.com/veloxsec/velox/pkg/buffer"
	"github.com/veloxsec/velox/pkg/clock"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/logging"
	"github.com/veloxsec/velox/pkg/source"
)

// pollErrBackoff throttles logging and retries when a source keeps
// failing, so a broken source cannot spin a core at full rate.
const pollErrBackoff = 100 * time.Millisecond

// FlowCloseFn observes flows as aging removes them, off the packet path.
type FlowCloseFn func(worker int, snap flow.Snapshot, reason flow.EvictReason)

// Worker is one run-to-completion fast path instance. Each worker owns its
// buffer pool and flow table outright; nothing on the packet path is
// shared, so the loop takes no locks. The only cross-thread traffic is
// atomic counter updates and the flow snapshot published on aging sweeps.
type Worker struct {
	id       int
	pool     *buffer.Pool
	table    *flow.Table
	pipeline *Pipeline
	src      source.PacketSource
	sink     source.PacketSink
	stats    *Stats
	log      *slog.Logger
	events   *logging.EventBuffer
	onClose  FlowCloseFn

	agingInterval uint64 // nanoseconds between table sweeps
	batchSize     int
	lastSweep     uint64

	flows atomic.Pointer[[]flow.Snapshot]

	segbuf [][]byte // reused per packet for chain transmit
}

type workerConfig struct {
	id            int
	poolSize      int
	useHugepages  bool
	tableSize     int
	softTimeout   time.Duration
	hardTimeout   time.Duration
	agingInterval time.Duration
	batchSize     int
	pipeline      *Pipeline
	src           source.PacketSource
	sink          source.PacketSink
	stats         *Stats
	log           *slog.Logger
	events        *logging.EventBuffer
	onClose       FlowCloseFn
}

func newWorker(cfg workerConfig) (*Worker, error) {
	pool, err := buffer.NewPool(cfg.poolSize, buffer.Options{UseHugepages: cfg.useHugepages})
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:            cfg.id,
		pool:          pool,
		table:         flow.NewTable(cfg.tableSize, cfg.softTimeout, cfg.hardTimeout),
		pipeline:      cfg.pipeline,
		src:           cfg.src,
		sink:          cfg.sink,
		stats:         cfg.stats,
		log:           cfg.log,
		events:        cfg.events,
		onClose:       cfg.onClose,
		agingInterval: uint64(cfg.agingInterval),
		batchSize:     cfg.batchSize,
	}
	w.table.SetEvictFn(w.flowEvicted)
	empty := []flow.Snapshot{}
	w.flows.Store(&empty)
	return w, nil
}

// run is the worker loop. It returns when stop is set or the source is
// closed. The goroutine is locked to an OS thread and pinned to the CPU
// matching the worker ID where the platform allows it.
func (w *Worker) run(stop *atomic.Bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := affinity.Pin(w.id); err != nil {
		w.log.Debug("cpu pinning unavailable", "worker", w.id, "cpu", w.id, "err", err)
	}
	w.lastSweep = clock.Monotonic()

	var lastErrLog time.Time
	for !stop.Load() {
		frames, err := w.src.Poll(w.batchSize)
		if err != nil {
			if errors.Is(err, source.ErrClosed) {
				return
			}
			if time.Since(lastErrLog) > time.Second {
				w.log.Warn("source poll failed", "worker", w.id, "err", err)
				lastErrLog = time.Now()
			}
			time.Sleep(pollErrBackoff)
			continue
		}
		if len(frames) > 0 {
			w.processBatch(frames)
			w.stats.Cycles.Add(1)
		}
		w.maybeSweep()
	}
}

func (w *Worker) processBatch(frames [][]byte) {
	now := clock.Monotonic()
	for _, frame := range frames {
		w.stats.RxPackets.Add(1)
		w.stats.RxBytes.Add(uint64(len(frame)))
		w.processFrame(frame, now)
	}
}

// processFrame runs one packet to completion: copy into the arena, parse,
// resolve the flow, run the pipeline, transmit or drop.
func (w *Worker) processFrame(frame []byte, now uint64) {
	info, ok := parseFrame(frame)
	if !ok {
		w.drop(&w.stats.DropMalformed, nil)
		return
	}

	b := w.store(frame)
	if b == nil {
		w.drop(&w.stats.DropNoBuffer, nil)
		return
	}

	state, created, forward := w.table.LookupOrCreate(info.key, now)
	if created {
		w.stats.FlowMisses.Add(1)
		w.flowOpened(info.key, now)
	} else {
		w.stats.FlowHits.Add(1)
	}
	state.Touch(len(frame), now)

	pkt := Packet{
		Buf:      b,
		Key:      info.key,
		State:    state,
		TCPFlags: info.tcpFlags,
		L3Offset: info.l3Offset,
		Forward:  forward,
		Worker:   w.id,
	}
	switch w.pipeline.Run(&pkt) {
	case Forward:
		w.transmit(b)
	case DropPolicy:
		w.drop(&w.stats.DropPolicy, b)
	case DropCrypto:
		w.drop(&w.stats.DropCrypto, b)
	}
}

// store copies a raw frame into pool buffers, chaining slots when the
// frame exceeds one slot's data room. Continuation slots keep their
// headroom unused; only the head's headroom receives pushed headers.
func (w *Worker) store(frame []byte) *buffer.Buffer {
	head := w.pool.Alloc()
	if head == nil {
		return nil
	}
	b := head
	for {
		n := len(frame)
		if room := b.Tailroom(); n > room {
			n = room
		}
		dst, _ := b.Append(n)
		copy(dst, frame[:n])
		frame = frame[n:]
		if len(frame) == 0 {
			return head
		}
		next := w.pool.Alloc()
		if next == nil {
			w.pool.Free(head)
			return nil
		}
		b.SetNext(next)
		b = next
	}
}

func (w *Worker) transmit(b *buffer.Buffer) {
	w.segbuf = w.segbuf[:0]
	total := 0
	for seg := b; seg != nil; seg = seg.Next() {
		w.segbuf = append(w.segbuf, seg.Bytes())
		total += seg.Len()
	}
	if err := w.sink.Send(w.segbuf...); err != nil {
		w.drop(&w.stats.Dropped, b)
		return
	}
	w.stats.TxPackets.Add(1)
	w.stats.TxBytes.Add(uint64(total))
	w.pool.Free(b)
}

// drop counts a dropped packet and releases its buffer if one was taken.
// counter attributes the cause; Dropped is always incremented.
func (w *Worker) drop(counter *atomic.Uint64, b *buffer.Buffer) {
	if counter != &w.stats.Dropped {
		counter.Add(1)
	}
	w.stats.Dropped.Add(1)
	if b != nil {
		w.pool.Free(b)
	}
}

// maybeSweep ages the flow table when the aging interval has elapsed and
// publishes a fresh snapshot for the observability paths.
func (w *Worker) maybeSweep() {
	now := clock.Monotonic()
	if now-w.lastSweep < w.agingInterval {
		return
	}
	w.lastSweep = now
	if n := w.table.Age(now); n > 0 {
		w.log.Debug("flow aging sweep", "worker", w.id, "evicted", n, "remaining", w.table.Len())
	}
	snap := w.table.Snapshot()
	w.flows.Store(&snap)
}

// Flows returns the most recently published flow snapshot. Safe to call
// from any goroutine.
func (w *Worker) Flows() []flow.Snapshot {
	return *w.flows.Load()
}

// PoolStats reports buffer accounting for the observability paths. The
// values are read unsynchronized from the owning worker's pool; they are
// approximate while the worker runs.
func (w *Worker) PoolStats() (available, capacity int) {
	return w.pool.Available(), w.pool.Cap()
}

// FlowCount reports the current flow table occupancy, approximate while
// the worker runs.
func (w *Worker) FlowCount() int { return w.table.Len() }

func (w *Worker) flowOpened(k flow.Key, now uint64) {
	if w.events == nil {
		return
	}
	w.events.Add(logging.EventRecord{
		Time:     time.Now(),
		Type:     logging.EventFlowOpen,
		Worker:   w.id,
		SrcAddr:  netip.AddrPortFrom(k.SrcAddr(), k.SrcPort).String(),
		DstAddr:  netip.AddrPortFrom(k.DstAddr(), k.DstPort).String(),
		Protocol: flow.ProtocolName(k.Protocol),
	})
}

// flowEvicted runs on the worker's own loop when aging or LRU pressure
// removes an entry.
func (w *Worker) flowEvicted(s *flow.State, reason flow.EvictReason) {
	snap := flow.Snapshot{
		Key:       s.Key,
		Packets:   s.Packets,
		Bytes:     s.Bytes,
		FirstSeen: s.FirstSeen,
		LastSeen:  s.LastSeen,
		TCP:       s.TCP,
		Flags:     s.Flags,
		TunnelID:  s.TunnelID,
	}
	if w.onClose != nil {
		w.onClose(w.id, snap, reason)
	}
	if w.events != nil {
		k := s.Key
		w.events.Add(logging.EventRecord{
			Time:     time.Now(),
			Type:     logging.EventFlowClose,
			Worker:   w.id,
			SrcAddr:  netip.AddrPortFrom(k.SrcAddr(), k.SrcPort).String(),
			DstAddr:  netip.AddrPortFrom(k.DstAddr(), k.DstPort).String(),
			Protocol: flow.ProtocolName(k.Protocol),
			Reason:   reason.String(),
			TunnelID: s.TunnelID,
			Packets:  s.Packets,
			Bytes:    s.Bytes,
		})
	}
}

// close releases the worker's pool and I/O endpoints after the loop has
// exited.
func (w *Worker) close() {
	w.src.Close()
	w.sink.Close()
	w.pool.Close()
}
