package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/veloxsec/velox/pkg/config"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/logging"
	"github.com/veloxsec/velox/pkg/source"
	"github.com/veloxsec/velox/pkg/tunnel"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrSpawnFailed    = errors.New("worker spawn failed")
	ErrConfig         = errors.New("invalid engine configuration")
)

// SourceFactory builds the packet source for one worker. Each worker gets
// its own source so a flow's packets always arrive on the same worker.
type SourceFactory func(worker int) (source.PacketSource, error)

// SinkFactory builds the packet sink for one worker.
type SinkFactory func(worker int) (source.PacketSink, error)

// Options wires the engine's collaborators.
type Options struct {
	Crypto    *tunnel.Engine
	Policy    Policy
	Events    *logging.EventBuffer
	FlowClose FlowCloseFn
	NewSource SourceFactory
	NewSink   SinkFactory
	Logger    *slog.Logger
}

// Engine owns the worker set and its lifecycle. Buffer pool and flow
// table sizes from the configuration are per worker; workers share
// nothing but the counter block and the tunnel registry.
type Engine struct {
	cfg    config.EngineConfig
	opts   Options
	log    *slog.Logger
	stats  *Stats
	crypto *tunnel.Engine

	mu      sync.Mutex
	workers []*Worker
	stop    atomic.Bool
	running atomic.Bool
	wg      sync.WaitGroup
}

// New validates the wiring and creates a stopped engine.
func New(cfg config.EngineConfig, opts Options) (*Engine, error) {
	if opts.NewSource == nil || opts.NewSink == nil {
		return nil, fmt.Errorf("%w: source and sink factories are required", ErrConfig)
	}
	if cfg.NumCores < 1 || cfg.BatchSize < 1 || cfg.FlowTableSize < 1 || cfg.BufferPoolSize < 1 {
		return nil, fmt.Errorf("%w: cores=%d batch=%d table=%d pool=%d",
			ErrConfig, cfg.NumCores, cfg.BatchSize, cfg.FlowTableSize, cfg.BufferPoolSize)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	crypto := opts.Crypto
	if crypto == nil {
		crypto = tunnel.NewEngine()
	}
	return &Engine{
		cfg:    cfg,
		opts:   opts,
		log:    log,
		stats:  NewStats(),
		crypto: crypto,
	}, nil
}

// Start spins up one worker per configured core. On any worker's
// construction failure the already-built workers are torn down and the
// engine stays stopped.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	pipeline := NewPipeline(e.opts.Policy, e.crypto)
	workers := make([]*Worker, 0, e.cfg.NumCores)
	for i := 0; i < e.cfg.NumCores; i++ {
		w, err := e.buildWorker(i, pipeline)
		if err != nil {
			for _, built := range workers {
				built.close()
			}
			return fmt.Errorf("%w: worker %d: %v", ErrSpawnFailed, i, err)
		}
		workers = append(workers, w)
	}

	e.workers = workers
	e.stop.Store(false)
	for _, w := range workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			w.run(&e.stop)
		}(w)
	}
	e.running.Store(true)
	e.log.Info("engine started",
		"workers", len(workers),
		"batch_size", e.cfg.BatchSize,
		"pool_size", e.cfg.BufferPoolSize,
		"table_size", e.cfg.FlowTableSize,
		"hugepages", e.cfg.UseHugepages)
	return nil
}

func (e *Engine) buildWorker(id int, pipeline *Pipeline) (*Worker, error) {
	src, err := e.opts.NewSource(id)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sink, err := e.opts.NewSink(id)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("sink: %w", err)
	}
	w, err := newWorker(workerConfig{
		id:            id,
		poolSize:      e.cfg.BufferPoolSize,
		useHugepages:  e.cfg.UseHugepages,
		tableSize:     e.cfg.FlowTableSize,
		softTimeout:   e.cfg.SoftTimeout(),
		hardTimeout:   e.cfg.HardTimeout(),
		agingInterval: e.cfg.AgingInterval(),
		batchSize:     e.cfg.BatchSize,
		pipeline:      pipeline,
		src:           src,
		sink:          sink,
		stats:         e.stats,
		log:           e.log,
		events:        e.opts.Events,
		onClose:       e.opts.FlowClose,
	})
	if err != nil {
		src.Close()
		sink.Close()
		return nil, err
	}
	return w, nil
}

// Stop signals the workers, waits for every loop to exit, and releases
// all per-worker resources. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return nil
	}
	e.stop.Store(true)
	e.wg.Wait()
	for _, w := range e.workers {
		w.close()
	}
	e.workers = nil
	e.running.Store(false)

	sn := e.stats.Snapshot()
	e.log.Info("engine stopped",
		"rx_packets", sn.RxPackets,
		"tx_packets", sn.TxPackets,
		"dropped", sn.Dropped,
		"cycles", sn.Cycles)
	return nil
}

// IsRunning reports the lifecycle state.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Stats returns a point-in-time counter snapshot.
func (e *Engine) Stats() Snapshot { return e.stats.Snapshot() }

// ResetStats zeroes the counters and restarts the rate window.
func (e *Engine) ResetStats() { e.stats.Reset() }

// Tunnels returns the crypto tunnel registry.
func (e *Engine) Tunnels() *tunnel.Engine { return e.crypto }

// Workers returns the configured worker count.
func (e *Engine) Workers() int { return e.cfg.NumCores }

// Flows aggregates the most recently published flow snapshots across all
// workers. Safe to call from any goroutine while the engine runs.
func (e *Engine) Flows() []flow.Snapshot {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()
	var out []flow.Snapshot
	for _, w := range workers {
		out = append(out, w.Flows()...)
	}
	return out
}

// FlowCount sums the current table occupancy across workers.
func (e *Engine) FlowCount() int {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()
	total := 0
	for _, w := range workers {
		total += w.FlowCount()
	}
	return total
}

// PoolStats sums buffer availability across workers.
func (e *Engine) PoolStats() (available, capacity int) {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()
	for _, w := range workers {
		a, c := w.PoolStats()
		available += a
		capacity += c
	}
	return available, capacity
}
