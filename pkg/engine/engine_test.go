package engine

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/veloxsec/velox/pkg/buffer"
	"github.com/veloxsec/velox/pkg/config"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/source"
	"github.com/veloxsec/velox/pkg/tunnel"
)

type harness struct {
	engine *Engine
	in     chan []byte
	out    chan []byte
}

func newHarness(t *testing.T, mutate func(*Options), engineCfg func(*config.EngineConfig)) *harness {
	t.Helper()
	cfg := config.Config{Engine: config.EngineConfig{
		NumCores:          1,
		FlowTableSize:     64,
		BatchSize:         8,
		BufferPoolSize:    32,
		FlowAgingInterval: "20ms",
		FlowSoftTimeout:   "60ms",
		FlowHardTimeout:   "10s",
	}}
	if engineCfg != nil {
		engineCfg(&cfg.Engine)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	h := &harness{
		in:  make(chan []byte, 64),
		out: make(chan []byte, 64),
	}
	opts := Options{
		NewSource: func(int) (source.PacketSource, error) {
			return source.NewChannelSource(h.in), nil
		},
		NewSink: func(int) (source.PacketSink, error) {
			return source.NewChannelSink(h.out), nil
		},
		Logger: slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(cfg.Engine, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	t.Cleanup(func() { e.Stop() })
	return h
}

func (h *harness) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-h.out:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame transmitted")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNewRequiresFactories(t *testing.T) {
	_, err := New(config.EngineConfig{NumCores: 1, BatchSize: 1, FlowTableSize: 1, BufferPoolSize: 1}, Options{})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	e := h.engine

	if e.IsRunning() {
		t.Fatal("new engine reports running")
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.IsRunning() {
		t.Fatal("started engine reports stopped")
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	begin := time.Now()
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if d := time.Since(begin); d > time.Second {
		t.Errorf("Stop took %v", d)
	}
	if e.IsRunning() {
		t.Fatal("stopped engine reports running")
	}
	if err := e.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestStartRollsBackOnSpawnFailure(t *testing.T) {
	boom := errors.New("no such device")
	h := newHarness(t, func(o *Options) {
		inner := o.NewSource
		o.NewSource = func(worker int) (source.PacketSource, error) {
			if worker == 1 {
				return nil, boom
			}
			return inner(worker)
		}
	}, func(e *config.EngineConfig) { e.NumCores = 2 })

	err := h.engine.Start()
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Start = %v, want ErrSpawnFailed", err)
	}
	if h.engine.IsRunning() {
		t.Error("engine running after failed Start")
	}
}

func TestForwardPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := ipv4Frame(protoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		udpSegment(1111, 2222, []byte("hello")))
	h.in <- frame

	got := h.recv(t)
	if !bytes.Equal(got, frame) {
		t.Errorf("transmitted frame differs from input")
	}

	waitFor(t, func() bool { return h.engine.Stats().TxPackets == 1 })
	sn := h.engine.Stats()
	if sn.RxPackets != 1 || sn.FlowMisses != 1 || sn.Dropped != 0 {
		t.Errorf("stats = rx %d misses %d dropped %d", sn.RxPackets, sn.FlowMisses, sn.Dropped)
	}
	if sn.RxBytes != uint64(len(frame)) {
		t.Errorf("rx_bytes = %d, want %d", sn.RxBytes, len(frame))
	}
}

func TestReturnTrafficHitsSameFlow(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fwd := ipv4Frame(protoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		udpSegment(1111, 2222, nil))
	rev := ipv4Frame(protoUDP, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1},
		udpSegment(2222, 1111, nil))
	h.in <- fwd
	h.recv(t)
	h.in <- rev
	h.recv(t)

	waitFor(t, func() bool { return h.engine.Stats().TxPackets == 2 })
	sn := h.engine.Stats()
	if sn.FlowMisses != 1 || sn.FlowHits != 1 {
		t.Errorf("misses=%d hits=%d, want 1/1", sn.FlowMisses, sn.FlowHits)
	}
}

func TestMalformedDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.in <- []byte{0x01, 0x02, 0x03}
	waitFor(t, func() bool { return h.engine.Stats().DropMalformed == 1 })
	sn := h.engine.Stats()
	if sn.Dropped != 1 || sn.TxPackets != 0 {
		t.Errorf("dropped=%d tx=%d", sn.Dropped, sn.TxPackets)
	}
}

func TestPolicyDrop(t *testing.T) {
	blocked := flow.FromV4([4]byte{10, 0, 0, 9}, [4]byte{10, 0, 0, 2}, 7, 8, protoUDP)
	h := newHarness(t, func(o *Options) {
		o.Policy = PolicyFunc(func(k flow.Key) (uint32, bool) {
			return 0, k != blocked
		})
	}, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.in <- ipv4Frame(protoUDP, [4]byte{10, 0, 0, 9}, [4]byte{10, 0, 0, 2}, udpSegment(7, 8, nil))
	h.in <- ipv4Frame(protoUDP, [4]byte{10, 0, 0, 9}, [4]byte{10, 0, 0, 2}, udpSegment(7, 8, nil))
	h.in <- ipv4Frame(protoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, udpSegment(1, 2, nil))

	got := h.recv(t)
	if got == nil {
		t.Fatal("allowed flow not transmitted")
	}
	waitFor(t, func() bool { return h.engine.Stats().DropPolicy == 2 })
	if tx := h.engine.Stats().TxPackets; tx != 1 {
		t.Errorf("tx = %d, want 1", tx)
	}
}

func TestEncryptedTunnelPath(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, tunnel.KeySize)
	ctx, err := tunnel.NewContext(7, tunnel.AES256GCM, key)
	if err != nil {
		t.Fatal(err)
	}
	crypto := tunnel.NewEngine()
	if err := crypto.AddTunnel(ctx); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, func(o *Options) {
		o.Crypto = crypto
		o.Policy = PolicyFunc(func(flow.Key) (uint32, bool) { return 7, true })
	}, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frame := ipv4Frame(protoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		udpSegment(1111, 2222, []byte("secret payload")))
	h.in <- frame

	got := h.recv(t)
	if len(got) != len(frame)+cryptoHeaderLen+ctx.Overhead() {
		t.Fatalf("encapsulated len = %d, want %d", len(got),
			len(frame)+cryptoHeaderLen+ctx.Overhead())
	}
	if bytes.Contains(got, []byte("secret payload")) {
		t.Fatal("payload visible in encapsulated frame")
	}

	// Decapsulate through a scratch pool and compare plaintext.
	pool, err := buffer.NewPool(4, buffer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	b := pool.Alloc()
	dst, ok := b.Append(len(got))
	if !ok {
		t.Fatal("scratch append failed")
	}
	copy(dst, got)
	if err := DecapsulatePacket(b, crypto); err != nil {
		t.Fatalf("DecapsulatePacket: %v", err)
	}
	if !bytes.Equal(b.Bytes(), frame) {
		t.Error("decapsulated frame differs from original")
	}
}

func TestFlowAgingEmitsClose(t *testing.T) {
	closed := make(chan flow.Snapshot, 1)
	h := newHarness(t, func(o *Options) {
		o.FlowClose = func(worker int, snap flow.Snapshot, reason flow.EvictReason) {
			if reason == flow.EvictIdle {
				select {
				case closed <- snap:
				default:
				}
			}
		}
	}, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.in <- ipv4Frame(protoUDP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		udpSegment(1111, 2222, []byte("x")))
	h.recv(t)

	select {
	case snap := <-closed:
		if snap.Packets != 1 {
			t.Errorf("closed flow packets = %d, want 1", snap.Packets)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle flow never closed")
	}
	waitFor(t, func() bool { return h.engine.FlowCount() == 0 })
}

func TestFlowSnapshotPublished(t *testing.T) {
	h := newHarness(t, nil, func(e *config.EngineConfig) {
		e.FlowSoftTimeout = "5s"
		e.FlowHardTimeout = "10s"
	})
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.in <- ipv4Frame(protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		tcpSegment(3333, 443, 0x02))
	h.recv(t)

	waitFor(t, func() bool { return len(h.engine.Flows()) == 1 })
	flows := h.engine.Flows()
	if flows[0].Key.DstPort != 443 {
		t.Errorf("snapshot dst port = %d, want 443", flows[0].Key.DstPort)
	}
	if flows[0].TCP != flow.TCPSynSent {
		t.Errorf("snapshot tcp phase = %v, want syn-sent", flows[0].TCP)
	}
}

func TestStatsRates(t *testing.T) {
	var sn Snapshot
	sn.RxBytes = 125_000_000 // 1 Gbit
	sn.RxPackets = 1_000_000
	sn.Elapsed = time.Second
	if g := sn.ThroughputGbps(); g < 0.99 || g > 1.01 {
		t.Errorf("ThroughputGbps = %f, want 1.0", g)
	}
	if m := sn.PacketRateMpps(); m < 0.99 || m > 1.01 {
		t.Errorf("PacketRateMpps = %f, want 1.0", m)
	}
	if (Snapshot{}).ThroughputGbps() != 0 {
		t.Error("zero snapshot throughput not 0")
	}
}
