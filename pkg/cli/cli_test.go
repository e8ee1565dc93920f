package cli

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/veloxsec/velox/pkg/config"
	"github.com/veloxsec/velox/pkg/engine"
	"github.com/veloxsec/velox/pkg/logging"
	"github.com/veloxsec/velox/pkg/source"
	"github.com/veloxsec/velox/pkg/tunnel"
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer) {
	t.Helper()
	cfg := config.Config{Engine: config.EngineConfig{
		NumCores:       1,
		FlowTableSize:  64,
		BatchSize:      8,
		BufferPoolSize: 32,
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	crypto := tunnel.NewEngine()
	ctx, err := tunnel.NewContext(3, tunnel.ChaCha20Poly1305, bytes.Repeat([]byte{1}, tunnel.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	crypto.AddTunnel(ctx)

	// Fresh channels per factory call so the shell's stop/start cycle gets
	// working endpoints each time.
	e, err := engine.New(cfg.Engine, engine.Options{
		Crypto: crypto,
		NewSource: func(int) (source.PacketSource, error) {
			return source.NewChannelSource(make(chan []byte, 8)), nil
		},
		NewSink: func(int) (source.PacketSink, error) {
			return source.NewChannelSink(make(chan []byte, 8)), nil
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Stop() })

	c := New(e, logging.NewEventBuffer(16))
	buf := &bytes.Buffer{}
	c.out = buf
	return c, buf
}

func TestShowStatistics(t *testing.T) {
	c, buf := newTestCLI(t)
	if err := c.Dispatch("show statistics"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"running=true", "rx packets", "throughput", "Gbps"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShowTunnels(t *testing.T) {
	c, buf := newTestCLI(t)
	if err := c.Dispatch("show tunnels"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "chacha20-poly1305") {
		t.Errorf("tunnel listing missing algorithm:\n%s", buf.String())
	}
}

func TestClearStatistics(t *testing.T) {
	c, buf := newTestCLI(t)
	if err := c.Dispatch("clear statistics"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "statistics cleared") {
		t.Error("clear gave no confirmation")
	}
	if err := c.Dispatch("clear flows"); err == nil {
		t.Error("clear flows accepted")
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _ := newTestCLI(t)
	if err := c.Dispatch("reboot"); err == nil {
		t.Error("unknown command accepted")
	}
	if err := c.Dispatch("show everything"); err == nil {
		t.Error("unknown show target accepted")
	}
}

func TestStartStop(t *testing.T) {
	c, buf := newTestCLI(t)
	if err := c.Dispatch("start"); err == nil {
		t.Error("start on a running engine accepted")
	}
	if err := c.Dispatch("stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(buf.String(), "engine stopped") {
		t.Error("stop gave no confirmation")
	}
	if err := c.Dispatch("start"); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestExit(t *testing.T) {
	c, _ := newTestCLI(t)
	if err := c.Dispatch("exit"); err != errExit {
		t.Errorf("exit = %v, want errExit", err)
	}
}
