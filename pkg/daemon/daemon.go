// Package daemon implements the velox daemon lifecycle: configuration,
// tunnel provisioning, engine start, the observability services around it,
// and clean shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/veloxsec/velox/pkg/api"
	"github.com/veloxsec/velox/pkg/buffer"
	"github.com/veloxsec/velox/pkg/cli"
	"github.com/veloxsec/velox/pkg/config"
	"github.com/veloxsec/velox/pkg/engine"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/flowexport"
	"github.com/veloxsec/velox/pkg/logging"
	"github.com/veloxsec/velox/pkg/source"
	"github.com/veloxsec/velox/pkg/tunnel"
)

// Options configures the daemon.
type Options struct {
	ConfigFile  string
	APIAddr     string // overrides the config's api block when set
	Interactive bool   // run the diagnostic shell on stdin
	Logger      *slog.Logger
}

// Daemon wires and runs one velox instance.
type Daemon struct {
	opts   Options
	log    *slog.Logger
	cfg    *config.Config
	crypto *tunnel.Engine
	engine *engine.Engine
}

// New creates a daemon.
func New(opts Options) *Daemon {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{opts: opts, log: log}
}

// Run starts the daemon and blocks until a signal arrives or, in
// interactive mode, the shell exits.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting velox daemon", "config", d.opts.ConfigFile, "pid", os.Getpid())

	if d.opts.ConfigFile != "" {
		cfg, err := config.Load(d.opts.ConfigFile)
		if err != nil {
			return err
		}
		d.cfg = cfg
	} else {
		d.log.Info("no configuration file, using defaults")
		d.cfg = config.Default()
	}

	if err := d.provisionTunnels(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eventBuf := logging.NewEventBuffer(1000)
	var wg sync.WaitGroup

	var exporter *flowexport.Exporter
	if d.cfg.Export != nil {
		var err error
		exporter, err = flowexport.New(d.cfg.Export, d.log)
		if err != nil {
			return fmt.Errorf("flow export: %w", err)
		}
		defer exporter.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			exporter.Run(ctx)
		}()
		d.log.Info("flow export enabled", "collectors", d.cfg.Export.Collectors)
	}

	newSource, newSink, err := d.ioFactories()
	if err != nil {
		return err
	}

	opts := engine.Options{
		Crypto:    d.crypto,
		Events:    eventBuf,
		NewSource: newSource,
		NewSink:   newSink,
		Logger:    d.log,
	}
	if exporter != nil {
		opts.FlowClose = exporter.FlowClosed
	}
	if len(d.crypto.List()) > 0 {
		// All admitted traffic rides the first provisioned tunnel until a
		// richer policy surface lands.
		defaultTunnel := d.crypto.List()[0].ID()
		opts.Policy = engine.PolicyFunc(func(flow.Key) (uint32, bool) {
			return defaultTunnel, true
		})
	}

	eng, err := engine.New(d.cfg.Engine, opts)
	if err != nil {
		return err
	}
	d.engine = eng
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	apiAddr := d.opts.APIAddr
	if apiAddr == "" && d.cfg.API != nil {
		apiAddr = d.cfg.API.Listen
	}
	if apiAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:     apiAddr,
			Engine:   eng,
			EventBuf: eventBuf,
			Exporter: exporter,
			Logger:   d.log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				d.log.Error("api server failed", "err", err)
			}
		}()
	}

	var runErr error
	if d.opts.Interactive {
		shell := cli.New(eng, eventBuf)
		errCh := make(chan error, 1)
		go func() { errCh <- shell.Run() }()
		select {
		case err := <-errCh:
			if err != nil {
				runErr = fmt.Errorf("shell: %w", err)
			}
		case <-ctx.Done():
			d.log.Info("signal received, shutting down")
		}
	} else {
		<-ctx.Done()
		d.log.Info("signal received, shutting down")
	}

	stop()
	if err := eng.Stop(); err != nil {
		d.log.Error("engine stop failed", "err", err)
	}
	wg.Wait()

	sn := eng.Stats()
	d.log.Info("final statistics",
		"rx_packets", sn.RxPackets,
		"tx_packets", sn.TxPackets,
		"dropped", sn.Dropped,
		"flows_created", sn.FlowMisses,
		"throughput_gbps", sn.ThroughputGbps(),
		"packet_rate_mpps", sn.PacketRateMpps())
	d.log.Info("shutdown complete")
	return runErr
}

// provisionTunnels builds the crypto registry from the configuration.
func (d *Daemon) provisionTunnels() error {
	d.crypto = tunnel.NewEngine()
	for i := range d.cfg.Tunnels {
		tc := &d.cfg.Tunnels[i]
		id, err := tc.TunnelID()
		if err != nil {
			return err
		}
		alg, err := tunnel.ParseAlgorithm(tc.Algorithm)
		if err != nil {
			return fmt.Errorf("tunnel %s: %w", tc.ID, err)
		}
		key, err := tc.KeyBytes()
		if err != nil {
			return err
		}
		ctx, err := tunnel.NewContext(id, alg, key)
		if err != nil {
			return fmt.Errorf("tunnel %s: %w", tc.ID, err)
		}
		if err := d.crypto.AddTunnel(ctx); err != nil {
			return err
		}
		d.log.Info("tunnel provisioned", "id", id, "algorithm", alg)
	}
	return nil
}

// ioFactories maps the source configuration to per-worker packet I/O.
func (d *Daemon) ioFactories() (engine.SourceFactory, engine.SinkFactory, error) {
	if d.cfg.Source != nil && d.cfg.Source.Mode == "afpacket" {
		iface := d.cfg.Source.Interface
		newSource := func(worker int) (source.PacketSource, error) {
			return source.OpenAFPacket(iface, buffer.DefaultFrameSize, d.cfg.Engine.BatchSize)
		}
		newSink := func(worker int) (source.PacketSink, error) {
			return source.OpenAFPacket(iface, buffer.DefaultFrameSize, d.cfg.Engine.BatchSize)
		}
		return newSource, newSink, nil
	}

	// Loopback simulation: traffic is injected through the API of a test
	// harness or never arrives; the engine idles but every control surface
	// works.
	newSource := func(worker int) (source.PacketSource, error) {
		return source.NewChannelSource(make(chan []byte)), nil
	}
	newSink := func(worker int) (source.PacketSink, error) {
		return source.NewChannelSink(make(chan []byte, 1024)), nil
	}
	return newSource, newSink, nil
}
