// Package cli implements the interactive diagnostic shell embedded in the
// velox daemon.
package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/veloxsec/velox/pkg/clock"
	"github.com/veloxsec/velox/pkg/engine"
	"github.com/veloxsec/velox/pkg/flow"
	"github.com/veloxsec/velox/pkg/logging"
)

// CLI is the interactive diagnostic shell.
type CLI struct {
	rl       *readline.Instance
	engine   *engine.Engine
	events   *logging.EventBuffer
	hostname string
	out      io.Writer
}

// New creates a shell bound to a running engine.
func New(e *engine.Engine, events *logging.EventBuffer) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "velox"
	}
	return &CLI{
		engine:   e,
		events:   events,
		hostname: hostname,
		out:      os.Stdout,
	}
}

var errExit = fmt.Errorf("exit")

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("show",
			readline.PcItem("statistics"),
			readline.PcItem("flows"),
			readline.PcItem("tunnels"),
			readline.PcItem("events"),
			readline.PcItem("buffers"),
		),
		readline.PcItem("clear",
			readline.PcItem("statistics"),
		),
		readline.PcItem("start"),
		readline.PcItem("stop"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// Run starts the interactive loop and blocks until exit or EOF.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.hostname + "> ",
		HistoryFile:     "/tmp/velox_history",
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()

	fmt.Fprintln(c.out, "velox dataplane shell")
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.Dispatch(line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}

// Dispatch executes one command line.
func (c *CLI) Dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "clear":
		return c.handleClear(parts[1:])
	case "start":
		if err := c.engine.Start(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "engine started")
		return nil
	case "stop":
		if err := c.engine.Stop(); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "engine stopped")
		return nil
	case "quit", "exit":
		return errExit
	case "?", "help":
		c.showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) showHelp() {
	fmt.Fprint(c.out, `Commands:
  show statistics      Engine counters and derived rates
  show flows [n]       Active flows, top n by bytes
  show tunnels         Provisioned crypto tunnels
  show events [n]      Recent dataplane events
  show buffers         Buffer pool accounting
  clear statistics     Zero the counters
  start                Start the engine
  stop                 Stop the engine
  exit                 Leave the shell
`)
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: missing target")
	}
	switch args[0] {
	case "statistics":
		c.showStatistics()
	case "flows":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("show flows: bad count %q", args[1])
			}
			limit = n
		}
		c.showFlows(limit)
	case "tunnels":
		c.showTunnels()
	case "events":
		n := 20
		if len(args) > 1 {
			parsed, err := strconv.Atoi(args[1])
			if err != nil || parsed < 1 {
				return fmt.Errorf("show events: bad count %q", args[1])
			}
			n = parsed
		}
		c.showEvents(n)
	case "buffers":
		c.showBuffers()
	default:
		return fmt.Errorf("show: unknown target %s", args[0])
	}
	return nil
}

func (c *CLI) handleClear(args []string) error {
	if len(args) == 0 || args[0] != "statistics" {
		return fmt.Errorf("clear: expected 'clear statistics'")
	}
	c.engine.ResetStats()
	fmt.Fprintln(c.out, "statistics cleared")
	return nil
}

func (c *CLI) showStatistics() {
	sn := c.engine.Stats()
	fmt.Fprintf(c.out, "Engine: running=%v workers=%d window=%v\n",
		c.engine.IsRunning(), c.engine.Workers(), sn.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(c.out, "  rx packets:  %12d  bytes: %d\n", sn.RxPackets, sn.RxBytes)
	fmt.Fprintf(c.out, "  tx packets:  %12d  bytes: %d\n", sn.TxPackets, sn.TxBytes)
	fmt.Fprintf(c.out, "  dropped:     %12d  (no-buffer %d, malformed %d, policy %d, crypto %d)\n",
		sn.Dropped, sn.DropNoBuffer, sn.DropMalformed, sn.DropPolicy, sn.DropCrypto)
	fmt.Fprintf(c.out, "  flow lookups: hits %d, misses %d\n", sn.FlowHits, sn.FlowMisses)
	fmt.Fprintf(c.out, "  batches:     %12d\n", sn.Cycles)
	fmt.Fprintf(c.out, "  throughput:  %.3f Gbps, %.3f Mpps\n",
		sn.ThroughputGbps(), sn.PacketRateMpps())
}

func (c *CLI) showFlows(limit int) {
	flows := c.engine.Flows()
	sort.Slice(flows, func(i, j int) bool { return flows[i].Bytes > flows[j].Bytes })
	if len(flows) > limit {
		flows = flows[:limit]
	}

	now := clock.Monotonic()
	fmt.Fprintf(c.out, "%d active flows\n", c.engine.FlowCount())
	for _, f := range flows {
		extra := ""
		if f.Key.Protocol == 6 {
			extra = " " + f.TCP.String()
		}
		if f.TunnelID != 0 {
			extra += fmt.Sprintf(" tunnel=%d", f.TunnelID)
		}
		fmt.Fprintf(c.out, "  %-45s %s pkts=%d bytes=%d idle=%s%s\n",
			f.Key.String(), flow.ProtocolName(f.Key.Protocol),
			f.Packets, f.Bytes,
			time.Duration(now-f.LastSeen).Round(time.Millisecond),
			extra)
	}
}

func (c *CLI) showTunnels() {
	contexts := c.engine.Tunnels().List()
	if len(contexts) == 0 {
		fmt.Fprintln(c.out, "no tunnels provisioned")
		return
	}
	for _, ctx := range contexts {
		enc, dec := ctx.Bytes()
		fmt.Fprintf(c.out, "  tunnel %-6d %-20s encrypted=%d decrypted=%d\n",
			ctx.ID(), ctx.Algorithm(), enc, dec)
	}
}

func (c *CLI) showEvents(n int) {
	if c.events == nil {
		fmt.Fprintln(c.out, "event buffer disabled")
		return
	}
	for _, rec := range c.events.Recent(n) {
		line := fmt.Sprintf("  %s [%s] worker=%d %s > %s %s",
			rec.Time.Format("15:04:05.000"), rec.Type, rec.Worker,
			rec.SrcAddr, rec.DstAddr, rec.Protocol)
		if rec.Reason != "" {
			line += " reason=" + rec.Reason
		}
		if rec.Packets > 0 {
			line += fmt.Sprintf(" pkts=%d bytes=%d", rec.Packets, rec.Bytes)
		}
		fmt.Fprintln(c.out, line)
	}
}

func (c *CLI) showBuffers() {
	available, capacity := c.engine.PoolStats()
	fmt.Fprintf(c.out, "  buffers: %d/%d in use, %d free\n",
		capacity-available, capacity, available)
}
