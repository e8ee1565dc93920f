// Package flowexport sends closed-flow records to NetFlow v9 collectors.
// Workers hand records over through a mutex-guarded batch; the exporter's
// own goroutine owns all collector I/O, so export can never stall the
// packet path.
package flowexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxsec/velox/pkg/clock"
	"github.com/veloxsec/velox/pkg/config"
	"github.com/veloxsec/velox/pkg/flow"
)

// flushInterval bounds how long a closed flow waits in the batch before
// it goes on the wire.
const flushInterval = 100 * time.Millisecond

// Exporter batches flow-close records and ships them as NetFlow v9.
type Exporter struct {
	collectors      []string
	templateRefresh time.Duration
	log             *slog.Logger
	bootTime        time.Time
	sourceID        uint32

	mu    sync.Mutex
	seq   uint32
	conns []net.Conn

	batchMu sync.Mutex
	batchV4 []FlowRecord
	batchV6 []FlowRecord

	exportedFlows atomic.Uint64
	exportedPkts  atomic.Uint64
}

// New dials every configured collector. A single unreachable collector
// fails construction; export is configured deliberately or not at all.
func New(cfg *config.ExportConfig, log *slog.Logger) (*Exporter, error) {
	e := &Exporter{
		collectors:      cfg.Collectors,
		templateRefresh: cfg.TemplateRefreshInterval(),
		log:             log,
		bootTime:        time.Now(),
		sourceID:        1,
	}
	for _, addr := range cfg.Collectors {
		conn, err := net.Dial("udp", addr)
		if err != nil {
			for _, c := range e.conns {
				c.Close()
			}
			return nil, fmt.Errorf("dial collector %s: %w", addr, err)
		}
		e.conns = append(e.conns, conn)
	}
	return e, nil
}

// Run sends templates on a refresh ticker and flushes record batches.
// Blocks until ctx is cancelled; the final batch is flushed on the way
// out.
func (e *Exporter) Run(ctx context.Context) {
	e.sendTemplates()

	templateTicker := time.NewTicker(e.templateRefresh)
	defer templateTicker.Stop()
	batchTicker := time.NewTicker(flushInterval)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flushBatches()
			return
		case <-templateTicker.C:
			e.sendTemplates()
		case <-batchTicker.C:
			e.flushBatches()
		}
	}
}

// FlowClosed queues one closed flow for export. Called from worker loops;
// does nothing but an append under a short lock.
func (e *Exporter) FlowClosed(worker int, snap flow.Snapshot, reason flow.EvictReason) {
	fr := FlowRecord{
		SrcIP:    snap.Key.SrcAddr(),
		DstIP:    snap.Key.DstAddr(),
		SrcPort:  snap.Key.SrcPort,
		DstPort:  snap.Key.DstPort,
		Protocol: snap.Key.Protocol,
		Packets:  snap.Packets,
		Bytes:    snap.Bytes,
		First:    snap.FirstSeen,
		Last:     snap.LastSeen,
		IsIPv6:   !snap.Key.IsIPv4(),
	}
	e.batchMu.Lock()
	if fr.IsIPv6 {
		e.batchV6 = append(e.batchV6, fr)
	} else {
		e.batchV4 = append(e.batchV4, fr)
	}
	e.batchMu.Unlock()
}

// Stats returns exported flow and packet counts.
func (e *Exporter) Stats() (flows, packets uint64) {
	return e.exportedFlows.Load(), e.exportedPkts.Load()
}

// Close shuts down all collector connections.
func (e *Exporter) Close() {
	for _, c := range e.conns {
		c.Close()
	}
}

func (e *Exporter) sendTemplates() {
	hdr := e.nextHeader(2)
	pkt := append(encodeHeader(hdr), encodeTemplateFlowSet()...)
	e.send(pkt, 0)
}

func (e *Exporter) flushBatches() {
	e.batchMu.Lock()
	v4 := e.batchV4
	v6 := e.batchV6
	e.batchV4 = nil
	e.batchV6 = nil
	e.batchMu.Unlock()

	e.sendRecords(v4, recordSizeV4)
	e.sendRecords(v6, recordSizeV6)
}

func (e *Exporter) sendRecords(records []FlowRecord, recSize int) {
	if len(records) == 0 {
		return
	}
	maxRecords := (maxPayload - headerLen - 4) / recSize
	for i := 0; i < len(records); i += maxRecords {
		end := i + maxRecords
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		hdr := e.nextHeader(uint16(len(batch)))
		dataFS := encodeDataFlowSet(batch, clock.Monotonic(), hdr.SysUptime)
		e.send(append(encodeHeader(hdr), dataFS...), len(batch))
	}
}

func (e *Exporter) nextHeader(count uint16) nfHeader {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	now := time.Now()
	return nfHeader{
		Version:   nfVersion,
		Count:     count,
		SysUptime: uptimeMs(e.bootTime, now),
		UnixSecs:  uint32(now.Unix()),
		SeqNumber: seq,
		SourceID:  e.sourceID,
	}
}

func (e *Exporter) send(pkt []byte, flows int) {
	for _, c := range e.conns {
		if _, err := c.Write(pkt); err != nil {
			e.log.Debug("netflow send failed", "collector", c.RemoteAddr(), "err", err)
		}
	}
	if flows > 0 {
		e.exportedFlows.Add(uint64(flows))
		e.exportedPkts.Add(1)
	}
}
