package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// veloxCollector implements prometheus.Collector, reading the engine's
// atomic counters on each scrape.
type veloxCollector struct {
	srv *Server

	packetsTotal *prometheus.Desc
	bytesTotal   *prometheus.Desc
	dropsTotal   *prometheus.Desc
	lookupsTotal *prometheus.Desc
	batchesTotal *prometheus.Desc

	flowsActive    *prometheus.Desc
	buffersFree    *prometheus.Desc
	buffersTotal   *prometheus.Desc
	throughputGbps *prometheus.Desc
	packetRateMpps *prometheus.Desc

	tunnelBytesTotal *prometheus.Desc

	exportedFlowsTotal *prometheus.Desc
}

func newCollector(srv *Server) *veloxCollector {
	return &veloxCollector{
		srv: srv,

		packetsTotal: prometheus.NewDesc(
			"velox_packets_total",
			"Total packets processed.",
			[]string{"direction"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"velox_bytes_total",
			"Total bytes processed.",
			[]string{"direction"}, nil,
		),
		dropsTotal: prometheus.NewDesc(
			"velox_drops_total",
			"Total packets dropped, by cause.",
			[]string{"reason"}, nil,
		),
		lookupsTotal: prometheus.NewDesc(
			"velox_flow_lookups_total",
			"Total flow table lookups, by result.",
			[]string{"result"}, nil,
		),
		batchesTotal: prometheus.NewDesc(
			"velox_batches_total",
			"Total processed batches across all workers.",
			nil, nil,
		),
		flowsActive: prometheus.NewDesc(
			"velox_flows_active",
			"Current flow table occupancy across all workers.",
			nil, nil,
		),
		buffersFree: prometheus.NewDesc(
			"velox_buffers_free",
			"Free packet buffers across all worker pools.",
			nil, nil,
		),
		buffersTotal: prometheus.NewDesc(
			"velox_buffers_total",
			"Total packet buffers across all worker pools.",
			nil, nil,
		),
		throughputGbps: prometheus.NewDesc(
			"velox_throughput_gbps",
			"Received bit rate over the current counter window.",
			nil, nil,
		),
		packetRateMpps: prometheus.NewDesc(
			"velox_packet_rate_mpps",
			"Received packet rate over the current counter window.",
			nil, nil,
		),
		tunnelBytesTotal: prometheus.NewDesc(
			"velox_tunnel_bytes_total",
			"Bytes processed per tunnel, by direction.",
			[]string{"tunnel", "direction"}, nil,
		),
		exportedFlowsTotal: prometheus.NewDesc(
			"velox_exported_flows_total",
			"Flow records exported to NetFlow collectors.",
			nil, nil,
		),
	}
}

func (c *veloxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.dropsTotal
	ch <- c.lookupsTotal
	ch <- c.batchesTotal
	ch <- c.flowsActive
	ch <- c.buffersFree
	ch <- c.buffersTotal
	ch <- c.throughputGbps
	ch <- c.packetRateMpps
	ch <- c.tunnelBytesTotal
	ch <- c.exportedFlowsTotal
}

func (c *veloxCollector) Collect(ch chan<- prometheus.Metric) {
	sn := c.srv.engine.Stats()

	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(sn.RxPackets), "rx")
	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(sn.TxPackets), "tx")
	ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue,
		float64(sn.RxBytes), "rx")
	ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue,
		float64(sn.TxBytes), "tx")

	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(sn.DropNoBuffer), "no_buffer")
	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(sn.DropMalformed), "malformed")
	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(sn.DropPolicy), "policy")
	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(sn.DropCrypto), "crypto")

	ch <- prometheus.MustNewConstMetric(c.lookupsTotal, prometheus.CounterValue,
		float64(sn.FlowHits), "hit")
	ch <- prometheus.MustNewConstMetric(c.lookupsTotal, prometheus.CounterValue,
		float64(sn.FlowMisses), "miss")
	ch <- prometheus.MustNewConstMetric(c.batchesTotal, prometheus.CounterValue,
		float64(sn.Cycles))

	ch <- prometheus.MustNewConstMetric(c.flowsActive, prometheus.GaugeValue,
		float64(c.srv.engine.FlowCount()))

	available, capacity := c.srv.engine.PoolStats()
	ch <- prometheus.MustNewConstMetric(c.buffersFree, prometheus.GaugeValue,
		float64(available))
	ch <- prometheus.MustNewConstMetric(c.buffersTotal, prometheus.GaugeValue,
		float64(capacity))

	ch <- prometheus.MustNewConstMetric(c.throughputGbps, prometheus.GaugeValue,
		sn.ThroughputGbps())
	ch <- prometheus.MustNewConstMetric(c.packetRateMpps, prometheus.GaugeValue,
		sn.PacketRateMpps())

	for _, ctx := range c.srv.engine.Tunnels().List() {
		enc, dec := ctx.Bytes()
		id := strconv.FormatUint(uint64(ctx.ID()), 10)
		ch <- prometheus.MustNewConstMetric(c.tunnelBytesTotal, prometheus.CounterValue,
			float64(enc), id, "encrypt")
		ch <- prometheus.MustNewConstMetric(c.tunnelBytesTotal, prometheus.CounterValue,
			float64(dec), id, "decrypt")
	}

	if c.srv.exporter != nil {
		flows, _ := c.srv.exporter.Stats()
		ch <- prometheus.MustNewConstMetric(c.exportedFlowsTotal, prometheus.CounterValue,
			float64(flows))
	}
}
