package api

import "github.com/veloxsec/velox/pkg/engine"

// StatusResponse is the /api/v1/status payload.
type StatusResponse struct {
	Running       bool    `json:"running"`
	Workers       int     `json:"workers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveFlows   int     `json:"active_flows"`
	Tunnels       int     `json:"tunnels"`
}

// StatisticsResponse is the /api/v1/statistics payload: the raw counters
// plus the derived rates.
type StatisticsResponse struct {
	engine.Snapshot
	ThroughputGbps float64 `json:"throughput_gbps"`
	PacketRateMpps float64 `json:"packet_rate_mpps"`

	ExportedFlows   uint64 `json:"exported_flows,omitempty"`
	ExportedPackets uint64 `json:"exported_packets,omitempty"`
}

// FlowEntry is one row of the /api/v1/flows payload.
type FlowEntry struct {
	SrcAddr  string `json:"src_addr"`
	SrcPort  uint16 `json:"src_port"`
	DstAddr  string `json:"dst_addr"`
	DstPort  uint16 `json:"dst_port"`
	Protocol string `json:"protocol"`
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	TCPState string `json:"tcp_state,omitempty"`
	TunnelID uint32 `json:"tunnel_id,omitempty"`
	AgeMs    uint64 `json:"age_ms"`
	IdleMs   uint64 `json:"idle_ms"`
}

// TunnelEntry is one row of the /api/v1/tunnels payload.
type TunnelEntry struct {
	ID             uint32 `json:"id"`
	Algorithm      string `json:"algorithm"`
	BytesEncrypted uint64 `json:"bytes_encrypted"`
	BytesDecrypted uint64 `json:"bytes_decrypted"`
}

// BuffersResponse is the /api/v1/system/buffers payload.
type BuffersResponse struct {
	Available int `json:"available"`
	Capacity  int `json:"capacity"`
	InUse     int `json:"in_use"`
}
