package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/veloxsec/velox/pkg/clock"
	"github.com/veloxsec/velox/pkg/flow"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsRunning() {
		http.Error(w, "engine stopped", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		Running:       s.engine.IsRunning(),
		Workers:       s.engine.Workers(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		ActiveFlows:   s.engine.FlowCount(),
		Tunnels:       len(s.engine.Tunnels().List()),
	})
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	sn := s.engine.Stats()
	resp := StatisticsResponse{
		Snapshot:       sn,
		ThroughputGbps: sn.ThroughputGbps(),
		PacketRateMpps: sn.PacketRateMpps(),
	}
	if s.exporter != nil {
		resp.ExportedFlows, resp.ExportedPackets = s.exporter.Stats()
	}
	writeJSON(w, resp)
}

func (s *Server) clearStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	flows := s.engine.Flows()
	sort.Slice(flows, func(i, j int) bool { return flows[i].Bytes > flows[j].Bytes })
	if limit > 0 && len(flows) > limit {
		flows = flows[:limit]
	}

	now := clock.Monotonic()
	entries := make([]FlowEntry, 0, len(flows))
	for _, f := range flows {
		entries = append(entries, flowEntry(f, now))
	}
	writeJSON(w, entries)
}

func flowEntry(f flow.Snapshot, now uint64) FlowEntry {
	e := FlowEntry{
		SrcAddr:  f.Key.SrcAddr().String(),
		SrcPort:  f.Key.SrcPort,
		DstAddr:  f.Key.DstAddr().String(),
		DstPort:  f.Key.DstPort,
		Protocol: flow.ProtocolName(f.Key.Protocol),
		Packets:  f.Packets,
		Bytes:    f.Bytes,
		TunnelID: f.TunnelID,
		AgeMs:    (now - f.FirstSeen) / 1e6,
		IdleMs:   (now - f.LastSeen) / 1e6,
	}
	if f.Key.Protocol == 6 {
		e.TCPState = f.TCP.String()
	}
	return e
}

func (s *Server) tunnelsHandler(w http.ResponseWriter, r *http.Request) {
	contexts := s.engine.Tunnels().List()
	entries := make([]TunnelEntry, 0, len(contexts))
	for _, ctx := range contexts {
		enc, dec := ctx.Bytes()
		entries = append(entries, TunnelEntry{
			ID:             ctx.ID(),
			Algorithm:      ctx.Algorithm().String(),
			BytesEncrypted: enc,
			BytesDecrypted: dec,
		})
	}
	writeJSON(w, entries)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeJSON(w, []struct{}{})
		return
	}
	n := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, s.eventBuf.Recent(n))
}

func (s *Server) buffersHandler(w http.ResponseWriter, r *http.Request) {
	available, capacity := s.engine.PoolStats()
	writeJSON(w, BuffersResponse{
		Available: available,
		Capacity:  capacity,
		InUse:     capacity - available,
	})
}
