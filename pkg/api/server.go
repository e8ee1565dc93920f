// Package api exposes the daemon's observability surface over HTTP: a
// health probe, Prometheus metrics, and a small read-mostly JSON API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veloxsec/velox/pkg/engine"
	"github.com/veloxsec/velox/pkg/flowexport"
	"github.com/veloxsec/velox/pkg/logging"
)

// Config configures the API server.
type Config struct {
	Addr     string
	Engine   *engine.Engine
	EventBuf *logging.EventBuffer
	Exporter *flowexport.Exporter // nil when flow export is not configured
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	eventBuf   *logging.EventBuffer
	exporter   *flowexport.Exporter
	log        *slog.Logger
	startTime  time.Time
}

// NewServer wires the routes and the metrics collector. The Prometheus
// registry is isolated so only dataplane metrics appear on /metrics.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:    cfg.Engine,
		eventBuf:  cfg.EventBuf,
		exporter:  cfg.Exporter,
		log:       cfg.Logger,
		startTime: time.Now(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("POST /api/v1/statistics/clear", s.clearStatisticsHandler)
	mux.HandleFunc("GET /api/v1/flows", s.flowsHandler)
	mux.HandleFunc("GET /api/v1/tunnels", s.tunnelsHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/system/buffers", s.buffersHandler)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
