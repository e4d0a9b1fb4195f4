// Package ops serves the operational HTTP endpoints: liveness, readiness,
// lease status, and Prometheus metrics. The server is optional; it only
// runs when a listen address is configured, and it never exposes
// credential material.
package ops

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/hazina/internal/lease"
)

// Pinger checks connectivity and authentication against the broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReporter exposes the lease tracker's snapshot.
type StatusReporter interface {
	Status() lease.Snapshot
}

// Config configures the ops server.
type Config struct {
	ListenAddr      string               // e.g., ":9090". Empty = server disabled.
	MetricsRegistry *prometheus.Registry // Custom Prometheus registry for /metrics.
	MetricsPath     string               // Path for metrics endpoint. Default: "/metrics".
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the JSON response for GET /readyz.
type ReadyResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Lease  string `json:"lease"`
}

// Server is the operational HTTP server.
type Server struct {
	config  Config
	pinger  Pinger
	tracker StatusReporter
	logger  *slog.Logger
	okapi   *okapi.Okapi
	server  *http.Server
}

// NewServer creates an ops server.
func NewServer(cfg Config, pinger Pinger, tracker StatusReporter, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		pinger:  pinger,
		tracker: tracker,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.okapi.Get("/healthz", s.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	s.okapi.Get("/readyz", s.handleReadiness,
		okapi.DocSummary("Readiness probe: broker reachable and authenticated"),
		okapi.DocTags("Health"),
		okapi.DocResponse(ReadyResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ReadyResponse{}),
	)
	s.okapi.Get("/status", s.handleStatus,
		okapi.DocSummary("Current credential lease snapshot"),
		okapi.DocTags("Lease"),
		okapi.DocResponse(lease.Snapshot{}),
	)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness reports ready only when the broker answers an
// authenticated self-lookup. Lease state is informational: an
// uninitialized lease is still ready, issuance is lazy.
func (s *Server) handleReadiness(c *okapi.Context) error {
	resp := &ReadyResponse{Status: "ok", Broker: "ok"}
	if s.tracker != nil {
		resp.Lease = string(s.tracker.Status().State)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Broker = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.OK(resp)
}

func (s *Server) handleStatus(c *okapi.Context) error {
	return c.OK(s.tracker.Status())
}
