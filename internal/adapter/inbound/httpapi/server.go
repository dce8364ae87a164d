// Package httpapi provides the HTTP transport for the limiter: the check
// endpoint consumed by the messaging API layer, read-only statistics, health,
// and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fangate/fangate/internal/domain/violation"
	"github.com/fangate/fangate/internal/service"
)

// Pinger reports backend connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the inbound HTTP adapter.
type Server struct {
	limiter    *service.LimiterService
	stats      *service.StatsService
	violations violation.Store
	pinger     Pinger
	registry   *prometheus.Registry
	server     *http.Server
	addr       string
	logger     *slog.Logger
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPinger wires a backend connectivity check into /healthz.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithRegistry exposes the given Prometheus registry at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithViolationStore enables the recent-violations endpoint.
func WithViolationStore(store violation.Store) Option {
	return func(s *Server) { s.violations = store }
}

// NewServer creates the HTTP adapter around the limiter and stats services.
func NewServer(limiter *service.LimiterService, stats *service.StatsService, opts ...Option) *Server {
	s := &Server{
		limiter: limiter,
		stats:   stats,
		addr:    "127.0.0.1:8080",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages/check", s.handleCheck)
	mux.HandleFunc("GET /v1/stats/global", s.handleGlobalStats)
	mux.HandleFunc("GET /v1/stats/users/{id}", s.handleUserStats)
	mux.HandleFunc("GET /v1/violations/recent", s.handleRecentViolations)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
