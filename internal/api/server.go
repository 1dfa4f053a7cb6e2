// Package api serves the gateway's operational HTTP surface: health, the
// active bridge table and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callgate/internal/api/middleware"
	"github.com/flowpbx/callgate/internal/bridge"
	"github.com/flowpbx/callgate/internal/signaling"
	"github.com/flowpbx/callgate/internal/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridges is the bridge table the API reads and controls.
type Bridges interface {
	Snapshot() []bridge.Info
	Totals() bridge.Totals
	Hangup(callID string) error
}

// Sessions lists live signaling sessions.
type Sessions interface {
	Sessions() []signaling.SessionInfo
}

// Trunk reports the SIP trunk state.
type Trunk interface {
	TrunkState() sip.TrunkState
	ActiveCallCount() int
}

// Platform reports the sidecar connection state.
type Platform interface {
	Connected() bool
}

// Deps are the components the API reports on. Nil fields are omitted
// from responses.
type Deps struct {
	Bridges  Bridges
	Sessions Sessions
	Trunk    Trunk
	Platform Platform
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer  prometheus.Gatherer
	StartedAt time.Time
	RateLimit *middleware.IPRateLimiter
}

// Server holds handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.With("subsystem", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger, "/metrics", "/api/v1/health"))
	r.Use(middleware.Recoverer(s.logger))

	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.RateLimit != nil {
			r.Use(middleware.RateLimit(s.deps.RateLimit))
		}
		r.Get("/health", s.handleHealth)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/bridges", func(r chi.Router) {
			r.Get("/", s.handleListBridges)
			r.Get("/{callID}", s.handleGetBridge)
			r.Delete("/{callID}", s.handleHangupBridge)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
