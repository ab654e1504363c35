// Package health serves the health, readiness, and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Readiness states reported by /ready.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// Checker reports whether a component is healthy.
type Checker func(ctx context.Context) error

// DegradedChecker reports whether a component is functional but
// impaired, with a human-readable reason.
type DegradedChecker func(ctx context.Context) (degraded bool, reason string)

// ComponentStatus is one component's result in a readiness response.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Response is the body of /healthz and /ready.
type Response struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components,omitempty"`
	Degraded   []string          `json:"degraded,omitempty"`
}

// Config holds health server configuration.
type Config struct {
	Address string
	// Timeout bounds each readiness check. Default 5 seconds.
	Timeout time.Duration
}

// Server exposes /healthz, /ready, and /metrics.
type Server struct {
	cfg    Config
	server *http.Server

	mu       sync.RWMutex
	checkers map[string]Checker
	degraded map[string]DegradedChecker
}

// New creates a health server.
func New(cfg Config) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		checkers: make(map[string]Checker),
		degraded: make(map[string]DegradedChecker),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RegisterChecker adds a readiness checker.
func (s *Server) RegisterChecker(name string, c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = c
}

// RegisterDegradedChecker adds a degraded-state checker. Degraded
// components keep /ready at 200 but are listed in the response.
func (s *Server) RegisterDegradedChecker(name string, c DegradedChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[name] = c
}

// handleHealth is liveness: the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: StatusReady})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, c := range s.checkers {
		checkers[name] = c
	}
	degradedCheckers := make(map[string]DegradedChecker, len(s.degraded))
	for name, c := range s.degraded {
		degradedCheckers[name] = c
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	resp := Response{Status: StatusReady}
	healthy := true
	for name, c := range checkers {
		status := ComponentStatus{Name: name, Healthy: true}
		if err := c(ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			healthy = false
			log.Warn().Str("component", name).Err(err).Msg("Readiness check failed")
		}
		resp.Components = append(resp.Components, status)
	}
	for name, c := range degradedCheckers {
		if degraded, reason := c(ctx); degraded {
			resp.Degraded = append(resp.Degraded, name+": "+reason)
		}
	}

	code := http.StatusOK
	switch {
	case !healthy:
		resp.Status = StatusNotReady
		code = http.StatusServiceUnavailable
	case len(resp.Degraded) > 0:
		resp.Status = StatusDegraded
	}
	writeJSON(w, code, resp)
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		log.Info().Str("address", s.cfg.Address).Msg("Starting health server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
