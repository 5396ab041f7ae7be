// Package httpserver provides the shared HTTP scaffolding for both services.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the HTTP server dependencies. Domain handlers are mounted on
// Router after calling NewServer.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	Metrics *prometheus.Registry

	checks    []ReadyCheck
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints.
func NewServer(logger *slog.Logger, metricsReg *prometheus.Registry, metricsPath string, checks ...ReadyCheck) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		checks:    checks,
		startedAt: time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)

	// Health endpoints
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics
	s.Router.Handle(metricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var results []checkResult
	allOK := true

	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.Logger.Error("readiness check failed", "check", c.Name, "error", err)
			results = append(results, checkResult{Name: c.Name, Status: "fail", Error: err.Error()})
			allOK = false
		} else {
			results = append(results, checkResult{Name: c.Name, Status: "ok"})
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": results,
	})
}
