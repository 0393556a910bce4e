// Package server exposes the HTTP surface: the session WebSocket, the
// submission endpoint, health and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dontdude/replbox/internal/domain"
)

const shutdownTimeout = 10 * time.Second

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job domain.Job) error
}

// Deps are the collaborators the routes need.
type Deps struct {
	Queue Publisher
	// WebSocket serves /ws/{sessionId}.
	WebSocket http.HandlerFunc
	// RateLimit wraps the submission endpoint. Nil means unlimited.
	RateLimit func(http.Handler) http.Handler
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
}

// New creates a Server with all routes mounted.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/session", s.handleNewSession)

		run := http.Handler(http.HandlerFunc(s.handleRun))
		if s.deps.RateLimit != nil {
			run = s.deps.RateLimit(run)
		}
		r.Method(http.MethodPost, "/run", run)
	})

	// Session connections; /docker-output is the path older clients use.
	if s.deps.WebSocket != nil {
		r.Get("/ws/{sessionId}", s.deps.WebSocket)
		r.Get("/docker-output/{sessionId}", s.deps.WebSocket)
	}

	r.Get("/healthz", handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("API Server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
// Hijacked WebSocket connections are not tracked by net/http and must be closed separately.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	slog.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
