// Package server is the thin operator HTTP API: a bearer-token-guarded
// chi router exposing exactly the Attempt Orchestrator's operations plus
// liveness and conversation replay. There is deliberately no metrics
// middleware, tracing wrapper, rate limiter, SSE stream route, or
// MCP/workspace-manager sub-route — this core is driven by a single
// trusted operator process, not exposed as a multi-tenant service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskforge/execcore/internal/attempt"
	"github.com/taskforge/execcore/internal/pr"
	"github.com/taskforge/execcore/internal/server/handlers"
	"github.com/taskforge/execcore/internal/server/middleware"
	"github.com/taskforge/execcore/internal/store"
)

type Config struct {
	ListenAddr  string
	BearerToken string
	Version     string
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// Handler returns the configured router, for embedding in an httptest
// server or otherwise serving the API without this package's own
// net/http.Server lifecycle.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func New(cfg Config, st *store.Store, orch *attempt.Orchestrator, prService *pr.Service) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler(st, cfg.Version)
	r.Get("/healthz", healthHandler.Health)

	attemptHandler := handlers.NewAttemptHandler(orch)
	processHandler := handlers.NewProcessHandler(st)
	prHandler := handlers.NewPRHandler(prService)

	r.Route("/", func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.BearerToken))
		r.Use(chimw.Timeout(60 * time.Second))

		r.Route("/attempts", func(r chi.Router) {
			r.Post("/", attemptHandler.Start)
			r.Post("/{id}/followup", attemptHandler.Followup)
			r.Post("/{id}/cancel", attemptHandler.Cancel)
			r.Post("/{id}/merge", attemptHandler.Merge)
			r.Get("/{id}/diff", attemptHandler.Diff)
			r.Post("/{id}/pr", prHandler.Create)
		})

		r.Route("/processes", func(r chi.Router) {
			r.Get("/{id}", processHandler.Get)
			r.Get("/{id}/events", processHandler.Events)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handler: r}
}

func (s *Server) Start() error {
	slog.Info("operator http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
