// Package server exposes the processing pipeline over HTTP: document
// submission, session queries, reviewer feedback and a websocket status
// stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/docflow-go/config"
	"github.com/glimte/docflow-go/health"
	"github.com/glimte/docflow-go/pipeline"
)

// Server hosts the HTTP surface in front of a pipeline engine.
type Server struct {
	engine   *pipeline.Engine
	http     *http.Server
	logger   *slog.Logger
	checkers []health.Checker

	streamInterval time.Duration
}

// New creates a server for engine listening per cfg. Checkers feed the
// healthz endpoint.
func New(engine *pipeline.Engine, cfg config.ServerConfig, logger *slog.Logger, checkers ...health.Checker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:         engine,
		logger:         logger.With("component", "server"),
		checkers:       checkers,
		streamInterval: 500 * time.Millisecond,
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return s
}

// routes builds the ServeMux with method-qualified patterns.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", s.handleSubmit)
	mux.HandleFunc("GET /sessions/{id}", s.handleRecord)
	mux.HandleFunc("GET /sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /sessions/{id}/review", s.handleReview)
	mux.HandleFunc("POST /sessions/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving and blocks until the listener stops. A closed server
// returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
