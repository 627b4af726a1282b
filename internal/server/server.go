// Package server adapts interfaces.Orchestrator (and the worker callback
// into internal/lifecycle) onto the spec's HTTP surface: thin handlers that
// decode the request, call the facade, and translate *common.AppError into
// a status code and body.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

// jobRunner is the narrow seam into the lifecycle engine the worker
// callback endpoint drives, mirroring internal/dispatcher's own JobRunner
// interface to avoid importing internal/lifecycle directly. A non-nil
// error means the job failed transiently and the caller should report a
// non-2xx status so the task queue redelivers it.
type jobRunner interface {
	ProcessJob(ctx context.Context, jobID, sessionID string) error
}

// Server wraps the HTTP server and its collaborators.
type Server struct {
	orchestrator interfaces.Orchestrator
	runner       jobRunner
	config       *common.Config
	logger       *common.Logger
	clock        common.Clock
	startedAt    time.Time

	httpServer *http.Server
}

// NewServer builds the HTTP server, wiring routes and middleware.
func NewServer(cfg *common.Config, logger *common.Logger, clock common.Clock, orchestrator interfaces.Orchestrator, runner jobRunner) *Server {
	s := &Server{
		orchestrator: orchestrator,
		runner:       runner,
		config:       cfg,
		logger:       logger,
		clock:        clock,
		startedAt:    clock.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	handler := applyMiddleware(mux, logger)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting invoicer HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
