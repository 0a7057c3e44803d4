// Package server provides the HTTP API for the answering engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/answer"
	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/pkg/utils"
)

// Answerer is the engine surface served over HTTP.
type Answerer interface {
	Ask(ctx context.Context, req models.AskRequest) (*models.AskOutcome, error)
	Feedback(ctx context.Context, req models.FeedbackRequest) (*models.FeedbackResponse, error)
	History(ctx context.Context, id string) (*models.AskTransaction, error)
	MarkSourceReingest(ctx context.Context, sourceID int64) error
	Status(ctx context.Context) (*answer.Status, error)
}

// Server is the HTTP server for the answering API.
type Server struct {
	answers   Answerer
	config    *config.ServerConfig
	logger    *zap.Logger
	limiter   *clientLimiter
	diskPaths []string
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithDiskPaths reports the combined size of paths in the status response.
func WithDiskPaths(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server with the given dependencies.
func NewServer(answers Answerer, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		answers: answers,
		config:  cfg,
		logger:  utils.OrNop(logger),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, time.Now)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if timeout := s.config.RequestTimeout.Std(); timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		r.Post("/ask", s.handleAsk)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/sources/{id}/reingest", s.handleReingest)
		r.Get("/history/{id}", s.handleHistory)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
