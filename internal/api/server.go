// Package api exposes the HTTP surface of the risk engine: transaction
// intake, evaluation and alert retrieval, case workflow, profile
// maintenance, and configuration hot reload.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Transaction intake and retrieval
	router.Post("/transactions", handler.SubmitTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)

	// Evaluation retrieval
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	// Alerts
	router.Get("/alerts", handler.ListAlerts)
	router.Get("/alerts/{id}", handler.GetAlert)

	// Case workflow
	router.Get("/cases", handler.ListCases)
	router.Get("/cases/{id}", handler.GetCase)
	router.Post("/cases/{id}/transition", handler.TransitionCase)
	router.Post("/cases/{id}/label", handler.LabelCase)

	// Customer profiles
	router.Put("/profiles/{accountId}", handler.PutProfile)
	router.Get("/profiles/{accountId}", handler.GetProfile)

	// Indicator configuration
	router.Get("/indicators", handler.ListIndicators)
	router.Post("/indicators/reload", handler.ReloadIndicators)

	// Audit log and pipeline counters
	router.Get("/audit", handler.ListAuditEntries)
	router.Get("/stats", handler.Stats)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
