package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shipmargin/keel/internal/domain"
	"github.com/shipmargin/keel/internal/engine"
	"github.com/shipmargin/keel/internal/volume"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, volumes *volume.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, volumes, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Margin calculation
		r.Post("/calculate", handler.Calculate)
		r.Post("/calculate/revenue-target", handler.RevenueTarget)

		// Commission calculation
		r.Post("/commissions/calculate", handler.CalculateCommission)

		// Calculation retrieval
		r.Get("/calculations/{id}", handler.GetCalculation)

		// Rule set lifecycle
		r.Post("/rulesets", handler.CreateRuleSet)
		r.Get("/rulesets", handler.ListRuleSets)
		r.Post("/rulesets/validate", handler.ValidateRuleSet)
		r.Get("/rulesets/{id}", handler.GetRuleSet)
		r.Post("/rulesets/{id}/activate", handler.ActivateRuleSet)
		r.Post("/rulesets/{id}/deactivate", handler.DeactivateRuleSet)
		r.Post("/rulesets/{id}/review", handler.ReviewRuleSet)
		r.Post("/rulesets/{id}/duplicate", handler.DuplicateRuleSet)
		r.Get("/subjects/{subjectId}/ruleset", handler.GetActiveRuleSet)

		// Commission rule management
		r.Post("/commission-rules", handler.CreateCommissionRule)
		r.Get("/commission-rules", handler.ListCommissionRules)
		r.Get("/commission-rules/{id}", handler.GetCommissionRule)
		r.Delete("/commission-rules/{id}", handler.DeleteCommissionRule)
	})

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
