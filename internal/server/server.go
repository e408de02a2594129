// Package server implements the kujo operator API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashita-ai/kujo/internal/auth"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/ratelimit"
)

// Server is the kujo HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter and Broker are optional.
type ServerConfig struct {
	Store    Store
	Triage   TriageService
	Spikes   SpikeChecker
	Dispatch Dispatcher
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	Limiter ratelimit.Limiter
	Broker  *Broker

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Triage:              cfg.Triage,
		Spikes:              cfg.Spikes,
		Dispatch:            cfg.Dispatch,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	// Middleware order (outermost first):
	// request ID → security headers → tracing → logging → recovery → [auth → rate limit] → handler.
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, securityHeadersMiddleware, tracingMiddleware,
		loggingMiddleware(cfg.Logger), recoveryMiddleware(cfg.Logger))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, model.ErrCodeInvalidInput, "method not allowed")
	})

	// Health and API description (no auth, no rate limit).
	r.Get("/health", h.HandleHealth)
	r.Get("/openapi.yaml", h.HandleOpenAPISpec)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTMgr))

		// Long-lived stream, exempt from the request budget.
		r.With(requireRole(model.RoleViewer)).Get("/subscribe", h.HandleSubscribe)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(limiter, ratelimit.OperatorKeyFunc, cfg.Logger))

			// Reads (viewer+).
			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.RoleViewer))
				r.Get("/complaints", h.HandleListComplaints)
				r.Get("/complaints/{id}", h.HandleGetComplaint)
				r.Get("/complaints/{id}/triage", h.HandleGetTriage)
				r.Get("/clusters", h.HandleListClusters)
				r.Get("/clusters/{id}", h.HandleGetCluster)
				r.Get("/alerts", h.HandleAlerts)
				r.Get("/insights/heatmap", h.HandleHeatmap)
				r.Get("/insights/repeat-offenders", h.HandleRepeatOffenders)
				r.Get("/tenant/weights", h.HandleGetWeights)
			})

			// Casework (officer+).
			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.RoleOfficer))
				r.Post("/complaints", h.HandleCreateComplaint)
				r.Post("/complaints/{id}/submit", h.HandleSubmitComplaint)
				r.Post("/complaints/{id}/triage", h.HandleRetriage)
				r.Post("/complaints/{id}/override", h.HandleOverride)
				r.Post("/complaints/{id}/missing-data", h.HandleMissingData)
			})

			// Systemic review (supervisor+).
			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.RoleSupervisor))
				r.Post("/clusters/{id}/acknowledge", h.HandleAcknowledgeCluster)
				r.Post("/clusters/{id}/deactivate", h.HandleDeactivateCluster)
			})

			r.With(requireRole(model.RoleAdmin)).Put("/tenant/weights", h.HandlePutWeights)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: r,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
