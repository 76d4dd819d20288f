package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/followup/internal/campaign"
	"github.com/foxzi/followup/internal/config"
	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/history"
	"github.com/foxzi/followup/internal/metrics"
	"github.com/foxzi/followup/internal/recipient"
	"github.com/foxzi/followup/internal/sandbox"
	"github.com/foxzi/followup/internal/scheduler"
	"github.com/foxzi/followup/internal/template"
)

// Deps are the components the API exposes
type Deps struct {
	Recipients *recipient.Store
	Engine     *dispatch.Engine
	Scheduler  *scheduler.Scheduler
	History    *history.Log
	Templates  *template.Storage
	Settings   *campaign.Live
	Sandbox    *sandbox.Storage // Captured messages, may be nil
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", s.handleListRecipients)
			r.Post("/", s.handleAddRecipient)
			r.Get("/{email}", s.handleGetRecipient)
			r.Delete("/{email}", s.handleRemoveRecipient)
			r.Post("/{email}/stop", s.handleStopRecipient)
			r.Post("/{email}/resume", s.handleResumeRecipient)
			r.Post("/{email}/send", s.handleSendRecipient)
			r.Get("/{email}/history", s.handleRecipientHistory)
		})

		r.Get("/eligible", s.handleEligible)
		r.Post("/send", s.handleSend)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)

		r.Get("/template", s.handleGetTemplate)
		r.Put("/template", s.handleUpdateTemplate)
		r.Delete("/template", s.handleResetTemplate)
		r.Post("/preview", s.handlePreview)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Get("/scheduler", s.handleSchedulerStatus)

		r.Route("/sandbox/messages", func(r chi.Router) {
			r.Get("/", s.handleSandboxList)
			r.Delete("/", s.handleSandboxClear)
			r.Get("/{id}", s.handleSandboxGet)
		})
	})
}

// Handler returns the HTTP handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
