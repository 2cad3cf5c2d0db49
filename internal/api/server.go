// Package api exposes the HTTP control surface for campaigns.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postodigital/zapdrip/internal/config"
	"github.com/postodigital/zapdrip/internal/dispatch"
	"github.com/postodigital/zapdrip/internal/metrics"
	"github.com/postodigital/zapdrip/internal/models"
)

// CampaignService is the orchestrator surface the server needs
type CampaignService interface {
	CreateCampaign(title, message string, entries []dispatch.ContactInput, settings *models.Settings) (*models.Campaign, error)
	StartCampaign(id string) error
	PauseCampaign(id string) error
	CancelCampaign(id string) error
	GetCampaign(id string) (*models.Campaign, error)
	ListCampaigns(filter models.CampaignListFilter) ([]models.Campaign, int, error)
	ListContacts(campaignID string) ([]models.Contact, error)
	CampaignStats(campaignID string) (models.Stats, error)
}

// BatchRunner executes one budgeted dispatch batch
type BatchRunner interface {
	Run(ctx context.Context, campaignID string, opts dispatch.RunOptions) (*dispatch.BatchResult, error)
}

// ConnectivityProber checks the gateway session without sending
type ConnectivityProber interface {
	CheckConnectivity(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router      *chi.Mux
	httpServer  *http.Server
	campaigns   CampaignService
	runner      BatchRunner
	prober      ConnectivityProber
	met         *metrics.Metrics
	serverCfg   *config.ServerConfig
	dispatchCfg *config.DispatchConfig
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates a new API server
func NewServer(campaigns CampaignService, runner BatchRunner, prober ConnectivityProber, met *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		campaigns:   campaigns,
		runner:      runner,
		prober:      prober,
		met:         met,
		serverCfg:   &cfg.Server,
		dispatchCfg: &cfg.Dispatch,
		logger:      logger,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check and metrics (no auth required)
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.met.Handler())

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Get("/campaigns/{id}/contacts", s.handleListContacts)
		r.Get("/campaigns/{id}/stats", s.handleCampaignStats)
		r.Post("/campaigns/{id}/start", s.handleStartCampaign)
		r.Post("/campaigns/{id}/pause", s.handlePauseCampaign)
		r.Post("/campaigns/{id}/cancel", s.handleCancelCampaign)
		r.Post("/campaigns/{id}/run", s.handleRunBatch)
	})
}

// Handler returns the root http.Handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.serverCfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.serverCfg.ReadTimeout,
		WriteTimeout: s.serverCfg.WriteTimeout,
		IdleTimeout:  s.serverCfg.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.serverCfg.ListenAddr)
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
