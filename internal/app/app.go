// Package app wires configuration, storage, the gateway client, the
// dispatch engine and the HTTP API into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/postodigital/zapdrip/internal/api"
	"github.com/postodigital/zapdrip/internal/config"
	"github.com/postodigital/zapdrip/internal/db"
	"github.com/postodigital/zapdrip/internal/dispatch"
	"github.com/postodigital/zapdrip/internal/gateway"
	"github.com/postodigital/zapdrip/internal/metrics"
	"github.com/postodigital/zapdrip/internal/ratelimit"
	"github.com/postodigital/zapdrip/internal/repository"
)

// App is the main application
type App struct {
	config       *config.Config
	database     *db.DB
	counters     *bolt.DB
	limiter      *ratelimit.Limiter
	orchestrator *dispatch.Orchestrator
	apiServer    *api.Server
	logger       *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	// Open SQLite storage and apply migrations
	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	campaignRepo := repository.NewCampaignRepository(database.DB)
	optOutRepo := repository.NewOptOutRepository(database.DB)

	// Open the counter store and the hourly limiter on top of it
	countersDB, err := bolt.Open(cfg.Storage.CountersPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open counter store: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(countersDB, cfg.Storage.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to create hourly limiter: %w", err)
	}

	gwClient := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		Instance:     cfg.Gateway.Instance,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		MaxRetries:   cfg.Gateway.MaxRetries,
		RetryBackoff: cfg.Gateway.RetryBackoff,
	}, logger)

	met := metrics.New()

	runner := dispatch.NewRunner(campaignRepo, gwClient, optOutRepo, limiter, met, logger)
	orchestrator := dispatch.NewOrchestrator(campaignRepo, runner, cfg.Dispatch.PollInterval, logger)

	apiServer := api.NewServer(orchestrator, runner, gwClient, met, cfg, logger.With("component", "api"))

	return &App{
		config:       cfg,
		database:     database,
		counters:     countersDB,
		limiter:      limiter,
		orchestrator: orchestrator,
		apiServer:    apiServer,
		logger:       logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting zapdrip",
		"api_addr", a.config.Server.ListenAddr,
		"gateway", a.config.Gateway.BaseURL,
		"instance", a.config.Gateway.Instance,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.orchestrator.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Orchestrator second: in-flight dispatch stops before storage closes
	a.orchestrator.Stop()

	// Limiter flushes its counters on close
	if err := a.limiter.Close(); err != nil {
		a.logger.Error("limiter close error", "error", err)
	}
	if err := a.counters.Close(); err != nil {
		a.logger.Error("counter store close error", "error", err)
	}

	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
