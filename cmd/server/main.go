package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txconfirm/service/config"
	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/server"
	"github.com/brojonat/txconfirm/service/stack"
	"github.com/brojonat/txconfirm/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Wire the submission pipeline. Synchronous submissions journal and
	// publish their own outcomes.
	pipeline, err := stack.Build(ctx, cfg, stack.Options{Hooks: true}, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build submission pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	// Temporal is optional for the server: without it async submissions are disabled
	var workflows server.WorkflowService
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, async submissions disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		workflows = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
		)
	}

	var journal server.Journal
	if pipeline.Store != nil {
		journal = pipeline.Store
	}

	// Initialize HTTP server
	httpServer := server.New(
		cfg.ServerAddr,
		pipeline.Submitter,
		pipeline.Connection,
		pipeline.Signers,
		journal,
		workflows,
		cfg.ConfirmTimeout,
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"solana_endpoint", pipeline.Connection.Endpoint(),
		"journal", journal != nil,
		"async", workflows != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout. In-flight submissions keep their
		// confirmation wait, so allow for the configured timeout.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
