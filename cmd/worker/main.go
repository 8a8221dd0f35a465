package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txconfirm/service/config"
	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/stack"
	"github.com/brojonat/txconfirm/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Wire the submission pipeline. The RecordOutcome activity journals and
	// publishes, so the submitter runs without hooks here.
	pipeline, err := stack.Build(ctx, cfg, stack.Options{}, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build submission pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Submitter:         pipeline.Submitter,
		Signers:           pipeline.Signers,
		Status:            pipeline.Connection,
		Metrics:           metricsCollector,
		Logger:            logger,
	}
	// typed nils must not reach the interface fields
	if pipeline.Store != nil {
		workerConfig.Store = pipeline.Store
	}
	if pipeline.Publisher != nil {
		workerConfig.Publisher = pipeline.Publisher
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	// Reconciling needs the journal to find timed-out submissions
	if pipeline.Store != nil && cfg.ReconcileInterval > 0 {
		schedules := temporal.NewClientFromSDK(worker.Client(), cfg.TemporalTaskQueue, logger)
		err := schedules.UpsertReconcileSchedule(ctx, cfg.ReconcileInterval, temporal.ReconcileInput{
			OlderThan: cfg.ReconcileOlderThan,
		})
		if err != nil {
			logger.Error("failed to upsert reconcile schedule", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("reconcile schedule disabled",
			"journal", pipeline.Store != nil,
			"interval", cfg.ReconcileInterval,
		)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"solana_endpoint", pipeline.Connection.Endpoint(),
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Stop worker gracefully
		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
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
