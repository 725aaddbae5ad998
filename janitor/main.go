package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-orchestrator/pkg/app"
	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/observability"
	"job-orchestrator/pkg/orchestrator"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("service", "janitor")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("janitor started", "interval", cfg.Cleanup.Interval, "older_than_days", cfg.Cleanup.OlderThanDays)
	sweep(ctx, a.Orchestrator, cfg.Cleanup.OlderThanDays, logger)

	ticker := time.NewTicker(cfg.Cleanup.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor stopped")
			return
		case <-ticker.C:
			sweep(ctx, a.Orchestrator, cfg.Cleanup.OlderThanDays, logger)
		}
	}
}

func sweep(ctx context.Context, orch *orchestrator.Orchestrator, olderThanDays int, logger *slog.Logger) {
	n, err := orch.Cleanup(ctx, olderThanDays)
	if err != nil {
		logger.Error("failed to clean up old jobs", "error", err)
		return
	}
	if n > 0 {
		logger.Info("removed old jobs", "count", n)
	}
}
