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
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("service", "worker")
	slog.SetDefault(logger)

	if cfg.Queue.Backend == "memory" {
		logger.Error("the memory queue backend runs inside the api process; start the api instead")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	metrics := observability.StartMetricsServer(cfg.MetricsAddr)
	if err := a.StartWorkers(ctx); err != nil {
		logger.Error("failed to start workers", "error", err)
		return
	}
	logger.Info("all workers started. waiting for jobs...")

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := a.Processor.Shutdown(shutdownCtx); err != nil {
		logger.Error("processor shutdown failed", "error", err)
	}
	metrics.Shutdown(shutdownCtx)
	logger.Info("all workers stopped gracefully")
}
