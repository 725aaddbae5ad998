package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
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
	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("service", "api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// The in-memory queue only exists in this process, so it runs its own workers.
	embedded := cfg.Queue.Backend == "memory"
	if embedded {
		if err := a.StartWorkers(ctx); err != nil {
			logger.Error("failed to start workers", "error", err)
			return
		}
	} else if err := a.RelayEvents(ctx); err != nil {
		logger.Error("failed to relay worker events", "error", err)
		return
	}

	metrics := observability.StartMetricsServer(cfg.MetricsAddr)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           newServer(a.Orchestrator, a.Hub, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API server starting", "addr", cfg.APIAddr, "queue_backend", cfg.Queue.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if embedded {
		if err := a.Processor.Shutdown(shutdownCtx); err != nil {
			logger.Error("processor shutdown failed", "error", err)
		}
	}
	metrics.Shutdown(shutdownCtx)
	logger.Info("API server stopped")
}
