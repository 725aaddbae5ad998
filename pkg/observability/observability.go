package observability

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"type", "priority"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"type", "status"}) // status: completed, failed, cancelled, retried

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Duration of job processing.",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
	}, []string{"type"})

	JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobs_active",
		Help: "Jobs currently executing, by type.",
	}, []string{"type"})

	JobTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_timeouts_total",
		Help: "Jobs force-failed by the processor timeout guard.",
	}, []string{"type"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Status events that could not be delivered to a subscriber or sink.",
	}, []string{"target"})
)

type LoggerConfig struct {
	Level  string
	Format string // "json" or "text"
}

// NewLogger creates a new structured logger and installs it as the default.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
