package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"job-orchestrator/pkg/job"
)

type Config struct {
	Database  DatabaseConfig
	RabbitMQ  RabbitMQConfig
	Queue     QueueConfig
	Processor ProcessorConfig
	Cleanup   CleanupConfig
	OpenAI    OpenAIConfig
	Log       LogConfig

	APIAddr     string
	MetricsAddr string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int
}

type RabbitMQConfig struct {
	URL string
}

type QueueConfig struct {
	// Backend is "durable" (PostgreSQL + RabbitMQ) or "memory".
	Backend       string
	PollInterval  time.Duration
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	KeepCompleted int
	KeepFailed    int
}

type ProcessorConfig struct {
	JobTimeout    time.Duration
	ShutdownGrace time.Duration
	Concurrency   map[job.Type]int
	// DefaultConcurrency applies to types without an explicit entry.
	DefaultConcurrency int
}

type CleanupConfig struct {
	OlderThanDays int
	Interval      time.Duration
}

type OpenAIConfig struct {
	APIKey             string
	AnalyzerModel      string
	EmbeddingModel     string
	EmbeddingDimension int
}

type LogConfig struct {
	Level  string
	Format string
}

// ConcurrencyFor returns the worker pool size for t.
func (p ProcessorConfig) ConcurrencyFor(t job.Type) int {
	if n, ok := p.Concurrency[t]; ok && n > 0 {
		return n
	}
	if p.DefaultConcurrency > 0 {
		return p.DefaultConcurrency
	}
	return 1
}

// Load reads an optional .env file and then the environment. A missing env
// file is not an error.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := Default()
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConns = getEnvAsInt("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)

	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.PollInterval = getEnvAsDuration("QUEUE_POLL_INTERVAL", cfg.Queue.PollInterval)
	cfg.Queue.MaxAttempts = getEnvAsInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.InitialDelay = getEnvAsDuration("QUEUE_BACKOFF_INITIAL", cfg.Queue.InitialDelay)
	cfg.Queue.MaxDelay = getEnvAsDuration("QUEUE_BACKOFF_MAX", cfg.Queue.MaxDelay)
	cfg.Queue.KeepCompleted = getEnvAsInt("QUEUE_KEEP_COMPLETED", cfg.Queue.KeepCompleted)
	cfg.Queue.KeepFailed = getEnvAsInt("QUEUE_KEEP_FAILED", cfg.Queue.KeepFailed)

	cfg.Processor.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", cfg.Processor.JobTimeout)
	cfg.Processor.ShutdownGrace = getEnvAsDuration("SHUTDOWN_GRACE", cfg.Processor.ShutdownGrace)
	cfg.Processor.DefaultConcurrency = getEnvAsInt("WORKER_CONCURRENCY", cfg.Processor.DefaultConcurrency)
	for _, t := range job.Types {
		key := "CONCURRENCY_" + strings.ToUpper(string(t))
		cfg.Processor.Concurrency[t] = getEnvAsInt(key, cfg.Processor.Concurrency[t])
	}

	cfg.Cleanup.OlderThanDays = getEnvAsInt("CLEANUP_OLDER_THAN_DAYS", cfg.Cleanup.OlderThanDays)
	cfg.Cleanup.Interval = getEnvAsDuration("CLEANUP_INTERVAL", cfg.Cleanup.Interval)

	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAI.AnalyzerModel = getEnv("OPENAI_ANALYZER_MODEL", cfg.OpenAI.AnalyzerModel)
	cfg.OpenAI.EmbeddingModel = getEnv("OPENAI_EMBEDDING_MODEL", cfg.OpenAI.EmbeddingModel)
	cfg.OpenAI.EmbeddingDimension = getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", cfg.OpenAI.EmbeddingDimension)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{MaxConns: 10},
		Queue: QueueConfig{
			Backend:       "durable",
			PollInterval:  5 * time.Second,
			MaxAttempts:   3,
			InitialDelay:  2 * time.Second,
			MaxDelay:      5 * time.Minute,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		Processor: ProcessorConfig{
			JobTimeout:    time.Hour,
			ShutdownGrace: 30 * time.Second,
			Concurrency: map[job.Type]int{
				job.TypeCollection: 3,
				job.TypeProcessing: 2,
				job.TypeIndexing:   2,
			},
			DefaultConcurrency: 1,
		},
		Cleanup: CleanupConfig{
			OlderThanDays: 30,
			Interval:      6 * time.Hour,
		},
		OpenAI: OpenAIConfig{
			AnalyzerModel:      "gpt-4o-mini",
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingDimension: 1536,
		},
		Log:         LogConfig{Level: "info", Format: "json"},
		APIAddr:     ":8080",
		MetricsAddr: ":9091",
	}
}

func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "durable", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Processor.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.Cleanup.OlderThanDays < 1 {
		return fmt.Errorf("CLEANUP_OLDER_THAN_DAYS must be at least 1")
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
