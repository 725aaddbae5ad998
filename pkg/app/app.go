// Package app wires the orchestration engine from configuration. Binaries
// build one App and close it on shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/database"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/jobs"
	"job-orchestrator/pkg/llm"
	"job-orchestrator/pkg/mq"
	"job-orchestrator/pkg/notify"
	"job-orchestrator/pkg/orchestrator"
	"job-orchestrator/pkg/processor"
	"job-orchestrator/pkg/queue"
	"job-orchestrator/pkg/services"
	"job-orchestrator/pkg/store"
)

type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Hub          *notify.Hub
	Store        *store.Store
	Queue        queue.Queue
	Processor    *processor.Processor
	Orchestrator *orchestrator.Orchestrator

	// Set only with the durable backend.
	DB        *database.Client
	Broker    *mq.Client
	CancelBus *mq.CancelBus
	Relay     *mq.EventRelay

	closers []func()
}

// QueueOptions maps the queue configuration onto queue.Options.
func QueueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		Retry: queue.RetryPolicy{
			MaxAttempts:  cfg.Queue.MaxAttempts,
			InitialDelay: cfg.Queue.InitialDelay,
			MaxDelay:     cfg.Queue.MaxDelay,
			Multiplier:   2,
		},
		Retention: queue.RetentionPolicy{
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepFailed:    cfg.Queue.KeepFailed,
		},
		Concurrency: cfg.Processor.ConcurrencyFor,
	}.WithDefaults()
}

// ReclaimAfter is how long a durable entry may stay active before another
// worker takes it over. A live worker finishes every entry within the job
// timeout plus the shutdown grace.
func ReclaimAfter(cfg *config.Config) time.Duration {
	return cfg.Processor.JobTimeout + cfg.Processor.ShutdownGrace + time.Minute
}

// New connects the configured backends. On error everything opened so far is
// closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Hub: notify.NewHub(logger)}
	a.closers = append(a.closers, a.Hub.Close)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	registry := services.NewRegistry()
	qopts := QueueOptions(cfg)

	var backend store.Backend
	switch cfg.Queue.Backend {
	case "memory":
		backend = store.NewMemoryBackend()
		a.Queue = queue.NewMemory(qopts)
	default:
		if backend, err = a.connectDurable(ctx, qopts, registry); err != nil {
			return nil, err
		}
	}

	if err := registerLLM(cfg.OpenAI, registry, logger); err != nil {
		return nil, err
	}

	a.Store = store.New(backend, a.Hub, logger)
	a.Processor = processor.New(a.Store, a.Queue, a.Hub, registry, logger, processor.Options{
		JobTimeout:    cfg.Processor.JobTimeout,
		ShutdownGrace: cfg.Processor.ShutdownGrace,
		Concurrency:   cfg.Processor.ConcurrencyFor,
		Config:        cfg,
	})
	if err := jobs.Register(a.Processor); err != nil {
		return nil, fmt.Errorf("failed to register job types: %w", err)
	}

	var opts []orchestrator.Option
	if a.CancelBus != nil {
		opts = append(opts, orchestrator.WithRemoteCancel(a.CancelBus))
	}
	a.Orchestrator = orchestrator.New(a.Store, a.Queue, a.Processor, logger, opts...)
	return a, nil
}

func (a *App) connectDurable(ctx context.Context, qopts queue.Options, registry *services.Registry) (store.Backend, error) {
	db, err := database.New(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if url := a.Config.RabbitMQ.URL; url != "" {
		broker, err := mq.New(url)
		if err != nil {
			return nil, err
		}
		a.Broker = broker
		a.closers = append(a.closers, broker.Close)
		if err := broker.SetupTopology(job.Types, qopts.Retry.Delays()); err != nil {
			return nil, fmt.Errorf("failed to setup rabbitmq topology: %w", err)
		}
		a.Hub.AddSink(mq.NewEventSink(broker))
		a.CancelBus = mq.NewCancelBus(broker, a.Logger)
		a.Relay = mq.NewEventRelay(broker, a.Logger)
	} else {
		a.Logger.Warn("RABBITMQ_URL not set, workers rely on polling only")
	}

	dq := mq.NewQueue(db.Pool(), a.Broker, qopts, a.Config.Queue.PollInterval, a.Logger,
		mq.WithReclaimAfter(ReclaimAfter(a.Config)))
	if err := dq.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	a.Queue = dq

	chunks := database.NewChunkIndex(db.Pool())
	if err := chunks.InitSchema(ctx); err != nil {
		a.Logger.Warn("chunk index unavailable", "error", err)
	} else if err := services.Register[services.ChunkIndexer](registry, services.IndexerKey, chunks); err != nil {
		return nil, err
	}
	return db, nil
}

func registerLLM(cfg config.OpenAIConfig, registry *services.Registry, logger *slog.Logger) error {
	if cfg.APIKey == "" {
		logger.Info("OPENAI_API_KEY not set, jobs run without query analysis and embeddings")
		return nil
	}
	analyzer, err := llm.NewAnalyzer(cfg.APIKey, cfg.AnalyzerModel)
	if err != nil {
		return err
	}
	if err := services.Register[services.QueryAnalyzer](registry, services.AnalyzerKey, analyzer); err != nil {
		return err
	}
	embedder, err := llm.NewEmbedder(cfg.APIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	if err != nil {
		return err
	}
	return services.Register[services.Embedder](registry, services.EmbedderKey, embedder)
}

// StartWorkers starts the processor and, with a broker, listens for
// cancellation requests from other processes.
func (a *App) StartWorkers(ctx context.Context) error {
	if dq, ok := a.Queue.(*mq.Queue); ok {
		if err := dq.Start(job.Types); err != nil {
			return fmt.Errorf("failed to start queue consumers: %w", err)
		}
	}
	if a.CancelBus != nil {
		err := a.CancelBus.Listen(ctx, func(ctx context.Context, req mq.CancelRequest) {
			if a.Processor.Cancel(ctx, req.JobID, req.Reason) {
				a.Logger.Info("remote cancellation applied", "job_id", req.JobID)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to listen for cancellations: %w", err)
		}
	}
	return a.Processor.Initialize(ctx)
}

// RelayEvents feeds job events published by worker processes into the local
// hub so its subscribers see them. Without a broker it does nothing.
func (a *App) RelayEvents(ctx context.Context) error {
	if a.Relay == nil {
		return nil
	}
	return a.Relay.Listen(ctx, a.Hub.Relay)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
