package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/queue"
	"job-orchestrator/pkg/services"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.Backend = "memory"
	cfg.Processor.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

func TestQueueOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.InitialDelay = time.Second
	cfg.Queue.MaxDelay = time.Minute
	cfg.Queue.KeepCompleted = 7

	opts := QueueOptions(cfg)
	assert.Equal(t, 5, opts.Retry.MaxAttempts)
	assert.Equal(t, time.Second, opts.Retry.InitialDelay)
	assert.Equal(t, time.Minute, opts.Retry.MaxDelay)
	assert.Equal(t, 7, opts.Retention.KeepCompleted)
	assert.Equal(t, 3, opts.Concurrency(job.TypeCollection))
	assert.Equal(t, 1, opts.Concurrency(job.TypeSearch))
}

func TestMemoryBackendRunsJobs(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), discard)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.CancelBus)
	assert.IsType(t, &queue.Memory{}, a.Queue)
	assert.True(t, a.Processor.Registered(job.TypeCollection))
	assert.True(t, a.Processor.Registered(job.TypeProcessing))
	assert.False(t, a.Processor.Services().Has(services.AnalyzerKey.Name()), "no API key, no analyzer")

	require.NoError(t, a.StartWorkers(context.Background()))
	r, err := a.Orchestrator.Submit(context.Background(), job.SubmissionRequest{Type: job.TypeCollection, Query: "sparse attention"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := a.Orchestrator.GetByID(context.Background(), r.JobID)
		require.NoError(t, err)
		return j.Status == job.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Processor.Shutdown(context.Background()))
}

func TestLLMServicesRegisteredWithAPIKey(t *testing.T) {
	cfg := memoryConfig()
	cfg.OpenAI.APIKey = "test-key"

	a, err := New(context.Background(), cfg, discard)
	require.NoError(t, err)
	defer a.Close()

	reg := a.Processor.Services()
	assert.True(t, reg.Has(services.AnalyzerKey.Name()))
	assert.True(t, reg.Has(services.EmbedderKey.Name()))
}

func TestDurableBackendConnectError(t *testing.T) {
	cfg := config.Default()
	cfg.Database.URL = "postgres://%zz"

	a, err := New(context.Background(), cfg, discard)
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestRelayEventsWithoutBroker(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), discard)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Relay)
	assert.NoError(t, a.RelayEvents(context.Background()))
}
