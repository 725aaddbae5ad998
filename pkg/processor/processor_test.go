package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/queue"
	"job-orchestrator/pkg/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type funcJob struct {
	execute func(ctx context.Context, x *lifecycle.Execution) error
}

func (f funcJob) Validate(context.Context, *lifecycle.Execution) error { return nil }

func (f funcJob) Execute(ctx context.Context, x *lifecycle.Execution) error {
	if f.execute == nil {
		return nil
	}
	return f.execute(ctx, x)
}

type harness struct {
	st *store.Store
	q  *queue.Memory
	p  *Processor
	// block is closed on cleanup to release jobs that ignore their context.
	block chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 200 * time.Millisecond
	}
	qopts := queue.DefaultOptions()
	qopts.Retry.InitialDelay = 10 * time.Millisecond
	h := &harness{
		st:    store.New(store.NewMemoryBackend(), nil, discard),
		q:     queue.NewMemory(qopts),
		block: make(chan struct{}),
	}
	h.p = New(h.st, h.q, nil, nil, discard, opts)
	t.Cleanup(func() {
		close(h.block)
		_ = h.p.Shutdown(context.Background())
	})
	return h
}

func (h *harness) register(t *testing.T, execute func(ctx context.Context, x *lifecycle.Execution) error) {
	t.Helper()
	require.NoError(t, h.p.RegisterJobClass(job.TypeCollection, func(lifecycle.Env) (lifecycle.Job, error) {
		return funcJob{execute: execute}, nil
	}))
}

func (h *harness) submit(t *testing.T, query string) string {
	t.Helper()
	ctx := context.Background()
	rec, err := h.st.CreateJob(ctx, job.SubmissionRequest{Type: job.TypeCollection, Query: query})
	require.NoError(t, err)
	_, err = h.q.Submit(ctx, rec.Payload())
	require.NoError(t, err)
	return rec.ID
}

func (h *harness) waitFor(t *testing.T, id string, status job.Status) *job.Job {
	t.Helper()
	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := h.st.GetByID(context.Background(), id)
		require.NoError(t, err)
		got = j
		return j.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return got
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(t, Options{Concurrency: func(job.Type) int { return 2 }})

	var current, peak atomic.Int32
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	var ids []string
	for _, q := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, h.submit(t, q))
	}
	require.NoError(t, h.p.Initialize(context.Background()))

	for _, id := range ids {
		h.waitFor(t, id, job.StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())

	require.Eventually(t, func() bool { return h.p.Stats().TotalProcessed == 5 }, time.Second, 5*time.Millisecond)
	stats := h.p.Stats()
	assert.Equal(t, int64(5), stats.SuccessCount)
	assert.Zero(t, stats.ActiveJobs)
	assert.Greater(t, stats.AverageProcessingTimeMs, 0.0)
}

func TestSingleWorkerRunsInSubmissionOrder(t *testing.T) {
	h := newHarness(t, Options{})

	var mu sync.Mutex
	var order []string
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		mu.Lock()
		order = append(order, x.ID())
		mu.Unlock()
		return nil
	})

	var ids []string
	for _, q := range []string{"first", "second", "third"} {
		ids = append(ids, h.submit(t, q))
	}
	require.NoError(t, h.p.Initialize(context.Background()))
	h.waitFor(t, ids[2], job.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestTimeoutFreesWorker(t *testing.T) {
	h := newHarness(t, Options{JobTimeout: 50 * time.Millisecond})

	var calls atomic.Int32
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		if calls.Add(1) == 1 {
			<-h.block
		}
		return nil
	})

	stuck := h.submit(t, "stuck")
	next := h.submit(t, "next")
	require.NoError(t, h.p.Initialize(context.Background()))

	got := h.waitFor(t, stuck, job.StatusFailed)
	assert.Contains(t, got.ErrorMessage, "exceeded timeout")
	h.waitFor(t, next, job.StatusCompleted)
	assert.Equal(t, int64(1), h.p.Stats().FailureCount)
}

func TestPanicIsRecorded(t *testing.T) {
	h := newHarness(t, Options{})

	var calls atomic.Int32
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	bad := h.submit(t, "bad")
	good := h.submit(t, "good")
	require.NoError(t, h.p.Initialize(context.Background()))

	got := h.waitFor(t, bad, job.StatusFailed)
	assert.Equal(t, "panic: boom", got.ErrorMessage)
	h.waitFor(t, good, job.StatusCompleted)
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, Options{})

	started := make(chan struct{})
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	id := h.submit(t, "long")
	require.NoError(t, h.p.Initialize(context.Background()))
	<-started

	assert.True(t, h.p.Cancel(context.Background(), id, "user request"))
	got := h.waitFor(t, id, job.StatusCancelled)
	assert.Equal(t, "user request", got.Metadata.Message)
	assert.False(t, h.p.Cancel(context.Background(), id, "again"))
	assert.Eventually(t, func() bool { return h.p.Stats().CancelledCount == 1 }, time.Second, 5*time.Millisecond)
}

func TestSkipsJobCancelledWhileQueued(t *testing.T) {
	h := newHarness(t, Options{})

	var calls atomic.Int32
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		calls.Add(1)
		return nil
	})

	cancelled := h.submit(t, "cancelled")
	_, err := h.st.UpdateStatus(context.Background(), cancelled, job.StatusCancelled, store.Update{})
	require.NoError(t, err)
	next := h.submit(t, "next")
	require.NoError(t, h.p.Initialize(context.Background()))

	h.waitFor(t, next, job.StatusCompleted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestShutdownFailsStuckJobs(t *testing.T) {
	h := newHarness(t, Options{ShutdownGrace: 50 * time.Millisecond})

	started := make(chan struct{})
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		close(started)
		<-h.block
		return nil
	})

	id := h.submit(t, "stuck")
	require.NoError(t, h.p.Initialize(context.Background()))
	<-started

	require.NoError(t, h.p.Shutdown(context.Background()))
	got := h.waitFor(t, id, job.StatusFailed)
	assert.Contains(t, got.ErrorMessage, "shut down")

	_, err := h.q.Submit(context.Background(), job.Payload{ID: "late", Type: job.TypeCollection})
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.ErrorIs(t, h.p.Shutdown(context.Background()), ErrNotInitialized)
}

func TestShutdownWaitsForRunningJobs(t *testing.T) {
	h := newHarness(t, Options{ShutdownGrace: 2 * time.Second})

	started := make(chan struct{})
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	id := h.submit(t, "short")
	require.NoError(t, h.p.Initialize(context.Background()))
	<-started

	require.NoError(t, h.p.Shutdown(context.Background()))
	got, err := h.st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestRegistration(t *testing.T) {
	h := newHarness(t, Options{})

	h.register(t, nil)
	err := h.p.RegisterJobClass(job.TypeCollection, func(lifecycle.Env) (lifecycle.Job, error) { return funcJob{}, nil })
	assert.Error(t, err, "duplicate registration")

	var verr *job.ValidationError
	assert.ErrorAs(t, h.p.RegisterJobClass("bogus", nil), &verr)

	require.NoError(t, h.p.RegisterService("analyzer", struct{}{}))
	require.NoError(t, h.p.Initialize(context.Background()))
	assert.ErrorIs(t, h.p.Initialize(context.Background()), ErrAlreadyInitialized)
	assert.ErrorIs(t, h.p.RegisterJobClass(job.TypeProcessing, nil), ErrAlreadyInitialized)
	assert.Error(t, h.p.RegisterService("late", struct{}{}), "registry is frozen")

	assert.True(t, h.p.Registered(job.TypeCollection))
	assert.False(t, h.p.Registered(job.TypeProcessing))

	health, err := h.p.HealthInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Initialized)
	assert.Equal(t, []job.Type{job.TypeCollection}, health.RegisteredJobTypes)
}

func TestConstructorErrorFailsJob(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.p.RegisterJobClass(job.TypeCollection, func(lifecycle.Env) (lifecycle.Job, error) {
		return nil, errors.New("missing searcher")
	}))

	id := h.submit(t, "q")
	require.NoError(t, h.p.Initialize(context.Background()))

	got := h.waitFor(t, id, job.StatusFailed)
	assert.Equal(t, "construct: missing searcher", got.ErrorMessage)
}

func TestHealthListsRunningJobs(t *testing.T) {
	h := newHarness(t, Options{})

	started := make(chan struct{})
	h.register(t, func(ctx context.Context, x *lifecycle.Execution) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	id := h.submit(t, "visible")
	require.NoError(t, h.p.Initialize(context.Background()))
	<-started

	health, err := h.p.HealthInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, health.Running, 1)
	assert.Equal(t, id, health.Running[0].ID)
	assert.Equal(t, 1, health.QueueStats[job.TypeCollection].Active)
	assert.Equal(t, int64(1), health.Stats.ActiveJobs)

	h.p.Cancel(context.Background(), id, "done")
	h.waitFor(t, id, job.StatusCancelled)
}

func TestInitializeAfterShutdownFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, nil)
	ctx := context.Background()

	require.NoError(t, h.p.Initialize(ctx))
	require.NoError(t, h.p.Shutdown(ctx))

	assert.ErrorIs(t, h.p.Initialize(ctx), ErrShutDown)
	health, err := h.p.HealthInfo(ctx)
	require.NoError(t, err)
	assert.False(t, health.Initialized)
}

func TestInterruptedJobIsFailed(t *testing.T) {
	h := newHarness(t, Options{})
	var calls atomic.Int32
	h.register(t, func(context.Context, *lifecycle.Execution) error {
		calls.Add(1)
		return nil
	})

	// A worker that died mid-job leaves the record in flight and the entry
	// is handed out again.
	ctx := context.Background()
	id := h.submit(t, "orphaned")
	_, err := h.st.UpdateStatus(ctx, id, job.StatusRunning, store.Update{})
	require.NoError(t, err)

	require.NoError(t, h.p.Initialize(ctx))
	got := h.waitFor(t, id, job.StatusFailed)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.Zero(t, calls.Load())
	require.Eventually(t, func() bool { return h.p.Stats().FailureCount == 1 }, time.Second, 5*time.Millisecond)
}
