package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/notify"
	"job-orchestrator/pkg/observability"
	"job-orchestrator/pkg/queue"
	"job-orchestrator/pkg/services"
	"job-orchestrator/pkg/store"
)

var (
	ErrAlreadyInitialized = errors.New("processor already initialized")
	ErrNotInitialized     = errors.New("processor not initialized")
	// ErrShutDown is returned by Initialize once Shutdown has closed the queue.
	ErrShutDown = errors.New("processor was shut down and its queue is closed")
	errShutdown = errors.New("processor shut down before the job finished")
)

type Options struct {
	JobTimeout    time.Duration
	ShutdownGrace time.Duration
	// Concurrency returns the worker pool size of a type.
	Concurrency func(job.Type) int
	// Config is handed to job constructors.
	Config *config.Config
}

func (o Options) withDefaults() Options {
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Hour
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.Concurrency == nil {
		o.Concurrency = func(job.Type) int { return 1 }
	}
	return o
}

// Processor runs a fixed pool of workers per registered job type. Each worker
// dequeues one entry at a time and drives it through the job lifecycle.
type Processor struct {
	store    *store.Store
	queue    queue.Queue
	notifier notify.Notifier
	registry *services.Registry
	logger   *slog.Logger
	opts     Options

	mu          sync.Mutex
	classes     map[job.Type]lifecycle.Constructor
	initialized bool
	shutDown    bool
	stop        context.CancelFunc
	abandon     chan struct{}
	workers     sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	runningMu sync.Mutex
	running   map[string]*lifecycle.Execution

	processed   atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	totalTimeMs atomic.Int64
	active      atomic.Int64
}

func New(st *store.Store, q queue.Queue, notifier notify.Notifier, registry *services.Registry, logger *slog.Logger, opts Options) *Processor {
	if registry == nil {
		registry = services.NewRegistry()
	}
	return &Processor{
		store:    st,
		queue:    q,
		notifier: notifier,
		registry: registry,
		logger:   logger,
		opts:     opts.withDefaults(),
		classes:  make(map[job.Type]lifecycle.Constructor),
		running:  make(map[string]*lifecycle.Execution),
	}
}

// RegisterJobClass associates t with its constructor. It must be called
// before Initialize.
func (p *Processor) RegisterJobClass(t job.Type, ctor lifecycle.Constructor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return fmt.Errorf("register job type %s: %w", t, ErrAlreadyInitialized)
	}
	if !t.Valid() {
		return &job.ValidationError{Field: "type", Reason: "unknown job type " + string(t)}
	}
	if ctor == nil {
		return fmt.Errorf("register job type %s: nil constructor", t)
	}
	if _, exists := p.classes[t]; exists {
		return fmt.Errorf("job type %s already registered", t)
	}
	p.classes[t] = ctor
	return nil
}

// RegisterService adds a collaborator to the registry jobs look up.
func (p *Processor) RegisterService(name string, svc any) error {
	return p.registry.RegisterAny(name, svc)
}

func (p *Processor) Services() *services.Registry {
	return p.registry
}

func (p *Processor) Registered(t job.Type) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.classes[t]
	return ok
}

// Initialize freezes the service registry and starts the worker pools.
func (p *Processor) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return ErrAlreadyInitialized
	}
	if p.shutDown {
		return ErrShutDown
	}
	p.registry.Freeze()

	dequeueCtx, stop := context.WithCancel(ctx)
	p.stop = stop
	p.abandon = make(chan struct{})
	// Jobs must outlive the dequeue loop during a graceful shutdown.
	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, t := range p.types() {
		n := max(1, p.opts.Concurrency(t))
		for i := 0; i < n; i++ {
			p.workers.Add(1)
			go p.worker(dequeueCtx, t, i)
		}
		p.logger.Info("worker pool started", "job_type", t, "concurrency", n)
	}
	p.initialized = true
	return nil
}

// types returns the registered types in a stable order. Callers hold mu.
func (p *Processor) types() []job.Type {
	types := make([]job.Type, 0, len(p.classes))
	for t := range p.classes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (p *Processor) worker(ctx context.Context, t job.Type, n int) {
	defer p.workers.Done()
	l := p.logger.With("job_type", t, "worker", n)

	for {
		e, err := p.queue.Dequeue(ctx, t)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			l.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(t, e)
	}
}

// handle never lets a job failure or panic escape into the worker loop.
func (p *Processor) handle(t job.Type, e *queue.Entry) {
	ctx := p.runCtx
	l := p.logger.With("job_id", e.JobID, "job_type", t, "attempt", e.Attempts)

	rec, err := p.store.GetByID(ctx, e.JobID)
	if errors.Is(err, job.ErrNotFound) {
		l.Warn("queued job has no record, discarding")
		p.discard(e, err)
		return
	}
	if err != nil {
		p.retry(l, e, err)
		return
	}
	if rec.Status.Terminal() {
		l.Info("job already finished, skipping", "status", rec.Status)
		p.complete(l, e)
		return
	}

	x := lifecycle.NewExecution(ctx, rec, p.store, p.logger)
	p.track(x)
	defer p.untrack(x)

	if rec.Status != job.StatusPending {
		// Only a crashed worker leaves a dequeued job in flight.
		x.ForceFail(ctx, errors.New("job was interrupted before completion"))
		p.record(t, x.Outcome(), 0)
		p.complete(l, e)
		return
	}

	p.mu.Lock()
	ctor := p.classes[t]
	p.mu.Unlock()
	instance, err := ctor(lifecycle.Env{
		Record:   rec.Clone(),
		Logger:   x.Logger(),
		Notifier: p.notifier,
		Services: p.registry,
		Config:   p.opts.Config,
	})
	if err != nil {
		l.Error("failed to construct job", "error", err)
		x.ForceFail(ctx, &job.ExecutionError{Op: "construct", Err: err})
		p.record(t, x.Outcome(), 0)
		p.complete(l, e)
		return
	}

	x.Track(ctx, job.Performance{QueueWaitMs: e.Wait().Milliseconds()})

	observability.JobsActive.WithLabelValues(string(t)).Inc()
	p.active.Add(1)
	start := time.Now()
	outcome, err := p.runGuarded(x, instance)
	elapsed := time.Since(start)
	p.active.Add(-1)
	observability.JobsActive.WithLabelValues(string(t)).Dec()

	if err != nil {
		var terr *job.InvalidTransitionError
		if errors.As(err, &terr) {
			// The record moved on, e.g. cancelled between dequeue and start.
			l.Info("job could not be started", "status", terr.From)
			p.complete(l, e)
			return
		}
		p.retry(l, e, err)
		return
	}

	p.record(t, outcome, elapsed)
	p.complete(l, e)
}

// runGuarded runs the lifecycle in its own goroutine and force-fails the job
// when it outlives the timeout or the shutdown grace period. A job that
// ignores its context keeps its goroutine, but no longer its worker slot.
func (p *Processor) runGuarded(x *lifecycle.Execution, j lifecycle.Job) (lifecycle.Outcome, error) {
	type result struct {
		out lifecycle.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				x.Logger().Error("job panicked", "panic", r, "stack", string(debug.Stack()))
				x.ForceFail(p.runCtx, &job.ExecutionError{Op: "panic", Err: fmt.Errorf("%v", r)})
				done <- result{out: x.Outcome()}
			}
		}()
		out, err := lifecycle.Run(p.runCtx, x, j)
		done <- result{out: out, err: err}
	}()

	timer := time.NewTimer(p.opts.JobTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.out, r.err
	case <-timer.C:
		observability.JobTimeouts.WithLabelValues(string(x.Type())).Inc()
		if x.ForceFail(p.runCtx, &job.TimeoutError{JobID: x.ID(), After: p.opts.JobTimeout}) {
			x.Logger().Error("job timed out", "timeout", p.opts.JobTimeout)
		}
		return x.Outcome(), nil
	case <-p.abandon:
		x.ForceFail(p.runCtx, errShutdown)
		return x.Outcome(), nil
	}
}

func (p *Processor) complete(l *slog.Logger, e *queue.Entry) {
	if err := p.queue.Complete(p.runCtx, e); err != nil {
		l.Error("failed to complete queue entry", "error", err)
	}
}

func (p *Processor) discard(e *queue.Entry, cause error) {
	if err := p.queue.Discard(p.runCtx, e, cause); err != nil {
		p.logger.Error("failed to discard queue entry", "job_id", e.JobID, "error", err)
	}
}

// retry hands an infrastructure failure that happened before the job started
// back to the queue's retry policy.
func (p *Processor) retry(l *slog.Logger, e *queue.Entry, cause error) {
	retrying, err := p.queue.Fail(p.runCtx, e, cause)
	if err != nil {
		l.Error("failed to reschedule queue entry", "error", err, "cause", cause)
		return
	}
	if retrying {
		observability.JobsProcessed.WithLabelValues(string(e.Type), "retried").Inc()
		l.Warn("job could not be started, retrying", "error", cause)
		return
	}
	l.Error("job could not be started, giving up", "error", cause)
	rec, err := p.store.GetByID(p.runCtx, e.JobID)
	if err != nil || rec.Status.Terminal() {
		return
	}
	x := lifecycle.NewExecution(p.runCtx, rec, p.store, p.logger)
	if x.ForceFail(p.runCtx, &job.ExecutionError{Op: "start", Err: cause}) {
		p.record(e.Type, lifecycle.OutcomeFailed, 0)
	}
}

func (p *Processor) record(t job.Type, outcome lifecycle.Outcome, elapsed time.Duration) {
	if outcome == lifecycle.OutcomeNone {
		return
	}
	p.processed.Add(1)
	p.totalTimeMs.Add(elapsed.Milliseconds())
	switch outcome {
	case lifecycle.OutcomeSucceeded:
		p.succeeded.Add(1)
	case lifecycle.OutcomeCancelled:
		p.cancelled.Add(1)
	default:
		p.failed.Add(1)
	}
	observability.JobsProcessed.WithLabelValues(string(t), metricStatus(outcome)).Inc()
	observability.JobDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

func metricStatus(o lifecycle.Outcome) string {
	switch o {
	case lifecycle.OutcomeSucceeded:
		return "completed"
	case lifecycle.OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (p *Processor) track(x *lifecycle.Execution) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	p.running[x.ID()] = x
}

func (p *Processor) untrack(x *lifecycle.Execution) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	delete(p.running, x.ID())
}

// Holds reports whether a worker of this processor holds jobID.
func (p *Processor) Holds(jobID string) bool {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	_, ok := p.running[jobID]
	return ok
}

// Cancel requests cancellation of a job held by a worker. It returns false
// when no worker holds the job or it was already cancelled.
func (p *Processor) Cancel(ctx context.Context, jobID, reason string) bool {
	p.runningMu.Lock()
	x, ok := p.running[jobID]
	p.runningMu.Unlock()
	if !ok {
		return false
	}
	return x.Cancel(ctx, reason)
}

// Shutdown stops dequeuing, waits up to the grace period for in-flight jobs,
// force-fails whatever is still running and closes the queue.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	p.stop()
	abandon := p.abandon
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		p.logger.Warn("shutdown grace period expired, failing in-flight jobs", "grace", p.opts.ShutdownGrace)
		close(abandon)
		<-done
	case <-ctx.Done():
		close(abandon)
		<-done
	}
	p.runCancel()

	p.mu.Lock()
	p.initialized = false
	p.shutDown = true
	p.mu.Unlock()

	if err := p.queue.Close(); err != nil {
		return fmt.Errorf("failed to close queue: %w", err)
	}
	p.logger.Info("processor stopped", "processed", p.processed.Load())
	return nil
}

type Stats struct {
	TotalProcessed          int64   `json:"totalProcessed"`
	SuccessCount            int64   `json:"successCount"`
	FailureCount            int64   `json:"failureCount"`
	CancelledCount          int64   `json:"cancelledCount"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	ActiveJobs              int64   `json:"activeJobs"`
}

func (p *Processor) Stats() Stats {
	s := Stats{
		TotalProcessed: p.processed.Load(),
		SuccessCount:   p.succeeded.Load(),
		FailureCount:   p.failed.Load(),
		CancelledCount: p.cancelled.Load(),
		ActiveJobs:     p.active.Load(),
	}
	if s.TotalProcessed > 0 {
		s.AverageProcessingTimeMs = float64(p.totalTimeMs.Load()) / float64(s.TotalProcessed)
	}
	return s
}

type RunningJob struct {
	ID        string     `json:"id"`
	Type      job.Type   `json:"type"`
	Status    job.Status `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	Steps     []job.Step `json:"steps,omitempty"`
}

type Health struct {
	Initialized        bool                      `json:"initialized"`
	RegisteredJobTypes []job.Type                `json:"registeredJobTypes"`
	QueueStats         map[job.Type]queue.Counts `json:"queueStats"`
	Stats              Stats                     `json:"stats"`
	Running            []RunningJob              `json:"running"`
}

func (p *Processor) HealthInfo(ctx context.Context) (*Health, error) {
	p.mu.Lock()
	h := &Health{Initialized: p.initialized, RegisteredJobTypes: p.types()}
	p.mu.Unlock()

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	h.QueueStats = stats
	h.Stats = p.Stats()

	p.runningMu.Lock()
	for _, x := range p.running {
		h.Running = append(h.Running, RunningJob{
			ID:        x.ID(),
			Type:      x.Type(),
			Status:    x.Status(),
			StartedAt: x.StartedAt(),
			Steps:     x.Steps(),
		})
	}
	p.runningMu.Unlock()
	sort.Slice(h.Running, func(i, j int) bool { return h.Running[i].StartedAt.Before(h.Running[j].StartedAt) })
	return h, nil
}
