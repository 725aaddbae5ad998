package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/notify"
	"job-orchestrator/pkg/services"
	"job-orchestrator/pkg/store"
)

// Job is implemented by every job type. Both methods receive the execution's
// context, which is cancelled once the job is cancelled or force-failed.
type Job interface {
	Validate(ctx context.Context, x *Execution) error
	Execute(ctx context.Context, x *Execution) error
}

// StageMapper overrides the default progress-to-stage mapping.
type StageMapper interface {
	Stage(progress int) job.Status
}

// Env is handed to a job constructor.
type Env struct {
	Record   *job.Job
	Logger   *slog.Logger
	Notifier notify.Notifier
	Services *services.Registry
	Config   *config.Config
}

type Constructor func(env Env) (Job, error)

// Store is the subset of *store.Store an execution writes through.
type Store interface {
	UpdateStatus(ctx context.Context, id string, status job.Status, upd store.Update) (*job.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, message string, stage job.Status, eta *time.Time) (*job.Job, error)
	UpdateResults(ctx context.Context, id string, partial job.Results) (*job.Job, error)
	UpdatePerformance(ctx context.Context, id string, delta job.Performance) (*job.Job, error)
}

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

const (
	stateCreated int32 = iota
	stateRunning
	stateDone
)

// Execution is the in-process state of one job run. Every persisted status
// change goes through it, serialized by mu, and exactly one finalization wins.
type Execution struct {
	id      string
	jobType job.Type
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	state     atomic.Int32
	cancelled atomic.Bool
	finalized atomic.Bool
	outcome   atomic.Value // Outcome
	reason    atomic.Value // string

	mu        sync.Mutex
	status    job.Status
	startedAt time.Time
	mapper    StageMapper
	steps     *StepTracker
}

func NewExecution(ctx context.Context, rec *job.Job, st Store, logger *slog.Logger) *Execution {
	x := &Execution{
		id:      rec.ID,
		jobType: rec.Type,
		store:   st,
		logger:  logger.With("job_id", rec.ID, "job_type", rec.Type),
		now:     time.Now,
		status:  rec.Status,
	}
	x.ctx, x.cancel = context.WithCancelCause(ctx)
	x.outcome.Store(OutcomeNone)
	x.reason.Store("")
	return x
}

func (x *Execution) ID() string           { return x.id }
func (x *Execution) Type() job.Type       { return x.jobType }
func (x *Execution) Logger() *slog.Logger { return x.logger }

// Context is cancelled when the job is cancelled or force-failed.
func (x *Execution) Context() context.Context { return x.ctx }

// ShouldContinue is the cooperative cancellation checkpoint.
func (x *Execution) ShouldContinue() bool {
	return !x.cancelled.Load() && !x.finalized.Load() && x.ctx.Err() == nil
}

func (x *Execution) Running() bool        { return x.state.Load() == stateRunning }
func (x *Execution) Cancelled() bool      { return x.cancelled.Load() }
func (x *Execution) Finalized() bool      { return x.finalized.Load() }
func (x *Execution) Outcome() Outcome     { return x.outcome.Load().(Outcome) }
func (x *Execution) CancelReason() string { return x.reason.Load().(string) }

func (x *Execution) StartedAt() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.startedAt
}

// Status is the last status this execution persisted.
func (x *Execution) Status() job.Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// SetSteps attaches the job's step plan so it can be inspected while running.
func (x *Execution) SetSteps(t *StepTracker) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.steps = t
}

func (x *Execution) Steps() []job.Step {
	x.mu.Lock()
	t := x.steps
	x.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Steps()
}

// Cancel requests cancellation. A job that has not started is finalized
// CANCELLED immediately; a running job only has its flag raised and must
// observe it at a checkpoint. Only the first call returns true.
func (x *Execution) Cancel(ctx context.Context, reason string) bool {
	if x.finalized.Load() || !x.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	x.reason.Store(reason)
	x.cancel(job.ErrCancelled)
	x.logger.Info("job cancellation requested", "reason", reason, "running", x.Running())

	if x.state.Load() == stateCreated {
		x.finalize(ctx, job.StatusCancelled, func(time.Duration) store.Update {
			return store.Update{Message: reason}
		})
	}
	return true
}

// ForceFail finalizes the job FAILED regardless of what the job is doing.
// It returns false when another finalization already happened.
func (x *Execution) ForceFail(ctx context.Context, cause error) bool {
	return x.finalize(ctx, job.StatusFailed, failureUpdate(cause))
}

// UpdateProgress persists progress and the stage derived from it, advancing
// the status along the stage path first when the stage moved forward.
func (x *Execution) UpdateProgress(ctx context.Context, progress int, message string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finalized.Load() {
		return fmt.Errorf("update progress of job %s: %w", x.id, job.ErrTerminal)
	}

	stage := x.stage(progress)
	hops := x.status.PathTo(stage)
	if len(hops) == 0 && x.status.Active() && x.status != job.StatusRunning {
		// The stage never moves backwards.
		stage = x.status
	}
	for _, hop := range hops {
		rec, err := x.store.UpdateStatus(ctx, x.id, hop, store.Update{Message: message})
		if err != nil {
			return err
		}
		x.status = rec.Status
	}

	_, err := x.store.UpdateProgress(ctx, x.id, progress, message, stage, x.eta(progress))
	return err
}

func (x *Execution) UpdateResults(ctx context.Context, partial job.Results) error {
	_, err := x.store.UpdateResults(ctx, x.id, partial)
	return err
}

// Warn records a warning in the job's results.
func (x *Execution) Warn(ctx context.Context, msg string) {
	x.logger.Warn(msg)
	if err := x.UpdateResults(ctx, job.Results{Warnings: []string{msg}}); err != nil {
		x.logger.Error("failed to record warning", "error", err)
	}
}

// Fallback records a warning for a degraded code path and counts it.
func (x *Execution) Fallback(ctx context.Context, msg string) {
	x.Warn(ctx, msg)
	x.Track(ctx, job.Performance{FallbacksUsed: 1})
}

// Track adds to the job's performance counters. Failures are logged only.
func (x *Execution) Track(ctx context.Context, delta job.Performance) {
	if _, err := x.store.UpdatePerformance(ctx, x.id, delta); err != nil {
		x.logger.Warn("failed to record performance counters", "error", err)
	}
}

// begin moves the job to RUNNING. It returns false when the job was cancelled
// or finalized first.
func (x *Execution) begin(ctx context.Context) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancelled.Load() || x.finalized.Load() {
		return false, nil
	}
	rec, err := x.store.UpdateStatus(ctx, x.id, job.StatusRunning, store.Update{Message: "job started"})
	if err != nil {
		return false, err
	}
	x.status = rec.Status
	if rec.StartedAt != nil {
		x.startedAt = *rec.StartedAt
	} else {
		x.startedAt = x.now()
	}
	x.state.Store(stateRunning)
	return true, nil
}

func (x *Execution) finish() {
	x.state.Store(stateDone)
}

func (x *Execution) succeed(ctx context.Context) bool {
	return x.finalize(ctx, job.StatusCompleted, func(d time.Duration) store.Update {
		return store.Update{
			Message: "job completed",
			Results: &job.Results{DurationMs: d.Milliseconds()},
			Data:    map[string]any{"durationMs": d.Milliseconds()},
		}
	})
}

func (x *Execution) fail(ctx context.Context, cause error) bool {
	return x.finalize(ctx, job.StatusFailed, failureUpdate(cause))
}

func (x *Execution) finalizeCancelled(ctx context.Context) bool {
	reason := x.CancelReason()
	return x.finalize(ctx, job.StatusCancelled, func(d time.Duration) store.Update {
		return store.Update{
			Message: reason,
			Results: &job.Results{DurationMs: d.Milliseconds()},
			Data:    map[string]any{"durationMs": d.Milliseconds(), "reason": reason},
		}
	})
}

func failureUpdate(cause error) func(time.Duration) store.Update {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return func(d time.Duration) store.Update {
		return store.Update{
			Message:      "job failed",
			ErrorMessage: msg,
			Results:      &job.Results{DurationMs: d.Milliseconds()},
			Data:         map[string]any{"durationMs": d.Milliseconds(), "error": msg},
		}
	}
}

// finalize persists the terminal status. Only the first caller wins; the
// writes ignore cancellation of ctx so a timed-out job is still recorded.
func (x *Execution) finalize(ctx context.Context, target job.Status, build func(time.Duration) store.Update) bool {
	if !x.finalized.CompareAndSwap(false, true) {
		return false
	}
	switch target {
	case job.StatusCompleted:
		x.outcome.Store(OutcomeSucceeded)
	case job.StatusCancelled:
		x.outcome.Store(OutcomeCancelled)
	default:
		x.outcome.Store(OutcomeFailed)
	}
	x.cancel(job.ErrTerminal)
	ctx = context.WithoutCancel(ctx)

	x.mu.Lock()
	defer x.mu.Unlock()

	d := x.elapsedLocked()
	upd := build(d)
	hops := []job.Status{target}
	switch {
	case target == job.StatusCompleted:
		hops = x.status.PathTo(job.StatusCompleted)
	case target == job.StatusFailed && x.status == job.StatusPending:
		// FAILED is only reachable from an in-flight status.
		hops = []job.Status{job.StatusRunning, job.StatusFailed}
	}
	for i, hop := range hops {
		u := store.Update{}
		if i == len(hops)-1 {
			u = upd
		}
		rec, err := x.store.UpdateStatus(ctx, x.id, hop, u)
		if err != nil {
			x.logger.Error("failed to finalize job", "status", hop, "error", err)
			break
		}
		x.status = rec.Status
	}

	x.logger.Info("job finalized", "status", target, "duration_ms", d.Milliseconds())
	return true
}

func (x *Execution) elapsedLocked() time.Duration {
	if x.startedAt.IsZero() {
		return 0
	}
	return x.now().Sub(x.startedAt)
}

// eta extrapolates the finish time from elapsed time and progress. Callers
// hold mu.
func (x *Execution) eta(progress int) *time.Time {
	if progress <= 0 || progress >= 100 || x.startedAt.IsZero() {
		return nil
	}
	elapsed := x.elapsedLocked()
	remaining := time.Duration(float64(elapsed) * float64(100-progress) / float64(progress))
	t := x.now().Add(remaining)
	return &t
}

// stage returns the in-flight status for progress. Callers hold mu.
func (x *Execution) stage(progress int) job.Status {
	if x.mapper != nil {
		if s := x.mapper.Stage(progress); s.Active() && s != job.StatusRunning {
			return s
		}
	}
	return DefaultStage(progress)
}

// DefaultStage maps progress onto the in-flight stages.
func DefaultStage(progress int) job.Status {
	switch {
	case progress < 20:
		return job.StatusAnalyzing
	case progress < 40:
		return job.StatusSearching
	case progress < 70:
		return job.StatusDownloading
	case progress < 90:
		return job.StatusProcessing
	default:
		return job.StatusIndexing
	}
}

// IsCancellation reports whether err stems from a cancelled execution.
func IsCancellation(err error) bool {
	return errors.Is(err, job.ErrCancelled) || errors.Is(err, context.Canceled)
}
