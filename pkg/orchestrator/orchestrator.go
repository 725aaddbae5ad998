// Package orchestrator is the entry point callers use to submit, inspect and
// cancel jobs. It ties the state store, the work queue and the processor
// together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/observability"
	"job-orchestrator/pkg/processor"
	"job-orchestrator/pkg/queue"
	"job-orchestrator/pkg/store"
)

// RemoteCanceller reaches jobs held by workers in other processes.
type RemoteCanceller interface {
	RequestCancel(ctx context.Context, jobID, reason string) error
}

type Orchestrator struct {
	store     *store.Store
	queue     queue.Queue
	processor *processor.Processor
	remote    RemoteCanceller
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithRemoteCancel(r RemoteCanceller) Option {
	return func(o *Orchestrator) { o.remote = r }
}

func New(st *store.Store, q queue.Queue, p *processor.Processor, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: st, queue: q, processor: p, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates req, creates the job record and enqueues it. Invalid
// requests fail with *job.ValidationError and create nothing.
func (o *Orchestrator) Submit(ctx context.Context, req job.SubmissionRequest) (*queue.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !o.processor.Registered(req.Type) {
		return nil, &job.ValidationError{Field: "type", Reason: fmt.Sprintf("no handler registered for job type %s", req.Type)}
	}

	rec, err := o.store.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	receipt, err := o.queue.Submit(ctx, rec.Payload())
	if err != nil {
		if _, derr := o.store.DeleteJob(context.WithoutCancel(ctx), rec.ID); derr != nil {
			o.logger.Error("failed to remove job after enqueue failure", "job_id", rec.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	observability.JobsSubmitted.WithLabelValues(string(rec.Type), string(rec.Priority)).Inc()
	o.logger.Info("job submitted", "job_id", rec.ID, "job_type", rec.Type, "user_id", rec.UserID, "queue_position", receipt.QueuePosition)
	return receipt, nil
}

// Cancel cancels a job. It returns false when the job already finished or a
// concurrent cancellation won.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	rec, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch {
	case rec.Status.Terminal():
		return false, nil
	case rec.Status == job.StatusPending:
		return o.cancelPending(ctx, rec, reason)
	default:
		return o.cancelRunning(ctx, rec, reason)
	}
}

func (o *Orchestrator) cancelPending(ctx context.Context, rec *job.Job, reason string) (bool, error) {
	removed, err := o.queue.Cancel(ctx, rec.ID, rec.Type)
	if err != nil {
		return false, fmt.Errorf("failed to remove job from queue: %w", err)
	}
	// A worker may hold the entry without having started the job yet.
	if !removed && o.processor.Holds(rec.ID) {
		return o.processor.Cancel(ctx, rec.ID, reason), nil
	}

	_, err = o.store.UpdateStatus(ctx, rec.ID, job.StatusCancelled, store.Update{Message: reason})
	var terr *job.InvalidTransitionError
	switch {
	case err == nil:
		o.logger.Info("queued job cancelled", "job_id", rec.ID, "reason", reason)
		return true, nil
	case errors.As(err, &terr) && terr.From.Active():
		return o.cancelRunning(ctx, &job.Job{ID: rec.ID, Status: terr.From}, reason)
	case errors.As(err, &terr):
		return false, nil
	default:
		return false, err
	}
}

func (o *Orchestrator) cancelRunning(ctx context.Context, rec *job.Job, reason string) (bool, error) {
	if o.processor.Holds(rec.ID) {
		return o.processor.Cancel(ctx, rec.ID, reason), nil
	}
	if o.remote == nil {
		return false, nil
	}
	if err := o.remote.RequestCancel(ctx, rec.ID, reason); err != nil {
		return false, fmt.Errorf("failed to request cancellation: %w", err)
	}
	o.logger.Info("cancellation requested from remote workers", "job_id", rec.ID, "status", rec.Status)
	return true, nil
}

func (o *Orchestrator) GetByID(ctx context.Context, id string) (*job.Job, error) {
	return o.store.GetByID(ctx, id)
}

func (o *Orchestrator) GetByUser(ctx context.Context, userID string, limit, offset int) ([]*job.Job, int, error) {
	if userID == "" {
		userID = job.AnonymousUser
	}
	return o.store.GetByUser(ctx, userID, limit, offset)
}

func (o *Orchestrator) QueueStats(ctx context.Context) (map[job.Type]queue.Counts, error) {
	return o.queue.Stats(ctx)
}

func (o *Orchestrator) ProcessorHealth(ctx context.Context) (*processor.Health, error) {
	return o.processor.HealthInfo(ctx)
}

// Cleanup deletes finished jobs older than olderThanDays.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	n, err := o.store.Cleanup(ctx, olderThanDays)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("old jobs removed", "count", n, "older_than_days", olderThanDays)
	}
	return n, nil
}

func (o *Orchestrator) Statistics(ctx context.Context, window time.Duration) (*store.Statistics, error) {
	return o.store.Statistics(ctx, window)
}
