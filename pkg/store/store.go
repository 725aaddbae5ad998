package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/notify"
)

// Backend is durable storage for job records. Mutate must run fn inside a
// transaction that holds an exclusive lock on the row, and must persist
// nothing when fn returns an error.
type Backend interface {
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	Mutate(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*job.Job, int, error)
	ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Statistics(ctx context.Context, since time.Time) (*Statistics, error)
}

type Statistics struct {
	Total              int                `json:"total"`
	ByStatus           map[job.Status]int `json:"byStatus"`
	AvgDurationSeconds float64            `json:"avgDurationSeconds"`
}

// Update carries the optional field changes applied with a status transition.
type Update struct {
	Progress     *int
	Message      string
	ErrorMessage string
	Results      *job.Results
	// Data is attached to the broadcast event only, never persisted.
	Data map[string]any
}

const lockStripes = 64

// Store is the single writer of job records. Every committed change is
// broadcast while the per-job lock is held, so subscribers observe events for
// one job in commit order.
type Store struct {
	backend  Backend
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

func New(backend Backend, notifier notify.Notifier, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// CreateJob persists a new PENDING record. The request is expected to be
// validated by the caller.
func (s *Store) CreateJob(ctx context.Context, req job.SubmissionRequest) (*job.Job, error) {
	req.Normalize()
	now := s.now()
	j := &job.Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Status:    job.StatusPending,
		Priority:  req.Priority,
		Query:     req.Query,
		UserID:    req.UserID,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mu := s.lockFor(j.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.broadcast(ctx, notify.Event{
		Type:    notify.EventCreated,
		JobID:   j.ID,
		Status:  j.Status,
		Message: "job created",
		Data:    map[string]any{"type": string(j.Type), "userId": j.UserID},
	})
	return j.Clone(), nil
}

// UpdateStatus applies a validated transition and the accompanying field
// changes atomically. Transitions missing from the table fail with
// *job.InvalidTransitionError and leave the record untouched.
func (s *Store) UpdateStatus(ctx context.Context, id string, status job.Status, upd Update) (*job.Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	updated, err := s.backend.Mutate(ctx, id, func(j *job.Job) error {
		if !job.CanTransition(j.Status, status) {
			return &job.InvalidTransitionError{JobID: id, From: j.Status, To: status}
		}
		now := s.now()
		j.Status = status
		j.UpdatedAt = now
		if status == job.StatusRunning && j.StartedAt == nil {
			j.StartedAt = &now
		}
		if status.Active() {
			j.Metadata.Stage = status
		}
		if upd.Message != "" {
			j.Metadata.Message = upd.Message
		}
		if upd.Results != nil {
			j.Results.Merge(*upd.Results)
		}
		if upd.Progress != nil {
			j.Progress = monotonic(j.Progress, *upd.Progress)
		}
		if status.Terminal() {
			if j.CompletedAt == nil {
				j.CompletedAt = &now
			}
			j.Metadata.ETA = nil
		}
		switch status {
		case job.StatusCompleted:
			j.Progress = 100
		case job.StatusFailed:
			j.ErrorMessage = upd.ErrorMessage
			if j.ErrorMessage == "" {
				j.ErrorMessage = "unknown error"
			}
		}
		return nil
	})
	if err != nil {
		var terr *job.InvalidTransitionError
		if errors.As(err, &terr) {
			s.logger.Error("rejected invalid status transition", "job_id", id, "from", terr.From, "to", terr.To)
		}
		return nil, err
	}

	s.broadcast(ctx, notify.Event{
		Type:     notify.EventStatus,
		JobID:    id,
		Status:   updated.Status,
		Progress: updated.Progress,
		Message:  upd.Message,
		Data:     upd.Data,
	})
	return updated, nil
}

// UpdateProgress records progress without changing status. Progress never
// moves backwards and finished jobs reject the write with job.ErrTerminal.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, message string, stage job.Status, eta *time.Time) (*job.Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	updated, err := s.backend.Mutate(ctx, id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("update progress of %s job %s: %w", j.Status, id, job.ErrTerminal)
		}
		j.Progress = monotonic(j.Progress, progress)
		if message != "" {
			j.Metadata.Message = message
		}
		if stage != "" {
			j.Metadata.Stage = stage
		}
		j.Metadata.ETA = eta
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, notify.Event{
		Type:     notify.EventProgress,
		JobID:    id,
		Status:   updated.Status,
		Progress: updated.Progress,
		Message:  message,
		Stage:    updated.Metadata.Stage,
		ETA:      eta,
	})
	return updated, nil
}

// UpdateResults merges partial into the accumulated results.
func (s *Store) UpdateResults(ctx context.Context, id string, partial job.Results) (*job.Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	return s.backend.Mutate(ctx, id, func(j *job.Job) error {
		j.Results.Merge(partial)
		j.UpdatedAt = s.now()
		return nil
	})
}

// UpdatePerformance adds to the performance counters in metadata.
func (s *Store) UpdatePerformance(ctx context.Context, id string, delta job.Performance) (*job.Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	return s.backend.Mutate(ctx, id, func(j *job.Job) error {
		p := &j.Metadata.Performance
		p.ExternalCalls += delta.ExternalCalls
		p.FallbacksUsed += delta.FallbacksUsed
		p.BytesProcessed += delta.BytesProcessed
		if delta.QueueWaitMs != 0 {
			p.QueueWaitMs = delta.QueueWaitMs
		}
		j.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	return s.backend.Get(ctx, id)
}

func (s *Store) GetByUser(ctx context.Context, userID string, limit, offset int) ([]*job.Job, int, error) {
	if userID == "" {
		userID = job.AnonymousUser
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.backend.ListByUser(ctx, userID, limit, offset)
}

func (s *Store) GetByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return s.backend.ListByStatus(ctx, status)
}

func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return s.backend.Delete(ctx, id)
}

// Cleanup deletes COMPLETED, FAILED and CANCELLED jobs that finished more
// than olderThanDays ago.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, &job.ValidationError{Field: "olderThanDays", Reason: "must be at least 1"}
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := s.backend.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	s.logger.Info("cleaned up finished jobs", "deleted", n, "older_than_days", olderThanDays)
	return n, nil
}

// Statistics summarizes jobs created within window.
func (s *Store) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	return s.backend.Statistics(ctx, s.now().Add(-window))
}

func (s *Store) broadcast(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("broadcast panicked", "job_id", ev.JobID, "panic", r)
		}
	}()
	s.notifier.Broadcast(ctx, ev)
}

func monotonic(current, next int) int {
	next = max(0, min(100, next))
	return max(current, next)
}
