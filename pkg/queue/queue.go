package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"job-orchestrator/pkg/job"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrDuplicate = errors.New("job already queued")
)

// Queue partitions work by job type. Within a type entries are served in
// enqueue order; priority breaks ties between entries enqueued at the same
// instant.
type Queue interface {
	Submit(ctx context.Context, p job.Payload) (*Receipt, error)
	// Cancel removes a waiting entry. It returns false once the entry has
	// been dequeued.
	Cancel(ctx context.Context, jobID string, t job.Type) (bool, error)
	Stats(ctx context.Context) (map[job.Type]Counts, error)
	// Dequeue blocks until an entry of type t is available or ctx is done.
	Dequeue(ctx context.Context, t job.Type) (*Entry, error)
	Complete(ctx context.Context, e *Entry) error
	// Fail either schedules a retry (returning true) or records the entry as
	// failed once attempts are exhausted.
	Fail(ctx context.Context, e *Entry, cause error) (bool, error)
	// Discard records the entry as failed without retrying.
	Discard(ctx context.Context, e *Entry, cause error) error
	Close() error
}

type Receipt struct {
	JobID          string     `json:"jobId"`
	QueuePosition  int        `json:"queuePosition,omitempty"`
	EstimatedStart *time.Time `json:"estimatedStartTime,omitempty"`
}

type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Entry struct {
	JobID      string
	Type       job.Type
	Priority   job.Priority
	Payload    job.Payload
	Attempts   int
	EnqueuedAt time.Time
	DequeuedAt time.Time
	LastError  string
}

// Wait is how long the entry sat in the queue before this attempt.
func (e *Entry) Wait() time.Duration {
	if e.DequeuedAt.IsZero() {
		return 0
	}
	return e.DequeuedAt.Sub(e.EnqueuedAt)
}

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// RetentionPolicy bounds the history of finished entries per type.
type RetentionPolicy struct {
	KeepCompleted int
	KeepFailed    int
}

type Options struct {
	Retry     RetryPolicy
	Retention RetentionPolicy
	// Concurrency reports the worker count of a type; used for start estimates.
	Concurrency func(job.Type) int
	// EstimatedRuntime seeds the start estimate before any entry finished.
	EstimatedRuntime time.Duration
}

func DefaultOptions() Options {
	return Options{
		Retry: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2,
		},
		Retention:        RetentionPolicy{KeepCompleted: 100, KeepFailed: 50},
		Concurrency:      func(job.Type) int { return 1 },
		EstimatedRuntime: 30 * time.Second,
	}
}

func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if o.Retry.InitialDelay <= 0 {
		o.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if o.Retry.Multiplier < 1 {
		o.Retry.Multiplier = d.Retry.Multiplier
	}
	if o.Retention.KeepCompleted <= 0 {
		o.Retention.KeepCompleted = d.Retention.KeepCompleted
	}
	if o.Retention.KeepFailed <= 0 {
		o.Retention.KeepFailed = d.Retention.KeepFailed
	}
	if o.Concurrency == nil {
		o.Concurrency = d.Concurrency
	}
	if o.EstimatedRuntime <= 0 {
		o.EstimatedRuntime = d.EstimatedRuntime
	}
	return o
}

// Delays returns the wait before each retry, in order. There are
// MaxAttempts-1 of them.
func (p RetryPolicy) Delays() []time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	delays := make([]time.Duration, 0, max(0, p.MaxAttempts-1))
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, eb.NextBackOff())
	}
	return delays
}

// Delay is the wait before the retry that follows attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delays := p.Delays()
	if attempt < 1 || len(delays) == 0 {
		return p.InitialDelay
	}
	return delays[min(attempt, len(delays))-1]
}

// EstimateStart guesses when an entry at position will start, given the
// average runtime of the type and its concurrency.
func EstimateStart(now time.Time, position, concurrency int, avg time.Duration) *time.Time {
	if concurrency < 1 {
		concurrency = 1
	}
	rounds := (position - 1) / concurrency
	t := now.Add(time.Duration(rounds) * avg)
	return &t
}

// runtimeAverage is an exponential moving average of entry runtimes.
type runtimeAverage struct {
	value time.Duration
}

func (r *runtimeAverage) observe(d time.Duration) {
	if r.value == 0 {
		r.value = d
		return
	}
	r.value = (r.value*4 + d) / 5
}
