package mq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/queue"
)

const (
	stateWaiting   = "waiting"
	stateActive    = "active"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Queue is the durable queue.Queue. Entries live in PostgreSQL; RabbitMQ only
// carries wake-ups so idle workers react without waiting for the next poll.
// Losing a wake-up delays an entry by at most one poll interval.
type Queue struct {
	pool   *pgxpool.Pool
	broker *Client
	opts   queue.Options
	poll   time.Duration
	logger *slog.Logger

	// reclaimAfter is how long an entry may stay active before it is handed
	// out again. Zero disables reclaiming.
	reclaimAfter time.Duration

	mu      sync.Mutex
	wake    map[job.Type]chan struct{}
	closers []func()
	done    chan struct{}
	closed  bool
}

var _ queue.Queue = (*Queue)(nil)

type QueueOption func(*Queue)

// WithReclaimAfter hands an active entry out again once it has been active for
// d. A worker that died mid-job leaves its entry active; the next claimant
// sees the job in flight and fails it. d must exceed the job timeout plus the
// shutdown grace, or live jobs get reclaimed.
func WithReclaimAfter(d time.Duration) QueueOption {
	return func(q *Queue) { q.reclaimAfter = d }
}

// NewQueue builds the durable queue. broker may be nil, in which case workers
// rely on polling alone.
func NewQueue(pool *pgxpool.Pool, broker *Client, opts queue.Options, poll time.Duration, logger *slog.Logger, qopts ...QueueOption) *Queue {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	q := &Queue{
		pool:   pool,
		broker: broker,
		opts:   opts.WithDefaults(),
		poll:   poll,
		logger: logger,
		wake:   make(map[job.Type]chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range qopts {
		o(q)
	}
	return q
}

// InitSchema creates the entry table. Safe to run repeatedly.
func (q *Queue) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS queue_entries (
        job_id UUID PRIMARY KEY,
        type TEXT NOT NULL,
        priority TEXT NOT NULL,
        priority_rank SMALLINT NOT NULL,
        payload JSONB NOT NULL,
        state TEXT NOT NULL DEFAULT 'waiting' CHECK (state IN ('waiting', 'active', 'completed', 'failed')),
        attempts INTEGER NOT NULL DEFAULT 0,
        enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        dequeued_at TIMESTAMPTZ,
        finished_at TIMESTAMPTZ,
        last_error TEXT,
        seq BIGSERIAL
    );
    ALTER TABLE queue_entries ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
    DROP INDEX IF EXISTS idx_queue_entries_claim;
    CREATE INDEX IF NOT EXISTS idx_queue_entries_claim_seq ON queue_entries (type, state, enqueued_at, priority_rank DESC, seq);
    CREATE INDEX IF NOT EXISTS idx_queue_entries_finished ON queue_entries (type, state, finished_at DESC);
    `
	_, err := q.pool.Exec(ctx, schema)
	return err
}

// Start subscribes to the wake-up queues of the given types. Without a broker
// it is a no-op.
func (q *Queue) Start(types []job.Type) error {
	if q.broker == nil {
		return nil
	}
	for _, t := range types {
		deliveries, closeFn, err := q.broker.ConsumeJobs(t)
		if err != nil {
			return fmt.Errorf("consume %s wake-ups: %w", t, err)
		}
		q.mu.Lock()
		q.closers = append(q.closers, closeFn)
		signal := q.signal(t)
		q.mu.Unlock()

		go func() {
			for range deliveries {
				select {
				case signal <- struct{}{}:
				default:
				}
			}
		}()
	}
	return nil
}

// signal returns the wake channel of t. Callers hold q.mu.
func (q *Queue) signal(t job.Type) chan struct{} {
	ch, ok := q.wake[t]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[t] = ch
	}
	return ch
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) notifyLocal(t job.Type) {
	q.mu.Lock()
	signal := q.signal(t)
	q.mu.Unlock()
	select {
	case signal <- struct{}{}:
	default:
	}
}

func (q *Queue) Submit(ctx context.Context, p job.Payload) (*queue.Receipt, error) {
	if q.isClosed() {
		return nil, queue.ErrClosed
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var enqueuedAt time.Time
	var seq int64
	insert := `INSERT INTO queue_entries (job_id, type, priority, priority_rank, payload)
               VALUES ($1, $2, $3, $4, $5)
               ON CONFLICT (job_id) DO NOTHING
               RETURNING enqueued_at, seq`
	err = q.pool.QueryRow(ctx, insert, p.ID, p.Type, p.Priority, p.Priority.Rank(), body).Scan(&enqueuedAt, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	var position, active int
	var avg float64
	stats := `SELECT
        COUNT(*) FILTER (WHERE state = 'waiting' AND (enqueued_at < $2 OR (enqueued_at = $2 AND
            (priority_rank > $3 OR (priority_rank = $3 AND seq <= $4))))),
        COUNT(*) FILTER (WHERE state = 'active'),
        COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - dequeued_at))) FILTER (WHERE state = 'completed'), 0)::float8
        FROM queue_entries WHERE type = $1`
	if err := q.pool.QueryRow(ctx, stats, p.Type, enqueuedAt, p.Priority.Rank(), seq).Scan(&position, &active, &avg); err != nil {
		return nil, fmt.Errorf("failed to compute queue position: %w", err)
	}

	q.wakeUp(ctx, p)

	runtime := time.Duration(avg * float64(time.Second))
	if runtime <= 0 {
		runtime = q.opts.EstimatedRuntime
	}
	return &queue.Receipt{
		JobID:          p.ID,
		QueuePosition:  position,
		EstimatedStart: queue.EstimateStart(time.Now(), position+active, q.opts.Concurrency(p.Type), runtime),
	}, nil
}

// wakeUp publishes the entry's wake-up. The entry is already durable, so a
// failed publish is only logged.
func (q *Queue) wakeUp(ctx context.Context, p job.Payload) {
	q.notifyLocal(p.Type)
	if q.broker == nil {
		return
	}
	if err := q.broker.PublishJob(ctx, p.Type, p.ID, p.Priority); err != nil {
		q.logger.Warn("failed to publish wake-up; entry will be picked up by polling", "job_id", p.ID, "error", err)
	}
}

func (q *Queue) Cancel(ctx context.Context, jobID string, t job.Type) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_entries WHERE job_id = $1 AND type = $2 AND state = 'waiting'`, jobID, t)
	if err != nil {
		return false, fmt.Errorf("failed to cancel queue entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queue) Stats(ctx context.Context) (map[job.Type]queue.Counts, error) {
	rows, err := q.pool.Query(ctx, `SELECT type, state, COUNT(*) FROM queue_entries GROUP BY type, state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[job.Type]queue.Counts)
	for rows.Next() {
		var t job.Type
		var state string
		var n int
		if err := rows.Scan(&t, &state, &n); err != nil {
			return nil, err
		}
		c := out[t]
		switch state {
		case stateWaiting:
			c.Waiting = n
		case stateActive:
			c.Active = n
		case stateCompleted:
			c.Completed = n
		case stateFailed:
			c.Failed = n
		}
		out[t] = c
	}
	return out, rows.Err()
}

const claim = `
    UPDATE queue_entries
    SET state = 'active', attempts = attempts + 1, dequeued_at = NOW()
    WHERE job_id = (
        SELECT job_id FROM queue_entries
        WHERE type = $1 AND (
            (state = 'waiting' AND available_at <= NOW())
            OR ($2::bigint > 0 AND state = 'active' AND dequeued_at < NOW() - $2 * INTERVAL '1 millisecond'))
        ORDER BY enqueued_at, priority_rank DESC, seq
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING job_id, type, priority, payload, attempts, enqueued_at, dequeued_at, last_error`

func (q *Queue) claimNext(ctx context.Context, t job.Type) (*queue.Entry, error) {
	e := &queue.Entry{}
	var body []byte
	var lastError sql.NullString
	err := q.pool.QueryRow(ctx, claim, t, q.reclaimAfter.Milliseconds()).Scan(
		&e.JobID, &e.Type, &e.Priority, &body, &e.Attempts, &e.EnqueuedAt, &e.DequeuedAt, &lastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if err := json.Unmarshal(body, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.JobID, err)
	}
	return e, nil
}

// Dequeue claims the oldest available entry of type t, waiting for a wake-up
// or the poll interval when there is none.
func (q *Queue) Dequeue(ctx context.Context, t job.Type) (*queue.Entry, error) {
	q.mu.Lock()
	signal := q.signal(t)
	q.mu.Unlock()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if q.isClosed() {
			return nil, queue.ErrClosed
		}
		e, err := q.claimNext(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to claim queue entry: %w", err)
		}
		if e != nil {
			return e, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, queue.ErrClosed
		case <-signal:
		case <-ticker.C:
		}
	}
}

func (q *Queue) Complete(ctx context.Context, e *queue.Entry) error {
	return q.finish(ctx, e, stateCompleted, "", q.opts.Retention.KeepCompleted)
}

func (q *Queue) Discard(ctx context.Context, e *queue.Entry, cause error) error {
	return q.finish(ctx, e, stateFailed, errString(cause), q.opts.Retention.KeepFailed)
}

func (q *Queue) Fail(ctx context.Context, e *queue.Entry, cause error) (bool, error) {
	if e.Attempts >= q.opts.Retry.MaxAttempts || q.isClosed() {
		return false, q.finish(ctx, e, stateFailed, errString(cause), q.opts.Retention.KeepFailed)
	}

	delay := q.opts.Retry.Delay(e.Attempts)
	retry := `UPDATE queue_entries
              SET state = 'waiting', enqueued_at = NOW(), available_at = NOW() + $2 * INTERVAL '1 millisecond', last_error = $3
              WHERE job_id = $1 AND state = 'active'`
	if _, err := q.pool.Exec(ctx, retry, e.JobID, delay.Milliseconds(), errString(cause)); err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	if q.broker != nil {
		if err := q.broker.PublishToRetry(ctx, e.Type, e.JobID, delay); err != nil {
			q.logger.Warn("failed to publish retry wake-up", "job_id", e.JobID, "delay", delay, "error", err)
		}
	}
	return true, nil
}

// finish moves the entry to a final state and trims that state's history to
// keep entries.
func (q *Queue) finish(ctx context.Context, e *queue.Entry, state, lastError string, keep int) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `UPDATE queue_entries SET state = $2, finished_at = NOW(), last_error = NULLIF($3, '') WHERE job_id = $1`
	if _, err := tx.Exec(ctx, update, e.JobID, state, lastError); err != nil {
		return err
	}
	trim := `DELETE FROM queue_entries WHERE job_id IN (
                 SELECT job_id FROM queue_entries
                 WHERE type = $1 AND state = $2
                 ORDER BY finished_at DESC
                 OFFSET $3
             )`
	if _, err := tx.Exec(ctx, trim, e.Type, state, keep); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	for _, fn := range q.closers {
		fn()
	}
	q.closers = nil
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
