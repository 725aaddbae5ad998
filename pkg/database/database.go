package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/store"
)

// Client is the PostgreSQL implementation of store.Backend.
type Client struct {
	pool       *pgxpool.Pool
	maxRetries uint64
}

var _ store.Backend = (*Client)(nil)

func New(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Client{pool: pool, maxRetries: 3}, nil
}

// Pool exposes the connection pool to components sharing the database.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

func (c *Client) Close() {
	c.pool.Close()
}

// InitSchema creates the jobs table. Safe to run repeatedly.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY,
        type TEXT NOT NULL CHECK (type IN ('collection', 'processing', 'indexing', 'search')),
        status TEXT NOT NULL DEFAULT 'PENDING',
        priority TEXT NOT NULL DEFAULT 'normal',
        query TEXT NOT NULL CHECK (char_length(query) BETWEEN 1 AND 1000),
        progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
        user_id TEXT NOT NULL DEFAULT 'anonymous',
        metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
        results JSONB NOT NULL DEFAULT '{}'::jsonb,
        error_message TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
    CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs (user_id, created_at DESC);
    CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs (completed_at) WHERE completed_at IS NOT NULL;
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

const selectJob = `SELECT id, type, status, priority, query, progress, user_id, metadata, results,
       error_message, created_at, updated_at, started_at, completed_at FROM jobs`

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var metadata, results []byte
	var errorMessage sql.NullString
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.Query, &j.Progress, &j.UserID,
		&metadata, &results, &errorMessage, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, err
	}
	if errorMessage.Valid {
		j.ErrorMessage = errorMessage.String
	}
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(results, &j.Results); err != nil {
		return nil, fmt.Errorf("decode results of job %s: %w", j.ID, err)
	}
	return j, nil
}

func encodeBags(j *job.Job) (metadata, results []byte, err error) {
	if metadata, err = json.Marshal(j.Metadata); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	if results, err = json.Marshal(j.Results); err != nil {
		return nil, nil, fmt.Errorf("encode results: %w", err)
	}
	return metadata, results, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (c *Client) Insert(ctx context.Context, j *job.Job) error {
	metadata, results, err := encodeBags(j)
	if err != nil {
		return err
	}
	query := `INSERT INTO jobs (id, type, status, priority, query, progress, user_id, metadata, results, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = c.pool.Exec(ctx, query, j.ID, j.Type, j.Status, j.Priority, j.Query, j.Progress, j.UserID,
		metadata, results, j.CreatedAt, j.UpdatedAt)
	return err
}

// validID reports whether id can match the UUID primary key. Anything else
// would fail the query with invalid_text_representation.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (c *Client) Get(ctx context.Context, id string) (*job.Job, error) {
	if !validID(id) {
		return nil, job.ErrNotFound
	}
	return scanJob(c.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
}

// Mutate loads the row with SELECT ... FOR UPDATE, applies fn and writes the
// result back in the same transaction. Serialization failures and deadlocks
// are retried with exponential backoff; everything else is permanent.
func (c *Client) Mutate(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	if !validID(id) {
		return nil, job.ErrNotFound
	}
	var out *job.Job
	operation := func() error {
		tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		j, err := scanJob(tx.QueryRow(ctx, selectJob+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return permanentUnlessRetryable(err)
		}
		if err := fn(j); err != nil {
			return backoff.Permanent(err)
		}

		metadata, results, err := encodeBags(j)
		if err != nil {
			return backoff.Permanent(err)
		}
		update := `UPDATE jobs SET status = $2, progress = $3, metadata = $4, results = $5, error_message = $6,
                   updated_at = $7, started_at = $8, completed_at = $9 WHERE id = $1`
		if _, err := tx.Exec(ctx, update, j.ID, j.Status, j.Progress, metadata, results,
			nullable(j.ErrorMessage), j.UpdatedAt, j.StartedAt, j.CompletedAt); err != nil {
			return permanentUnlessRetryable(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return permanentUnlessRetryable(fmt.Errorf("failed to commit transaction: %w", err))
		}
		out = j
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return out, nil
}

func permanentUnlessRetryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return err
		}
	}
	return backoff.Permanent(err)
}

func (c *Client) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*job.Job, int, error) {
	var total int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	jobs, err := c.list(ctx, selectJob+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (c *Client) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return c.list(ctx, selectJob+` WHERE status = $1 ORDER BY created_at DESC, id DESC`, status)
}

func (c *Client) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := c.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (c *Client) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM jobs
              WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
                AND COALESCE(completed_at, updated_at) < $1`
	tag, err := c.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (c *Client) Statistics(ctx context.Context, since time.Time) (*store.Statistics, error) {
	stats := &store.Statistics{ByStatus: make(map[job.Status]int)}

	rows, err := c.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status job.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	avg := `SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)::float8
            FROM jobs
            WHERE created_at >= $1 AND status = 'COMPLETED' AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	if err := c.pool.QueryRow(ctx, avg, since).Scan(&stats.AvgDurationSeconds); err != nil {
		return nil, err
	}
	return stats, nil
}
