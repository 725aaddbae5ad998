package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/pkg/config"
	"job-orchestrator/pkg/database/dbtest"
	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/services"
	"job-orchestrator/pkg/store"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := New(ctx, config.DatabaseConfig{URL: dbtest.Postgres(t), MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.InitSchema(ctx))
	require.NoError(t, c.InitSchema(ctx), "schema creation must be repeatable")
	return c
}

func TestPostgresBackend(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	s := store.New(c, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	created, err := s.CreateJob(ctx, job.SubmissionRequest{
		Type:  job.TypeCollection,
		Query: "renewable energy",
		Metadata: job.Metadata{
			Sources:    []string{"arxiv"},
			Collection: &job.CollectionOptions{MaxResults: 5},
		},
	})
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		got, err := c.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Equal(t, job.AnonymousUser, got.UserID)
		assert.Equal(t, []string{"arxiv"}, got.Metadata.Sources)
		require.NotNil(t, got.Metadata.Collection)
		assert.Equal(t, 5, got.Metadata.Collection.MaxResults)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := c.Get(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("invalid transition persists nothing", func(t *testing.T) {
		_, err := s.UpdateStatus(ctx, created.ID, job.StatusCompleted, store.Update{})
		var terr *job.InvalidTransitionError
		require.ErrorAs(t, err, &terr)

		got, err := c.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("lifecycle", func(t *testing.T) {
		_, err := s.UpdateStatus(ctx, created.ID, job.StatusRunning, store.Update{Message: "started"})
		require.NoError(t, err)
		_, err = s.UpdateProgress(ctx, created.ID, 40, "halfway", job.StatusAnalyzing, nil)
		require.NoError(t, err)
		_, err = s.UpdateProgress(ctx, created.ID, 10, "", "", nil)
		require.NoError(t, err)
		_, err = s.UpdateResults(ctx, created.ID, job.Results{Warnings: []string{"w1"}, DocumentsFound: 3})
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, created.ID, job.StatusFailed, store.Update{ErrorMessage: "boom"})
		require.NoError(t, err)

		got, err := c.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, 40, got.Progress)
		assert.Equal(t, "boom", got.ErrorMessage)
		assert.Equal(t, []string{"w1"}, got.Results.Warnings)
		assert.Equal(t, 3, got.Results.DocumentsFound)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)

		_, err = s.UpdateProgress(ctx, created.ID, 90, "", "", nil)
		assert.ErrorIs(t, err, job.ErrTerminal)
	})

	t.Run("list and statistics", func(t *testing.T) {
		jobs, total, err := s.GetByUser(ctx, "", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)

		failed, err := s.GetByStatus(ctx, job.StatusFailed)
		require.NoError(t, err)
		assert.Len(t, failed, 1)

		stats, err := s.Statistics(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.ByStatus[job.StatusFailed])
	})

	t.Run("cleanup", func(t *testing.T) {
		n, err := c.DeleteTerminalBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = c.Get(ctx, created.ID)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})
}

func TestMutateSerializesConcurrentWriters(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	s := store.New(c, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	created, err := s.CreateJob(ctx, job.SubmissionRequest{Type: job.TypeProcessing, Query: "q"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Bypass the store's in-process lock to exercise the row lock.
			_, err := c.Mutate(ctx, created.ID, func(j *job.Job) error {
				if !job.CanTransition(j.Status, job.StatusCancelled) {
					return errors.New("already cancelled")
				}
				j.Status = job.StatusCancelled
				return nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestChunkIndex(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	idx := NewChunkIndex(c.Pool())
	require.NoError(t, idx.InitSchema(ctx))

	jobID := "6f1f3f2e-8c47-4d4b-9d0e-0d6f5b0f8a11"
	chunks := []services.Chunk{
		{JobID: jobID, Document: "a.txt", Index: 0, Content: "hello", Embedding: []float32{0.1, 0.2, 0.3}},
		{JobID: jobID, Document: "a.txt", Index: 1, Content: "world"},
	}
	n, err := idx.IndexChunks(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = idx.IndexChunks(ctx, chunks[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-indexing upserts")

	var count int
	require.NoError(t, c.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM document_chunks WHERE job_id = $1`, jobID).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestMalformedIDIsNotFound(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, job.ErrNotFound)

	called := false
	_, err = c.Mutate(ctx, "not-a-uuid", func(*job.Job) error { called = true; return nil })
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.False(t, called)

	deleted, err := c.Delete(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestValidID(t *testing.T) {
	assert.True(t, validID("3f2b8c1e-9a4d-4e6b-8f3a-2c1d0e9b7a65"))
	assert.False(t, validID("missing"))
	assert.False(t, validID(""))
}
