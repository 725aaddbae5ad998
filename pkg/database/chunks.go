package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"job-orchestrator/pkg/services"
)

// ChunkIndex stores processed chunks and their embeddings in a pgvector
// column. It serves as the services.ChunkIndexer collaborator.
type ChunkIndex struct {
	pool *pgxpool.Pool
}

var _ services.ChunkIndexer = (*ChunkIndex)(nil)

func NewChunkIndex(pool *pgxpool.Pool) *ChunkIndex {
	return &ChunkIndex{pool: pool}
}

// InitSchema fails when the vector extension is not installed; callers treat
// that as "indexer unavailable" and leave it unregistered.
func (c *ChunkIndex) InitSchema(ctx context.Context) error {
	schema := `
    CREATE EXTENSION IF NOT EXISTS vector;
    CREATE TABLE IF NOT EXISTS document_chunks (
        id BIGSERIAL PRIMARY KEY,
        job_id UUID NOT NULL,
        document TEXT NOT NULL,
        chunk_index INTEGER NOT NULL,
        content TEXT NOT NULL,
        embedding vector,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (job_id, document, chunk_index)
    );
    CREATE INDEX IF NOT EXISTS idx_document_chunks_job ON document_chunks (job_id);
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// IndexChunks upserts chunks in one batch and returns how many were written.
func (c *ChunkIndex) IndexChunks(ctx context.Context, chunks []services.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	query := `INSERT INTO document_chunks (job_id, document, chunk_index, content, embedding)
              VALUES ($1, $2, $3, $4, $5)
              ON CONFLICT (job_id, document, chunk_index)
              DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		var embedding any
		if len(ch.Embedding) > 0 {
			embedding = pgvector.NewVector(ch.Embedding)
		}
		batch.Queue(query, ch.JobID, ch.Document, ch.Index, ch.Content, embedding)
	}

	results := c.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range chunks {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("failed to index chunk: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}
