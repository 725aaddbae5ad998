package services

import (
	"context"
	"time"

	"job-orchestrator/pkg/job"
)

// Keys of the optional collaborators known to the built-in job types.
var (
	AnalyzerKey  = NewKey[QueryAnalyzer]("query_analyzer")
	SearcherKey  = NewKey[Searcher]("searcher")
	DownloadKey  = NewKey[Downloader]("downloader")
	ExtractorKey = NewKey[TextExtractor]("text_extractor")
	EmbedderKey  = NewKey[Embedder]("embedder")
	IndexerKey   = NewKey[ChunkIndexer]("chunk_indexer")
)

type QueryAnalysis struct {
	Keywords []string `json:"keywords"`
	Intent   string   `json:"intent,omitempty"`
	Language string   `json:"language,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

type QueryAnalyzer interface {
	Analyze(ctx context.Context, query string) (*QueryAnalysis, error)
}

type SearchRequest struct {
	Query      string
	Keywords   []string
	Sources    []string
	MaxResults int
	DateFrom   *time.Time
	DateTo     *time.Time
	Languages  []string
}

type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]job.DocumentRef, error)
}

type Download struct {
	Path        string
	ContentType string
	Size        int64
}

type Downloader interface {
	Download(ctx context.Context, doc job.DocumentRef) (*Download, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, file job.FileRef) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}

type Chunk struct {
	JobID     string
	Document  string
	Index     int
	Content   string
	Embedding []float32
}

type ChunkIndexer interface {
	IndexChunks(ctx context.Context, chunks []Chunk) (int, error)
}
