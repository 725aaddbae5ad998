package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/notify"
	"job-orchestrator/pkg/services"
	"job-orchestrator/pkg/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu       sync.Mutex
	statuses []job.Status
}

func (r *recorder) Broadcast(_ context.Context, ev notify.Event) {
	if ev.Type != notify.EventStatus {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev.Status)
}

func (r *recorder) seen() []job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Status(nil), r.statuses...)
}

type fixture struct {
	st  *store.Store
	rec *recorder
	reg *services.Registry
}

func newFixture() *fixture {
	rec := &recorder{}
	return &fixture{
		st:  store.New(store.NewMemoryBackend(), rec, discard),
		rec: rec,
		reg: services.NewRegistry(),
	}
}

func (f *fixture) start(t *testing.T, req job.SubmissionRequest, ctor lifecycle.Constructor) (*lifecycle.Execution, lifecycle.Job) {
	t.Helper()
	ctx := context.Background()
	j, err := f.st.CreateJob(ctx, req)
	require.NoError(t, err)
	x := lifecycle.NewExecution(ctx, j, f.st, discard)
	instance, err := ctor(lifecycle.Env{Record: j, Logger: discard, Services: f.reg})
	require.NoError(t, err)
	return x, instance
}

func (f *fixture) run(t *testing.T, req job.SubmissionRequest, ctor lifecycle.Constructor) *job.Job {
	t.Helper()
	x, instance := f.start(t, req, ctor)
	_, err := lifecycle.Run(context.Background(), x, instance)
	require.NoError(t, err)
	got, err := f.st.GetByID(context.Background(), x.ID())
	require.NoError(t, err)
	return got
}

type fakeAnalyzer struct{ err error }

func (a fakeAnalyzer) Analyze(_ context.Context, query string) (*services.QueryAnalysis, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &services.QueryAnalysis{Keywords: []string{"neural", "network"}, Intent: "research", Sources: []string{"arxiv"}}, nil
}

type fakeSearcher struct {
	mu  sync.Mutex
	req services.SearchRequest
}

func (s *fakeSearcher) Search(_ context.Context, req services.SearchRequest) ([]job.DocumentRef, error) {
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	return []job.DocumentRef{
		{URL: "https://example.org/a", Title: "A"},
		{URL: "https://example.org/b", Title: "B"},
		{URL: "https://example.org/c", Title: "C"},
	}, nil
}

type fakeDownloader struct {
	failURL string
	block   bool
}

func (d fakeDownloader) Download(ctx context.Context, doc job.DocumentRef) (*services.Download, error) {
	if d.block {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	if doc.URL == d.failURL {
		return nil, errors.New("404 not found")
	}
	return &services.Download{Path: "/tmp/" + doc.Title, ContentType: "application/pdf", Size: 100}, nil
}

func TestCollectionWithoutCollaborators(t *testing.T) {
	f := newFixture()
	got := f.run(t, job.SubmissionRequest{Type: job.TypeCollection, Query: "neural networks"}, NewCollection)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []string{"neural", "networks"}, got.Results.Keywords)
	require.NotEmpty(t, got.Results.Warnings)
	assert.Contains(t, got.Results.Warnings[0], "query analyzer unavailable")
	assert.Equal(t, 2, got.Metadata.Performance.FallbacksUsed, "analyzer and searcher fell back")
	assert.Equal(t, []job.Status{
		job.StatusRunning, job.StatusAnalyzing, job.StatusSearching, job.StatusDownloading,
		job.StatusProcessing, job.StatusIndexing, job.StatusCompleted,
	}, f.rec.seen())
}

func TestCollectionWithCollaborators(t *testing.T) {
	f := newFixture()
	searcher := &fakeSearcher{}
	require.NoError(t, services.Register[services.QueryAnalyzer](f.reg, services.AnalyzerKey, fakeAnalyzer{}))
	require.NoError(t, services.Register[services.Searcher](f.reg, services.SearcherKey, searcher))
	require.NoError(t, services.Register[services.Downloader](f.reg, services.DownloadKey, fakeDownloader{failURL: "https://example.org/b"}))

	got := f.run(t, job.SubmissionRequest{
		Type:     job.TypeCollection,
		Query:    "neural networks",
		Metadata: job.Metadata{Collection: &job.CollectionOptions{MaxResults: 2, Languages: []string{"en"}}},
	}, NewCollection)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, []string{"neural", "network"}, got.Results.Keywords)
	assert.Equal(t, "research", got.Results.Extra["intent"])
	assert.Equal(t, 2, got.Results.DocumentsFound, "capped at maxResults")
	assert.Equal(t, 1, got.Results.DocumentsDownloaded)
	require.Len(t, got.Results.Documents, 2)
	assert.True(t, got.Results.Documents[0].Downloaded)
	assert.False(t, got.Results.Documents[1].Downloaded)
	require.Len(t, got.Results.Warnings, 1)
	assert.Contains(t, got.Results.Warnings[0], "404 not found")
	assert.Zero(t, got.Metadata.Performance.FallbacksUsed)
	assert.Equal(t, 4, got.Metadata.Performance.ExternalCalls)
	assert.Equal(t, int64(100), got.Metadata.Performance.BytesProcessed)

	searcher.mu.Lock()
	defer searcher.mu.Unlock()
	assert.Equal(t, []string{"arxiv"}, searcher.req.Sources, "analysis sources are used when none were requested")
	assert.Equal(t, 2, searcher.req.MaxResults)
}

func TestCollectionAnalyzerFailureFallsBack(t *testing.T) {
	f := newFixture()
	require.NoError(t, services.Register[services.QueryAnalyzer](f.reg, services.AnalyzerKey, fakeAnalyzer{err: errors.New("rate limited")}))

	got := f.run(t, job.SubmissionRequest{Type: job.TypeCollection, Query: "What is the latest on quantum computing?"}, NewCollection)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, []string{"quantum", "computing"}, got.Results.Keywords)
	assert.Contains(t, got.Results.Warnings[0], "query analyzer failed: rate limited")
}

type emptyAnalyzer struct{}

func (emptyAnalyzer) Analyze(context.Context, string) (*services.QueryAnalysis, error) {
	return nil, nil
}

type emptyDownloader struct{}

func (emptyDownloader) Download(context.Context, job.DocumentRef) (*services.Download, error) {
	return nil, nil
}

func TestCollectionEmptyCollaboratorResults(t *testing.T) {
	f := newFixture()
	require.NoError(t, services.Register[services.QueryAnalyzer](f.reg, services.AnalyzerKey, emptyAnalyzer{}))
	require.NoError(t, services.Register[services.Searcher](f.reg, services.SearcherKey, &fakeSearcher{}))
	require.NoError(t, services.Register[services.Downloader](f.reg, services.DownloadKey, emptyDownloader{}))

	got := f.run(t, job.SubmissionRequest{Type: job.TypeCollection, Query: "neural networks"}, NewCollection)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, []string{"neural", "networks"}, got.Results.Keywords)
	assert.Equal(t, 3, got.Results.DocumentsFound)
	assert.Zero(t, got.Results.DocumentsDownloaded)
	require.Len(t, got.Results.Warnings, 4)
	assert.Contains(t, got.Results.Warnings[0], "query analyzer failed: returned no result")
	assert.Contains(t, got.Results.Warnings[1], "returned no result")
}

func TestCollectionValidation(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, -1, 0)

	for name, tc := range map[string]struct {
		meta  job.Metadata
		field string
	}{
		"max results too high": {job.Metadata{Collection: &job.CollectionOptions{MaxResults: 500}}, "maxResults"},
		"negative max results": {job.Metadata{Collection: &job.CollectionOptions{MaxResults: -1}}, "maxResults"},
		"inverted date range":  {job.Metadata{Collection: &job.CollectionOptions{DateFrom: &from, DateTo: &to}}, "dateFrom"},
		"blank source":         {job.Metadata{Sources: []string{"arxiv", " "}}, "sources"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			got := f.run(t, job.SubmissionRequest{Type: job.TypeCollection, Query: "q", Metadata: tc.meta}, NewCollection)
			assert.Equal(t, job.StatusFailed, got.Status)
			assert.True(t, strings.HasPrefix(got.ErrorMessage, "validate: "), got.ErrorMessage)
			assert.Contains(t, got.ErrorMessage, tc.field)
		})
	}
}

func TestCollectionCancelledDuringDownload(t *testing.T) {
	f := newFixture()
	require.NoError(t, services.Register[services.Searcher](f.reg, services.SearcherKey, &fakeSearcher{}))
	require.NoError(t, services.Register[services.Downloader](f.reg, services.DownloadKey, fakeDownloader{block: true}))

	x, instance := f.start(t, job.SubmissionRequest{Type: job.TypeCollection, Query: "slow downloads"}, NewCollection)
	done := make(chan lifecycle.Outcome)
	go func() {
		out, _ := lifecycle.Run(context.Background(), x, instance)
		done <- out
	}()

	require.Eventually(t, func() bool { return x.Status() == job.StatusDownloading }, time.Second, 5*time.Millisecond)
	assert.True(t, x.Cancel(context.Background(), "user request"))
	assert.Equal(t, lifecycle.OutcomeCancelled, <-done)

	got, err := f.st.GetByID(context.Background(), x.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (e *fakeEmbedder) MaxBatchSize() int { return 2 }

type fakeIndexer struct {
	mu     sync.Mutex
	chunks []services.Chunk
}

func (ix *fakeIndexer) IndexChunks(_ context.Context, chunks []services.Chunk) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.chunks = append(ix.chunks, chunks...)
	return len(chunks), nil
}

func writeFiles(t *testing.T) []job.FileRef {
	t.Helper()
	dir := t.TempDir()
	text := strings.Repeat("lorem ipsum dolor sit amet ", 100) // 2700 runes
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte(text), 0o600))
	scan := filepath.Join(dir, "scan.pdf")
	require.NoError(t, os.WriteFile(scan, []byte("%PDF-1.7"), 0o600))
	return []job.FileRef{
		{Name: "notes.txt", Path: notes, MimeType: "text/plain"},
		{Name: "scan.pdf", Path: scan, MimeType: "application/pdf"},
	}
}

func TestProcessingWithoutCollaborators(t *testing.T) {
	f := newFixture()
	got := f.run(t, job.SubmissionRequest{
		Type:     job.TypeProcessing,
		Query:    "ingest notes",
		Metadata: job.Metadata{Processing: &job.ProcessingOptions{Files: writeFiles(t)}},
	}, NewProcessing)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Results.FilesProcessed)
	assert.Equal(t, 3, got.Results.Chunks)
	assert.Zero(t, got.Results.Embedded)
	assert.Zero(t, got.Results.Indexed)
	assert.Equal(t, 3, got.Metadata.Performance.FallbacksUsed, "extractor, embedder and indexer fell back")

	joined := strings.Join(got.Results.Warnings, "\n")
	assert.Contains(t, joined, "text extractor unavailable")
	assert.Contains(t, joined, "skipped scan.pdf")
	assert.Contains(t, joined, "embedder unavailable")
	assert.Contains(t, joined, "chunk indexer unavailable")
}

func TestProcessingWithCollaborators(t *testing.T) {
	f := newFixture()
	embedder := &fakeEmbedder{}
	indexer := &fakeIndexer{}
	require.NoError(t, services.Register[services.Embedder](f.reg, services.EmbedderKey, embedder))
	require.NoError(t, services.Register[services.ChunkIndexer](f.reg, services.IndexerKey, indexer))

	files := writeFiles(t)[:1]
	got := f.run(t, job.SubmissionRequest{
		Type:  job.TypeProcessing,
		Query: "ingest notes",
		Metadata: job.Metadata{Processing: &job.ProcessingOptions{
			Files: files, ChunkSize: 500, ChunkOverlap: 50,
		}},
	}, NewProcessing)

	assert.Equal(t, job.StatusCompleted, got.Status)
	require.Greater(t, got.Results.Chunks, 5)
	assert.Equal(t, got.Results.Chunks, got.Results.Embedded)
	assert.Equal(t, got.Results.Chunks, got.Results.Indexed)
	assert.Equal(t, (got.Results.Chunks+1)/2, embedder.calls, "batches of two")

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	for i, c := range indexer.chunks {
		assert.Equal(t, got.ID, c.JobID)
		assert.Equal(t, "notes.txt", c.Document)
		assert.Equal(t, i, c.Index)
		assert.NotNil(t, c.Embedding)
	}
}

func TestProcessingEmbedFailureFallsBack(t *testing.T) {
	f := newFixture()
	indexer := &fakeIndexer{}
	require.NoError(t, services.Register[services.Embedder](f.reg, services.EmbedderKey, &fakeEmbedder{err: errors.New("quota exceeded")}))
	require.NoError(t, services.Register[services.ChunkIndexer](f.reg, services.IndexerKey, indexer))

	got := f.run(t, job.SubmissionRequest{
		Type:     job.TypeProcessing,
		Query:    "ingest notes",
		Metadata: job.Metadata{Processing: &job.ProcessingOptions{Files: writeFiles(t)[:1]}},
	}, NewProcessing)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Zero(t, got.Results.Embedded)
	assert.Equal(t, got.Results.Chunks, got.Results.Indexed)
	assert.Contains(t, strings.Join(got.Results.Warnings, "\n"), "embedder failed: quota exceeded")
	for _, c := range indexer.chunks {
		assert.Nil(t, c.Embedding)
	}
}

func TestProcessingValidation(t *testing.T) {
	for name, opts := range map[string]*job.ProcessingOptions{
		"no options":      nil,
		"no files":        {},
		"blank file name": {Files: []job.FileRef{{Name: ""}}},
		"chunk too small": {Files: []job.FileRef{{Name: "a.txt"}}, ChunkSize: 10},
		"overlap too big": {Files: []job.FileRef{{Name: "a.txt"}}, ChunkSize: 200, ChunkOverlap: 200},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			got := f.run(t, job.SubmissionRequest{
				Type:     job.TypeProcessing,
				Query:    "q",
				Metadata: job.Metadata{Processing: opts},
			}, NewProcessing)
			assert.Equal(t, job.StatusFailed, got.Status)
			assert.True(t, strings.HasPrefix(got.ErrorMessage, "validate: "), got.ErrorMessage)
		})
	}
}

func TestExtractKeywords(t *testing.T) {
	assert.Equal(t, []string{"neural", "networks"}, extractKeywords("neural networks"))
	assert.Equal(t, []string{"rust", "async", "runtimes"}, extractKeywords("Rust async runtimes, and RUST async"))
	assert.Empty(t, extractKeywords("a an the of"))
	assert.Len(t, extractKeywords(strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa lambda ", 2)), maxKeywords)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("   ", 100, 0))
	assert.Equal(t, []string{"short text"}, chunkText("short text", 100, 10))

	text := strings.Repeat("x", 250)
	chunks := chunkText(text, 100, 20)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Equal(t, text[80:180], chunks[1], "windows overlap by 20")
	assert.Equal(t, text[160:], chunks[2])

	words := chunkText(strings.Repeat("word ", 60), 100, 0)
	for _, c := range words {
		assert.False(t, strings.HasSuffix(c, "wor"), "cuts on whitespace")
		assert.LessOrEqual(t, len(c), 100)
	}
}
