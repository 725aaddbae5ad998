package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/services"
)

const (
	DefaultChunkSize = 1000
	MinChunkSize     = 100
	MaxChunkSize     = 8000

	defaultEmbedBatch = 64
)

const (
	stepExtract = "extract_text"
	stepChunk   = "chunk"
	stepEmbed   = "embed"
	stepIndex   = "index"
)

func processingPlan() *lifecycle.StepTracker {
	return lifecycle.MustStepTracker(
		job.Step{Name: stepExtract, Description: "Extract text from the uploaded files", Weight: 25},
		job.Step{Name: stepChunk, Description: "Split the text into overlapping chunks", Weight: 20},
		job.Step{Name: stepEmbed, Description: "Compute chunk embeddings", Weight: 40},
		job.Step{Name: stepIndex, Description: "Store the chunks in the search index", Weight: 15},
	)
}

// Processing turns uploaded files into embedded, indexed chunks.
type Processing struct {
	rec       *job.Job
	opts      job.ProcessingOptions
	logger    *slog.Logger
	extractor services.TextExtractor
	embedder  services.Embedder
	indexer   services.ChunkIndexer
	steps     *lifecycle.StepTracker
}

func NewProcessing(env lifecycle.Env) (lifecycle.Job, error) {
	p := &Processing{rec: env.Record, logger: env.Logger, steps: processingPlan()}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if o := env.Record.Metadata.Processing; o != nil {
		p.opts = *o
	}
	if p.opts.ChunkSize == 0 {
		p.opts.ChunkSize = DefaultChunkSize
	}
	p.extractor, _ = optional(env.Services, services.ExtractorKey)
	p.embedder, _ = optional(env.Services, services.EmbedderKey)
	p.indexer, _ = optional(env.Services, services.IndexerKey)
	return p, nil
}

func (p *Processing) Validate(_ context.Context, _ *lifecycle.Execution) error {
	if len(p.opts.Files) == 0 {
		return &job.ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	for i, f := range p.opts.Files {
		if strings.TrimSpace(f.Name) == "" {
			return &job.ValidationError{Field: fmt.Sprintf("files[%d].name", i), Reason: "must not be empty"}
		}
	}
	if p.opts.ChunkSize < MinChunkSize || p.opts.ChunkSize > MaxChunkSize {
		return &job.ValidationError{Field: "chunkSize", Reason: fmt.Sprintf("must be between %d and %d", MinChunkSize, MaxChunkSize)}
	}
	if p.opts.ChunkOverlap < 0 || p.opts.ChunkOverlap >= p.opts.ChunkSize {
		return &job.ValidationError{Field: "chunkOverlap", Reason: "must be at least 0 and smaller than chunkSize"}
	}
	return nil
}

func (p *Processing) Stage(progress int) job.Status {
	if progress < 45 {
		return job.StatusProcessing
	}
	return job.StatusIndexing
}

type extracted struct {
	file job.FileRef
	text string
}

func (p *Processing) Execute(ctx context.Context, x *lifecycle.Execution) error {
	x.SetSteps(p.steps)
	if err := x.UpdateProgress(ctx, 0, "Extracting text"); err != nil {
		return err
	}

	texts, err := p.extract(ctx, x)
	if err != nil {
		return err
	}
	if err := advance(ctx, x, p.steps, stepExtract, "Chunking text"); err != nil {
		return err
	}

	if err := checkpoint(x); err != nil {
		return err
	}
	_ = p.steps.StartStep(stepChunk)
	var chunks []services.Chunk
	for _, t := range texts {
		for i, c := range chunkText(t.text, p.opts.ChunkSize, p.opts.ChunkOverlap) {
			chunks = append(chunks, services.Chunk{JobID: x.ID(), Document: t.file.Name, Index: i, Content: c})
		}
	}
	if err := advance(ctx, x, p.steps, stepChunk, fmt.Sprintf("Created %d chunks", len(chunks))); err != nil {
		return err
	}

	embedded, err := p.embed(ctx, x, chunks)
	if err != nil {
		return err
	}
	indexed, err := p.index(ctx, x, chunks)
	if err != nil {
		return err
	}

	return x.UpdateResults(ctx, job.Results{
		FilesProcessed: len(texts),
		Chunks:         len(chunks),
		Embedded:       embedded,
		Indexed:        indexed,
	})
}

func (p *Processing) extract(ctx context.Context, x *lifecycle.Execution) ([]extracted, error) {
	_ = p.steps.StartStep(stepExtract)
	if p.extractor == nil {
		x.Fallback(ctx, unavailable("text extractor", "reading plain text files directly"))
	}

	var out []extracted
	for i, f := range p.opts.Files {
		if err := checkpoint(x); err != nil {
			return nil, err
		}
		text, err := p.extractOne(ctx, x, f)
		switch {
		case err != nil && aborted(x, err):
			return nil, err
		case err != nil:
			x.Warn(ctx, fmt.Sprintf("skipped %s: %v", f.Name, err))
		case strings.TrimSpace(text) == "":
			x.Warn(ctx, fmt.Sprintf("skipped %s: no text", f.Name))
		default:
			out = append(out, extracted{file: f, text: text})
			x.Track(ctx, job.Performance{BytesProcessed: int64(len(text))})
		}
		if err := within(ctx, x, 0, 25, i+1, len(p.opts.Files), fmt.Sprintf("Extracted %d of %d files", len(out), len(p.opts.Files))); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Processing) extractOne(ctx context.Context, x *lifecycle.Execution, f job.FileRef) (string, error) {
	if p.extractor != nil {
		x.Track(ctx, job.Performance{ExternalCalls: 1})
		return p.extractor.Extract(ctx, f)
	}
	if !isPlainText(f) {
		return "", fmt.Errorf("unsupported type %q without a text extractor", f.MimeType)
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isPlainText(f job.FileRef) bool {
	if strings.HasPrefix(f.MimeType, "text/plain") || f.MimeType == "text/markdown" {
		return true
	}
	switch strings.ToLower(filepath.Ext(f.Name)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// embed fills chunk embeddings in place and returns how many were embedded.
func (p *Processing) embed(ctx context.Context, x *lifecycle.Execution, chunks []services.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, skip(ctx, x, p.steps, stepEmbed, "Nothing to embed")
	}
	if p.embedder == nil {
		x.Fallback(ctx, unavailable("embedder", "chunks are stored without vectors"))
		return 0, skip(ctx, x, p.steps, stepEmbed, "Embedding skipped")
	}

	_ = p.steps.StartStep(stepEmbed)
	base := p.steps.Progress()
	batch := p.embedder.MaxBatchSize()
	if batch <= 0 {
		batch = defaultEmbedBatch
	}
	embedded := 0
	for start := 0; start < len(chunks); start += batch {
		if err := checkpoint(x); err != nil {
			return embedded, err
		}
		end := min(start+batch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}

		x.Track(ctx, job.Performance{ExternalCalls: 1})
		vectors, err := p.embedder.Embed(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts))
		}
		if err != nil {
			if aborted(x, err) {
				return embedded, err
			}
			for i := range chunks {
				chunks[i].Embedding = nil
			}
			x.Fallback(ctx, failed("embedder", err, "chunks are stored without vectors"))
			return 0, advance(ctx, x, p.steps, stepEmbed, "Embedding failed")
		}
		for i, v := range vectors {
			chunks[start+i].Embedding = v
		}
		embedded = end
		if err := within(ctx, x, base, 40, end, len(chunks), fmt.Sprintf("Embedded %d of %d chunks", end, len(chunks))); err != nil {
			return embedded, err
		}
	}
	return embedded, advance(ctx, x, p.steps, stepEmbed, "Indexing chunks")
}

func (p *Processing) index(ctx context.Context, x *lifecycle.Execution, chunks []services.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, skip(ctx, x, p.steps, stepIndex, "Nothing to index")
	}
	if p.indexer == nil {
		x.Fallback(ctx, unavailable("chunk indexer", "chunks are not indexed"))
		return 0, skip(ctx, x, p.steps, stepIndex, "Indexing skipped")
	}
	if err := checkpoint(x); err != nil {
		return 0, err
	}

	_ = p.steps.StartStep(stepIndex)
	x.Track(ctx, job.Performance{ExternalCalls: 1})
	n, err := p.indexer.IndexChunks(ctx, chunks)
	if err != nil {
		if aborted(x, err) {
			return 0, err
		}
		x.Fallback(ctx, failed("chunk indexer", err, "chunks are not indexed"))
		return 0, advance(ctx, x, p.steps, stepIndex, "Indexing failed")
	}
	p.logger.Debug("chunks indexed", "chunks", n)
	return n, advance(ctx, x, p.steps, stepIndex, fmt.Sprintf("Indexed %d chunks", n))
}
