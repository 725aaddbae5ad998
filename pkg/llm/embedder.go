package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"job-orchestrator/pkg/services"
)

type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	timeout   time.Duration
	retry     retryConfig
}

var _ services.Embedder = (*Embedder)(nil)

func NewEmbedder(apiKey, model string, dimension int, opts ...option.RequestOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Embedder{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: dimension,
		timeout:   DefaultTimeout,
		retry:     defaultRetry,
	}, nil
}

func (e *Embedder) MaxBatchSize() int { return MaxEmbedBatch }

func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > MaxEmbedBatch {
		return nil, fmt.Errorf("batch of %d exceeds the maximum of %d", len(texts), MaxEmbedBatch)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := withRetry(ctx, e.retry, func() (*openai.CreateEmbeddingResponse, error) {
		return e.client.Embeddings.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		out[d.Index] = v
	}
	return out, nil
}
