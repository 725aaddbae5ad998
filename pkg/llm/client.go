// Package llm adapts the OpenAI API to the query analyzer and embedder
// collaborators.
package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
)

const (
	DefaultAnalyzerModel  = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultTimeout        = 60 * time.Second

	// MaxRetries bounds retries of rate-limited calls.
	MaxRetries = 3
	// MaxEmbedBatch is the most inputs sent in one embeddings request.
	MaxEmbedBatch = 100
)

var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

type retryConfig struct {
	initial time.Duration
	max     time.Duration
}

var defaultRetry = retryConfig{initial: 2 * time.Second, max: 32 * time.Second}

// withRetry retries fn with exponential backoff while the API reports a rate
// limit. Any other error is returned immediately.
func withRetry[T any](ctx context.Context, rc retryConfig, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rc.initial
	eb.MaxInterval = rc.max
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, MaxRetries), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !isRateLimit(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

func isRateLimit(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
