package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retryConfig{initial: time.Millisecond, max: 5 * time.Millisecond}

func fakeAPI(t *testing.T, handler http.HandlerFunc) []option.RequestOption {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return []option.RequestOption{option.WithBaseURL(srv.URL + "/v1/"), option.WithMaxRetries(0)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   DefaultAnalyzerModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
	}
}

func TestAnalyzer(t *testing.T) {
	var body map[string]any
	opts := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, chatCompletion(`{"keywords":["Neural"," networks","neural"],"intent":"research","language":"en","sources":["arxiv"]}`))
	})

	a, err := NewAnalyzer("test-key", "", opts...)
	require.NoError(t, err)
	got, err := a.Analyze(context.Background(), "neural networks")
	require.NoError(t, err)

	assert.Equal(t, []string{"neural", "networks"}, got.Keywords)
	assert.Equal(t, "research", got.Intent)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, []string{"arxiv"}, got.Sources)
	assert.Equal(t, DefaultAnalyzerModel, body["model"])
	assert.Equal(t, "json_object", body["response_format"].(map[string]any)["type"])
}

func TestAnalyzerRejectsMalformedReply(t *testing.T) {
	opts := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, chatCompletion("keywords: neural"))
	})
	a, err := NewAnalyzer("test-key", "", opts...)
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), "neural networks")
	assert.ErrorContains(t, err, "failed to decode query analysis")
}

func TestAnalyzerRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	opts := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}})
			return
		}
		writeJSON(w, http.StatusOK, chatCompletion(`{"keywords":["go"]}`))
	})
	a, err := NewAnalyzer("test-key", "", opts...)
	require.NoError(t, err)
	a.retry = fastRetry

	got, err := a.Analyze(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, got.Keywords)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnalyzerDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int32
	opts := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "bad key"}})
	})
	a, err := NewAnalyzer("test-key", "", opts...)
	require.NoError(t, err)
	a.retry = fastRetry

	_, err = a.Analyze(context.Background(), "go")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedder(t *testing.T) {
	var body map[string]any
	opts := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// Out of order on purpose.
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  DefaultEmbeddingModel,
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float64{0.3, 0.4}},
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2}},
			},
			"usage": map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	})

	e, err := NewEmbedder("test-key", "", 2, opts...)
	require.NoError(t, err)
	got, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.InDeltaSlice(t, []float32{0.1, 0.2}, got[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0.3, 0.4}, got[1], 1e-6)
	assert.Equal(t, []any{"first", "second"}, body["input"])
	assert.Equal(t, float64(2), body["dimensions"])
	assert.Equal(t, MaxEmbedBatch, e.MaxBatchSize())
}

func TestEmbedderBatchLimit(t *testing.T) {
	e, err := NewEmbedder("test-key", "", 0)
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), make([]string, MaxEmbedBatch+1))
	assert.Error(t, err)
}

func TestAPIKeyRequired(t *testing.T) {
	_, err := NewAnalyzer("", "")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
	_, err = NewEmbedder("", "", 0)
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}
