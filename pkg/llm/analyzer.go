package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"job-orchestrator/pkg/services"
)

const analyzePrompt = `Analyze the search query below for a document collection system.
Reply with a JSON object with these fields:
  "keywords": up to 10 search keywords, most important first
  "intent": one of "research", "news", "howto", "reference", "other"
  "language": ISO 639-1 code of the query language
  "sources": suggested source names, may be empty

Query: %s`

// Analyzer extracts keywords and intent from a query with a chat model.
type Analyzer struct {
	client  openai.Client
	model   string
	timeout time.Duration
	retry   retryConfig
}

var _ services.QueryAnalyzer = (*Analyzer)(nil)

func NewAnalyzer(apiKey, model string, opts ...option.RequestOption) (*Analyzer, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultAnalyzerModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Analyzer{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: DefaultTimeout,
		retry:   defaultRetry,
	}, nil
}

func (a *Analyzer) Analyze(ctx context.Context, query string) (*services.QueryAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(analyzePrompt, query)),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	completion, err := withRetry(ctx, a.retry, func() (*openai.ChatCompletion, error) {
		return a.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("query analysis failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("query analysis returned no choices")
	}

	var analysis services.QueryAnalysis
	content := completion.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, fmt.Errorf("failed to decode query analysis: %w", err)
	}
	analysis.Keywords = normalizeKeywords(analysis.Keywords)
	return &analysis, nil
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
