package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/services"
)

const (
	DefaultMaxResults = 20
	MaxResultsLimit   = 100
)

const (
	stepAnalyze  = "analyze_query"
	stepSearch   = "search_sources"
	stepDownload = "download_documents"
	stepFinalize = "finalize"
)

func collectionPlan() *lifecycle.StepTracker {
	return lifecycle.MustStepTracker(
		job.Step{Name: stepAnalyze, Description: "Extract keywords and intent from the query", Weight: 10},
		job.Step{Name: stepSearch, Description: "Search the configured sources", Weight: 15},
		job.Step{Name: stepDownload, Description: "Download the documents found", Weight: 60},
		job.Step{Name: stepFinalize, Description: "Record the collected documents", Weight: 15},
	)
}

// Collection searches sources for documents matching a query and downloads
// them.
type Collection struct {
	rec        *job.Job
	opts       job.CollectionOptions
	logger     *slog.Logger
	analyzer   services.QueryAnalyzer
	searcher   services.Searcher
	downloader services.Downloader
	steps      *lifecycle.StepTracker
}

func NewCollection(env lifecycle.Env) (lifecycle.Job, error) {
	c := &Collection{rec: env.Record, logger: env.Logger, steps: collectionPlan()}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if o := env.Record.Metadata.Collection; o != nil {
		c.opts = *o
	}
	if c.opts.MaxResults == 0 {
		c.opts.MaxResults = DefaultMaxResults
	}
	c.analyzer, _ = optional(env.Services, services.AnalyzerKey)
	c.searcher, _ = optional(env.Services, services.SearcherKey)
	c.downloader, _ = optional(env.Services, services.DownloadKey)
	return c, nil
}

func (c *Collection) Validate(_ context.Context, _ *lifecycle.Execution) error {
	q := strings.TrimSpace(c.rec.Query)
	if q == "" {
		return &job.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(q) > job.MaxQueryLength {
		return &job.ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", job.MaxQueryLength)}
	}
	if c.opts.MaxResults < 1 || c.opts.MaxResults > MaxResultsLimit {
		return &job.ValidationError{Field: "maxResults", Reason: fmt.Sprintf("must be between 1 and %d", MaxResultsLimit)}
	}
	if c.opts.DateFrom != nil && c.opts.DateTo != nil && c.opts.DateFrom.After(*c.opts.DateTo) {
		return &job.ValidationError{Field: "dateFrom", Reason: "must not be after dateTo"}
	}
	for _, s := range c.rec.Metadata.Sources {
		if strings.TrimSpace(s) == "" {
			return &job.ValidationError{Field: "sources", Reason: "must not contain empty names"}
		}
	}
	return nil
}

// Stage maps the step plan onto the pipeline statuses.
func (c *Collection) Stage(progress int) job.Status {
	switch {
	case progress < 10:
		return job.StatusAnalyzing
	case progress < 25:
		return job.StatusSearching
	case progress < 85:
		return job.StatusDownloading
	default:
		return job.StatusProcessing
	}
}

func (c *Collection) Execute(ctx context.Context, x *lifecycle.Execution) error {
	x.SetSteps(c.steps)
	if err := x.UpdateProgress(ctx, 0, "Analyzing query"); err != nil {
		return err
	}

	analysis, err := c.analyze(ctx, x)
	if err != nil {
		return err
	}
	if err := advance(ctx, x, c.steps, stepAnalyze, "Searching sources"); err != nil {
		return err
	}

	docs, err := c.search(ctx, x, analysis)
	if err != nil {
		return err
	}
	if err := advance(ctx, x, c.steps, stepSearch, fmt.Sprintf("Found %d documents", len(docs))); err != nil {
		return err
	}

	downloaded, err := c.download(ctx, x, docs)
	if err != nil {
		return err
	}

	if err := checkpoint(x); err != nil {
		return err
	}
	_ = c.steps.StartStep(stepFinalize)
	res := job.Results{
		Keywords:            analysis.Keywords,
		Documents:           docs,
		DocumentsFound:      len(docs),
		DocumentsDownloaded: downloaded,
	}
	if analysis.Intent != "" || analysis.Language != "" {
		res.Extra = map[string]string{}
		if analysis.Intent != "" {
			res.Extra["intent"] = analysis.Intent
		}
		if analysis.Language != "" {
			res.Extra["language"] = analysis.Language
		}
	}
	if err := x.UpdateResults(ctx, res); err != nil {
		return err
	}
	return advance(ctx, x, c.steps, stepFinalize, fmt.Sprintf("Collected %d of %d documents", downloaded, len(docs)))
}

func (c *Collection) analyze(ctx context.Context, x *lifecycle.Execution) (*services.QueryAnalysis, error) {
	_ = c.steps.StartStep(stepAnalyze)
	local := func() *services.QueryAnalysis {
		return &services.QueryAnalysis{Keywords: extractKeywords(c.rec.Query)}
	}
	if c.analyzer == nil {
		x.Fallback(ctx, unavailable("query analyzer", "using local keyword extraction"))
		return local(), nil
	}
	if err := checkpoint(x); err != nil {
		return nil, err
	}

	x.Track(ctx, job.Performance{ExternalCalls: 1})
	analysis, err := c.analyzer.Analyze(ctx, c.rec.Query)
	if err == nil && analysis == nil {
		err = errNoResult
	}
	if err != nil {
		if aborted(x, err) {
			return nil, err
		}
		x.Fallback(ctx, failed("query analyzer", err, "using local keyword extraction"))
		return local(), nil
	}
	if len(analysis.Keywords) == 0 {
		analysis.Keywords = extractKeywords(c.rec.Query)
	}
	return analysis, nil
}

func (c *Collection) search(ctx context.Context, x *lifecycle.Execution, analysis *services.QueryAnalysis) ([]job.DocumentRef, error) {
	_ = c.steps.StartStep(stepSearch)
	if c.searcher == nil {
		x.Fallback(ctx, unavailable("searcher", "no documents collected"))
		return nil, nil
	}
	if err := checkpoint(x); err != nil {
		return nil, err
	}

	sources := c.rec.Metadata.Sources
	if len(sources) == 0 {
		sources = analysis.Sources
	}
	x.Track(ctx, job.Performance{ExternalCalls: 1})
	docs, err := c.searcher.Search(ctx, services.SearchRequest{
		Query:      c.rec.Query,
		Keywords:   analysis.Keywords,
		Sources:    sources,
		MaxResults: c.opts.MaxResults,
		DateFrom:   c.opts.DateFrom,
		DateTo:     c.opts.DateTo,
		Languages:  c.opts.Languages,
	})
	if err != nil {
		if aborted(x, err) {
			return nil, err
		}
		x.Fallback(ctx, failed("searcher", err, "no documents collected"))
		return nil, nil
	}
	if len(docs) > c.opts.MaxResults {
		docs = docs[:c.opts.MaxResults]
	}
	return docs, nil
}

// download fetches docs in place and returns how many succeeded.
func (c *Collection) download(ctx context.Context, x *lifecycle.Execution, docs []job.DocumentRef) (int, error) {
	if len(docs) == 0 {
		return 0, skip(ctx, x, c.steps, stepDownload, "No documents to download")
	}
	if c.downloader == nil {
		x.Fallback(ctx, unavailable("downloader", fmt.Sprintf("keeping %d document references without content", len(docs))))
		return 0, skip(ctx, x, c.steps, stepDownload, "Download skipped")
	}

	_ = c.steps.StartStep(stepDownload)
	base := c.steps.Progress()
	downloaded := 0
	for i := range docs {
		if err := checkpoint(x); err != nil {
			return downloaded, err
		}
		x.Track(ctx, job.Performance{ExternalCalls: 1})
		d, err := c.downloader.Download(ctx, docs[i])
		if err == nil && d == nil {
			err = errNoResult
		}
		if err != nil {
			if aborted(x, err) {
				return downloaded, err
			}
			x.Warn(ctx, fmt.Sprintf("failed to download %s: %v", docs[i].URL, err))
		} else {
			docs[i].Downloaded = true
			docs[i].ContentType = d.ContentType
			docs[i].Size = d.Size
			downloaded++
			x.Track(ctx, job.Performance{BytesProcessed: d.Size})
		}
		if err := within(ctx, x, base, 60, i+1, len(docs), fmt.Sprintf("Downloaded %d of %d documents", downloaded, len(docs))); err != nil {
			return downloaded, err
		}
	}
	c.logger.Debug("downloads finished", "downloaded", downloaded, "found", len(docs))
	return downloaded, advance(ctx, x, c.steps, stepDownload, "Finalizing")
}
