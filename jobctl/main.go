// Command jobctl submits, inspects and cancels jobs through the API, and can
// generate synthetic load against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"job-orchestrator/pkg/job"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	app := &cli.Command{
		Name:  "jobctl",
		Usage: "Command-line client for the job orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("API_URL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "Submit a job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "job type", Value: string(job.TypeCollection)},
					&cli.StringFlag{Name: "query", Usage: "query text", Required: true},
					&cli.StringFlag{Name: "priority", Usage: "low, normal or high", Value: string(job.PriorityNormal)},
					&cli.StringFlag{Name: "user", Usage: "owning user id"},
					&cli.StringSliceFlag{Name: "source", Usage: "source to search (repeatable)"},
					&cli.IntFlag{Name: "max-results", Usage: "maximum documents for collection jobs"},
					&cli.StringSliceFlag{Name: "file", Usage: "file to process (repeatable)"},
					&cli.IntFlag{Name: "chunk-size", Usage: "chunk size in characters for processing jobs"},
					&cli.BoolFlag{Name: "watch", Usage: "stream events until the job finishes"},
				},
				Action: submitAction,
			},
			{
				Name:      "status",
				Usage:     "Show a job",
				ArgsUsage: "<job-id>",
				Action:    statusAction,
			},
			{
				Name:  "list",
				Usage: "List a user's jobs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "owning user id"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
				},
				Action: listAction,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or running job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "recorded cancellation reason"},
				},
				Action: cancelAction,
			},
			{
				Name:      "watch",
				Usage:     "Stream a job's events",
				ArgsUsage: "<job-id>",
				Action:    watchAction,
			},
			{
				Name:  "stats",
				Usage: "Show queue counts, job statistics and processor health",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "window", Value: 24 * time.Hour},
				},
				Action: statsAction,
			},
			{
				Name:  "simulate",
				Usage: "Submit random collection jobs at a fixed rate",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "rate", Usage: "jobs per second", Value: 1, Sources: cli.EnvVars("RATE_PER_SEC")},
					&cli.IntFlag{Name: "concurrency", Value: 1, Sources: cli.EnvVars("CONCURRENCY")},
					&cli.DurationFlag{Name: "duration", Usage: "stop after this long (0 runs until interrupted)"},
				},
				Action: simulateAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func apiClient(cmd *cli.Command) *client {
	return newClient(cmd.String("api"))
}

func jobID(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", fmt.Errorf("missing job id")
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// submissionFromFlags builds the request from submit's flags.
func submissionFromFlags(cmd *cli.Command) job.SubmissionRequest {
	req := job.SubmissionRequest{
		Type:     job.Type(cmd.String("type")),
		Priority: job.Priority(cmd.String("priority")),
		Query:    cmd.String("query"),
		UserID:   cmd.String("user"),
		Metadata: job.Metadata{Sources: cmd.StringSlice("source")},
	}
	switch req.Type {
	case job.TypeCollection:
		if n := cmd.Int("max-results"); n > 0 {
			req.Metadata.Collection = &job.CollectionOptions{MaxResults: n}
		}
	case job.TypeProcessing:
		opts := &job.ProcessingOptions{ChunkSize: cmd.Int("chunk-size")}
		for _, path := range cmd.StringSlice("file") {
			opts.Files = append(opts.Files, job.FileRef{Name: filepath.Base(path), Path: path})
		}
		req.Metadata.Processing = opts
	}
	return req
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	c := apiClient(cmd)
	receipt, err := c.submit(ctx, submissionFromFlags(cmd))
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, receipt); err != nil {
		return err
	}
	if !cmd.Bool("watch") {
		return nil
	}
	return c.watch(ctx, receipt.JobID, printEvent)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	j, err := apiClient(cmd).get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, j)
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	l, err := apiClient(cmd).list(ctx, cmd.String("user"), cmd.Int("limit"), cmd.Int("offset"))
	if err != nil {
		return err
	}
	for _, j := range l.Jobs {
		fmt.Printf("%s  %-10s  %-11s  %3d%%  %s\n", j.ID, j.Type, j.Status, j.Progress, j.Query)
	}
	fmt.Printf("%d of %d jobs\n", len(l.Jobs), l.Total)
	return nil
}

func cancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	ok, err := apiClient(cmd).cancel(ctx, id, cmd.String("reason"))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("job was not cancelled (already finished)")
		return nil
	}
	fmt.Println("job cancelled")
	return nil
}

func printEvent(msg json.RawMessage) error {
	_, err := fmt.Println(string(msg))
	return err
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobID(cmd)
	if err != nil {
		return err
	}
	return apiClient(cmd).watch(ctx, id, printEvent)
}

func statsAction(ctx context.Context, cmd *cli.Command) error {
	c := apiClient(cmd)
	out := map[string]json.RawMessage{}
	for key, path := range map[string]string{
		"queue":  "/queue/stats",
		"jobs":   "/stats?window=" + cmd.Duration("window").String(),
		"health": "/health",
	} {
		v, err := c.raw(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out[key] = v
	}
	return printJSON(os.Stdout, out)
}

var sampleQueries = []string{
	"transformer architectures for long documents",
	"retrieval augmented generation evaluation",
	"distributed consensus in practice",
	"vector database benchmarks",
	"graph neural networks for chemistry",
	"energy efficient model inference",
}

func randomSubmission() job.SubmissionRequest {
	priorities := []job.Priority{job.PriorityLow, job.PriorityNormal, job.PriorityHigh}
	return job.SubmissionRequest{
		Type:     job.TypeCollection,
		Priority: priorities[rand.IntN(len(priorities))],
		Query:    sampleQueries[rand.IntN(len(sampleQueries))],
		UserID:   fmt.Sprintf("user%d", rand.IntN(1000)),
		Metadata: job.Metadata{
			Collection: &job.CollectionOptions{MaxResults: 5 + rand.IntN(20)},
		},
	}
}

func simulateAction(ctx context.Context, cmd *cli.Command) error {
	if d := cmd.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	concurrency := max(cmd.Int("concurrency"), 1)
	rate := max(cmd.Int("rate")/concurrency, 1)
	interval := max(time.Second/time.Duration(rate), time.Millisecond)

	c := apiClient(cmd)
	var submitted, failed atomic.Int64
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				req := randomSubmission()
				receipt, err := c.submit(ctx, req)
				if err != nil {
					if ctx.Err() == nil {
						failed.Add(1)
						slog.Error("failed to submit job", "error", err)
					}
					continue
				}
				submitted.Add(1)
				slog.Info("submitted job", "job_id", receipt.JobID, "priority", req.Priority, "position", receipt.QueuePosition)
			}
		}()
	}
	wg.Wait()
	slog.Info("simulation finished", "submitted", submitted.Load(), "failed", failed.Load())
	return nil
}
