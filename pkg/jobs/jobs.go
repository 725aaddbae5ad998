// Package jobs holds the built-in job types. Every collaborator they call is
// optional: a missing or failing collaborator degrades the job and leaves a
// warning in its results instead of failing it.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/lifecycle"
	"job-orchestrator/pkg/services"
)

type registrar interface {
	RegisterJobClass(t job.Type, ctor lifecycle.Constructor) error
}

// Register installs the built-in job types on p.
func Register(p registrar) error {
	for t, ctor := range map[job.Type]lifecycle.Constructor{
		job.TypeCollection: NewCollection,
		job.TypeProcessing: NewProcessing,
	} {
		if err := p.RegisterJobClass(t, ctor); err != nil {
			return err
		}
	}
	return nil
}

// optional resolves a collaborator, treating an absent one as nil.
func optional[T any](r *services.Registry, key services.Key[T]) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	v, err := services.Lookup(r, key)
	if err != nil {
		return zero, false
	}
	return v, true
}

// errNoResult stands in for a collaborator that returned neither a result
// nor an error.
var errNoResult = errors.New("returned no result")

// checkpoint returns an error once the execution must stop.
func checkpoint(x *lifecycle.Execution) error {
	if x.ShouldContinue() {
		return nil
	}
	if err := context.Cause(x.Context()); err != nil {
		return err
	}
	return job.ErrCancelled
}

// advance completes a step and reports the resulting progress.
func advance(ctx context.Context, x *lifecycle.Execution, steps *lifecycle.StepTracker, name, msg string) error {
	p, err := steps.CompleteStep(name)
	if err != nil {
		return err
	}
	return x.UpdateProgress(ctx, p, msg)
}

func skip(ctx context.Context, x *lifecycle.Execution, steps *lifecycle.StepTracker, name, msg string) error {
	p, err := steps.SkipStep(name)
	if err != nil {
		return err
	}
	return x.UpdateProgress(ctx, p, msg)
}

// within reports progress for item i of n inside a step that starts at base.
func within(ctx context.Context, x *lifecycle.Execution, base, weight, i, n int, msg string) error {
	if n == 0 {
		return nil
	}
	return x.UpdateProgress(ctx, base+weight*i/n, msg)
}

// aborted reports whether err means the execution was stopped rather than a
// collaborator failing.
func aborted(x *lifecycle.Execution, err error) bool {
	return lifecycle.IsCancellation(err) || errors.Is(err, job.ErrTerminal) || !x.ShouldContinue()
}

func unavailable(service, fallback string) string {
	return fmt.Sprintf("%s unavailable; %s", service, fallback)
}

func failed(service string, err error, fallback string) string {
	return fmt.Sprintf("%s failed: %v; %s", service, err, fallback)
}
