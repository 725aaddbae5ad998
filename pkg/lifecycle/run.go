package lifecycle

import (
	"context"

	"job-orchestrator/pkg/job"
)

// Run drives one job through its lifecycle: RUNNING, Validate, Execute and
// exactly one of COMPLETED, FAILED or CANCELLED.
//
// The returned error is non-nil only when the job could not be started; the
// record is then untouched and the caller decides whether to retry. Failures
// of Validate or Execute are recorded on the job, never returned.
func Run(ctx context.Context, x *Execution, j Job) (Outcome, error) {
	if m, ok := j.(StageMapper); ok {
		x.mu.Lock()
		x.mapper = m
		x.mu.Unlock()
	}
	defer x.finish()

	started, err := x.begin(ctx)
	if err != nil {
		return OutcomeNone, err
	}
	if !started {
		return x.Outcome(), nil
	}

	if err := j.Validate(x.ctx, x); err != nil {
		x.fail(ctx, &job.ExecutionError{Op: "validate", Err: err})
		return x.Outcome(), nil
	}
	if x.Cancelled() {
		x.finalizeCancelled(ctx)
		return x.Outcome(), nil
	}

	err = j.Execute(x.ctx, x)
	switch {
	case x.Cancelled():
		x.finalizeCancelled(ctx)
	case err != nil:
		x.fail(ctx, &job.ExecutionError{Op: "execute", Err: err})
	default:
		x.succeed(ctx)
	}
	return x.Outcome(), nil
}
