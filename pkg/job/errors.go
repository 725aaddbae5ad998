package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrCancelled          = errors.New("job cancelled")
	ErrTimeout            = errors.New("job timed out")
	ErrTerminal           = errors.New("job already finished")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ValidationError reports malformed job input. Jobs failing it are never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// InvalidTransitionError means a caller asked for a status change that is not
// in the transition table. Nothing was persisted.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

type ServiceUnavailableError struct {
	Service string
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service %q unavailable", e.Service)
}

func (e *ServiceUnavailableError) Unwrap() error { return ErrServiceUnavailable }

// ExecutionError wraps anything returned from a job's validate or execute phase.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ExecutionError) Unwrap() error { return e.Err }

type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s exceeded timeout of %s", e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

type StepNotFoundError struct {
	Step string
}

func (e *StepNotFoundError) Error() string { return fmt.Sprintf("step %q not found", e.Step) }
