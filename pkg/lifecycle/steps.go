package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"job-orchestrator/pkg/job"
)

// MaxStepProgress is the highest progress a step plan can report. The last
// points are reserved for the success finalization.
const MaxStepProgress = 95

// StepTracker tracks a fixed, weighted step plan. Progress is the sum of the
// weights of completed and skipped steps, capped at MaxStepProgress.
type StepTracker struct {
	mu    sync.Mutex
	steps []job.Step
	index map[string]int
	now   func() time.Time
}

// NewStepTracker rejects plans whose weights do not add up to 100.
func NewStepTracker(steps ...job.Step) (*StepTracker, error) {
	t := &StepTracker{
		steps: make([]job.Step, len(steps)),
		index: make(map[string]int, len(steps)),
		now:   time.Now,
	}
	total := 0
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := t.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		if s.Weight < 0 {
			return nil, fmt.Errorf("step %q has negative weight", s.Name)
		}
		s.Status = job.StepPending
		s.StartTime, s.EndTime, s.Error = nil, nil, ""
		t.steps[i] = s
		t.index[s.Name] = i
		total += s.Weight
	}
	if total != 100 {
		return nil, fmt.Errorf("step weights sum to %d, want 100", total)
	}
	return t, nil
}

// MustStepTracker is NewStepTracker for plans fixed at compile time.
func MustStepTracker(steps ...job.Step) *StepTracker {
	t, err := NewStepTracker(steps...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *StepTracker) step(name string) (*job.Step, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, &job.StepNotFoundError{Step: name}
	}
	return &t.steps[i], nil
}

func (t *StepTracker) StartStep(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.step(name)
	if err != nil {
		return err
	}
	now := t.now()
	s.Status = job.StepRunning
	s.StartTime = &now
	return nil
}

// CompleteStep marks name completed and returns the new progress.
func (t *StepTracker) CompleteStep(name string) (int, error) {
	return t.finish(name, job.StepCompleted, "")
}

// SkipStep marks name skipped. Skipped steps count towards progress.
func (t *StepTracker) SkipStep(name string) (int, error) {
	return t.finish(name, job.StepSkipped, "")
}

func (t *StepTracker) FailStep(name string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := t.finish(name, job.StepFailed, msg)
	return err
}

func (t *StepTracker) finish(name string, status job.StepStatus, msg string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.step(name)
	if err != nil {
		return 0, err
	}
	now := t.now()
	if s.StartTime == nil {
		s.StartTime = &now
	}
	s.Status = status
	s.EndTime = &now
	s.Error = msg
	return t.progress(), nil
}

func (t *StepTracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress()
}

func (t *StepTracker) progress() int {
	sum := 0
	for _, s := range t.steps {
		if s.Status == job.StepCompleted || s.Status == job.StepSkipped {
			sum += s.Weight
		}
	}
	return min(sum, MaxStepProgress)
}

// Steps returns a snapshot of the plan.
func (t *StepTracker) Steps() []job.Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]job.Step(nil), t.steps...)
}
