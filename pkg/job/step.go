package job

import "time"

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one entry of a job type's fixed plan. Weight is its share of 100.
type Step struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Weight      int        `json:"weight"`
	Status      StepStatus `json:"status"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Error       string     `json:"error,omitempty"`
}
