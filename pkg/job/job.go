package job

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Type string
type Status string
type Priority string

const (
	TypeCollection Type = "collection"
	TypeProcessing Type = "processing"
	TypeIndexing   Type = "indexing"
	TypeSearch     Type = "search"
)

// Types lists every job type in a stable order.
var Types = []Type{TypeCollection, TypeProcessing, TypeIndexing, TypeSearch}

func (t Type) Valid() bool {
	switch t {
	case TypeCollection, TypeProcessing, TypeIndexing, TypeSearch:
		return true
	}
	return false
}

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusAnalyzing   Status = "ANALYZING"
	StatusSearching   Status = "SEARCHING"
	StatusDownloading Status = "DOWNLOADING"
	StatusProcessing  Status = "PROCESSING"
	StatusIndexing    Status = "INDEXING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{
	StatusPending, StatusRunning, StatusAnalyzing, StatusSearching, StatusDownloading,
	StatusProcessing, StatusIndexing, StatusCompleted, StatusFailed, StatusCancelled,
}

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities; higher runs first when enqueue times tie.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 9
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

const (
	// AnonymousUser is recorded when a submission carries no user id.
	AnonymousUser = "anonymous"
	// MaxQueryLength is counted in characters, not bytes.
	MaxQueryLength = 1000
)

// transitions is the only source of allowed status changes. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusAnalyzing, StatusFailed, StatusCancelled},
	StatusAnalyzing:   {StatusSearching, StatusFailed, StatusCancelled},
	StatusSearching:   {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:  {StatusIndexing, StatusFailed, StatusCancelled},
	StatusIndexing:    {StatusCompleted, StatusFailed, StatusCancelled},
}

// stages is the forward path a running job walks before COMPLETED.
var stages = []Status{
	StatusRunning, StatusAnalyzing, StatusSearching, StatusDownloading, StatusProcessing, StatusIndexing,
}

// CanTransition reports whether from -> to is present in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the outgoing edges of s.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s is one of the in-flight states between RUNNING and INDEXING.
func (s Status) Active() bool {
	return s.stageIndex() >= 0
}

func (s Status) stageIndex() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// PathTo returns the hops needed to move a running job from s forward to
// target, target included. It returns nil when target is not ahead of s.
func (s Status) PathTo(target Status) []Status {
	from, to := s.stageIndex(), target.stageIndex()
	if target == StatusCompleted {
		to = len(stages)
	}
	if from < 0 || to <= from {
		return nil
	}
	path := append([]Status(nil), stages[from+1:min(to+1, len(stages))]...)
	if target == StatusCompleted {
		path = append(path, StatusCompleted)
	}
	return path
}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

type Job struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	Query        string     `json:"query"`
	Progress     int        `json:"progress"`
	UserID       string     `json:"userId"`
	Metadata     Metadata   `json:"metadata"`
	Results      Results    `json:"results"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Metadata = j.Metadata.clone()
	c.Results = j.Results.clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Duration is the time between start and completion, or zero if either is unset.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

type SubmissionRequest struct {
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Query    string   `json:"query"`
	UserID   string   `json:"userId"`
	Metadata Metadata `json:"metadata"`
}

// Validate performs the structural checks every submission must pass before a
// record is created.
func (r *SubmissionRequest) Validate() error {
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown job type " + string(r.Type)}
	}
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		return &ValidationError{Field: "query", Reason: "must be at most 1000 characters"}
	}
	switch r.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(r.Priority)}
	}
	return nil
}

// Normalize fills defaults in place.
func (r *SubmissionRequest) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	if r.UserID == "" {
		r.UserID = AnonymousUser
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
}

// Payload is the message handed to the work queue for one job.
type Payload struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	Query     string    `json:"query"`
	Progress  int       `json:"progress"`
	UserID    string    `json:"userId,omitempty"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
}

func (j *Job) Payload() Payload {
	return Payload{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Priority:  j.Priority,
		Query:     j.Query,
		Progress:  j.Progress,
		UserID:    j.UserID,
		Metadata:  j.Metadata.clone(),
		CreatedAt: j.CreatedAt,
	}
}
