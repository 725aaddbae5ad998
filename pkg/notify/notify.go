package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/pkg/job"
	"job-orchestrator/pkg/observability"
)

type EventType string

const (
	EventCreated  EventType = "job_created"
	EventStatus   EventType = "job_status"
	EventProgress EventType = "job_progress"
)

// AllJobs subscribes to every job id.
const AllJobs = "*"

const defaultBuffer = 256

type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"jobId"`
	Status    job.Status     `json:"status,omitempty"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Stage     job.Status     `json:"stage,omitempty"`
	ETA       *time.Time     `json:"eta,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Callback func(ctx context.Context, ev Event)

// Sink receives every event, e.g. a message broker feeding a websocket gateway.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier is what the state store and lifecycle need from a broadcaster.
type Notifier interface {
	Broadcast(ctx context.Context, ev Event)
}

// Hub fans events out to per-job subscribers and sinks. Each subscriber has
// its own ordered buffer; a full buffer drops the event instead of blocking
// the broadcaster.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[string]*subscriber
	sinks  []*subscriber
	closed bool
}

type subscriber struct {
	id     string
	target string
	events chan Event
	done   chan struct{}
}

type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger: logger,
		buffer: defaultBuffer,
		subs:   make(map[string]map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddSink registers an external sink. Sink errors are logged only.
func (h *Hub) AddSink(s Sink) {
	sub := h.newSubscriber("sink", func(ctx context.Context, ev Event) {
		if err := s.Publish(ctx, ev); err != nil {
			observability.NotificationsFailed.WithLabelValues("sink").Inc()
			h.logger.Warn("failed to publish event to sink", "job_id", ev.JobID, "event", ev.Type, "error", err)
		}
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.events)
		return
	}
	h.sinks = append(h.sinks, sub)
}

// Subscribe registers cb for events of jobID (or AllJobs). Only events
// broadcast after the call are delivered.
func (h *Hub) Subscribe(jobID string, cb Callback) string {
	sub := h.newSubscriber(jobID, cb)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.events)
		return sub.id
	}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[string]*subscriber)
	}
	h.subs[jobID][sub.id] = sub
	return sub.id
}

// Unsubscribe removes every subscriber of jobID.
func (h *Hub) Unsubscribe(jobID string) {
	h.mu.Lock()
	subs := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()
	for _, s := range subs {
		close(s.events)
	}
}

// UnsubscribeOne removes a single subscription returned by Subscribe.
func (h *Hub) UnsubscribeOne(jobID, id string) {
	h.mu.Lock()
	s, ok := h.subs[jobID][id]
	if ok {
		delete(h.subs[jobID], id)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
	if ok {
		close(s.events)
	}
}

// Broadcast never blocks on slow subscribers and never returns an error.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	h.deliver(ev, true)
}

// Relay delivers an event that another process already published to local
// subscribers only. Sinks do not see it again.
func (h *Hub) Relay(ctx context.Context, ev Event) {
	h.deliver(ev, false)
}

func (h *Hub) deliver(ev Event, toSinks bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs[ev.JobID] {
		h.offer(s, ev)
	}
	if ev.JobID != AllJobs {
		for _, s := range h.subs[AllJobs] {
			h.offer(s, ev)
		}
	}
	if !toSinks {
		return
	}
	for _, s := range h.sinks {
		h.offer(s, ev)
	}
}

func (h *Hub) offer(s *subscriber, ev Event) {
	select {
	case s.events <- ev:
	default:
		observability.NotificationsFailed.WithLabelValues("dropped").Inc()
		h.logger.Warn("subscriber buffer full, dropping event", "job_id", ev.JobID, "subscriber", s.target, "event", ev.Type)
	}
}

// Subscribers returns the number of subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Close stops delivery and waits for queued events to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*subscriber
	for _, subs := range h.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	all = append(all, h.sinks...)
	h.subs = map[string]map[string]*subscriber{}
	h.sinks = nil
	h.mu.Unlock()

	for _, s := range all {
		close(s.events)
	}
	for _, s := range all {
		<-s.done
	}
}

func (h *Hub) newSubscriber(target string, cb Callback) *subscriber {
	s := &subscriber{
		id:     uuid.NewString(),
		target: target,
		events: make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for ev := range s.events {
			h.deliver(s, cb, ev)
		}
	}()
	return s
}

func (h *Hub) deliver(s *subscriber, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.NotificationsFailed.WithLabelValues("subscriber").Inc()
			h.logger.Error("subscriber panicked", "job_id", ev.JobID, "subscriber", s.target, "panic", fmt.Sprint(r))
		}
	}()
	cb(context.Background(), ev)
}
