package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"job-orchestrator/pkg/notify"
)

type eventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
}

// EventSink forwards notifier events to the jobs.events topic exchange with
// routing key "<event type>.<job id>", e.g. "job_progress.3f2a...".
type EventSink struct {
	pub eventPublisher
}

var _ notify.Sink = (*EventSink)(nil)

func NewEventSink(c *Client) *EventSink {
	return &EventSink{pub: c}
}

func (s *EventSink) Publish(ctx context.Context, ev notify.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.pub.PublishEvent(ctx, fmt.Sprintf("%s.%s", ev.Type, ev.JobID), body)
}

var relayedEvents = []notify.EventType{notify.EventCreated, notify.EventStatus, notify.EventProgress}

// EventRelay consumes job events that other processes published to the
// events exchange. Events this process published itself are skipped, its hub
// has already delivered them.
type EventRelay struct {
	c      *Client
	origin string
	logger *slog.Logger
}

func NewEventRelay(c *Client, logger *slog.Logger) *EventRelay {
	return &EventRelay{c: c, origin: c.origin, logger: logger}
}

// Listen hands each remote job event to fn until ctx is done.
func (r *EventRelay) Listen(ctx context.Context, fn func(context.Context, notify.Event)) error {
	keys := make([]string, 0, len(relayedEvents))
	for _, t := range relayedEvents {
		keys = append(keys, string(t)+".*")
	}
	err := r.c.subscribeEvents(ctx, keys, func(d amqp.Delivery) {
		r.dispatch(ctx, d, fn)
	})
	if err != nil {
		return fmt.Errorf("failed to listen for job events: %w", err)
	}
	return nil
}

func (r *EventRelay) dispatch(ctx context.Context, d amqp.Delivery, fn func(context.Context, notify.Event)) {
	if d.AppId != "" && d.AppId == r.origin {
		return
	}
	var ev notify.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.JobID == "" || ev.Type == "" {
		r.logger.Warn("dropping malformed job event", "routing_key", d.RoutingKey, "error", err)
		return
	}
	fn(ctx, ev)
}
