package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const cancelKeyPrefix = "cancel."

type CancelRequest struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// CancelBus fans cancellation requests out to every worker process over the
// events exchange. Only the process holding the job acts on a request.
type CancelBus struct {
	c      *Client
	logger *slog.Logger
}

func NewCancelBus(c *Client, logger *slog.Logger) *CancelBus {
	return &CancelBus{c: c, logger: logger}
}

func (b *CancelBus) RequestCancel(ctx context.Context, jobID, reason string) error {
	body, err := json.Marshal(CancelRequest{JobID: jobID, Reason: reason})
	if err != nil {
		return err
	}
	return b.c.PublishEvent(ctx, cancelKeyPrefix+jobID, body)
}

// Listen binds a private queue to cancellation requests and hands each one to
// fn until ctx is done. The exchange must already exist.
func (b *CancelBus) Listen(ctx context.Context, fn func(context.Context, CancelRequest)) error {
	err := b.c.subscribeEvents(ctx, []string{cancelKeyPrefix + "*"}, func(d amqp.Delivery) {
		b.dispatch(ctx, d, fn)
	})
	if err != nil {
		return fmt.Errorf("failed to listen for cancel requests: %w", err)
	}
	return nil
}

func (b *CancelBus) dispatch(ctx context.Context, d amqp.Delivery, fn func(context.Context, CancelRequest)) {
	var req CancelRequest
	if err := json.Unmarshal(d.Body, &req); err != nil || req.JobID == "" {
		b.logger.Warn("dropping malformed cancel request", "routing_key", d.RoutingKey, "error", err)
		return
	}
	fn(ctx, req)
}
