package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"job-orchestrator/pkg/job"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	// origin tags events this client publishes so its own process can skip them.
	origin string

	// amqp channels are not meant for concurrent publishers.
	pubMu sync.Mutex
}

const (
	JobsExchange    = "jobs.exchange"
	DLXExchange     = "jobs.dlx"
	RetryExchange   = "jobs.retry.exchange"
	EventsExchange  = "jobs.events"
	DeadLetterQueue = "jobs.dead_letter.queue"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch, origin: uuid.NewString()}, nil
}

func queueName(t job.Type) string {
	return fmt.Sprintf("jobs.queue.%s", t)
}

func retryRoutingKey(t job.Type, delay time.Duration) string {
	return fmt.Sprintf("retry.%s.%dms", t, delay.Milliseconds())
}

// SetupTopology declares the exchanges and queues for the given job types and
// retry delays. Idempotent.
func (c *Client) SetupTopology(types []job.Type, retryDelays []time.Duration) error {
	// Main exchange for wake-ups
	if err := c.ch.ExchangeDeclare(JobsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	for _, jt := range types {
		name := queueName(jt)
		_, err := c.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
			"x-max-priority":         int32(10),
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(name, string(jt), JobsExchange, false, nil); err != nil {
			return err
		}

		// One TTL queue per (type, delay); expired messages return to the
		// type's queue on the main exchange.
		for _, delay := range retryDelays {
			key := retryRoutingKey(jt, delay)
			retryQueue := "jobs.retry.queue." + key[len("retry."):]
			_, err := c.ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
				"x-dead-letter-exchange":    JobsExchange,
				"x-dead-letter-routing-key": string(jt),
				"x-message-ttl":             delay.Milliseconds(),
			})
			if err != nil {
				return err
			}
			if err := c.ch.QueueBind(retryQueue, key, RetryExchange, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapPriority converts a job priority to a RabbitMQ priority level.
func mapPriority(p job.Priority) uint8 {
	return uint8(p.Rank())
}

func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// PublishJob announces that a job of the given type is waiting.
func (c *Client) PublishJob(ctx context.Context, jobType job.Type, jobID string, p job.Priority) error {
	return c.publish(ctx, JobsExchange, string(jobType), amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(jobID),
		Priority:    mapPriority(p),
	})
}

// PublishToRetry parks a wake-up in the TTL queue for delay.
func (c *Client) PublishToRetry(ctx context.Context, jobType job.Type, jobID string, delay time.Duration) error {
	return c.publish(ctx, RetryExchange, retryRoutingKey(jobType, delay), amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(jobID),
	})
}

func (c *Client) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	return c.publish(ctx, EventsExchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		AppId:        c.origin,
		Body:         body,
	})
}

// subscribeEvents binds a private auto-deleted queue to keys on the events
// exchange and calls handle for each delivery until ctx is done.
func (c *Client) subscribeEvents(ctx context.Context, keys []string, handle func(amqp.Delivery)) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open events channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, EventsExchange, false, nil); err != nil {
			ch.Close()
			return err
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handle(d)
			}
		}
	}()
	return nil
}

// ConsumeJobs opens a dedicated channel consuming the type's wake-ups.
func (c *Client) ConsumeJobs(jobType job.Type) (<-chan amqp.Delivery, func(), error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	deliveries, err := ch.Consume(
		queueName(jobType),
		"",
		true, // wake-ups carry no state, the entry table does
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, func() { ch.Close() }, nil
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
