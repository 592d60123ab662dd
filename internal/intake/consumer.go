package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Submitter is the part of the queue controller the consumer feeds
type Submitter interface {
	Submit(ctx context.Context, kind domain.Kind, payload json.RawMessage) (string, error)
	SubmitWithID(ctx context.Context, id string, kind domain.Kind, payload json.RawMessage) (string, error)
}

// Source opens a manual-ack delivery stream; *rabbitmq.Client implements it
type Source interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, *amqp.Channel, error)
}

// SubmitMessage is the body of an intake message
type SubmitMessage struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type disposition int

const (
	ack disposition = iota
	reject
	requeue
)

// Consumer turns intake queue messages into queued jobs
type Consumer struct {
	logger    *slog.Logger
	source    Source
	submitter Submitter
	queue     string
	tag       string
}

// Config holds consumer dependencies
type Config struct {
	Logger    *slog.Logger
	Source    Source
	Submitter Submitter
	Queue     string
	// Name prefixes the consumer tag
	Name string
}

// NewConsumer creates a new Consumer instance
func NewConsumer(cfg *Config) *Consumer {
	name := cfg.Name
	if name == "" {
		name = "gamegen-queue"
	}
	tag := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	return &Consumer{
		logger:    cfg.Logger.With(slog.String("component", "intake"), slog.String("consumer_tag", tag)),
		source:    cfg.Source,
		submitter: cfg.Submitter,
		queue:     cfg.Queue,
		tag:       tag,
	}
}

// Run consumes until ctx is done or the broker closes the delivery channel
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, ch, err := c.source.Consume(c.queue, c.tag)
	if err != nil {
		return fmt.Errorf("failed to start intake consumer: %w", err)
	}
	if ch != nil {
		defer ch.Close()
	}
	return c.dispatch(ctx, deliveries)
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	c.logger.Info("Intake consumer started", slog.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Intake consumer stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("intake delivery channel closed")
			}
			c.settle(delivery, c.handle(ctx, delivery.Body))
		}
	}
}

// handle submits one message and decides how to settle it. Messages that
// can never succeed are rejected; transient failures go back on the queue.
func (c *Consumer) handle(ctx context.Context, body []byte) disposition {
	var msg SubmitMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("Failed to parse intake message", slog.String("error", err.Error()))
		return reject
	}
	if msg.Kind == "" {
		c.logger.Warn("Intake message has no kind")
		return reject
	}

	var (
		id  string
		err error
	)
	if id = strings.TrimSpace(msg.ID); id != "" {
		_, err = c.submitter.SubmitWithID(ctx, id, domain.Kind(msg.Kind), msg.Payload)
	} else {
		id, err = c.submitter.Submit(ctx, domain.Kind(msg.Kind), msg.Payload)
	}

	switch {
	case err == nil:
		c.logger.Info("Job submitted from intake",
			slog.String("job_id", id),
			slog.String("kind", msg.Kind),
		)
		return ack
	case errors.Is(err, domain.ErrAlreadyExists):
		// Redelivery of a message we already turned into a job
		c.logger.Info("Intake message already submitted", slog.String("job_id", id))
		return ack
	case errors.Is(err, domain.ErrUnknownJobKind), errors.Is(err, domain.ErrInvalidPayload):
		c.logger.Warn("Rejected intake message",
			slog.String("kind", msg.Kind),
			slog.String("error", err.Error()),
		)
		return reject
	default:
		c.logger.Error("Failed to submit intake message",
			slog.String("kind", msg.Kind),
			slog.String("error", err.Error()),
		)
		return requeue
	}
}

func (c *Consumer) settle(d amqp.Delivery, how disposition) {
	var err error
	switch how {
	case ack:
		err = d.Ack(false)
	case reject:
		err = d.Nack(false, false)
	case requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("Failed to settle intake message",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}
