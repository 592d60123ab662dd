package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// AMQPPublisher is satisfied by *rabbitmq.Client
type AMQPPublisher interface {
	PublishWithRetry(ctx context.Context, exchange, routingKey string, body []byte, contentType string) error
}

// RabbitMQSink publishes events to a topic exchange
type RabbitMQSink struct {
	publisher AMQPPublisher
	exchange  string
}

func NewRabbitMQSink(publisher AMQPPublisher, exchange string) *RabbitMQSink {
	return &RabbitMQSink{publisher: publisher, exchange: exchange}
}

func (s *RabbitMQSink) Name() string { return "rabbitmq" }

func (s *RabbitMQSink) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.publisher.PublishWithRetry(ctx, s.exchange, RoutingKey(ev), body, "application/json")
}

// RoutingKey is progress.<kind>.<state>, so consumers can bind on either part
func RoutingKey(ev domain.Event) string {
	return fmt.Sprintf("progress.%s.%s", ev.Kind, ev.State)
}
