package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// RedisPublisher is satisfied by *redis.Client from shared/redis
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// RedisSink publishes each event on the job's channel and on the firehose channel
type RedisSink struct {
	publisher RedisPublisher
	prefix    string
}

func NewRedisSink(publisher RedisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "gamegen:progress"
	}
	return &RedisSink{publisher: publisher, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var errs []error
	for _, channel := range s.Channels(ev.JobID) {
		if _, err := s.publisher.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Channels lists the pub/sub channels an event for jobID goes to
func (s *RedisSink) Channels(jobID string) []string {
	return []string{s.prefix + ":" + jobID, s.prefix + ":all"}
}
