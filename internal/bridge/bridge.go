package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
)

const defaultPublishTimeout = 5 * time.Second

// Sink receives progress events outside the process
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev domain.Event) error
}

// Forwarder copies every emitter event to a sink. Sink failures are logged
// and dropped; the emitter never waits on a sink.
type Forwarder struct {
	logger  *slog.Logger
	sink    Sink
	timeout time.Duration
}

// NewForwarder creates a new Forwarder instance
func NewForwarder(sink Sink, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Forwarder{
		logger:  logger.With(slog.String("component", "bridge"), slog.String("sink", sink.Name())),
		sink:    sink,
		timeout: timeout,
	}
}

// Run forwards events from sub until ctx ends or the subscription closes
func (f *Forwarder) Run(ctx context.Context, sub *progress.Subscription) error {
	defer sub.Close()
	f.logger.Info("Progress bridge started")

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Progress bridge stopped",
				slog.Uint64("failures", failures),
				slog.Uint64("dropped", sub.Dropped()),
			)
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				f.logger.Info("Progress bridge subscription closed",
					slog.Uint64("failures", failures),
					slog.Uint64("dropped", sub.Dropped()),
				)
				return nil
			}
			if err := f.forward(ctx, ev); err != nil {
				failures++
				f.logger.Warn("Failed to forward progress event",
					slog.String("job_id", ev.JobID),
					slog.String("state", string(ev.State)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	return f.sink.Publish(ctx, ev)
}
