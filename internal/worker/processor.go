package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
)

// errNotClaimable means the job left the queued state before a worker got to it
var errNotClaimable = errors.New("job is no longer queued")

// processJob claims a job, runs its pipeline and records the terminal state
func (s *Scheduler) processJob(ctx context.Context, workerName, id string) {
	defer s.release(id)

	logger := s.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", id),
	)

	// Step 1: Claim the job (queued -> processing, or straight to cancelled
	// when a cancel arrived while it waited)
	rec, err := s.claim(ctx, id)
	if err != nil {
		if errors.Is(err, errNotClaimable) || errors.Is(err, domain.ErrNotFound) {
			logger.Info("Skipping job that is no longer queued",
				slog.String("reason", err.Error()),
			)
			return
		}
		logger.Error("Failed to claim job",
			slog.String("error", err.Error()),
		)
		return
	}
	if rec.State == domain.StateCancelled {
		logger.Info("Job cancelled before start")
		s.count(domain.StateCancelled)
		s.publish(rec, true, "job cancelled before start")
		return
	}

	logger.Info("Job claimed successfully",
		slog.String("kind", string(rec.Kind)),
	)
	s.publish(rec, true, "job started")

	// Step 2: Resolve the pipeline and run it
	var res pipeline.Result
	def, err := s.registry.Lookup(rec.Kind)
	if err != nil {
		res = pipeline.Result{State: domain.StateFailed, Err: err}
	} else {
		started := time.Now()
		res = s.runner.Run(ctx, rec, def)
		logger.Info("Pipeline finished",
			slog.String("state", string(res.State)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}

	// Step 3: Apply the terminal state
	final, err := s.applyResult(ctx, id, res)
	if err != nil {
		logger.Error("Failed to record job result",
			slog.String("state", string(res.State)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.count(final.State)
	switch final.State {
	case domain.StateCompleted:
		logger.Info("Job completed successfully")
		s.publish(final, true, "job completed")
	case domain.StateFailed:
		logger.Warn("Job failed",
			slog.String("error", final.Error),
		)
		s.publish(final, true, "job failed")
	case domain.StateCancelled:
		logger.Info("Job cancelled")
		s.publish(final, true, "job cancelled")
	}
}

func (s *Scheduler) claim(ctx context.Context, id string) (*domain.Record, error) {
	return s.store.Update(context.WithoutCancel(ctx), id, func(r *domain.Record) error {
		if r.State != domain.StateQueued {
			return fmt.Errorf("%w: state %s", errNotClaimable, r.State)
		}
		if r.CancelRequested {
			return r.Cancel(time.Now())
		}
		return r.Transition(domain.StateProcessing, time.Now())
	})
}

func (s *Scheduler) applyResult(ctx context.Context, id string, res pipeline.Result) (*domain.Record, error) {
	return s.store.Update(context.WithoutCancel(ctx), id, func(r *domain.Record) error {
		now := time.Now()
		switch res.State {
		case domain.StateCompleted:
			if r.CancelRequested {
				return r.Cancel(now)
			}
			return r.Complete(res.Output, now)
		case domain.StateCancelled:
			return r.Cancel(now)
		default:
			reason := "job failed"
			if res.Err != nil {
				reason = res.Err.Error()
			}
			return r.Fail(reason, now)
		}
	})
}

// release drops the job from the processing set and wakes a peer if work is waiting
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, id)
	if s.pending.Len() > 0 && !s.paused {
		s.signal()
	}
}

func (s *Scheduler) count(state domain.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case domain.StateCompleted:
		s.completed++
	case domain.StateFailed:
		s.failed++
	case domain.StateCancelled:
		s.cancelled++
	}
}

func (s *Scheduler) publish(rec *domain.Record, stateChanged bool, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.EventFromRecord(rec, stateChanged, message))
}
