package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// CancelOutcome says what a cancel request did
type CancelOutcome string

const (
	// CancelRemoved means the job was still queued and is now cancelled
	CancelRemoved CancelOutcome = "cancelled"
	// CancelFlagged means the job is running; it stops at the next stage boundary
	CancelFlagged CancelOutcome = "cancel_requested"
	// CancelNoop means the job was already terminal and nothing changed
	CancelNoop CancelOutcome = "already_terminal"
)

// Accepted reports whether the cancel changed anything
func (o CancelOutcome) Accepted() bool {
	return o == CancelRemoved || o == CancelFlagged
}

// Enqueue appends a queued job to the pending FIFO. Enqueueing an id that is
// already pending or running is a no-op.
func (s *Scheduler) Enqueue(id string) error {
	return s.EnqueueNotify(id, nil)
}

// EnqueueNotify is Enqueue with a hook that runs once id is accepted and
// before any worker can pick it up. accepted must not call the Scheduler.
func (s *Scheduler) EnqueueNotify(id string, accepted func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return domain.ErrShuttingDown
	}
	if _, ok := s.index[id]; ok {
		return nil
	}
	if _, ok := s.processing[id]; ok {
		return nil
	}

	s.index[id] = s.pending.PushBack(id)
	if accepted != nil {
		accepted()
	}
	if !s.paused {
		s.signal()
	}
	return nil
}

// Pause stops workers from starting new jobs. Running jobs are not affected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.logger.Info("Queue paused",
		slog.Int("queued", s.pending.Len()),
		slog.Int("processing", len(s.processing)),
	)
}

// Resume lets workers take pending jobs again, oldest first
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if s.pending.Len() > 0 {
		s.signal()
	}
	s.logger.Info("Queue resumed",
		slog.Int("queued", s.pending.Len()),
	)
}

// Cancel cancels a job. A pending job is removed and cancelled right away; a
// running job gets its cancel flag set and stops at its next stage boundary.
// Cancelling a terminal job reports CancelNoop with the stored record.
func (s *Scheduler) Cancel(ctx context.Context, id string) (CancelOutcome, *domain.Record, error) {
	s.mu.Lock()
	el, removed := s.index[id]
	if removed {
		s.pending.Remove(el)
		delete(s.index, id)
	}
	_, running := s.processing[id]
	s.mu.Unlock()

	var outcome CancelOutcome
	rec, err := s.store.Update(ctx, id, func(r *domain.Record) error {
		now := time.Now()
		if r.IsTerminal() {
			return domain.ErrAlreadyTerminal
		}
		if r.State == domain.StateQueued && !running {
			outcome = CancelRemoved
			return r.Cancel(now)
		}
		outcome = CancelFlagged
		r.RequestCancel(now)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			current, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return "", nil, getErr
			}
			return CancelNoop, current, nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, err
		}
		if removed {
			s.requeueFront(id)
		}
		return "", nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	switch outcome {
	case CancelRemoved:
		s.count(domain.StateCancelled)
		s.logger.Info("Queued job cancelled", slog.String("job_id", id))
		s.publish(rec, true, "job cancelled")
	case CancelFlagged:
		s.logger.Info("Cancel requested for running job", slog.String("job_id", id))
		s.publish(rec, false, "cancel requested")
	}
	return outcome, rec, nil
}

// requeueFront puts back a job whose cancel could not be stored
func (s *Scheduler) requeueFront(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = s.pending.PushFront(id)
	if !s.paused {
		s.signal()
	}
}

// Stats returns queue counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueuedCount:     s.pending.Len(),
		ProcessingCount: len(s.processing),
		CompletedCount:  s.completed,
		FailedCount:     s.failed,
		CancelledCount:  s.cancelled,
		IsPaused:        s.paused,
		Concurrency:     s.concurrency,
	}
}

// PeakProcessing returns the highest number of jobs ever running at once
func (s *Scheduler) PeakProcessing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
