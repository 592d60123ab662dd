package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (s *Scheduler) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}

	s.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", s.concurrency),
	)
}

// workerLoop takes jobs in FIFO order while the queue is not paused. An idle
// worker sleeps until woken by an enqueue, a resume or a peer.
func (s *Scheduler) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	workerName := fmt.Sprintf("%s-%d", s.name, workerNum)
	s.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		if id, ok := s.next(); ok {
			s.processJob(ctx, workerName, id)
			continue
		}

		select {
		case <-s.stopChan:
			s.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			s.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case <-s.wake:
		}
	}
}

// next pops the oldest pending job and marks it processing. It returns false
// when the queue is paused, stopping or empty.
func (s *Scheduler) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || s.stopping {
		return "", false
	}
	front := s.pending.Front()
	if front == nil {
		return "", false
	}

	id := s.pending.Remove(front).(string)
	delete(s.index, id)
	s.processing[id] = struct{}{}
	if n := len(s.processing); n > s.peak {
		s.peak = n
	}

	if s.pending.Len() > 0 {
		s.signal()
	}
	return id, true
}

// signal wakes one idle worker without blocking. A signal already pending is enough.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
