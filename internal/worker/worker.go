package worker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/store"
)

// Config holds scheduler configuration
type Config struct {
	Logger      *slog.Logger
	Store       store.Store
	Registry    *pipeline.Registry
	Runner      *pipeline.Runner
	Events      pipeline.Publisher
	Concurrency int
	// Name prefixes worker goroutine names in logs
	Name string
}

// Stats is a point-in-time view of the scheduler. Completed, failed and
// cancelled are counted since this scheduler started.
type Stats struct {
	QueuedCount     int
	ProcessingCount int
	CompletedCount  int
	FailedCount     int
	CancelledCount  int
	IsPaused        bool
	Concurrency     int
}

// Scheduler owns the pending FIFO and a fixed pool of workers that drive
// queued jobs through their pipelines
type Scheduler struct {
	logger      *slog.Logger
	store       store.Store
	registry    *pipeline.Registry
	runner      *pipeline.Runner
	events      pipeline.Publisher
	concurrency int
	name        string

	mu         sync.Mutex
	pending    *list.List
	index      map[string]*list.Element
	processing map[string]struct{}
	paused     bool
	stopping   bool
	completed  int
	failed     int
	cancelled  int
	peak       int

	// wake holds at most one signal; a worker that takes a job passes it on
	// while work remains
	wake      chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	name := cfg.Name
	if name == "" {
		name = "worker"
	}
	return &Scheduler{
		logger:      cfg.Logger.With(slog.String("component", "scheduler")),
		store:       cfg.Store,
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		events:      cfg.Events,
		concurrency: concurrency,
		name:        name,
		pending:     list.New(),
		index:       make(map[string]*list.Element),
		processing:  make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool. Jobs run under a context derived from ctx;
// cancelling ctx interrupts in-flight stages.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.logger.Info("Starting scheduler",
		slog.Int("concurrency", s.concurrency),
	)
	s.spawnWorkerPool(runCtx)
}

// Stop stops intake, lets idle workers exit and waits for in-flight jobs.
// When ctx ends first the remaining jobs are interrupted and Stop returns ctx's error
// once their workers have exited.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("Stopping scheduler...")
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		close(s.stopChan)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Drain timed out, interrupting in-flight jobs",
			slog.Int("processing", s.Stats().ProcessingCount),
		)
		s.mu.Lock()
		cancel := s.cancelRun
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}
