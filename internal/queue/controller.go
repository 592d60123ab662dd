package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
	"github.com/cuongbtq/gamegen-queue/internal/store"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
	"github.com/google/uuid"
)

const (
	// DefaultLogTail is how many trailing log lines a JobView carries
	DefaultLogTail = 20

	defaultListLimit = 20
	maxListLimit     = 100

	interruptedReason = "interrupted by service restart"
)

// Config holds controller dependencies
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Registry  *pipeline.Registry
	Scheduler *worker.Scheduler
	Emitter   *progress.Emitter
	LogTail   int
	// NewID generates job ids; defaults to random UUIDs
	NewID func() string
}

// Controller is the public entry point of the job queue
type Controller struct {
	logger    *slog.Logger
	store     store.Store
	registry  *pipeline.Registry
	scheduler *worker.Scheduler
	emitter   *progress.Emitter
	logTail   int
	newID     func() string
	closed    atomic.Bool
}

// NewController creates a new controller instance
func NewController(cfg *Config) *Controller {
	logTail := cfg.LogTail
	if logTail <= 0 {
		logTail = DefaultLogTail
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Controller{
		logger:    cfg.Logger.With(slog.String("component", "queue")),
		store:     cfg.Store,
		registry:  cfg.Registry,
		scheduler: cfg.Scheduler,
		emitter:   cfg.Emitter,
		logTail:   logTail,
		newID:     newID,
	}
}

// Submit creates a queued job with a generated id
func (c *Controller) Submit(ctx context.Context, kind domain.Kind, payload json.RawMessage) (string, error) {
	return c.submit(ctx, c.newID(), kind, payload, "")
}

// SubmitWithID creates a queued job under a caller supplied id
func (c *Controller) SubmitWithID(ctx context.Context, id string, kind domain.Kind, payload json.RawMessage) (string, error) {
	if id == "" {
		id = c.newID()
	}
	return c.submit(ctx, id, kind, payload, "")
}

func (c *Controller) submit(ctx context.Context, id string, kind domain.Kind, payload json.RawMessage, retryOf string) (string, error) {
	if c.closed.Load() {
		return "", domain.ErrShuttingDown
	}

	def, err := c.registry.Lookup(kind)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := def.ValidatePayload(payload); err != nil {
		return "", err
	}

	rec := domain.NewRecord(id, kind, payload, time.Now().UTC())
	rec.RetryOf = retryOf
	if err := c.store.Put(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return "", err
		}
		return "", fmt.Errorf("failed to store job: %w", err)
	}

	// the queued event goes out before a worker can publish "job started"
	err = c.scheduler.EnqueueNotify(id, func() {
		c.emitter.Publish(domain.EventFromRecord(rec, true, "job queued"))
	})
	if err != nil {
		if delErr := c.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			c.logger.Warn("Failed to remove unscheduled job",
				slog.String("job_id", id),
				slog.String("error", delErr.Error()),
			)
		}
		if errors.Is(err, domain.ErrShuttingDown) {
			return "", err
		}
		return "", fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	c.logger.Info("Job submitted",
		slog.String("job_id", id),
		slog.String("kind", string(kind)),
	)
	return id, nil
}

// Status returns the current projection of a job
func (c *Controller) Status(ctx context.Context, id string) (JobView, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return newView(rec, c.logTail), nil
}

// Cancel asks for a job to stop. Queued jobs are cancelled at once, running
// jobs at their next stage boundary; terminal jobs are left as they are.
func (c *Controller) Cancel(ctx context.Context, id string) (CancelResult, error) {
	outcome, rec, err := c.scheduler.Cancel(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{
		JobID:    id,
		Accepted: outcome.Accepted(),
		Outcome:  outcome,
		State:    rec.State,
	}, nil
}

// PauseAll stops workers from starting new jobs. It is idempotent.
func (c *Controller) PauseAll() {
	c.scheduler.Pause()
}

// ResumeAll lets workers take queued jobs again. It is idempotent.
func (c *Controller) ResumeAll() {
	c.scheduler.Resume()
}

// QueueStats returns aggregate queue counters
func (c *Controller) QueueStats() worker.Stats {
	return c.scheduler.Stats()
}

// List returns jobs oldest first, optionally filtered by state
func (c *Controller) List(ctx context.Context, state domain.State, limit, offset int) ([]JobView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	recs, err := c.store.List(ctx, store.ListFilter{State: state, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newView(rec, c.logTail))
	}
	return views, nil
}

// Delete removes a finished job's record. Running or queued jobs must be
// cancelled and reach a terminal state first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsTerminal() {
		return fmt.Errorf("delete job %s in state %s: %w", id, rec.State, domain.ErrNotTerminal)
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("Job deleted", slog.String("job_id", id))
	return nil
}

// Retry submits a fresh job with the payload of a failed or cancelled one.
// The original job keeps its terminal state.
func (c *Controller) Retry(ctx context.Context, id string) (string, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.State != domain.StateFailed && rec.State != domain.StateCancelled {
		return "", fmt.Errorf("retry job %s in state %s: %w", id, rec.State, domain.ErrNotRetryable)
	}

	newID, err := c.submit(ctx, c.newID(), rec.Kind, rec.Payload, rec.ID)
	if err != nil {
		return "", err
	}
	c.logger.Info("Job retried",
		slog.String("job_id", newID),
		slog.String("retry_of", id),
	)
	return newID, nil
}

// Subscribe streams events for one job, or for every job when jobID is empty
func (c *Controller) Subscribe(jobID string) *progress.Subscription {
	return c.emitter.Subscribe(jobID)
}

// Recover restores scheduler state from the store after a restart. Queued jobs
// are enqueued again in creation order; jobs left processing by a previous
// process can not resume mid-pipeline, so they are failed, or cancelled when a
// cancel was already pending.
func (c *Controller) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport

	queued, err := c.store.List(ctx, store.ListFilter{State: domain.StateQueued})
	if err != nil {
		return report, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	for _, rec := range queued {
		if err := c.scheduler.Enqueue(rec.ID); err != nil {
			return report, fmt.Errorf("failed to requeue job %s: %w", rec.ID, err)
		}
		report.Requeued++
	}

	stale, err := c.store.List(ctx, store.ListFilter{State: domain.StateProcessing})
	if err != nil {
		return report, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, rec := range stale {
		updated, err := c.store.Update(ctx, rec.ID, func(r *domain.Record) error {
			if r.CancelRequested {
				return r.Cancel(time.Now().UTC())
			}
			return r.Fail(interruptedReason, time.Now().UTC())
		})
		if err != nil {
			c.logger.Warn("Failed to mark interrupted job",
				slog.String("job_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.emitter.Publish(domain.EventFromRecord(updated, true, interruptedReason))
		report.Interrupted++
	}

	c.logger.Info("Recovered jobs from store",
		slog.Int("requeued", report.Requeued),
		slog.Int("interrupted", report.Interrupted),
	)
	return report, nil
}

// Shutdown refuses new submissions, waits for running jobs to finish and
// then closes every subscription. When ctx ends first, running jobs are
// interrupted and ctx's error is returned.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Shutting down queue",
		slog.Int("processing", c.scheduler.Stats().ProcessingCount),
	)
	err := c.scheduler.Stop(ctx)
	c.emitter.Close()
	return err
}
