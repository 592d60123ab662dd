package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/store"
)

// DefaultStageTimeout applies to stages that declare no timeout
const DefaultStageTimeout = 2 * time.Minute

// Publisher receives progress events. progress.Emitter satisfies it.
type Publisher interface {
	Publish(ev domain.Event)
}

// RunnerConfig holds Runner dependencies
type RunnerConfig struct {
	Store        store.Store
	Events       Publisher
	Logger       *slog.Logger
	StageTimeout time.Duration
	LogRetention int
	Now          func() time.Time
}

// Runner drives one job through its stages. It writes progress, step and logs
// to the store but leaves the terminal transition to its caller.
type Runner struct {
	store        store.Store
	events       Publisher
	logger       *slog.Logger
	stageTimeout time.Duration
	logRetention int
	now          func() time.Time
}

// Result is how a pipeline run ended
type Result struct {
	State  domain.State
	Output json.RawMessage
	Err    error
	// Stage is the stage the run ended in, empty when it never started one
	Stage string
}

// NewRunner creates a Runner instance
func NewRunner(cfg *RunnerConfig) *Runner {
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	retention := cfg.LogRetention
	if retention <= 0 {
		retention = domain.DefaultLogRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		store:        cfg.Store,
		events:       cfg.Events,
		logger:       cfg.Logger.With(slog.String("component", "pipeline")),
		stageTimeout: timeout,
		logRetention: retention,
		now:          now,
	}
}

// Run executes def's stages in order for the job. rec must already be processing.
func (r *Runner) Run(ctx context.Context, rec *domain.Record, def *Definition) Result {
	logger := r.logger.With(
		slog.String("job_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
	)
	artifacts := newArtifactSet()

	floor := 0
	for i, st := range def.Stages {
		ceiling := floor + st.Weight

		requested, err := r.cancelRequested(ctx, rec.ID)
		if err != nil {
			return Result{State: domain.StateFailed, Err: err, Stage: st.Name}
		}
		if requested {
			logger.Info("Cancel observed at stage boundary", slog.String("stage", st.Name))
			return Result{State: domain.StateCancelled, Stage: st.Name}
		}
		if err := ctx.Err(); err != nil {
			return Result{State: domain.StateFailed, Err: fmt.Errorf("job interrupted: %w", err), Stage: st.Name}
		}

		if _, err := r.persist(ctx, rec.ID, "", func(j *domain.Record) error {
			if err := j.SetStep(st.Name, r.now()); err != nil {
				return err
			}
			return j.SetProgress(floor, r.now())
		}); err != nil {
			return Result{State: domain.StateFailed, Err: err, Stage: st.Name}
		}

		sc := &StageContext{
			jobID:     rec.ID,
			kind:      rec.Kind,
			payload:   rec.Payload,
			stage:     st.Name,
			floor:     floor,
			ceiling:   ceiling,
			artifacts: artifacts,
			runner:    r,
			logger:    logger.With(slog.String("stage", st.Name)),
		}

		started := r.now()
		logger.Info("Stage started", slog.String("stage", st.Name))
		out := r.execute(ctx, st, sc)
		sc.closed.Store(true)
		elapsed := r.now().Sub(started)

		switch {
		case out.IsCancelled():
			logger.Info("Stage reported cancellation",
				slog.String("stage", st.Name),
				slog.Duration("elapsed", elapsed),
			)
			return Result{State: domain.StateCancelled, Stage: st.Name}

		case out.IsFail():
			cause := out.Err()
			if cause == nil {
				cause = errors.New("stage failed without a reason")
			}
			var stageErr *domain.StageError
			if !errors.As(cause, &stageErr) {
				cause = domain.NewStageError(st.Name, cause)
			}
			logger.Warn("Stage failed",
				slog.String("stage", st.Name),
				slog.Duration("elapsed", elapsed),
				slog.String("error", cause.Error()),
			)
			return Result{State: domain.StateFailed, Err: cause, Stage: st.Name}
		}

		line := out.Line()
		if line == "" {
			line = fmt.Sprintf("stage %s completed", st.Name)
		}
		last := i == len(def.Stages)-1
		if _, err := r.persist(ctx, rec.ID, line, func(j *domain.Record) error {
			if !last {
				target := ceiling
				if d := out.delta; d > 0 && j.Progress+d < ceiling {
					target = j.Progress + d
				}
				if err := j.SetProgress(target, r.now()); err != nil {
					return err
				}
			}
			return j.AppendLog(line, r.now(), r.logRetention)
		}); err != nil {
			return Result{State: domain.StateFailed, Err: err, Stage: st.Name}
		}

		logger.Info("Stage completed",
			slog.String("stage", st.Name),
			slog.Duration("elapsed", elapsed),
		)
		floor = ceiling
	}

	// a cancel accepted while the last stage ran still wins over completion
	if n := len(def.Stages); n > 0 {
		if requested, err := r.cancelRequested(ctx, rec.ID); err == nil && requested {
			logger.Info("Cancel observed after final stage", slog.String("stage", def.Stages[n-1].Name))
			return Result{State: domain.StateCancelled, Stage: def.Stages[n-1].Name}
		}
	}

	output, err := artifacts.marshal()
	if err != nil {
		return Result{State: domain.StateFailed, Err: fmt.Errorf("failed to encode job result: %w", err)}
	}
	return Result{State: domain.StateCompleted, Output: output}
}

// execute runs one stage under its timeout. A stage that overruns is abandoned
// and its late calls into the StageContext are ignored.
func (r *Runner) execute(ctx context.Context, st Stage, sc *StageContext) Outcome {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = r.stageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Stage executor panicked",
					slog.String("job_id", sc.jobID),
					slog.String("stage", st.Name),
					slog.Any("panic", p),
				)
				done <- Fail(fmt.Errorf("executor panic: %v", p))
			}
		}()
		done <- st.Executor.Execute(stageCtx, sc)
	}()

	var out Outcome
	select {
	case out = <-done:
		if !out.IsFail() || stageCtx.Err() == nil {
			return out
		}
	case <-stageCtx.Done():
	}

	if err := ctx.Err(); err != nil {
		return Fail(fmt.Errorf("job interrupted: %w", err))
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return Fail(fmt.Errorf("%w after %s", domain.ErrStageTimeout, timeout))
	}
	return out
}

func (r *Runner) report(ctx context.Context, sc *StageContext, delta int, message string) error {
	_, err := r.persist(ctx, sc.jobID, message, func(j *domain.Record) error {
		if delta > 0 {
			base := j.Progress
			if base < sc.floor {
				base = sc.floor
			}
			target := base + delta
			if limit := sc.stageCap(); target > limit {
				target = limit
			}
			if err := j.SetProgress(target, r.now()); err != nil {
				return err
			}
		}
		if message != "" {
			return j.AppendLog(message, r.now(), r.logRetention)
		}
		return nil
	})
	return err
}

func (r *Runner) cancelRequested(ctx context.Context, id string) (bool, error) {
	rec, err := r.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return rec.CancelRequested, nil
}

// persist writes a mutation and publishes the resulting snapshot. Writes use a
// context detached from cancellation so a draining shutdown still records them.
func (r *Runner) persist(ctx context.Context, id, message string, fn store.Mutator) (*domain.Record, error) {
	rec, err := r.store.Update(context.WithoutCancel(ctx), id, fn)
	if err != nil {
		return nil, err
	}
	if r.events != nil {
		r.events.Publish(domain.EventFromRecord(rec, false, message))
	}
	return rec, nil
}
