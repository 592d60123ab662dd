package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
	"github.com/cuongbtq/gamegen-queue/internal/store"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store      *store.MemoryStore
	controller *Controller
	scheduler  *worker.Scheduler
}

func titleRequired(payload json.RawMessage) error {
	var p struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

func newEnv(t *testing.T, start bool, stages ...pipeline.Stage) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	emitter := progress.NewEmitter(256, logger)

	registry := pipeline.NewRegistry()
	require.NoError(t, registry.Register(pipeline.Definition{
		Kind:     domain.KindGameGeneration,
		Stages:   stages,
		Validate: titleRequired,
	}))

	runner := pipeline.NewRunner(&pipeline.RunnerConfig{
		Store:        s,
		Events:       emitter,
		Logger:       logger,
		StageTimeout: 5 * time.Second,
	})
	sched := worker.NewScheduler(&worker.Config{
		Logger:      logger,
		Store:       s,
		Registry:    registry,
		Runner:      runner,
		Events:      emitter,
		Concurrency: 2,
	})
	ctrl := NewController(&Config{
		Logger:    logger,
		Store:     s,
		Registry:  registry,
		Scheduler: sched,
		Emitter:   emitter,
	})

	env := &testEnv{store: s, controller: ctrl, scheduler: sched}
	if start {
		env.start(t)
	}
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.scheduler.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = e.controller.Shutdown(shutdownCtx)
		cancel()
	})
}

func (e *testEnv) waitState(t *testing.T, id string, want domain.State) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		v, err := e.controller.Status(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.State == want
	}, 5*time.Second, 5*time.Millisecond)
	return view
}

func stage(name string, weight int, fn pipeline.ExecutorFunc) pipeline.Stage {
	return pipeline.Stage{Name: name, Weight: weight, Executor: fn}
}

func done(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
	return pipeline.Done("")
}

var validPayload = json.RawMessage(`{"title":"Space Dodge"}`)

func TestController_SubmitRejectsUnknownKindAndBadPayload(t *testing.T) {
	env := newEnv(t, true, stage("only", 100, done))
	ctx := context.Background()

	_, err := env.controller.Submit(ctx, "poetry", validPayload)
	assert.ErrorIs(t, err, domain.ErrUnknownJobKind)

	_, err = env.controller.Submit(ctx, domain.KindGameGeneration, json.RawMessage(`{"title":""}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	recs, err := env.store.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestController_StatusUnknownID(t *testing.T) {
	env := newEnv(t, true, stage("only", 100, done))

	_, err := env.controller.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.controller.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestController_SubmitRunsToCompletion(t *testing.T) {
	env := newEnv(t, true,
		stage("design", 25, func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
			sc.SetArtifact("design", "a dodge game")
			return pipeline.Done("design ready")
		}),
		stage("code", 75, done),
	)

	id, err := env.controller.Submit(context.Background(), domain.KindGameGeneration, validPayload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view := env.waitState(t, id, domain.StateCompleted)
	assert.Equal(t, 100, view.Progress)
	assert.JSONEq(t, `{"design":"a dodge game"}`, string(view.Result))
	assert.Empty(t, view.Error)
	require.NotEmpty(t, view.Logs)
	assert.Equal(t, "design ready", view.Logs[0].Message)

	stats := env.controller.QueueStats()
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 2, stats.Concurrency)
}

func TestController_StageTimeoutScenario(t *testing.T) {
	var packageRan atomic.Bool
	env := newEnv(t, true,
		stage("design", 25, done),
		pipeline.Stage{Name: "code", Weight: 50, Timeout: 40 * time.Millisecond, Executor: pipeline.ExecutorFunc(
			func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
				<-ctx.Done()
				return pipeline.Fail(ctx.Err())
			})},
		stage("package", 25, func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
			packageRan.Store(true)
			return pipeline.Done("")
		}),
	)

	id, err := env.controller.Submit(context.Background(), domain.KindGameGeneration, validPayload)
	require.NoError(t, err)

	view := env.waitState(t, id, domain.StateFailed)
	assert.Equal(t, 25, view.Progress)
	assert.Contains(t, view.Error, "stage code")
	assert.Contains(t, view.Error, "stage timed out")
	assert.Nil(t, view.Result)

	var messages []string
	for _, l := range view.Logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "stage design completed")
	assert.NotContains(t, messages, "stage package completed")
	assert.False(t, packageRan.Load())
}

func TestController_CancelBeforeDequeue(t *testing.T) {
	var ran atomic.Bool
	env := newEnv(t, true, stage("only", 100, func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
		ran.Store(true)
		return pipeline.Done("")
	}))
	ctx := context.Background()

	env.controller.PauseAll()
	id, err := env.controller.Submit(ctx, domain.KindGameGeneration, validPayload)
	require.NoError(t, err)

	res, err := env.controller.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, worker.CancelRemoved, res.Outcome)
	assert.Equal(t, domain.StateCancelled, res.State)

	again, err := env.controller.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, again.Accepted)
	assert.Equal(t, worker.CancelNoop, again.Outcome)
	assert.Equal(t, domain.StateCancelled, again.State)

	env.controller.ResumeAll()
	time.Sleep(30 * time.Millisecond)

	view, err := env.controller.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, view.State)
	assert.Equal(t, 0, view.Progress)
	assert.False(t, ran.Load())
}

func TestController_PauseKeepsJobsQueued(t *testing.T) {
	env := newEnv(t, true, stage("only", 100, done))
	ctx := context.Background()

	env.controller.PauseAll()
	env.controller.PauseAll()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := env.controller.Submit(ctx, domain.KindGameGeneration, validPayload)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	time.Sleep(30 * time.Millisecond)
	for _, id := range ids {
		view, err := env.controller.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateQueued, view.State)
	}
	assert.Equal(t, 4, env.controller.QueueStats().QueuedCount)

	env.controller.ResumeAll()
	for _, id := range ids {
		env.waitState(t, id, domain.StateCompleted)
	}
}

func TestController_SubmitWithIDDuplicate(t *testing.T) {
	env := newEnv(t, false, stage("only", 100, done))
	ctx := context.Background()

	id, err := env.controller.SubmitWithID(ctx, "game-42", domain.KindGameGeneration, validPayload)
	require.NoError(t, err)
	assert.Equal(t, "game-42", id)

	_, err = env.controller.SubmitWithID(ctx, "game-42", domain.KindGameGeneration, validPayload)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestController_DeleteAndRetry(t *testing.T) {
	env := newEnv(t, true, stage("only", 100, func(ctx context.Context, sc *pipeline.StageContext) pipeline.Outcome {
		return pipeline.Fail(errors.New("provider unavailable"))
	}))
	ctx := context.Background()

	env.controller.PauseAll()
	queuedID, err := env.controller.Submit(ctx, domain.KindGameGeneration, validPayload)
	require.NoError(t, err)
	assert.ErrorIs(t, env.controller.Delete(ctx, queuedID), domain.ErrNotTerminal)
	_, err = env.controller.Retry(ctx, queuedID)
	assert.ErrorIs(t, err, domain.ErrNotRetryable)

	env.controller.ResumeAll()
	env.waitState(t, queuedID, domain.StateFailed)

	env.controller.PauseAll()
	retryID, err := env.controller.Retry(ctx, queuedID)
	require.NoError(t, err)
	assert.NotEqual(t, queuedID, retryID)

	retried, err := env.controller.Status(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, queuedID, retried.RetryOf)
	assert.Equal(t, domain.StateQueued, retried.State)

	original, err := env.controller.Status(ctx, queuedID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, original.State)

	require.NoError(t, env.controller.Delete(ctx, queuedID))
	_, err = env.controller.Status(ctx, queuedID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestController_List(t *testing.T) {
	env := newEnv(t, false, stage("only", 100, done))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.controller.SubmitWithID(ctx, fmt.Sprintf("job-%d", i), domain.KindGameGeneration, validPayload)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	views, err := env.controller.List(ctx, domain.StateQueued, 2, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "job-0", views[0].ID)

	views, err = env.controller.List(ctx, "", 0, 2)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "job-2", views[0].ID)

	views, err = env.controller.List(ctx, domain.StateCompleted, 500, 0)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestController_Recover(t *testing.T) {
	env := newEnv(t, false, stage("only", 100, done))
	ctx := context.Background()
	now := time.Now()

	queued := domain.NewRecord("queued-1", domain.KindGameGeneration, validPayload, now)
	require.NoError(t, env.store.Put(ctx, queued))

	stale := domain.NewRecord("stale-1", domain.KindGameGeneration, validPayload, now)
	require.NoError(t, stale.Transition(domain.StateProcessing, now))
	require.NoError(t, env.store.Put(ctx, stale))

	report, err := env.controller.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{Requeued: 1, Interrupted: 1}, report)

	view, err := env.controller.Status(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, view.State)
	assert.Equal(t, "interrupted by service restart", view.Error)

	env.start(t)
	env.waitState(t, "queued-1", domain.StateCompleted)
}

func TestController_SubscribeSeesLifecycle(t *testing.T) {
	env := newEnv(t, false, stage("first", 50, done), stage("second", 50, done))
	ctx := context.Background()

	id, err := env.controller.SubmitWithID(ctx, "job-1", domain.KindGameGeneration, validPayload)
	require.NoError(t, err)

	sub := env.controller.Subscribe(id)
	defer sub.Close()
	env.start(t)

	var states []domain.State
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.StateChanged {
				states = append(states, ev.State)
			}
			if ev.Terminal() {
				assert.Equal(t, []domain.State{domain.StateProcessing, domain.StateCompleted}, states)
				assert.Equal(t, 100, ev.Progress)
				return
			}
		case <-timeout:
			t.Fatal("no terminal event received")
		}
	}
}

func TestController_ShutdownRejectsSubmit(t *testing.T) {
	env := newEnv(t, true, stage("only", 100, done))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.controller.Shutdown(ctx))

	_, err := env.controller.Submit(context.Background(), domain.KindGameGeneration, validPayload)
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestController_SubmitAfterSchedulerStopLeavesNoRecord(t *testing.T) {
	env := newEnv(t, false, stage("only", 100, done))
	sub := env.controller.Subscribe("")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.scheduler.Stop(ctx))

	_, err := env.controller.SubmitWithID(context.Background(), "job-1", domain.KindGameGeneration, validPayload)
	assert.ErrorIs(t, err, domain.ErrShuttingDown)

	_, err = env.store.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	recs, err := env.store.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for unscheduled job: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
