package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// errStageClosed is returned by StageContext calls made after the stage ended,
// typically from a goroutine left behind by a timed out executor
var errStageClosed = errors.New("stage already finished")

// artifactSet holds the outputs stages hand to each other. Executors may fan
// out goroutines that record artifacts concurrently.
type artifactSet struct {
	mu    sync.Mutex
	items map[string]any
}

func newArtifactSet() *artifactSet {
	return &artifactSet{items: make(map[string]any)}
}

func (a *artifactSet) get(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.items[key]
	return v, ok
}

func (a *artifactSet) set(key string, v any) {
	a.mu.Lock()
	a.items[key] = v
	a.mu.Unlock()
}

func (a *artifactSet) snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.items))
	for k, v := range a.items {
		out[k] = v
	}
	return out
}

func (a *artifactSet) marshal() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(a.items)
}

// StageContext is what a running stage sees of its job
type StageContext struct {
	jobID   string
	kind    domain.Kind
	payload json.RawMessage
	stage   string
	floor   int
	ceiling int

	artifacts *artifactSet
	runner    *Runner
	logger    *slog.Logger
	closed    atomic.Bool
}

func (sc *StageContext) JobID() string            { return sc.jobID }
func (sc *StageContext) Kind() domain.Kind        { return sc.kind }
func (sc *StageContext) Payload() json.RawMessage { return sc.payload }
func (sc *StageContext) Stage() string            { return sc.stage }
func (sc *StageContext) Logger() *slog.Logger     { return sc.logger }

// DecodePayload unmarshals the job payload into v
func (sc *StageContext) DecodePayload(v any) error {
	if err := json.Unmarshal(sc.payload, v); err != nil {
		return errors.Join(domain.ErrInvalidPayload, err)
	}
	return nil
}

// Artifact returns an output recorded by this or an earlier stage
func (sc *StageContext) Artifact(key string) (any, bool) {
	return sc.artifacts.get(key)
}

// Artifacts returns a copy of every recorded output
func (sc *StageContext) Artifacts() map[string]any {
	return sc.artifacts.snapshot()
}

// SetArtifact records an output. The artifact map becomes the job result on completion.
func (sc *StageContext) SetArtifact(key string, v any) {
	if sc.closed.Load() {
		return
	}
	sc.artifacts.set(key, v)
}

// Report raises progress by delta within the stage and logs message when not
// empty. Progress stays strictly below the stage ceiling; reaching the ceiling
// is the runner's job once the stage returns.
func (sc *StageContext) Report(ctx context.Context, delta int, message string) error {
	if sc.closed.Load() {
		return errStageClosed
	}
	return sc.runner.report(ctx, sc, delta, message)
}

// CancelRequested reports whether a cancel was asked for this job. Stages that
// loop over many items may poll it to stop early with Cancelled().
func (sc *StageContext) CancelRequested(ctx context.Context) bool {
	requested, err := sc.runner.cancelRequested(ctx, sc.jobID)
	return err == nil && requested
}

// stageCap is the highest progress an in-stage report may reach
func (sc *StageContext) stageCap() int {
	if sc.ceiling-1 > sc.floor {
		return sc.ceiling - 1
	}
	return sc.floor
}
