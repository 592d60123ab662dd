package pipeline

import (
	"context"
	"time"
)

// Executor performs the work of one stage. Implementations must honor ctx:
// it carries the stage timeout and is cancelled on shutdown.
type Executor interface {
	Execute(ctx context.Context, sc *StageContext) Outcome
}

// ExecutorFunc adapts a plain function to Executor
type ExecutorFunc func(ctx context.Context, sc *StageContext) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, sc *StageContext) Outcome {
	return f(ctx, sc)
}

// Stage is one step of a pipeline. Weight is the stage's share of the 0-100
// progress range; Timeout 0 means the runner default.
type Stage struct {
	Name     string
	Weight   int
	Timeout  time.Duration
	Executor Executor
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeFail
	outcomeCancelled
)

// Outcome is what a stage reports back to the runner
type Outcome struct {
	kind  outcomeKind
	delta int
	line  string
	err   error
}

// Continue reports success. delta is added to the job's progress and clamped
// to the stage ceiling; a non-positive delta completes the stage's whole share.
func Continue(delta int, line string) Outcome {
	return Outcome{kind: outcomeContinue, delta: delta, line: line}
}

// Done reports success and claims the stage's whole progress share
func Done(line string) Outcome {
	return Continue(0, line)
}

// Fail reports an unrecoverable stage error. The job fails; it is never retried in place.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// Cancelled reports that the stage noticed a cancellation and stopped
func Cancelled() Outcome {
	return Outcome{kind: outcomeCancelled}
}

// IsContinue reports whether the outcome lets the pipeline move on
func (o Outcome) IsContinue() bool { return o.kind == outcomeContinue }

// IsFail reports whether the outcome fails the job
func (o Outcome) IsFail() bool { return o.kind == outcomeFail }

// IsCancelled reports whether the outcome cancels the job
func (o Outcome) IsCancelled() bool { return o.kind == outcomeCancelled }

// Err returns the failure cause of a Fail outcome
func (o Outcome) Err() error { return o.err }

// Line returns the log line of a Continue outcome
func (o Outcome) Line() string { return o.line }
