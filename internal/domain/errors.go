package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the store has no record for a job id
	ErrNotFound = errors.New("job not found")

	// ErrUnknownJobKind is returned when no pipeline is registered for a kind
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrAlreadyExists is returned when a job id is already taken
	ErrAlreadyExists = errors.New("job already exists")

	// ErrStageTimeout is returned when a stage exceeds its allotted time
	ErrStageTimeout = errors.New("stage timed out")

	// ErrAlreadyTerminal reports that a job already reached completed, failed or cancelled
	ErrAlreadyTerminal = errors.New("job already in terminal state")

	// ErrInvalidTransition is returned when a state change is not allowed by the state machine
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotTerminal is returned when an operation needs a finished job
	ErrNotTerminal = errors.New("job is not in a terminal state")

	// ErrNotRetryable is returned when retry is asked for a job that did not fail or get cancelled
	ErrNotRetryable = errors.New("job cannot be retried")

	// ErrInvalidPayload is returned when a payload does not match its pipeline's input schema
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrShuttingDown is returned when the queue no longer accepts work
	ErrShuttingDown = errors.New("queue is shutting down")
)

// StageError records which stage failed a job and why
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err as a failure of the named stage
func NewStageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// IsStageTimeout reports whether err comes from a stage running past its timeout
func IsStageTimeout(err error) bool {
	return errors.Is(err, ErrStageTimeout)
}
