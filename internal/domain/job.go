package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is one timestamped line of a job's log
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Record is the stored state of one job.
// ID, Kind and Payload never change after creation; everything else is
// mutated through the methods below so the state machine invariants hold.
type Record struct {
	ID              string
	Kind            Kind
	Payload         json.RawMessage
	State           State
	Progress        int
	CurrentStep     string
	Logs            []LogEntry
	Result          json.RawMessage
	Error           string
	RetryOf         string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewRecord creates a queued job record
func NewRecord(id string, kind Kind, payload json.RawMessage, now time.Time) *Record {
	return &Record{
		ID:        id,
		Kind:      kind,
		Payload:   cloneRaw(payload),
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share slices with the store
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = cloneRaw(r.Payload)
	c.Result = cloneRaw(r.Result)
	if r.Logs != nil {
		c.Logs = make([]LogEntry, len(r.Logs))
		copy(c.Logs, r.Logs)
	}
	return &c
}

// IsTerminal reports whether the job reached completed, failed or cancelled
func (r *Record) IsTerminal() bool {
	return r.State.IsTerminal()
}

// Transition moves the job to the given state if the state machine allows it
func (r *Record) Transition(to State, now time.Time) error {
	if !CanTransition(r.State, to) {
		if r.IsTerminal() {
			return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, r.State, to, ErrAlreadyTerminal)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	r.UpdatedAt = now
	return nil
}

// SetProgress raises progress to p. Lower values are ignored and the value is
// capped at 99 because 100 is reserved for a completed job.
func (r *Record) SetProgress(p int, now time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("set progress on %s job: %w", r.State, ErrAlreadyTerminal)
	}
	if p > 99 {
		p = 99
	}
	if p <= r.Progress {
		return nil
	}
	r.Progress = p
	r.UpdatedAt = now
	return nil
}

// SetStep records the label of the active stage
func (r *Record) SetStep(step string, now time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("set step on %s job: %w", r.State, ErrAlreadyTerminal)
	}
	r.CurrentStep = step
	r.UpdatedAt = now
	return nil
}

// AppendLog adds a log line, keeping at most limit entries
func (r *Record) AppendLog(msg string, now time.Time, limit int) error {
	if r.IsTerminal() {
		return fmt.Errorf("append log on %s job: %w", r.State, ErrAlreadyTerminal)
	}
	if limit <= 0 {
		limit = DefaultLogRetention
	}
	r.Logs = append(r.Logs, LogEntry{At: now, Message: msg})
	if over := len(r.Logs) - limit; over > 0 {
		trimmed := make([]LogEntry, limit)
		copy(trimmed, r.Logs[over:])
		r.Logs = trimmed
	}
	r.UpdatedAt = now
	return nil
}

// Complete marks a processing job completed with its result
func (r *Record) Complete(result json.RawMessage, now time.Time) error {
	if err := r.Transition(StateCompleted, now); err != nil {
		return err
	}
	r.Progress = 100
	r.Result = cloneRaw(result)
	if r.Result == nil {
		r.Result = json.RawMessage("null")
	}
	r.Error = ""
	return nil
}

// Fail marks a processing job failed with a human readable reason
func (r *Record) Fail(reason string, now time.Time) error {
	if err := r.Transition(StateFailed, now); err != nil {
		return err
	}
	if reason == "" {
		reason = "job failed"
	}
	r.Error = reason
	r.Result = nil
	return nil
}

// Cancel marks a queued or processing job cancelled
func (r *Record) Cancel(now time.Time) error {
	if err := r.Transition(StateCancelled, now); err != nil {
		return err
	}
	r.Result = nil
	r.Error = ""
	return nil
}

// RequestCancel sets the cooperative cancel flag. It is a no-op for terminal jobs.
func (r *Record) RequestCancel(now time.Time) bool {
	if r.IsTerminal() {
		return false
	}
	if !r.CancelRequested {
		r.CancelRequested = true
		r.UpdatedAt = now
	}
	return true
}

// TailLogs returns a copy of the last n log entries
func (r *Record) TailLogs(n int) []LogEntry {
	if n <= 0 || len(r.Logs) == 0 {
		return []LogEntry{}
	}
	start := len(r.Logs) - n
	if start < 0 {
		start = 0
	}
	out := make([]LogEntry, len(r.Logs)-start)
	copy(out, r.Logs[start:])
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
