package domain

import "time"

// Event is a progress notification for one job. It is observational only;
// the store stays the source of truth.
type Event struct {
	JobID        string    `json:"job_id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	StateChanged bool      `json:"state_changed"`
	Progress     int       `json:"progress"`
	CurrentStep  string    `json:"current_step,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// EventFromRecord snapshots a record into an event
func EventFromRecord(r *Record, stateChanged bool, message string) Event {
	return Event{
		JobID:        r.ID,
		Kind:         r.Kind,
		State:        r.State,
		StateChanged: stateChanged,
		Progress:     r.Progress,
		CurrentStep:  r.CurrentStep,
		Message:      message,
		Error:        r.Error,
		At:           r.UpdatedAt,
	}
}

// Terminal reports whether the event announces a terminal state
func (e Event) Terminal() bool {
	return e.State.IsTerminal()
}
