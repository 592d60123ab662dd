package queue

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
)

// JobView is the read-only projection of a job handed to callers
type JobView struct {
	ID              string            `json:"job_id"`
	Kind            domain.Kind       `json:"kind"`
	State           domain.State      `json:"state"`
	Progress        int               `json:"progress"`
	CurrentStep     string            `json:"current_step"`
	Logs            []domain.LogEntry `json:"logs"`
	Error           string            `json:"error,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	RetryOf         string            `json:"retry_of,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CancelResult tells a caller whether its cancel did anything. Accepted is
// false for jobs that were already terminal; State is the job's state after
// the call.
type CancelResult struct {
	JobID    string               `json:"job_id"`
	Accepted bool                 `json:"accepted"`
	Outcome  worker.CancelOutcome `json:"outcome"`
	State    domain.State         `json:"state"`
}

// RecoverReport summarizes a startup recovery pass
type RecoverReport struct {
	Requeued    int
	Interrupted int
}

func newView(rec *domain.Record, logTail int) JobView {
	v := JobView{
		ID:              rec.ID,
		Kind:            rec.Kind,
		State:           rec.State,
		Progress:        rec.Progress,
		CurrentStep:     rec.CurrentStep,
		Logs:            rec.TailLogs(logTail),
		Error:           rec.Error,
		RetryOf:         rec.RetryOf,
		CancelRequested: rec.CancelRequested,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.State == domain.StateCompleted {
		v.Result = rec.Result
	}
	return v
}
