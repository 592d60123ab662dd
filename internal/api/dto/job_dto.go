package dto

import (
	"encoding/json"

	"github.com/cuongbtq/gamegen-queue/internal/queue"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
)

type CreateJobRequest struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type RetryJobResponse struct {
	JobID   string `json:"job_id"`
	RetryOf string `json:"retry_of"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []queue.JobView `json:"jobs"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type QueueStatsResponse struct {
	Queued      int  `json:"queued"`
	Processing  int  `json:"processing"`
	Completed   int  `json:"completed"`
	Failed      int  `json:"failed"`
	Cancelled   int  `json:"cancelled"`
	Paused      bool `json:"paused"`
	Concurrency int  `json:"concurrency"`
}

func NewQueueStatsResponse(s worker.Stats) QueueStatsResponse {
	return QueueStatsResponse{
		Queued:      s.QueuedCount,
		Processing:  s.ProcessingCount,
		Completed:   s.CompletedCount,
		Failed:      s.FailedCount,
		Cancelled:   s.CancelledCount,
		Paused:      s.IsPaused,
		Concurrency: s.Concurrency,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}
