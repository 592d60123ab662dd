package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/gamegen-queue/internal/api/dto"
	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Queues a job and returns before any stage runs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	var (
		id  string
		err error
	)
	if req.ID != "" {
		if !jobIDPattern.MatchString(req.ID) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid id"})
			return
		}
		id, err = h.queue.SubmitWithID(c.Request.Context(), req.ID, domain.Kind(req.Kind), req.Payload)
	} else {
		id, err = h.queue.Submit(c.Request.Context(), domain.Kind(req.Kind), req.Payload)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID: id,
		State: string(domain.StateQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	view, err := h.queue.Status(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs oldest first with an opaque cursor
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	var state domain.State
	if req.State != "" {
		parsed, ok := domain.ParseState(req.State)
		if !ok {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid state"})
			return
		}
		state = parsed
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	offset, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid cursor"})
		return
	}

	jobs, err := h.queue.List(c.Request.Context(), state, req.PageSize, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: jobs}
	// A full page may have more behind it; the next call returns an empty page if not
	if len(jobs) == req.PageSize {
		resp.NextCursor = EncodeJobCursor(offset + len(jobs))
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Queued jobs are cancelled at once; running jobs stop at the next stage boundary
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	res, err := h.queue.Cancel(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only finished jobs can be deleted
func (h *JobHandler) DeleteJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.queue.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	newID, err := h.queue.Retry(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.RetryJobResponse{JobID: newID, RetryOf: id})
}

// PauseQueue handles POST /api/v1/queue/pause
func (h *JobHandler) PauseQueue(c *gin.Context) {
	h.queue.PauseAll()
	c.JSON(http.StatusOK, dto.NewQueueStatsResponse(h.queue.QueueStats()))
}

// ResumeQueue handles POST /api/v1/queue/resume
func (h *JobHandler) ResumeQueue(c *gin.Context) {
	h.queue.ResumeAll()
	c.JSON(http.StatusOK, dto.NewQueueStatsResponse(h.queue.QueueStats()))
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewQueueStatsResponse(h.queue.QueueStats()))
}
