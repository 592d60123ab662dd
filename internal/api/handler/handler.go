package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/api/dto"
	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
	"github.com/cuongbtq/gamegen-queue/internal/queue"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
	"github.com/gin-gonic/gin"
)

// JobQueue is the queue surface the HTTP layer drives
type JobQueue interface {
	Submit(ctx context.Context, kind domain.Kind, payload json.RawMessage) (string, error)
	SubmitWithID(ctx context.Context, id string, kind domain.Kind, payload json.RawMessage) (string, error)
	Status(ctx context.Context, id string) (queue.JobView, error)
	Cancel(ctx context.Context, id string) (queue.CancelResult, error)
	List(ctx context.Context, state domain.State, limit, offset int) ([]queue.JobView, error)
	Delete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (string, error)
	Subscribe(jobID string) *progress.Subscription
	PauseAll()
	ResumeAll()
	QueueStats() worker.Stats
}

// HealthCheck checks one backing dependency
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Queue          JobQueue
	ServiceName    string
	AllowedOrigins []string
	HealthChecks   map[string]HealthCheck
	// Heartbeat is the SSE keepalive interval
	Heartbeat time.Duration
}

const defaultHeartbeat = 15 * time.Second

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	queue     JobQueue
	heartbeat time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &JobHandler{
		logger:    deps.Logger.With(slog.String("component", "http")),
		queue:     deps.Queue,
		heartbeat: heartbeat,
	}
}

// errorStatus maps queue errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownJobKind), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotTerminal),
		errors.Is(err, domain.ErrNotRetryable):
		return http.StatusConflict
	default:
		// ErrShuttingDown and store failures
		return http.StatusServiceUnavailable
	}
}

func (h *JobHandler) writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		h.logger.Error("Queue operation failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}

// jobID reads and validates the :job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	id := c.Param("job_id")
	if !jobIDPattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid job_id"})
		return "", false
	}
	return id, true
}
