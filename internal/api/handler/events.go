package handler

import (
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
	"github.com/gin-gonic/gin"
)

const (
	eventProgress  = "progress"
	eventHeartbeat = "heartbeat"
)

// StreamJobEvents handles GET /api/v1/jobs/:job_id/events
// Sends the current snapshot, then live events until the job is terminal
func (h *JobHandler) StreamJobEvents(c *gin.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between
	sub := h.queue.Subscribe(id)
	defer sub.Close()

	view, err := h.queue.Status(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	setStreamHeaders(c)
	snapshot := domain.Event{
		JobID:       view.ID,
		Kind:        view.Kind,
		State:       view.State,
		Progress:    view.Progress,
		CurrentStep: view.CurrentStep,
		Error:       view.Error,
		At:          view.UpdatedAt,
	}
	c.SSEvent(eventProgress, snapshot)
	c.Writer.Flush()
	if snapshot.Terminal() {
		return
	}

	h.stream(c, sub, true)
}

// StreamAllEvents handles GET /api/v1/events
// Streams events of every job until the client goes away
func (h *JobHandler) StreamAllEvents(c *gin.Context) {
	sub := h.queue.Subscribe("")
	defer sub.Close()

	setStreamHeaders(c)
	h.stream(c, sub, false)
}

func (h *JobHandler) stream(c *gin.Context, sub *progress.Subscription, stopOnTerminal bool) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, time.Now().UTC().Format(time.RFC3339))
			return true
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(eventProgress, ev)
			return !(stopOnTerminal && ev.Terminal())
		}
	})

	if dropped := sub.Dropped(); dropped > 0 {
		h.logger.Info("Event stream dropped events for slow client",
			slog.String("job_id", sub.JobID()),
			slog.Uint64("dropped", dropped),
		)
	}
}

// setStreamHeaders runs before the first event so headers flushed ahead of
// it already carry the stream type. The value matches what c.SSEvent writes.
func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream;charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}
