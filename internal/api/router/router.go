package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const healthTimeout = 3 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	r.GET("/health", healthHandler(deps))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
			jobs.GET("/:job_id/events", jobHandler.StreamJobEvents)
		}

		v1.GET("/events", jobHandler.StreamAllEvents)

		q := v1.Group("/queue")
		{
			q.POST("/pause", jobHandler.PauseQueue)
			q.POST("/resume", jobHandler.ResumeQueue)
			q.GET("/stats", jobHandler.QueueStats)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
			"checks":  checks,
		}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		c.JSON(status, body)
	}
}
