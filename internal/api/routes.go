// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/csvgateway/backend/internal/processor"
	"github.com/csvgateway/backend/internal/queue"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	UploadMgr *upload.Manager
	Queue     *queue.Queue
	Processor *processor.Processor
	Jobs      repository.JobRepository
	Version   string
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Upload UploadHandler
	Job    JobHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Queue),
		Upload: NewUploadHandler(deps.UploadMgr),
		Job:    NewJobHandler(deps.Queue, deps.Processor, deps.Jobs),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Resumable upload routes
	uploadGroup := e.Group("/api/uploads")
	uploadGroup.POST("", handlers.Upload.HandleInitializeUpload)
	uploadGroup.POST("/:id/chunk", handlers.Upload.HandleUploadChunk)
	uploadGroup.GET("/:id", handlers.Upload.HandleUploadProgress)
	uploadGroup.POST("/:id/pause", handlers.Upload.HandlePauseUpload)
	uploadGroup.POST("/:id/resume", handlers.Upload.HandleResumeUpload)
	uploadGroup.POST("/:id/retry", handlers.Upload.HandleRetryUpload)
	uploadGroup.DELETE("/:id", handlers.Upload.HandleCancelUpload)

	// Processing job routes
	jobGroup := e.Group("/api/jobs")
	jobGroup.POST("", handlers.Job.HandleEnqueueJob)
	jobGroup.GET("/:id", handlers.Job.HandleGetJob)
	jobGroup.GET("/:id/stats", handlers.Job.HandleJobStats)
	jobGroup.POST("/:id/pause", handlers.Job.HandlePauseJob)
	jobGroup.POST("/:id/resume", handlers.Job.HandleResumeJob)
	jobGroup.DELETE("/:id", handlers.Job.HandleCancelJob)

	// Queue routes
	e.GET("/api/queue/stats", handlers.Job.HandleQueueStats)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	e.HTTPErrorHandler = ErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
}
