// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// UploadHandler handles resumable upload session operations
type UploadHandler interface {
	HandleInitializeUpload(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleUploadProgress(c echo.Context) error
	HandlePauseUpload(c echo.Context) error
	HandleResumeUpload(c echo.Context) error
	HandleRetryUpload(c echo.Context) error
	HandleCancelUpload(c echo.Context) error
}

// JobHandler handles processing job operations
type JobHandler interface {
	HandleEnqueueJob(c echo.Context) error
	HandleGetJob(c echo.Context) error
	HandleJobStats(c echo.Context) error
	HandlePauseJob(c echo.Context) error
	HandleResumeJob(c echo.Context) error
	HandleCancelJob(c echo.Context) error
	HandleQueueStats(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
