// handlers_jobs.go - Processing job and queue handlers
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/csvgateway/backend/internal/processor"
	"github.com/csvgateway/backend/internal/queue"
	"github.com/csvgateway/backend/internal/repository"
)

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	queue     *queue.Queue
	processor *processor.Processor
	jobs      repository.JobRepository
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(q *queue.Queue, p *processor.Processor, jobs repository.JobRepository) JobHandler {
	return &JobHandlerImpl{queue: q, processor: p, jobs: jobs}
}

// HandleEnqueueJob submits a file for processing
func (h *JobHandlerImpl) HandleEnqueueJob(c echo.Context) error {
	var req enqueueJobRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	job, err := h.queue.Enqueue(queue.Descriptor{
		UserID:    req.UserID,
		FileName:  req.FileName,
		FilePath:  req.FilePath,
		FileSize:  req.FileSize,
		MappingID: req.MappingID,
		Priority:  req.Priority,
		Delay:     time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return NewServiceUnavailableError("queue is shutting down")
		}
		return NewInternalError("failed to enqueue job", err)
	}

	return c.JSON(http.StatusAccepted, job)
}

// HandleGetJob returns the persisted job record
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	job, err := h.jobs.FindByID(id)
	if err != nil {
		return NewNotFoundError("job", id)
	}

	return c.JSON(http.StatusOK, job)
}

// HandleJobStats returns live run statistics for an in-flight job. Falls
// back to the persisted record when no run is tracked in this process.
func (h *JobHandlerImpl) HandleJobStats(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	stats, err := h.processor.Stats(id)
	if err == nil {
		return c.JSON(http.StatusOK, stats)
	}

	job, ferr := h.jobs.FindByID(id)
	if ferr != nil {
		return NewNotFoundError("job", id)
	}

	return c.JSON(http.StatusOK, processor.RunStats{
		TotalRows:              job.TotalRecords,
		ProcessedRows:          job.RecordsProcessed,
		ErrorRows:              job.ErrorRows,
		EstimatedTimeRemaining: job.EstimatedTimeRemaining,
	})
}

// HandlePauseJob pauses an in-flight processing run
func (h *JobHandlerImpl) HandlePauseJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if err := h.processor.PauseProcessing(id); err != nil {
		return NewNotFoundError("running job", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleResumeJob resumes a paused processing run
func (h *JobHandlerImpl) HandleResumeJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if err := h.processor.ResumeProcessing(id); err != nil {
		return NewNotFoundError("running job", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleCancelJob cancels a waiting or in-flight job
func (h *JobHandlerImpl) HandleCancelJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	// A waiting job is removed from the queue; a running one is stopped at
	// its next row checkpoint.
	if err := h.queue.Cancel(id); err == nil {
		return c.NoContent(http.StatusNoContent)
	}

	if err := h.processor.CancelProcessing(id); err != nil {
		job, ferr := h.jobs.FindByID(id)
		if ferr != nil {
			return NewNotFoundError("job", id)
		}
		if job.Terminal() {
			return NewConflictError("job already finished: " + string(job.Status))
		}
		return NewNotFoundError("running job", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleQueueStats returns current queue depth counters
func (h *JobHandlerImpl) HandleQueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.queue.GetQueueStats())
}

// Request types

type enqueueJobRequest struct {
	UserID       string `json:"userId"`
	FileName     string `json:"fileName"`
	FilePath     string `json:"filePath"`
	FileSize     int64  `json:"fileSize"`
	MappingID    string `json:"mappingId"`
	Priority     int    `json:"priority"`
	DelaySeconds int    `json:"delaySeconds"`
}

func (r *enqueueJobRequest) validate() error {
	if r.FileName == "" {
		return NewValidationError("fileName")
	}
	if r.FilePath == "" {
		return NewValidationError("filePath")
	}
	return nil
}
