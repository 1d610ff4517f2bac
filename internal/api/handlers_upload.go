// handlers_upload.go - Resumable upload session handlers
package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/csvgateway/backend/internal/upload"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	manager *upload.Manager
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(manager *upload.Manager) UploadHandler {
	return &UploadHandlerImpl{manager: manager}
}

// HandleInitializeUpload creates a resumable upload session
func (h *UploadHandlerImpl) HandleInitializeUpload(c echo.Context) error {
	var req initializeUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	session, err := h.manager.InitializeUpload(req.FileName, req.FileSize, req.MimeType, req.UserID, req.ChunkSize)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusCreated, session)
}

// HandleUploadChunk appends one chunk of a resumable upload
func (h *UploadHandlerImpl) HandleUploadChunk(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req uploadChunkRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	progress, err := h.manager.ProcessChunk(id, decoded, req.ChunkIndex, req.IsLastChunk)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, progress)
}

// HandleUploadProgress returns the live progress snapshot for a session
func (h *UploadHandlerImpl) HandleUploadProgress(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	progress, err := h.manager.GetProgress(id)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, progress)
}

// HandlePauseUpload pauses an in-flight upload session
func (h *UploadHandlerImpl) HandlePauseUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	session, err := h.manager.PauseUpload(id)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, session)
}

// HandleResumeUpload resumes a paused upload session
func (h *UploadHandlerImpl) HandleResumeUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	session, err := h.manager.ResumeUpload(id)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, session)
}

// HandleRetryUpload restarts a failed upload from a clean slate
func (h *UploadHandlerImpl) HandleRetryUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	session, err := h.manager.RetryUpload(id)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, session)
}

// HandleCancelUpload cancels a session and removes its partial file
func (h *UploadHandlerImpl) HandleCancelUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	session, err := h.manager.CancelUpload(id)
	if err != nil {
		return mapUploadError(c.Param("id"), err)
	}

	return c.JSON(http.StatusOK, session)
}

// Request types

type initializeUploadRequest struct {
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	MimeType  string `json:"mimeType"`
	UserID    string `json:"userId"`
	ChunkSize int64  `json:"chunkSize"` // optional, declared chunk geometry
}

func (r *initializeUploadRequest) validate() error {
	if r.FileName == "" {
		return NewValidationError("fileName")
	}
	if r.FileSize <= 0 {
		return NewBadRequestError("fileSize must be positive", nil)
	}
	if r.ChunkSize < 0 {
		return NewBadRequestError("chunkSize must not be negative", nil)
	}
	return nil
}

type uploadChunkRequest struct {
	ChunkIndex  int    `json:"chunkIndex"`
	Data        string `json:"data"` // Base64-encoded chunk
	IsLastChunk bool   `json:"isLastChunk"`
}

func (r *uploadChunkRequest) validate() error {
	if r.Data == "" {
		return NewValidationError("data")
	}
	if r.ChunkIndex < 0 {
		return NewBadRequestError("chunkIndex must not be negative", nil)
	}
	return nil
}

// mapUploadError translates domain errors into API responses
func mapUploadError(id string, err error) *APIError {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		return NewNotFoundError("upload session", id)
	case errors.Is(err, upload.ErrInvalidName):
		return NewValidationError("fileName")
	case errors.Is(err, upload.ErrSizeExceeded):
		return NewPayloadTooLargeError(err.Error())
	case errors.Is(err, upload.ErrAlreadyCompleted),
		errors.Is(err, upload.ErrAlreadyFailed),
		errors.Is(err, upload.ErrAlreadyCancelled),
		errors.Is(err, upload.ErrSessionPaused),
		errors.Is(err, upload.ErrNotFailed),
		errors.Is(err, upload.ErrStateConflict):
		return NewConflictError(err.Error())
	default:
		return NewInternalError("upload operation failed", err)
	}
}
