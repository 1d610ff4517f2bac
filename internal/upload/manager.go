// Package upload implements the resumable upload session state machine.
//
// States: initialized, uploading, paused, completed, failed, cancelled.
// completed and cancelled are terminal; failed leaves only via an explicit
// retry. Chunk appends for one session are serialized; different sessions
// proceed in parallel.
package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/storage"
)

// Session-state and input errors. Input errors are rejected synchronously
// and never retried; state errors carry a distinguishing kind per case.
var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSizeExceeded     = errors.New("file size exceeds configured maximum")
	ErrInvalidName      = errors.New("file name must not be empty")
	ErrAlreadyCompleted = errors.New("upload session already completed")
	ErrAlreadyFailed    = errors.New("upload session already failed")
	ErrAlreadyCancelled = errors.New("upload session already cancelled")
	ErrSessionPaused    = errors.New("upload session is paused")
	ErrNotFailed        = errors.New("only failed upload sessions can be retried")
	ErrStateConflict    = errors.New("operation not allowed in current session state")
)

// ProgressSnapshot is the caller-visible view of a session after a chunk
// append or progress query.
type ProgressSnapshot struct {
	UploadID               string              `json:"uploadId"`
	Status                 models.UploadStatus `json:"status"`
	UploadedBytes          int64               `json:"uploadedBytes"`
	FileSize               int64               `json:"fileSize"`
	Progress               float64             `json:"progress"`
	UploadSpeed            float64             `json:"uploadSpeed"`            // bytes/sec
	EstimatedTimeRemaining float64             `json:"estimatedTimeRemaining"` // seconds
	CompletedChunks        int                 `json:"completedChunks"`
	Error                  string              `json:"error,omitempty"`
}

// Manager owns upload sessions and drives their state machine.
type Manager struct {
	maxFileSize int64
	store       *storage.ChunkStore
	repo        repository.SessionRepository
	logger      *slog.Logger

	// Called after a session transitions to completed. Wired to the job
	// queue so finished transfers are enqueued for processing.
	onComplete func(session *models.UploadSession)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an upload session manager.
func NewManager(maxFileSize int64, store *storage.ChunkStore, repo repository.SessionRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxFileSize: maxFileSize,
		store:       store,
		repo:        repo,
		logger:      logger.With("component", "upload"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// OnComplete registers the completion hook.
func (m *Manager) OnComplete(fn func(session *models.UploadSession)) {
	m.onComplete = fn
}

// lockFor returns the mutex guarding state transitions for one session, so
// a cancel can never race a concurrent chunk append for the same id.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// InitializeUpload validates the declared file and creates a session in
// initialized status with a reserved file path. A positive chunkSize
// records the client's chunk geometry; zero leaves it undeclared.
func (m *Manager) InitializeUpload(fileName string, fileSize int64, mimeType, userID string, chunkSize int64) (*models.UploadSession, error) {
	if fileName == "" {
		return nil, ErrInvalidName
	}
	if fileSize <= 0 || fileSize > m.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrSizeExceeded, fileSize, m.maxFileSize)
	}

	id := uuid.New().String()
	session := models.NewUploadSession(id, fileName, m.store.Path(id), mimeType, userID, fileSize)
	if chunkSize > 0 {
		session.ChunkSize = chunkSize
		session.TotalChunks = int((fileSize + chunkSize - 1) / chunkSize)
	}

	if err := m.repo.Create(session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("upload initialized", "uploadId", id, "fileName", fileName, "fileSize", fileSize)
	return session, nil
}

// ProcessChunk appends chunkBytes to the session's file and updates the
// byte counters. Chunks must arrive in the order they were produced; the
// index is recorded but never used to reorder.
func (m *Manager) ProcessChunk(uploadID string, chunkBytes []byte, chunkIndex int, isLastChunk bool) (*ProgressSnapshot, error) {
	l := m.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	switch session.Status {
	case models.UploadStatusCompleted:
		return nil, ErrAlreadyCompleted
	case models.UploadStatusFailed:
		return nil, ErrAlreadyFailed
	case models.UploadStatusCancelled:
		return nil, ErrAlreadyCancelled
	case models.UploadStatusPaused:
		return nil, ErrSessionPaused
	}

	if session.UploadedBytes+int64(len(chunkBytes)) > session.FileSize {
		return nil, fmt.Errorf("%w: chunk %d overflows declared size", ErrSizeExceeded, chunkIndex)
	}

	if err := m.store.Append(uploadID, chunkBytes); err != nil {
		// Append failure is not retried automatically; the caller must
		// invoke retry explicitly.
		m.logger.Error("chunk append failed", "uploadId", uploadID, "chunkIndex", chunkIndex, "error", err)
		_, _ = m.repo.Update(uploadID, repository.SessionPatch{
			Status: repository.UploadStatus(models.UploadStatusFailed),
			Error:  repository.String(err.Error()),
		})
		return nil, fmt.Errorf("appending chunk %d: %w", chunkIndex, err)
	}

	now := time.Now()
	uploaded := session.UploadedBytes + int64(len(chunkBytes))
	chunks := session.CompletedChunks + 1
	speed := computeSpeed(uploaded, session.CreatedAt, now)
	eta := computeETA(session.FileSize, uploaded, speed)

	patch := repository.SessionPatch{
		Status:                 repository.UploadStatus(models.UploadStatusUploading),
		UploadedBytes:          &uploaded,
		CompletedChunks:        &chunks,
		UploadSpeed:            &speed,
		EstimatedTimeRemaining: &eta,
		LastActivityAt:         &now,
	}

	if isLastChunk {
		if uploaded != session.FileSize {
			msg := fmt.Sprintf("last chunk received with %d of %d declared bytes", uploaded, session.FileSize)
			m.logger.Error("upload size mismatch", "uploadId", uploadID, "uploadedBytes", uploaded, "fileSize", session.FileSize)
			_, _ = m.repo.Update(uploadID, repository.SessionPatch{
				Status:        repository.UploadStatus(models.UploadStatusFailed),
				UploadedBytes: &uploaded,
				Error:         repository.String(msg),
			})
			return nil, fmt.Errorf("upload %s: %s", uploadID, msg)
		}
		patch.Status = repository.UploadStatus(models.UploadStatusCompleted)
		patch.CompletedAt = &now
		eta = 0
		patch.EstimatedTimeRemaining = &eta
	}

	updated, err := m.repo.Update(uploadID, patch)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	if isLastChunk {
		m.logger.Info("upload completed", "uploadId", uploadID, "bytes", uploaded, "chunks", chunks)
		if m.onComplete != nil {
			m.onComplete(updated)
		}
	}

	return snapshot(updated), nil
}

// GetProgress returns a read-only progress snapshot.
func (m *Manager) GetProgress(uploadID string) (*ProgressSnapshot, error) {
	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return snapshot(session), nil
}

// PauseUpload transitions uploading -> paused. Already-paused sessions are
// a no-op; previously accepted chunks remain durable.
func (m *Manager) PauseUpload(uploadID string) (*models.UploadSession, error) {
	l := m.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	switch session.Status {
	case models.UploadStatusPaused:
		return session, nil
	case models.UploadStatusUploading, models.UploadStatusInitialized:
		now := time.Now()
		return m.repo.Update(uploadID, repository.SessionPatch{
			Status:         repository.UploadStatus(models.UploadStatusPaused),
			LastActivityAt: &now,
		})
	default:
		return nil, fmt.Errorf("%w: cannot pause %s session", ErrStateConflict, session.Status)
	}
}

// ResumeUpload transitions paused -> uploading.
func (m *Manager) ResumeUpload(uploadID string) (*models.UploadSession, error) {
	l := m.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	switch session.Status {
	case models.UploadStatusUploading, models.UploadStatusInitialized:
		return session, nil
	case models.UploadStatusPaused:
		now := time.Now()
		return m.repo.Update(uploadID, repository.SessionPatch{
			Status:         repository.UploadStatus(models.UploadStatusUploading),
			LastActivityAt: &now,
		})
	default:
		return nil, fmt.Errorf("%w: cannot resume %s session", ErrStateConflict, session.Status)
	}
}

// CancelUpload deletes the backing file and transitions to cancelled.
// Cancellation is synchronous: the per-id lock guarantees no chunk append
// is in flight while the file is removed.
func (m *Manager) CancelUpload(uploadID string) (*models.UploadSession, error) {
	l := m.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	switch session.Status {
	case models.UploadStatusCancelled:
		return session, nil
	case models.UploadStatusCompleted:
		return nil, ErrAlreadyCompleted
	}

	// Deletion failure is logged, not fatal.
	if err := m.store.Delete(uploadID); err != nil {
		m.logger.Warn("failed to delete upload file", "uploadId", uploadID, "error", err)
	}

	now := time.Now()
	updated, err := m.repo.Update(uploadID, repository.SessionPatch{
		Status:         repository.UploadStatus(models.UploadStatusCancelled),
		CompletedAt:    &now,
		LastActivityAt: &now,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("upload cancelled", "uploadId", uploadID)
	return updated, nil
}

// RetryUpload restarts a failed transfer from the beginning. The backing
// file is truncated so the byte counter and the file on disk always agree.
func (m *Manager) RetryUpload(uploadID string) (*models.UploadSession, error) {
	l := m.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	session, err := m.repo.FindByID(uploadID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	if session.Status != models.UploadStatusFailed {
		return nil, fmt.Errorf("%w: session is %s", ErrNotFailed, session.Status)
	}

	if err := m.store.Truncate(uploadID); err != nil {
		return nil, fmt.Errorf("truncating for retry: %w", err)
	}

	updated, err := m.repo.Update(uploadID, repository.SessionPatch{
		Status:                 repository.UploadStatus(models.UploadStatusUploading),
		UploadedBytes:          repository.Int64(0),
		CompletedChunks:        repository.Int(0),
		UploadSpeed:            repository.Float64(0),
		EstimatedTimeRemaining: repository.Float64(0),
		Error:                  repository.String(""),
		LastActivityAt:         repository.Time(time.Now()),
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("upload retrying from start", "uploadId", uploadID)
	return updated, nil
}

// CleanupExpired removes terminal sessions past the retention window and
// returns how many were removed. Failed sessions lose their partial file.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, s := range m.repo.List() {
		if !s.Terminal() && s.Status != models.UploadStatusFailed {
			continue
		}
		if s.LastActivityAt.After(cutoff) {
			continue
		}

		if s.Status == models.UploadStatusFailed {
			if err := m.store.Delete(s.ID); err != nil {
				m.logger.Warn("failed to delete expired upload file", "uploadId", s.ID, "error", err)
			}
		}
		if err := m.repo.Delete(s.ID); err == nil {
			removed++
		}

		m.mu.Lock()
		delete(m.locks, s.ID)
		m.mu.Unlock()
	}

	if removed > 0 {
		m.logger.Info("expired upload sessions removed", "count", removed)
	}
	return removed
}

func computeSpeed(uploaded int64, createdAt, now time.Time) float64 {
	elapsed := now.Sub(createdAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(uploaded) / elapsed
}

func computeETA(fileSize, uploaded int64, speed float64) float64 {
	if speed <= 0 {
		return 0
	}
	return float64(fileSize-uploaded) / speed
}

func snapshot(s *models.UploadSession) *ProgressSnapshot {
	return &ProgressSnapshot{
		UploadID:               s.ID,
		Status:                 s.Status,
		UploadedBytes:          s.UploadedBytes,
		FileSize:               s.FileSize,
		Progress:               s.Progress(),
		UploadSpeed:            s.UploadSpeed,
		EstimatedTimeRemaining: s.EstimatedTimeRemaining,
		CompletedChunks:        s.CompletedChunks,
		Error:                  s.Error,
	}
}
