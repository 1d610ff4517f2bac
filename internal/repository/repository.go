// Package repository provides the persistence boundary for upload sessions,
// processing jobs and mapping configs. Updates are merges: a patch only
// touches the fields it carries, concurrently-unset fields are never
// clobbered.
package repository

import (
	"errors"
	"time"

	"github.com/csvgateway/backend/internal/models"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("record not found")

// SessionPatch is a partial update for an UploadSession. Nil fields are
// left untouched.
type SessionPatch struct {
	Status                 *models.UploadStatus
	UploadedBytes          *int64
	CompletedChunks        *int
	TotalChunks            *int
	UploadSpeed            *float64
	EstimatedTimeRemaining *float64
	Error                  *string
	CompletedAt            *time.Time
	LastActivityAt         *time.Time
}

// JobPatch is a partial update for a ProcessingJob. Nil fields are left
// untouched.
type JobPatch struct {
	Status                 *models.JobStatus
	Progress               *float64
	RecordsProcessed       *int64
	TotalRecords           *int64
	ErrorRows              *int64
	CSVHeaders             []string
	ErrorMessage           *string
	ProcessingTimeMs       *int64
	EstimatedTimeRemaining *float64
	CompletedAt            *time.Time
}

// SessionRepository stores upload sessions.
type SessionRepository interface {
	Create(session *models.UploadSession) error
	FindByID(id string) (*models.UploadSession, error)
	Update(id string, patch SessionPatch) (*models.UploadSession, error)
	Delete(id string) error
	List() []*models.UploadSession
}

// JobRepository stores processing jobs.
type JobRepository interface {
	Create(job *models.ProcessingJob) error
	FindByID(id string) (*models.ProcessingJob, error)
	Update(id string, patch JobPatch) (*models.ProcessingJob, error)
	List() []*models.ProcessingJob
	CountByStatus() map[models.JobStatus]int
}

// MappingRepository resolves mapping configs. Read path only for this core.
type MappingRepository interface {
	FindByID(id string) (*models.MappingConfig, error)
}

// Pointer helpers for building patches.

func String(v string) *string                                 { return &v }
func Int(v int) *int                                          { return &v }
func Int64(v int64) *int64                                    { return &v }
func Float64(v float64) *float64                              { return &v }
func Time(v time.Time) *time.Time                             { return &v }
func UploadStatus(v models.UploadStatus) *models.UploadStatus { return &v }
func JobStatus(v models.JobStatus) *models.JobStatus          { return &v }
