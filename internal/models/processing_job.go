package models

import "time"

// JobStatus represents the status of a processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ProcessingJob represents one file's transformation run, independent of
// how the file arrived.
type ProcessingJob struct {
	ID                     string     `json:"id" msgpack:"id"`
	UserID                 string     `json:"userId,omitempty" msgpack:"userId"`
	FileName               string     `json:"fileName" msgpack:"fileName"`
	FilePath               string     `json:"filePath" msgpack:"filePath"`
	FileSize               int64      `json:"fileSize" msgpack:"fileSize"`
	Status                 JobStatus  `json:"status" msgpack:"status"`
	Progress               float64    `json:"progress" msgpack:"progress"` // 0-100
	RecordsProcessed       int64      `json:"recordsProcessed" msgpack:"recordsProcessed"`
	TotalRecords           int64      `json:"totalRecords,omitempty" msgpack:"totalRecords"` // 0 until known
	ErrorRows              int64      `json:"errorRows" msgpack:"errorRows"`
	CSVHeaders             []string   `json:"csvHeaders,omitempty" msgpack:"csvHeaders"`
	ErrorMessage           string     `json:"errorMessage,omitempty" msgpack:"errorMessage"`
	ProcessingTimeMs       int64      `json:"processingTimeMs,omitempty" msgpack:"processingTimeMs"`
	EstimatedTimeRemaining float64    `json:"estimatedTimeRemaining,omitempty" msgpack:"estimatedTimeRemaining"` // seconds
	MappingID              string     `json:"mappingId,omitempty" msgpack:"mappingId"`
	CreatedAt              time.Time  `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt" msgpack:"updatedAt"`
	CompletedAt            *time.Time `json:"completedAt,omitempty" msgpack:"completedAt"`
}

// NewProcessingJob creates a job in pending status.
func NewProcessingJob(id, userID, fileName, filePath string, fileSize int64, mappingID string) *ProcessingJob {
	now := time.Now()
	return &ProcessingJob{
		ID:        id,
		UserID:    userID,
		FileName:  fileName,
		FilePath:  filePath,
		FileSize:  fileSize,
		Status:    JobStatusPending,
		MappingID: mappingID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the job reached a final status.
func (j *ProcessingJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
