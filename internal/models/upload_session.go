package models

import "time"

// UploadStatus represents the lifecycle state of an upload session.
type UploadStatus string

const (
	UploadStatusInitialized UploadStatus = "initialized"
	UploadStatusUploading   UploadStatus = "uploading"
	UploadStatusPaused      UploadStatus = "paused"
	UploadStatusCompleted   UploadStatus = "completed"
	UploadStatusFailed      UploadStatus = "failed"
	UploadStatusCancelled   UploadStatus = "cancelled"
)

// UploadSession represents one resumable file transfer.
type UploadSession struct {
	ID                     string       `json:"id" msgpack:"id"`
	FileName               string       `json:"fileName" msgpack:"fileName"`
	OriginalName           string       `json:"originalName" msgpack:"originalName"`
	FileSize               int64        `json:"fileSize" msgpack:"fileSize"`
	MimeType               string       `json:"mimeType" msgpack:"mimeType"`
	FilePath               string       `json:"filePath" msgpack:"filePath"`
	UserID                 string       `json:"userId,omitempty" msgpack:"userId"`
	Status                 UploadStatus `json:"status" msgpack:"status"`
	UploadedBytes          int64        `json:"uploadedBytes" msgpack:"uploadedBytes"`
	ChunkSize              int64        `json:"chunkSize" msgpack:"chunkSize"`
	TotalChunks            int          `json:"totalChunks,omitempty" msgpack:"totalChunks"`
	CompletedChunks        int          `json:"completedChunks" msgpack:"completedChunks"`
	UploadSpeed            float64      `json:"uploadSpeed" msgpack:"uploadSpeed"`                       // bytes/sec
	EstimatedTimeRemaining float64      `json:"estimatedTimeRemaining" msgpack:"estimatedTimeRemaining"` // seconds
	Error                  string       `json:"error,omitempty" msgpack:"error"`
	CreatedAt              time.Time    `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt              time.Time    `json:"updatedAt" msgpack:"updatedAt"`
	CompletedAt            *time.Time   `json:"completedAt,omitempty" msgpack:"completedAt"`
	LastActivityAt         time.Time    `json:"lastActivityAt" msgpack:"lastActivityAt"`
}

// NewUploadSession creates a session in initialized status with zero bytes uploaded.
func NewUploadSession(id, fileName, filePath, mimeType, userID string, fileSize int64) *UploadSession {
	now := time.Now()
	return &UploadSession{
		ID:             id,
		FileName:       fileName,
		OriginalName:   fileName,
		FileSize:       fileSize,
		MimeType:       mimeType,
		FilePath:       filePath,
		UserID:         userID,
		Status:         UploadStatusInitialized,
		UploadedBytes:  0,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// Terminal reports whether no further mutating transitions are defined,
// except via an explicit retry.
func (s *UploadSession) Terminal() bool {
	return s.Status == UploadStatusCompleted || s.Status == UploadStatusCancelled
}

// Progress returns the upload completion percentage (0-100).
func (s *UploadSession) Progress() float64 {
	if s.Status == UploadStatusCompleted {
		return 100
	}
	if s.FileSize <= 0 {
		return 0
	}
	return float64(s.UploadedBytes) / float64(s.FileSize) * 100
}
