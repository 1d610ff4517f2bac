package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/csvgateway/backend/internal/models"
)

// MemorySessionRepository keeps sessions in an id-keyed table guarded by a
// mutex and snapshots the table to disk with msgpack after every mutation,
// so in-flight sessions survive a process restart. An empty snapshot path
// disables persistence.
type MemorySessionRepository struct {
	mu           sync.RWMutex
	sessions     map[string]*models.UploadSession
	snapshotPath string
}

// NewSessionRepository creates a session repository, loading any existing
// snapshot from snapshotPath.
func NewSessionRepository(snapshotPath string) (*MemorySessionRepository, error) {
	r := &MemorySessionRepository{
		sessions:     make(map[string]*models.UploadSession),
		snapshotPath: snapshotPath,
	}
	if err := loadSnapshot(snapshotPath, &r.sessions); err != nil {
		return nil, fmt.Errorf("loading session snapshot: %w", err)
	}
	return r, nil
}

// Create stores a new session.
func (r *MemorySessionRepository) Create(session *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	cp := *session
	r.sessions[session.ID] = &cp
	return saveSnapshot(r.snapshotPath, r.sessions)
}

// FindByID returns a copy of the session, or ErrNotFound.
func (r *MemorySessionRepository) FindByID(id string) (*models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Update merges the patch into the stored session and returns the result.
func (r *MemorySessionRepository) Update(id string, patch SessionPatch) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.UploadedBytes != nil {
		s.UploadedBytes = *patch.UploadedBytes
	}
	if patch.CompletedChunks != nil {
		s.CompletedChunks = *patch.CompletedChunks
	}
	if patch.TotalChunks != nil {
		s.TotalChunks = *patch.TotalChunks
	}
	if patch.UploadSpeed != nil {
		s.UploadSpeed = *patch.UploadSpeed
	}
	if patch.EstimatedTimeRemaining != nil {
		s.EstimatedTimeRemaining = *patch.EstimatedTimeRemaining
	}
	if patch.Error != nil {
		s.Error = *patch.Error
	}
	if patch.CompletedAt != nil {
		s.CompletedAt = patch.CompletedAt
	}
	if patch.LastActivityAt != nil {
		s.LastActivityAt = *patch.LastActivityAt
	}
	s.UpdatedAt = time.Now()

	if err := saveSnapshot(r.snapshotPath, r.sessions); err != nil {
		return nil, err
	}

	cp := *s
	return &cp, nil
}

// Delete removes a session record.
func (r *MemorySessionRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return saveSnapshot(r.snapshotPath, r.sessions)
}

// List returns copies of all sessions, newest first.
func (r *MemorySessionRepository) List() []*models.UploadSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.UploadSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// MemoryJobRepository is the job counterpart of MemorySessionRepository.
type MemoryJobRepository struct {
	mu           sync.RWMutex
	jobs         map[string]*models.ProcessingJob
	snapshotPath string
}

// NewJobRepository creates a job repository, loading any existing snapshot.
func NewJobRepository(snapshotPath string) (*MemoryJobRepository, error) {
	r := &MemoryJobRepository{
		jobs:         make(map[string]*models.ProcessingJob),
		snapshotPath: snapshotPath,
	}
	if err := loadSnapshot(snapshotPath, &r.jobs); err != nil {
		return nil, fmt.Errorf("loading job snapshot: %w", err)
	}
	return r, nil
}

// Create stores a new job.
func (r *MemoryJobRepository) Create(job *models.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	cp := *job
	r.jobs[job.ID] = &cp
	return saveSnapshot(r.snapshotPath, r.jobs)
}

// FindByID returns a copy of the job, or ErrNotFound.
func (r *MemoryJobRepository) FindByID(id string) (*models.ProcessingJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// Update merges the patch into the stored job. The status transition and
// its companion fields land in one critical section, so a reader never
// observes a completed job with a stale counter from an earlier attempt.
func (r *MemoryJobRepository) Update(id string, patch JobPatch) (*models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.RecordsProcessed != nil {
		j.RecordsProcessed = *patch.RecordsProcessed
	}
	if patch.TotalRecords != nil {
		j.TotalRecords = *patch.TotalRecords
	}
	if patch.ErrorRows != nil {
		j.ErrorRows = *patch.ErrorRows
	}
	if patch.CSVHeaders != nil {
		j.CSVHeaders = patch.CSVHeaders
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ProcessingTimeMs != nil {
		j.ProcessingTimeMs = *patch.ProcessingTimeMs
	}
	if patch.EstimatedTimeRemaining != nil {
		j.EstimatedTimeRemaining = *patch.EstimatedTimeRemaining
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	j.UpdatedAt = time.Now()

	if err := saveSnapshot(r.snapshotPath, r.jobs); err != nil {
		return nil, err
	}

	cp := *j
	return &cp, nil
}

// List returns copies of all jobs, newest first.
func (r *MemoryJobRepository) List() []*models.ProcessingJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.ProcessingJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		cp := *j
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// CountByStatus returns current job counts per status.
func (r *MemoryJobRepository) CountByStatus() map[models.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts
}

// Snapshot helpers

func saveSnapshot[T any](path string, table map[string]*T) error {
	if path == "" {
		return nil
	}

	data, err := msgpack.Marshal(table)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func loadSnapshot[T any](path string, table *map[string]*T) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := msgpack.Unmarshal(data, table); err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}
