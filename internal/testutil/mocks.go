// Package testutil provides shared test doubles and fixtures.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/csvgateway/backend/internal/models"
)

// MemorySink collects delivered records in memory. Implements
// processor.Sink.
type MemorySink struct {
	mu        sync.Mutex
	records   map[string][]map[string]string
	completed map[string]bool

	// FailWrites makes the next n Write calls fail, then succeed.
	FailWrites int
}

// NewMemorySink creates an empty collecting sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records:   make(map[string][]map[string]string),
		completed: make(map[string]bool),
	}
}

// Write records one delivered row.
func (s *MemorySink) Write(jobID string, rowNum int64, record map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites > 0 {
		s.FailWrites--
		return fmt.Errorf("simulated sink failure at row %d", rowNum)
	}

	cp := make(map[string]string, len(record))
	for k, v := range record {
		cp[k] = v
	}
	s.records[jobID] = append(s.records[jobID], cp)
	return nil
}

// Complete marks the job's delivery as finished.
func (s *MemorySink) Complete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[jobID] = true
	return nil
}

// Records returns the rows delivered for a job.
func (s *MemorySink) Records(jobID string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.records[jobID]...)
}

// Completed reports whether Complete was called for the job.
func (s *MemorySink) Completed(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[jobID]
}

// StaticMappingRepository serves mapping configs from a fixed table.
// Implements repository.MappingRepository.
type StaticMappingRepository struct {
	Configs map[string]*models.MappingConfig
}

// FindByID returns the config or an error when absent.
func (r *StaticMappingRepository) FindByID(id string) (*models.MappingConfig, error) {
	cfg, ok := r.Configs[id]
	if !ok {
		return nil, fmt.Errorf("mapping config %s not found", id)
	}
	return cfg, nil
}

// WriteTempCSV writes content to a file in a per-test temp directory and
// returns its path.
func WriteTempCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test csv: %v", err)
	}
	return path
}
