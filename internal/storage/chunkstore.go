// Package storage implements the append-only chunk store backing upload
// sessions. Each upload id owns exactly one file under the upload directory;
// appends for one id are strictly serialized, different ids proceed in
// parallel.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChunkStore writes chunk bytes to per-upload files on the local filesystem.
type ChunkStore struct {
	uploadDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewChunkStore creates a ChunkStore rooted at uploadDir.
func NewChunkStore(uploadDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &ChunkStore{
		uploadDir: uploadDir,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serializing writes for one upload id.
func (s *ChunkStore) lockFor(uploadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[uploadID] = l
	}
	return l
}

// Path returns the file path reserved for the given upload id.
func (s *ChunkStore) Path(uploadID string) string {
	return filepath.Join(s.uploadDir, uploadID)
}

// Append durably appends data to the upload's file. Appends for the same id
// never interleave at the byte level.
func (s *ChunkStore) Append(uploadID string, data []byte) error {
	l := s.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.Path(uploadID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening upload file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending chunk: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing chunk: %w", err)
	}

	return f.Close()
}

// Truncate resets the upload's file to zero bytes. Used when a failed
// transfer is retried from the beginning.
func (s *ChunkStore) Truncate(uploadID string) error {
	l := s.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	if err := os.Truncate(s.Path(uploadID), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncating upload file: %w", err)
	}
	return nil
}

// Size returns the current on-disk size of the upload's file.
func (s *ChunkStore) Size(uploadID string) (int64, error) {
	info, err := os.Stat(s.Path(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether a file exists at the given path.
func (s *ChunkStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes the upload's file. Missing files are not an error.
func (s *ChunkStore) Delete(uploadID string) error {
	l := s.lockFor(uploadID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.Path(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting upload file: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, uploadID)
	s.mu.Unlock()

	return nil
}
