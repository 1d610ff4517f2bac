package processor

import (
	"context"
	"sync"
	"time"
)

// RunStats is a read-only snapshot of one processing run.
type RunStats struct {
	TotalRows              int64     `json:"totalRows"` // 0 until the scan completes
	ProcessedRows          int64     `json:"processedRows"`
	ErrorRows              int64     `json:"errorRows"`
	ProcessingSpeed        float64   `json:"processingSpeed"` // rows/sec
	MemoryUsage            uint64    `json:"memoryUsage"`     // bytes
	StartTime              time.Time `json:"startTime"`
	EstimatedTimeRemaining float64   `json:"estimatedTimeRemaining"` // seconds
}

// runState tracks one in-flight (or most recent) run per job, including
// the cooperative pause/cancel gate checked between rows.
type runState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	stats     RunStats
	paused    bool
	cancelled bool
}

func newRunState() *runState {
	s := &runState{stats: RunStats{StartTime: time.Now()}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// checkpoint blocks while the run is paused and reports whether the run may
// continue. Returns false once cancelled. A cancelled context also unparks
// the wait so shutdown never hangs behind a paused run; the caller is
// expected to check ctx.Err() after a true return.
func (s *runState) checkpoint(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.paused && !s.cancelled && ctx.Err() == nil {
		s.cond.Wait()
	}
	return !s.cancelled
}

// wake unparks any checkpoint waiters without changing run state. It takes
// the lock so a waiter between its predicate check and Wait cannot miss
// the broadcast.
func (s *runState) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *runState) pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *runState) resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *runState) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *runState) update(fn func(st *RunStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *runState) snapshot() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// statsRegistry keys run state by job id. Runs are kept after completion so
// stats stay queryable; a re-run replaces the previous entry.
type statsRegistry struct {
	mu   sync.RWMutex
	runs map[string]*runState
}

func newStatsRegistry() *statsRegistry {
	return &statsRegistry{runs: make(map[string]*runState)}
}

func (r *statsRegistry) start(jobID string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := newRunState()
	r.runs[jobID] = s
	return s
}

func (r *statsRegistry) get(jobID string) (*runState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.runs[jobID]
	return s, ok
}
