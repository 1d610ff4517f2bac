// Package queue dispatches processing jobs to a bounded worker pool with
// rate-limited admission and exponential-backoff retry. Queue retries sit
// above the processor's internal retries: the processor handles
// intra-attempt resilience, the queue re-admits a job after a full
// processor failure.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/repository"
)

var (
	ErrQueueClosed  = errors.New("job queue is closed")
	ErrJobNotQueued = errors.New("job is not waiting in the queue")
)

// Runner executes one processing pass end-to-end. Implemented by the
// streaming CSV processor.
type Runner interface {
	ProcessFile(ctx context.Context, jobID, filePath string) error
}

// Descriptor is a request to process one file.
type Descriptor struct {
	UserID    string        `json:"userId,omitempty"`
	FileName  string        `json:"fileName"`
	FilePath  string        `json:"filePath"`
	FileSize  int64         `json:"fileSize"`
	MappingID string        `json:"mappingId,omitempty"`
	Priority  int           `json:"priority,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
}

// Config tunes the queue.
type Config struct {
	Concurrency     int           // worker count
	RateLimit       int           // job starts per window
	RateWindow      time.Duration // rolling window for RateLimit
	RetryAttempts   int           // full re-admissions after processor failure
	RetryBackoff    time.Duration // base backoff, doubled per attempt
	PendingCapacity int           // buffered channel size
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		RateLimit:       10,
		RateWindow:      time.Minute,
		RetryAttempts:   3,
		RetryBackoff:    2 * time.Second,
		PendingCapacity: 1024,
	}
}

type task struct {
	jobID    string
	filePath string
	priority int
	attempt  int
}

// Stats is a point-in-time view of queue depth. Counts are computed from
// the live counters and the job repository at call time, never cached.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Queue accepts processing requests and drives the worker pool.
type Queue struct {
	cfg     Config
	jobs    repository.JobRepository
	runner  Runner
	limiter *rate.Limiter
	logger  *slog.Logger

	pending chan task

	mu        sync.Mutex
	waiting   int
	active    int
	delayed   int
	cancelled map[string]bool
	closed    bool

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New creates a queue. Call Start before enqueueing.
func New(cfg Config, jobs repository.JobRepository, runner Runner, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = 1024
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	// Admission is decoupled from worker count: the limiter caps how fast
	// new jobs are started regardless of how many run at once.
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	}

	return &Queue{
		cfg:       cfg,
		jobs:      jobs,
		runner:    runner,
		limiter:   limiter,
		logger:    logger.With("component", "queue"),
		pending:   make(chan task, cfg.PendingCapacity),
		cancelled: make(map[string]bool),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.g, ctx = errgroup.WithContext(ctx)

	for i := 0; i < q.cfg.Concurrency; i++ {
		worker := i
		q.g.Go(func() error {
			q.workerLoop(ctx, worker)
			return nil
		})
	}

	q.logger.Info("queue started", "concurrency", q.cfg.Concurrency, "rateLimit", q.cfg.RateLimit)
}

// Close stops accepting work and waits for in-flight jobs to finish their
// current row loop.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	if q.g != nil {
		return q.g.Wait()
	}
	return nil
}

// Enqueue persists a new job record and admits it to the pending channel.
// Returns the job id as the caller's handle.
func (q *Queue) Enqueue(desc Descriptor) (*models.ProcessingJob, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	job := models.NewProcessingJob(uuid.New().String(), desc.UserID, desc.FileName, desc.FilePath, desc.FileSize, desc.MappingID)
	if err := q.jobs.Create(job); err != nil {
		return nil, err
	}

	t := task{jobID: job.ID, filePath: desc.FilePath, priority: desc.Priority}

	if desc.Delay > 0 {
		q.mu.Lock()
		q.delayed++
		q.mu.Unlock()

		go func() {
			time.Sleep(desc.Delay)
			q.mu.Lock()
			q.delayed--
			q.mu.Unlock()
			q.push(t)
		}()
	} else {
		q.push(t)
	}

	q.logger.Info("job enqueued", "jobId", job.ID, "fileName", desc.FileName, "delay", desc.Delay)
	return job, nil
}

func (q *Queue) push(t task) {
	q.mu.Lock()
	q.waiting++
	q.mu.Unlock()
	q.pending <- t
}

// Cancel removes a not-yet-started job from the queue. It has no effect on
// a running job; a running processor is cancelled through its own surface.
func (q *Queue) Cancel(jobID string) error {
	job, err := q.jobs.FindByID(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return ErrJobNotQueued
	}

	q.mu.Lock()
	q.cancelled[jobID] = true
	q.mu.Unlock()

	_, err = q.jobs.Update(jobID, repository.JobPatch{
		Status:      repository.JobStatus(models.JobStatusCancelled),
		CompletedAt: repository.Time(time.Now()),
	})
	if err != nil {
		return err
	}

	q.logger.Info("queued job cancelled", "jobId", jobID)
	return nil
}

// GetQueueStats returns true current counts.
func (q *Queue) GetQueueStats() Stats {
	q.mu.Lock()
	waiting, active, delayed := q.waiting, q.active, q.delayed
	q.mu.Unlock()

	counts := q.jobs.CountByStatus()
	return Stats{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: counts[models.JobStatusCompleted],
		Failed:    counts[models.JobStatusFailed],
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.pending:
			q.mu.Lock()
			q.waiting--
			skip := q.cancelled[t.jobID]
			if skip {
				delete(q.cancelled, t.jobID)
			}
			q.mu.Unlock()

			if skip {
				continue
			}

			if q.limiter != nil {
				if err := q.limiter.Wait(ctx); err != nil {
					return
				}
			}

			q.mu.Lock()
			q.active++
			q.mu.Unlock()

			q.runTask(ctx, worker, t)

			q.mu.Lock()
			q.active--
			q.mu.Unlock()
		}
	}
}

// runTask executes one admission of a job, including queue-level retry.
func (q *Queue) runTask(ctx context.Context, worker int, t task) {
	// Coarse start marker, layered under the processor's fine-grained
	// progress cadence.
	_, _ = q.jobs.Update(t.jobID, repository.JobPatch{Progress: repository.Float64(10)})

	q.logger.Info("job started", "jobId", t.jobID, "worker", worker, "attempt", t.attempt)

	err := q.runner.ProcessFile(ctx, t.jobID, t.filePath)
	if err == nil {
		_, _ = q.jobs.Update(t.jobID, repository.JobPatch{Progress: repository.Float64(100)})
		return
	}
	if ctx.Err() != nil {
		return
	}

	if t.attempt >= q.cfg.RetryAttempts {
		// The processor already marked the job failed; nothing is ever
		// silently dropped.
		q.logger.Error("job exhausted queue retries", "jobId", t.jobID, "attempts", t.attempt+1, "error", err)
		return
	}

	backoff := time.Duration(math.Pow(2, float64(t.attempt))) * q.cfg.RetryBackoff
	q.logger.Warn("job re-admitted after failure", "jobId", t.jobID, "attempt", t.attempt+1, "backoff", backoff, "error", err)

	// The processor leaves a failed job terminal; reset it to pending so
	// the re-run's idempotence check lets it through.
	_, _ = q.jobs.Update(t.jobID, repository.JobPatch{
		Status:       repository.JobStatus(models.JobStatusPending),
		ErrorMessage: repository.String(""),
	})

	next := task{jobID: t.jobID, filePath: t.filePath, priority: t.priority, attempt: t.attempt + 1}

	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		q.mu.Lock()
		q.delayed--
		q.mu.Unlock()
		q.push(next)
	}()
}
