// Package processor implements the streaming CSV processor: it pulls rows
// from a finished upload file, runs them through delimiter detection, field
// mapping, transformation rules and validation, and persists progress back
// through the job repository.
//
// Parallelism is across jobs, never within one file's row stream, so rule
// ordering and progress accounting stay deterministic.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/csvgateway/backend/internal/detect"
	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/transform"
)

var (
	ErrFileNotFound = errors.New("csv file not found")
	ErrJobNotFound  = errors.New("processing job not found")
	ErrRunCancelled = errors.New("processing run cancelled")
	ErrNoRunTracked = errors.New("no processing run tracked for job")
)

// Sink receives transformed valid records for delivery downstream.
type Sink interface {
	Write(jobID string, rowNum int64, record map[string]string) error
	Complete(jobID string) error
}

// Options tunes one processor instance. Zero values fall back to defaults.
type Options struct {
	ChunkSize          int           // read buffer, bytes
	MaxMemoryUsage     uint64        // bytes
	ProcessingSpeed    int           // target rows/sec, 0 disables throttling
	DelimiterDetection bool
	EncodingDetection  bool
	MaxRetries         int
	Timeout            time.Duration // advisory, surfaced as a warning
	ProgressInterval   int           // rows between progress persists
	MonitorInterval    time.Duration
	DetectorSample     int // bytes
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:          1 << 20,
		MaxMemoryUsage:     500 << 20,
		ProcessingSpeed:    10000,
		DelimiterDetection: true,
		EncodingDetection:  true,
		MaxRetries:         3,
		Timeout:            300 * time.Second,
		ProgressInterval:   1000,
		MonitorInterval:    5 * time.Second,
		DetectorSample:     detect.DefaultSampleSize,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.MaxMemoryUsage == 0 {
		o.MaxMemoryUsage = def.MaxMemoryUsage
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = def.ProgressInterval
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = def.MonitorInterval
	}
	if o.DetectorSample <= 0 {
		o.DetectorSample = def.DetectorSample
	}
}

// Processor drives CSV processing runs.
type Processor struct {
	jobs     repository.JobRepository
	mappings repository.MappingRepository
	engine   *transform.Engine
	detector *detect.Detector
	sink     Sink // optional
	opts     Options
	runs     *statsRegistry
	logger   *slog.Logger
}

// NewProcessor creates a processor. sink may be nil when no downstream
// delivery is configured.
func NewProcessor(jobs repository.JobRepository, mappings repository.MappingRepository, sink Sink, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Processor{
		jobs:     jobs,
		mappings: mappings,
		engine:   transform.NewEngine(logger),
		detector: detect.NewDetector(opts.DetectorSample),
		sink:     sink,
		opts:     opts,
		runs:     newStatsRegistry(),
		logger:   logger.With("component", "processor"),
	}
}

// ProcessFile runs the full pipeline for one job, re-running the whole pass
// with exponential backoff on stream-fatal errors. Row-level failures never
// reach this loop. After exhausting retries the job is marked failed.
func (p *Processor) ProcessFile(ctx context.Context, jobID, filePath string) error {
	var lastErr error

	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			p.logger.Warn("retrying processing run", "jobId", jobID, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := p.runOnce(ctx, jobID, filePath)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
	}

	_, _ = p.jobs.Update(jobID, repository.JobPatch{
		Status:       repository.JobStatus(models.JobStatusFailed),
		ErrorMessage: repository.String(lastErr.Error()),
		CompletedAt:  repository.Time(time.Now()),
	})
	p.logger.Error("processing failed after retries", "jobId", jobID, "error", lastErr)
	return lastErr
}

// runOnce is one full processing attempt.
func (p *Processor) runOnce(ctx context.Context, jobID, filePath string) (err error) {
	// A panicking parser must not take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panicked: %v", r)
			p.logger.Error("processing run panicked", "jobId", jobID, "panic", r)
		}
	}()

	if _, statErr := os.Stat(filePath); statErr != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}

	job, findErr := p.jobs.FindByID(jobID)
	if findErr != nil {
		return ErrJobNotFound
	}

	// Idempotence for at-least-once delivery: a job already past
	// pending/processing is a no-op, not an error.
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		p.logger.Info("job already settled, skipping", "jobId", jobID, "status", job.Status)
		return nil
	}

	run := p.runs.start(jobID)
	start := time.Now()

	// Unpark a paused checkpoint when the context is cancelled, so
	// shutdown never blocks behind a paused run.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			run.wake()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	// Counters reset at the start of every attempt so a failed attempt
	// never leaks partial counts into a later successful one.
	if _, err := p.jobs.Update(jobID, repository.JobPatch{
		Status:           repository.JobStatus(models.JobStatusProcessing),
		Progress:         repository.Float64(0),
		RecordsProcessed: repository.Int64(0),
		ErrorRows:        repository.Int64(0),
		ErrorMessage:     repository.String(""),
	}); err != nil {
		return fmt.Errorf("marking job processing: %w", err)
	}

	stopMonitor := make(chan struct{})
	go monitorMemory(stopMonitor, p.opts.MonitorInterval, p.opts.MaxMemoryUsage, run, p.logger)
	defer close(stopMonitor)

	delimiter := ','
	if p.opts.DelimiterDetection {
		if det, derr := p.detector.DetectDelimiter(filePath); derr == nil {
			delimiter = det.Delimiter
			p.logger.Info("delimiter detected", "jobId", jobID, "delimiter", string(det.Delimiter), "score", det.Confidence)
		} else {
			p.logger.Warn("delimiter detection failed, defaulting to comma", "jobId", jobID, "error", derr)
		}
	}
	if p.opts.EncodingDetection {
		if enc, eerr := p.detector.DetectEncoding(filePath); eerr == nil {
			p.logger.Info("encoding detected", "jobId", jobID, "encoding", enc.Encoding, "confidence", enc.Confidence)
		}
	}

	var mapping *models.MappingConfig
	if job.MappingID != "" {
		m, merr := p.mappings.FindByID(job.MappingID)
		if merr != nil {
			return fmt.Errorf("loading mapping %s: %w", job.MappingID, merr)
		}
		mapping = m
	}

	reader, rerr := OpenRecords(filePath, delimiter, p.opts.ChunkSize)
	if rerr != nil {
		return rerr
	}
	defer reader.Close()

	headers := reader.Headers()
	if _, err := p.jobs.Update(jobID, repository.JobPatch{CSVHeaders: headers}); err != nil {
		return fmt.Errorf("recording headers: %w", err)
	}

	var rowInterval time.Duration
	if p.opts.ProcessingSpeed > 0 {
		rowInterval = time.Second / time.Duration(p.opts.ProcessingSpeed)
	}

	var processed, errorRows int64
	timeoutWarned := false

	for {
		if !run.checkpoint(ctx) {
			_, _ = p.jobs.Update(jobID, repository.JobPatch{
				Status:           repository.JobStatus(models.JobStatusCancelled),
				RecordsProcessed: &processed,
				ErrorRows:        &errorRows,
				ErrorMessage:     repository.String("cancelled by caller"),
				CompletedAt:      repository.Time(time.Now()),
			})
			p.logger.Info("processing cancelled", "jobId", jobID, "recordsProcessed", processed)
			return ErrRunCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rowStart := time.Now()

		row, nerr := reader.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			return nerr
		}

		var transformWarnings []string
		if mapping != nil {
			row, transformWarnings = p.engine.ApplyRowTransformations(row, mapping)
		}
		result := p.engine.ValidateRow(row)

		processed++
		if !result.Valid || len(transformWarnings) > 0 {
			errorRows++
		}

		if p.sink != nil && result.Valid {
			if serr := p.sink.Write(jobID, processed, row); serr != nil {
				return fmt.Errorf("writing record %d to sink: %w", processed, serr)
			}
		}

		elapsed := time.Since(start).Seconds()
		run.update(func(st *RunStats) {
			st.ProcessedRows = processed
			st.ErrorRows = errorRows
			if elapsed > 0 {
				st.ProcessingSpeed = float64(processed) / elapsed
			}
		})

		if processed%int64(p.opts.ProgressInterval) == 0 {
			p.persistProgress(jobID, job.FileSize, reader.BytesRead(), processed, errorRows, start, run)

			if !timeoutWarned && p.opts.Timeout > 0 && time.Since(start) > p.opts.Timeout {
				p.logger.Warn("processing exceeded advisory timeout", "jobId", jobID, "timeout", p.opts.Timeout)
				timeoutWarned = true
			}
		}

		if rowInterval > 0 {
			if sleep := rowInterval - time.Since(rowStart); sleep > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
				}
			}
		}
	}

	now := time.Now()
	progress := 100.0
	processingMs := now.Sub(start).Milliseconds()
	if _, err := p.jobs.Update(jobID, repository.JobPatch{
		Status:                 repository.JobStatus(models.JobStatusCompleted),
		Progress:               &progress,
		RecordsProcessed:       &processed,
		TotalRecords:           &processed,
		ErrorRows:              &errorRows,
		ProcessingTimeMs:       &processingMs,
		EstimatedTimeRemaining: repository.Float64(0),
		CompletedAt:            &now,
	}); err != nil {
		return fmt.Errorf("marking job completed: %w", err)
	}

	if p.sink != nil {
		if serr := p.sink.Complete(jobID); serr != nil {
			p.logger.Warn("sink completion failed", "jobId", jobID, "error", serr)
		}
	}

	run.update(func(st *RunStats) {
		st.TotalRows = processed
		st.EstimatedTimeRemaining = 0
	})

	p.logger.Info("processing completed", "jobId", jobID,
		"recordsProcessed", processed, "errorRows", errorRows, "duration", now.Sub(start))
	return nil
}

// persistProgress writes the periodic progress patch. With the row total
// unknown until the scan completes, progress is best-effort from byte
// position.
func (p *Processor) persistProgress(jobID string, fileSize, bytesRead, processed, errorRows int64, start time.Time, run *runState) {
	elapsed := time.Since(start).Seconds()

	var progress, eta float64
	if fileSize > 0 && bytesRead > 0 {
		progress = float64(bytesRead) / float64(fileSize) * 100
		if progress > 99 {
			progress = 99
		}
		if elapsed > 0 {
			byteRate := float64(bytesRead) / elapsed
			if byteRate > 0 {
				eta = float64(fileSize-bytesRead) / byteRate
				if eta < 0 {
					eta = 0
				}
			}
		}
	}

	run.update(func(st *RunStats) {
		st.EstimatedTimeRemaining = eta
	})

	_, _ = p.jobs.Update(jobID, repository.JobPatch{
		Progress:               &progress,
		RecordsProcessed:       &processed,
		ErrorRows:              &errorRows,
		EstimatedTimeRemaining: &eta,
	})
}

// Stats returns the tracked run snapshot for a job, or ErrNoRunTracked —
// distinct from a zero-value result.
func (p *Processor) Stats(jobID string) (RunStats, error) {
	run, ok := p.runs.get(jobID)
	if !ok {
		return RunStats{}, ErrNoRunTracked
	}
	return run.snapshot(), nil
}

// PauseProcessing parks the job's row loop at the next row boundary.
func (p *Processor) PauseProcessing(jobID string) error {
	run, ok := p.runs.get(jobID)
	if !ok {
		return ErrNoRunTracked
	}
	run.pause()
	p.logger.Info("processing paused", "jobId", jobID)
	return nil
}

// ResumeProcessing releases a paused row loop.
func (p *Processor) ResumeProcessing(jobID string) error {
	run, ok := p.runs.get(jobID)
	if !ok {
		return ErrNoRunTracked
	}
	run.resume()
	p.logger.Info("processing resumed", "jobId", jobID)
	return nil
}

// CancelProcessing stops a running job cooperatively at row granularity.
func (p *Processor) CancelProcessing(jobID string) error {
	run, ok := p.runs.get(jobID)
	if !ok {
		return ErrNoRunTracked
	}
	run.cancel()
	return nil
}
