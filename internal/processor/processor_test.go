package processor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/testutil"
)

func fastOptions() Options {
	return Options{
		ProcessingSpeed:    0, // no throttling
		DelimiterDetection: true,
		EncodingDetection:  true,
		MaxRetries:         0,
		ProgressInterval:   2,
		MonitorInterval:    time.Minute,
	}
}

func newTestJob(t *testing.T, repo repository.JobRepository, path, mappingID string) *models.ProcessingJob {
	t.Helper()
	job := models.NewProcessingJob("job-1", "u1", "data.csv", path, 0, mappingID)
	if err := repo.Create(job); err != nil {
		t.Fatalf("Create job: %v", err)
	}
	return job
}

func TestProcessFile_HappyPath(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "name,city\nalice,oslo\nbob,rome\ncarol,lima\n")

	jobs, _ := repository.NewJobRepository("")
	sink := testutil.NewMemorySink()
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, sink, fastOptions(), nil)

	job := newTestJob(t, jobs, path, "")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	final, err := jobs.FindByID(job.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.RecordsProcessed != 3 || final.TotalRecords != 3 {
		t.Errorf("expected 3 records, got processed=%d total=%d", final.RecordsProcessed, final.TotalRecords)
	}
	if final.ErrorRows != 0 {
		t.Errorf("expected no error rows, got %d", final.ErrorRows)
	}
	if final.Progress != 100 {
		t.Errorf("expected progress 100, got %.2f", final.Progress)
	}
	if len(final.CSVHeaders) != 2 || final.CSVHeaders[0] != "name" {
		t.Errorf("expected parsed headers, got %v", final.CSVHeaders)
	}
	if final.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}

	records := sink.Records(job.ID)
	if len(records) != 3 {
		t.Fatalf("expected 3 delivered records, got %d", len(records))
	}
	if records[0]["name"] != "alice" || records[0]["city"] != "oslo" {
		t.Errorf("unexpected first record: %v", records[0])
	}
	if !sink.Completed(job.ID) {
		t.Error("expected sink completion callback")
	}
}

func TestProcessFile_SemicolonDelimiter(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "name;city\nalice;oslo\nbob;rome\n")

	jobs, _ := repository.NewJobRepository("")
	sink := testutil.NewMemorySink()
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, sink, fastOptions(), nil)

	job := newTestJob(t, jobs, path, "")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	records := sink.Records(job.ID)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1]["city"] != "rome" {
		t.Errorf("semicolon file parsed wrong: %v", records[1])
	}
}

func TestProcessFile_CoercionFailureCountsErrorRow(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "name,amount\nalice,10\nbob,not-a-number\ncarol,30\n")

	mappings := &testutil.StaticMappingRepository{
		Configs: map[string]*models.MappingConfig{
			"orders": {
				ID: "orders",
				Rules: []models.TransformationRule{
					{
						Type:        models.RuleDataType,
						SourceField: "amount",
						TargetType:  models.TypeNumber,
						Order:       1,
						IsActive:    true,
					},
				},
			},
		},
	}

	jobs, _ := repository.NewJobRepository("")
	sink := testutil.NewMemorySink()
	p := NewProcessor(jobs, mappings, sink, fastOptions(), nil)

	job := newTestJob(t, jobs, path, "orders")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Fatalf("row-level failure must not fail the job: %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.RecordsProcessed != 3 {
		t.Errorf("expected all 3 rows processed, got %d", final.RecordsProcessed)
	}
	if final.ErrorRows != 1 {
		t.Errorf("expected 1 error row, got %d", final.ErrorRows)
	}

	// The bad row keeps its original value and still flows downstream.
	records := sink.Records(job.ID)
	if len(records) != 3 {
		t.Fatalf("expected 3 delivered records, got %d", len(records))
	}
	if records[1]["amount"] != "not-a-number" {
		t.Errorf("expected original value kept, got %q", records[1]["amount"])
	}
}

func TestProcessFile_MissingMappingFailsJob(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a,b\n1,2\n")

	jobs, _ := repository.NewJobRepository("")
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, fastOptions(), nil)

	job := newTestJob(t, jobs, path, "does-not-exist")
	if err := p.ProcessFile(context.Background(), job.ID, path); err == nil {
		t.Fatal("expected error for missing mapping config")
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusFailed {
		t.Errorf("expected failed status, got %s", final.Status)
	}
	if final.ErrorMessage == "" {
		t.Error("expected error message on failed job")
	}
}

func TestProcessFile_MissingFile(t *testing.T) {
	jobs, _ := repository.NewJobRepository("")
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, fastOptions(), nil)

	job := newTestJob(t, jobs, "/nonexistent/data.csv", "")
	err := p.ProcessFile(context.Background(), job.ID, "/nonexistent/data.csv")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusFailed {
		t.Errorf("expected failed status, got %s", final.Status)
	}
}

func TestProcessFile_SettledJobIsNoOp(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n1\n2\n")

	jobs, _ := repository.NewJobRepository("")
	sink := testutil.NewMemorySink()
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, sink, fastOptions(), nil)

	job := newTestJob(t, jobs, path, "")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := jobs.FindByID(job.ID)

	// At-least-once delivery may hand the same job over twice.
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := jobs.FindByID(job.ID)

	if second.RecordsProcessed != first.RecordsProcessed {
		t.Errorf("re-run double-counted records: %d vs %d", second.RecordsProcessed, first.RecordsProcessed)
	}
	if got := len(sink.Records(job.ID)); got != 2 {
		t.Errorf("expected 2 delivered records after duplicate run, got %d", got)
	}
}

func TestProcessFile_RetrySucceedsWithCleanCounters(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n1\n2\n3\n")

	jobs, _ := repository.NewJobRepository("")
	sink := testutil.NewMemorySink()
	sink.FailWrites = 1 // first attempt dies on its first delivery

	opts := fastOptions()
	opts.MaxRetries = 1
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, sink, opts, nil)

	job := newTestJob(t, jobs, path, "")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("expected second attempt to succeed: %v", err)
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	// Counters reflect the successful attempt only.
	if final.RecordsProcessed != 3 {
		t.Errorf("expected 3 records from the clean attempt, got %d", final.RecordsProcessed)
	}
	if got := len(sink.Records(job.ID)); got != 3 {
		t.Errorf("expected 3 delivered records, got %d", got)
	}
}

func TestCancelProcessing(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n"+repeatRows(2000))

	jobs, _ := repository.NewJobRepository("")
	opts := fastOptions()
	opts.ProcessingSpeed = 200 // 5ms per row keeps the run alive long enough
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, opts, nil)

	job := newTestJob(t, jobs, path, "")

	done := make(chan error, 1)
	go func() { done <- p.ProcessFile(context.Background(), job.ID, path) }()

	time.Sleep(50 * time.Millisecond)
	if err := p.CancelProcessing(job.ID); err != nil {
		t.Fatalf("CancelProcessing: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRunCancelled) {
			t.Fatalf("expected ErrRunCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled status, got %s", final.Status)
	}
	if final.RecordsProcessed >= 2000 {
		t.Errorf("expected a partial run, got %d records", final.RecordsProcessed)
	}
}

func TestPauseAndResumeProcessing(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n"+repeatRows(300))

	jobs, _ := repository.NewJobRepository("")
	opts := fastOptions()
	opts.ProcessingSpeed = 1000
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, opts, nil)

	job := newTestJob(t, jobs, path, "")

	done := make(chan error, 1)
	go func() { done <- p.ProcessFile(context.Background(), job.ID, path) }()

	time.Sleep(30 * time.Millisecond)
	if err := p.PauseProcessing(job.ID); err != nil {
		t.Fatalf("PauseProcessing: %v", err)
	}

	// Give the loop a moment to reach the checkpoint, then confirm the
	// counters stop moving.
	time.Sleep(30 * time.Millisecond)
	before, err := p.Stats(job.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	after, _ := p.Stats(job.ID)
	if after.ProcessedRows != before.ProcessedRows {
		t.Errorf("rows advanced while paused: %d -> %d", before.ProcessedRows, after.ProcessedRows)
	}

	if err := p.ResumeProcessing(job.ID); err != nil {
		t.Fatalf("ResumeProcessing: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed after resume: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after resume")
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Errorf("expected completed after resume, got %s", final.Status)
	}
	if final.RecordsProcessed != 300 {
		t.Errorf("expected all 300 rows, got %d", final.RecordsProcessed)
	}
}

func TestContextCancellationUnparksPausedRun(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n"+repeatRows(2000))

	jobs, _ := repository.NewJobRepository("")
	opts := fastOptions()
	opts.ProcessingSpeed = 200
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, opts, nil)

	job := newTestJob(t, jobs, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessFile(ctx, job.ID, path) }()

	time.Sleep(50 * time.Millisecond)
	if err := p.PauseProcessing(job.ID); err != nil {
		t.Fatalf("PauseProcessing: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// Shutdown cancels the context; the paused row loop must wake up and
	// return rather than wait for a resume that will never come.
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("paused run still blocked after context cancellation")
	}
}

func TestMemoryMonitor_NearCeilingWarnsWithoutAborting(t *testing.T) {
	// A 1-byte ceiling puts every sample over the 90% threshold, so the
	// GC-hint branch runs on each tick.
	run := newRunState()
	stop := make(chan struct{})
	go monitorMemory(stop, time.Millisecond, 1, run, slog.Default())

	deadline := time.Now().Add(2 * time.Second)
	for run.snapshot().MemoryUsage == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(stop)

	if run.snapshot().MemoryUsage == 0 {
		t.Fatal("monitor never sampled heap usage")
	}
}

func TestProcessFile_TinyMemoryCeilingStillCompletes(t *testing.T) {
	path := testutil.WriteTempCSV(t, "data.csv", "a\n"+repeatRows(100))

	jobs, _ := repository.NewJobRepository("")
	opts := fastOptions()
	opts.MaxMemoryUsage = 1 // every tick trips the warning
	opts.MonitorInterval = time.Millisecond
	opts.ProcessingSpeed = 5000
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, opts, nil)

	job := newTestJob(t, jobs, path, "")
	if err := p.ProcessFile(context.Background(), job.ID, path); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}

	final, _ := jobs.FindByID(job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Errorf("memory pressure must degrade, not abort: got %s", final.Status)
	}
	if final.RecordsProcessed != 100 {
		t.Errorf("expected all 100 rows, got %d", final.RecordsProcessed)
	}
}

func TestStats_UnknownJob(t *testing.T) {
	jobs, _ := repository.NewJobRepository("")
	p := NewProcessor(jobs, &testutil.StaticMappingRepository{}, nil, fastOptions(), nil)

	if _, err := p.Stats("nope"); !errors.Is(err, ErrNoRunTracked) {
		t.Errorf("expected ErrNoRunTracked, got %v", err)
	}
}

func repeatRows(n int) string {
	buf := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		buf = append(buf, '1', '\n')
	}
	return string(buf)
}
