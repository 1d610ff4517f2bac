package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/processor"
	"github.com/csvgateway/backend/internal/queue"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/testutil"
)

type jobTestEnv struct {
	jobs  *repository.MemoryJobRepository
	queue *queue.Queue
	h     JobHandler
}

func newJobTestEnv(t *testing.T) *jobTestEnv {
	t.Helper()

	jobs, err := repository.NewJobRepository("")
	if err != nil {
		t.Fatalf("NewJobRepository: %v", err)
	}

	opts := processor.DefaultOptions()
	opts.ProcessingSpeed = 0
	opts.MaxRetries = 0
	proc := processor.NewProcessor(jobs, &testutil.StaticMappingRepository{}, testutil.NewMemorySink(), opts, nil)

	cfg := queue.DefaultConfig()
	cfg.RateLimit = 0
	cfg.RetryAttempts = 0
	cfg.RetryBackoff = time.Millisecond
	q := queue.New(cfg, jobs, proc, nil)

	return &jobTestEnv{jobs: jobs, queue: q, h: NewJobHandler(q, proc, jobs)}
}

func TestJobHandlers_EnqueueAndGet(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)
	// Workers stay stopped so the job remains pending and observable.

	path := testutil.WriteTempCSV(t, "orders.csv", "name,city\nalice,oslo\n")
	req := jsonRequest(http.MethodPost, "/api/jobs", `{"fileName":"orders.csv","filePath":"`+path+`"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if !assert.NoError(t, env.h.HandleEnqueueJob(c)) {
		return
	}
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var job models.ProcessingJob
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)

	// Fetch it back
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	if assert.NoError(t, env.h.HandleGetJob(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), job.ID)
	}
}

func TestJobHandlers_EnqueueValidation(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing file name", `{"filePath":"/tmp/x.csv"}`},
		{"missing file path", `{"fileName":"x.csv"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonRequest(http.MethodPost, "/api/jobs", tt.body)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := env.h.HandleEnqueueJob(c)
			var apiErr *APIError
			if assert.ErrorAs(t, err, &apiErr) {
				assert.Equal(t, http.StatusBadRequest, apiErr.Status)
				assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
			}
		})
	}
}

func TestJobHandlers_EnqueueAfterClose(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)
	assert.NoError(t, env.queue.Close())

	req := jsonRequest(http.MethodPost, "/api/jobs", `{"fileName":"x.csv","filePath":"/tmp/x.csv"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := env.h.HandleEnqueueJob(c)
	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
		assert.Equal(t, "SERVICE_UNAVAILABLE", apiErr.Code)
	}
}

func TestJobHandlers_GetJob_NotFound(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := env.h.HandleGetJob(c)
	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	}
}

func TestJobHandlers_StatsFallsBackToRecord(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	// A persisted job with no live run in this process.
	job := models.NewProcessingJob("job-stats", "", "old.csv", "/tmp/old.csv", 0, "")
	job.TotalRecords = 50
	job.RecordsProcessed = 50
	job.ErrorRows = 3
	assert.NoError(t, env.jobs.Create(job))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-stats/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("job-stats")

	if assert.NoError(t, env.h.HandleJobStats(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		var stats processor.RunStats
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, int64(50), stats.ProcessedRows)
		assert.Equal(t, int64(3), stats.ErrorRows)
	}
}

func TestJobHandlers_StatsUnknownJob(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/ghost/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ghost")

	err := env.h.HandleJobStats(c)
	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	}
}

func TestJobHandlers_CancelWaitingJob(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)
	// Workers never started: the job stays queued and cancel hits the queue path.

	req := jsonRequest(http.MethodPost, "/api/jobs", `{"fileName":"x.csv","filePath":"/tmp/x.csv"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if !assert.NoError(t, env.h.HandleEnqueueJob(c)) {
		return
	}
	var job models.ProcessingJob
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	if assert.NoError(t, env.h.HandleCancelJob(c)) {
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	stored, err := env.jobs.FindByID(job.ID)
	if assert.NoError(t, err) {
		assert.Equal(t, models.JobStatusCancelled, stored.Status)
	}

	// Cancelling again conflicts with the terminal state.
	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	cancelErr := env.h.HandleCancelJob(c)
	var apiErr *APIError
	if assert.ErrorAs(t, cancelErr, &apiErr) {
		assert.Equal(t, http.StatusConflict, apiErr.Status)
	}
}

func TestJobHandlers_PauseUnknownJob(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/ghost/pause", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ghost")

	err := env.h.HandlePauseJob(c)
	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	}
}

func TestJobHandlers_QueueStats(t *testing.T) {
	e := echo.New()
	env := newJobTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if assert.NoError(t, env.h.HandleQueueStats(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		var stats queue.Stats
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 0, stats.Active)
	}
}
