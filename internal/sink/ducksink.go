// Package sink delivers validated records to a DuckDB file. Records are
// batched and written through the native Appender API so ingest keeps up
// with the streaming processor without holding whole files in memory.
package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"
)

const defaultBatchSize = 5000

type bufferedRecord struct {
	jobID   string
	rowNum  int64
	payload string
}

// DuckSink persists delivered records at a single DuckDB path shared by
// all jobs. Safe for concurrent writers.
type DuckSink struct {
	db        *sql.DB
	dbPath    string
	batchSize int
	logger    *slog.Logger

	mu    sync.Mutex
	batch []bufferedRecord
}

// NewDuckSink opens (or creates) the delivery database at dbPath.
func NewDuckSink(dbPath string, logger *slog.Logger) (*DuckSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='512MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			job_id       VARCHAR NOT NULL,
			row_num      BIGINT NOT NULL,
			payload      VARCHAR NOT NULL,
			delivered_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating records table: %w", err)
	}

	return &DuckSink{
		db:        db,
		dbPath:    dbPath,
		batchSize: defaultBatchSize,
		batch:     make([]bufferedRecord, 0, defaultBatchSize),
		logger:    logger.With("component", "sink"),
	}, nil
}

// Write buffers one record for delivery. The batch is flushed once it
// reaches the batch size.
func (s *DuckSink) Write(jobID string, rowNum int64, record map[string]string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record %d: %w", rowNum, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = append(s.batch, bufferedRecord{jobID: jobID, rowNum: rowNum, payload: string(payload)})
	if len(s.batch) >= s.batchSize {
		return s.flushLocked()
	}
	return nil
}

// Complete flushes everything buffered for the finished job.
func (s *DuckSink) Complete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	s.logger.Info("delivery complete", "jobId", jobID)
	return nil
}

// Count returns the number of delivered records for a job.
func (s *DuckSink) Count(jobID string) (int64, error) {
	s.mu.Lock()
	buffered := int64(0)
	for _, r := range s.batch {
		if r.jobID == jobID {
			buffered++
		}
	}
	s.mu.Unlock()

	var stored int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE job_id = ?", jobID).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return stored + buffered, nil
}

// flushLocked writes the batch via the Appender. Caller holds s.mu.
func (s *DuckSink) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}

	start := time.Now()

	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "records")
		if err != nil {
			return fmt.Errorf("creating appender: %w", err)
		}
		defer appender.Close()

		now := time.Now()
		for i, r := range s.batch {
			if err := appender.AppendRow(r.jobID, r.rowNum, r.payload, now); err != nil {
				return fmt.Errorf("appending row %d: %w", i, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return err
	}

	s.logger.Debug("batch flushed", "records", len(s.batch), "elapsed", time.Since(start))
	s.batch = s.batch[:0]
	return nil
}

// Close flushes any remaining records and closes the database.
func (s *DuckSink) Close() error {
	s.mu.Lock()
	flushErr := s.flushLocked()
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}
