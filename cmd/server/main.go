package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/csvgateway/backend/internal/api"
	"github.com/csvgateway/backend/internal/config"
	"github.com/csvgateway/backend/internal/models"
	"github.com/csvgateway/backend/internal/processor"
	"github.com/csvgateway/backend/internal/queue"
	"github.com/csvgateway/backend/internal/repository"
	"github.com/csvgateway/backend/internal/sink"
	"github.com/csvgateway/backend/internal/storage"
	"github.com/csvgateway/backend/internal/upload"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	exePath, err := os.Executable()
	if err != nil {
		logger.Error("failed to get executable path", "error", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	// Load XML configuration
	configPath := filepath.Join(exeDir, "CSVGateway.config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	// Initialize storage and repositories
	chunkStore, err := storage.NewChunkStore(cfg.GetUploadDir())
	if err != nil {
		logger.Error("failed to initialize chunk store", "error", err)
		os.Exit(1)
	}

	sessions, err := repository.NewSessionRepository(filepath.Join(cfg.Storage.SnapshotDirectory, "sessions.msgpack"))
	if err != nil {
		logger.Error("failed to open session repository", "error", err)
		os.Exit(1)
	}

	jobs, err := repository.NewJobRepository(filepath.Join(cfg.Storage.SnapshotDirectory, "jobs.msgpack"))
	if err != nil {
		logger.Error("failed to open job repository", "error", err)
		os.Exit(1)
	}

	mappings := repository.NewMappingRepository(cfg.Storage.MappingsDirectory)

	// Delivery sink
	deliverySink, err := sink.NewDuckSink(filepath.Join(cfg.Storage.SinkDirectory, "delivery.duckdb"), logger)
	if err != nil {
		logger.Error("failed to open delivery sink", "error", err)
		os.Exit(1)
	}
	defer deliverySink.Close()

	// Processor
	proc := processor.NewProcessor(jobs, mappings, deliverySink, processor.Options{
		ChunkSize:          cfg.Processing.ReadChunkSizeKB << 10,
		MaxMemoryUsage:     uint64(cfg.Processing.MaxMemoryMB) << 20,
		ProcessingSpeed:    cfg.Processing.SpeedTargetRowsPerSec,
		DelimiterDetection: cfg.Processing.DelimiterDetection,
		EncodingDetection:  cfg.Processing.EncodingDetection,
		MaxRetries:         cfg.Processing.MaxRetries,
		Timeout:            time.Duration(cfg.Processing.TimeoutSeconds) * time.Second,
		ProgressInterval:   cfg.Processing.ProgressIntervalRows,
		MonitorInterval:    time.Duration(cfg.Processing.MonitorIntervalSeconds) * time.Second,
		DetectorSample:     cfg.Processing.DetectorSampleKB << 10,
	}, logger)

	// Job queue
	jobQueue := queue.New(queue.Config{
		Concurrency:   cfg.Queue.Concurrency,
		RateLimit:     cfg.Queue.RateLimitJobs,
		RateWindow:    time.Duration(cfg.Queue.RateLimitWindowSeconds) * time.Second,
		RetryAttempts: cfg.Queue.RetryAttempts,
		RetryBackoff:  time.Duration(cfg.Queue.RetryBackoffSeconds) * time.Second,
	}, jobs, proc, logger)

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	jobQueue.Start(queueCtx)

	// Upload manager; completed uploads flow straight into the queue
	uploadMgr := upload.NewManager(cfg.MaxFileSizeBytes(), chunkStore, sessions, logger)
	uploadMgr.OnComplete(func(session *models.UploadSession) {
		_, err := jobQueue.Enqueue(queue.Descriptor{
			UserID:   session.UserID,
			FileName: session.OriginalName,
			FilePath: session.FilePath,
			FileSize: session.FileSize,
		})
		if err != nil {
			logger.Error("failed to enqueue completed upload", "uploadId", session.ID, "error", err)
		}
	})

	// Background retention cleanup
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Retention.CleanupIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			removed := uploadMgr.CleanupExpired(time.Duration(cfg.Retention.SessionTimeoutMinutes) * time.Minute)
			if removed > 0 {
				logger.Info("expired upload sessions removed", "count", removed)
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e)
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	handlers := api.NewHandlers(&api.Dependencies{
		UploadMgr: uploadMgr,
		Queue:     jobQueue,
		Processor: proc,
		Jobs:      jobs,
		Version:   Version,
	})
	api.RegisterRoutes(e, handlers)

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	logger.Info("csv gateway starting",
		"version", Version,
		"buildTime", BuildTime,
		"listen", fmt.Sprintf("http://%s", cfg.GetServerAddr()),
		"dataDir", cfg.Storage.DataDirectory,
	)

	go func() {
		if err := e.StartServer(s); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	stopQueue()
	if err := jobQueue.Close(); err != nil {
		logger.Error("queue shutdown failed", "error", err)
	}
}
