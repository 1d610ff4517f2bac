// Package config provides XML-based configuration management with
// environment variable overrides.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"CSVGateway"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Upload configuration
	Upload UploadConfig `xml:"Upload"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Queue configuration
	Queue QueueConfig `xml:"Queue"`

	// Retention configuration
	Retention RetentionConfig `xml:"Retention"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory     string `xml:"DataDirectory"`
	UploadsDirectory  string `xml:"UploadsDirectory"`
	MappingsDirectory string `xml:"MappingsDirectory"`
	SnapshotDirectory string `xml:"SnapshotDirectory"`
	SinkDirectory     string `xml:"SinkDirectory"`
}

// UploadConfig contains upload session settings
type UploadConfig struct {
	MaxFileSize string `xml:"MaxFileSize"` // e.g. "3G"
	ChunkSizeKB int    `xml:"ChunkSizeKB"`
}

// ProcessingConfig contains CSV processing settings
type ProcessingConfig struct {
	ReadChunkSizeKB        int  `xml:"ReadChunkSizeKB"`
	DetectorSampleKB       int  `xml:"DetectorSampleKB"`
	MaxMemoryMB            int  `xml:"MaxMemoryMB"`
	SpeedTargetRowsPerSec  int  `xml:"SpeedTargetRowsPerSec"` // 0 disables throttling
	MaxRetries             int  `xml:"MaxRetries"`
	TimeoutSeconds         int  `xml:"TimeoutSeconds"`
	ProgressIntervalRows   int  `xml:"ProgressIntervalRows"`
	MonitorIntervalSeconds int  `xml:"MonitorIntervalSeconds"`
	DelimiterDetection     bool `xml:"DelimiterDetection"`
	EncodingDetection      bool `xml:"EncodingDetection"`
}

// QueueConfig contains job queue settings
type QueueConfig struct {
	Concurrency            int `xml:"Concurrency"`
	RateLimitJobs          int `xml:"RateLimitJobs"`
	RateLimitWindowSeconds int `xml:"RateLimitWindowSeconds"`
	RetryAttempts          int `xml:"RetryAttempts"`
	RetryBackoffSeconds    int `xml:"RetryBackoffSeconds"`
}

// RetentionConfig contains cleanup settings
type RetentionConfig struct {
	SessionTimeoutMinutes  int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "64M",
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			UploadsDirectory:  "./data/uploads",
			MappingsDirectory: "./data/mappings",
			SnapshotDirectory: "./data/snapshots",
			SinkDirectory:     "./data/sink",
		},
		Upload: UploadConfig{
			MaxFileSize: "3G",
			ChunkSizeKB: 64,
		},
		Processing: ProcessingConfig{
			ReadChunkSizeKB:        1024,
			DetectorSampleKB:       10,
			MaxMemoryMB:            500,
			SpeedTargetRowsPerSec:  10000,
			MaxRetries:             3,
			TimeoutSeconds:         300,
			ProgressIntervalRows:   1000,
			MonitorIntervalSeconds: 5,
			DelimiterDetection:     true,
			EncodingDetection:      true,
		},
		Queue: QueueConfig{
			Concurrency:            2,
			RateLimitJobs:          10,
			RateLimitWindowSeconds: 60,
			RetryAttempts:          3,
			RetryBackoffSeconds:    2,
		},
		Retention: RetentionConfig{
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &AppConfig{}
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- CSV Gateway Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if maxSize := os.Getenv("MAX_FILE_SIZE"); maxSize != "" {
		c.Upload.MaxFileSize = maxSize
	}

	if concurrency := os.Getenv("QUEUE_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil && n > 0 {
			c.Queue.Concurrency = n
		}
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.UploadsDirectory) {
		c.Storage.UploadsDirectory = filepath.Join(configDir, c.Storage.UploadsDirectory)
	}
	if !filepath.IsAbs(c.Storage.MappingsDirectory) {
		c.Storage.MappingsDirectory = filepath.Join(configDir, c.Storage.MappingsDirectory)
	}
	if !filepath.IsAbs(c.Storage.SnapshotDirectory) {
		c.Storage.SnapshotDirectory = filepath.Join(configDir, c.Storage.SnapshotDirectory)
	}
	if !filepath.IsAbs(c.Storage.SinkDirectory) {
		c.Storage.SinkDirectory = filepath.Join(configDir, c.Storage.SinkDirectory)
	}
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// MaxFileSizeBytes returns the configured max upload size in bytes.
func (c *AppConfig) MaxFileSizeBytes() int64 {
	n, err := ParseSize(c.Upload.MaxFileSize)
	if err != nil {
		return 3 << 30
	}
	return n
}

// ParseSize parses a human-readable size string like "500M" or "3G".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.MappingsDirectory,
		c.Storage.SnapshotDirectory,
		c.Storage.SinkDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
