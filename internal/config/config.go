// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrQueueNeedsRedis is returned when QUEUE_ENABLED is set without REDIS_URL.
	ErrQueueNeedsRedis = errors.New("config: QUEUE_ENABLED requires REDIS_URL")
	// ErrInvalidJobTTL is returned when JOB_TTL is not positive.
	ErrInvalidJobTTL = errors.New("config: JOB_TTL must be positive")
	// ErrInvalidMaxUpload is returned when MAX_UPLOAD_BYTES is not positive.
	ErrInvalidMaxUpload = errors.New("config: MAX_UPLOAD_BYTES must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Job tracking settings
	JobTTL             time.Duration `env:"JOB_TTL, default=256s" json:"job_ttl"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL, default=60s" json:"cache_sweep_interval"`
	MaxUploadBytes     int64         `env:"MAX_UPLOAD_BYTES, default=52428800" json:"max_upload_bytes"`

	// Redis settings; an empty URL keeps job tracking in process memory
	RedisURL     string `env:"REDIS_URL" json:"-"` // May carry a password
	QueueEnabled bool   `env:"QUEUE_ENABLED, default=false" json:"queue_enabled"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/songapi" json:"temp_dir"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RedisEnabled returns true if a Redis URL is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// Load reads configuration from environment variables using go-envconfig.
// Variables from a .env file in the working directory are loaded first;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv files. Missing files are ignored.
func LoadFiles(files ...string) (*Config, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.JobTTL <= 0 {
		return ErrInvalidJobTTL
	}
	if c.MaxUploadBytes <= 0 {
		return ErrInvalidMaxUpload
	}
	if c.QueueEnabled && !c.RedisEnabled() {
		return ErrQueueNeedsRedis
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, JobTTL: %s, CacheSweepInterval: %s, MaxUploadBytes: %d, Redis: %t, QueueEnabled: %t, TempDir: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.JobTTL,
		c.CacheSweepInterval,
		c.MaxUploadBytes,
		c.RedisEnabled(),
		c.QueueEnabled,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
