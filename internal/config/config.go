// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/grfs/grfs/pkg/models"
)

// Config holds all grfs configuration. Command-line flags override these
// values in cmd/grfs.
type Config struct {
	// Camera
	CameraURL     string
	HTTPTimeout   time.Duration
	SizeTimeout   time.Duration
	MaxAttempts   int
	RequireCamera bool

	// Download cache
	CacheDir string
	MaxCache int64 // bytes, 0 = unbounded

	// Background loops (0 disables)
	Refresh     time.Duration
	HealthCheck time.Duration

	// Serving
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// S3 export
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
	S3Variant   string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		CameraURL:     envOr("GRFS_CAMERA_URL", "http://192.168.0.1"),
		HTTPTimeout:   envDuration("GRFS_HTTP_TIMEOUT", 60*time.Second),
		SizeTimeout:   envDuration("GRFS_SIZE_TIMEOUT", time.Second),
		MaxAttempts:   envInt("GRFS_MAX_ATTEMPTS", 20),
		RequireCamera: envBool("GRFS_REQUIRE_CAMERA", false),
		CacheDir:      envOr("GRFS_CACHE_DIR", os.TempDir()),
		MaxCache:      envInt64("GRFS_MAX_CACHE", 0),
		Refresh:       envDuration("GRFS_REFRESH", 0),
		HealthCheck:   envDuration("GRFS_HEALTH_CHECK", 0),
		ListenAddr:    envOr("GRFS_LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("GRFS_METRICS_ADDR", ""),
		LogLevel:      envOr("GRFS_LOG_LEVEL", "info"),
		LogFormat:     envOr("GRFS_LOG_FORMAT", "auto"),
		S3Endpoint:    envOr("GRFS_S3_ENDPOINT", ""),
		S3Bucket:      envOr("GRFS_S3_BUCKET", ""),
		S3Region:      envOr("GRFS_S3_REGION", "us-east-1"),
		S3AccessKey:   envOr("GRFS_S3_ACCESS_KEY", ""),
		S3SecretKey:   envOr("GRFS_S3_SECRET_KEY", ""),
		S3Prefix:      envOr("GRFS_S3_PREFIX", ""),
		S3Variant:     envOr("GRFS_S3_VARIANT", string(models.VariantFull)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	u, err := url.Parse(c.CameraURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("camera url %q must be an absolute http(s) URL", c.CameraURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("camera url %q: unsupported scheme %q", c.CameraURL, u.Scheme)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.SizeTimeout <= 0 {
		return fmt.Errorf("size timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxCache < 0 {
		return fmt.Errorf("max cache must not be negative")
	}
	if c.Refresh < 0 || c.HealthCheck < 0 {
		return fmt.Errorf("loop intervals must not be negative")
	}
	if !filepath.IsAbs(c.CacheDir) {
		return fmt.Errorf("cache dir %q must be absolute", c.CacheDir)
	}
	if !models.IsVariant(c.S3Variant) {
		return fmt.Errorf("unknown export variant %q", c.S3Variant)
	}
	return nil
}

// ValidateExport reports missing settings needed by the export command.
func (c *Config) ValidateExport() error {
	if c.S3Bucket == "" {
		return fmt.Errorf("GRFS_S3_BUCKET is required for export")
	}
	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("GRFS_S3_ACCESS_KEY and GRFS_S3_SECRET_KEY must be set together")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
