package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything read once at startup. Components receive their
// pieces explicitly; nothing reads the environment after Load returns.
type Config struct {
	Port    string
	LogMode string

	// Job store backend: "redis", "sqlite" or "memory".
	StoreBackend string
	RedisAddr    string
	SQLitePath   string

	// Blob store backend: "gcs" or "fs".
	BlobBackend string
	GCSBucket   string
	BlobDir     string

	// Dispatch mode: "inline" (caller blocks) or "deferred" (fire-and-forget).
	DispatchMode string

	ProcessorURL     string
	ProcessorTimeout time.Duration

	JobTTL        time.Duration
	SweepGrace    time.Duration
	SweepInterval time.Duration
	ScanBatchSize int

	// CleanupToken is the trusted-caller check for the cleanup endpoint.
	CleanupToken string

	// InlineVisualizations serves visualization bytes base64-inline instead
	// of as blob references.
	InlineVisualizations bool
}

// Load reads configuration from the environment, after loading .env if one
// is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 envString("PORT", "8080"),
		LogMode:              envString("LOG_MODE", "dev"),
		StoreBackend:         envString("JOB_STORE_BACKEND", "sqlite"),
		RedisAddr:            envString("REDIS_ADDR", "localhost:6379"),
		SQLitePath:           envString("SQLITE_PATH", "jobs.db"),
		BlobBackend:          envString("BLOB_STORE_BACKEND", "fs"),
		GCSBucket:            envString("GCS_BUCKET", ""),
		BlobDir:              envString("BLOB_DIR", "blobs"),
		DispatchMode:         envString("DISPATCH_MODE", "deferred"),
		ProcessorURL:         envString("PROCESSOR_URL", "http://localhost:8000/process"),
		ProcessorTimeout:     envDuration("PROCESSOR_TIMEOUT", 10*time.Minute),
		JobTTL:               envDuration("JOB_TTL", 7*24*time.Hour),
		SweepGrace:           envDuration("SWEEP_GRACE", 30*24*time.Hour),
		SweepInterval:        envDuration("SWEEP_INTERVAL", time.Hour),
		ScanBatchSize:        envInt("SCAN_BATCH_SIZE", 100),
		CleanupToken:         envString("CLEANUP_TOKEN", ""),
		InlineVisualizations: envBool("INLINE_VISUALIZATIONS", false),
	}

	switch cfg.StoreBackend {
	case "redis", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown JOB_STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.BlobBackend {
	case "gcs", "fs":
	default:
		return nil, fmt.Errorf("unknown BLOB_STORE_BACKEND %q", cfg.BlobBackend)
	}
	switch cfg.DispatchMode {
	case "inline", "deferred":
	default:
		return nil, fmt.Errorf("unknown DISPATCH_MODE %q", cfg.DispatchMode)
	}
	if cfg.BlobBackend == "gcs" && cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET is required when BLOB_STORE_BACKEND=gcs")
	}
	return cfg, nil
}

func envString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
