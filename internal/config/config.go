// Package config centralizes how docflow reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the CLI, the API server, and
// the processing worker. All three binaries load the same struct and use the
// fields relevant to them.
type Config struct {
	// Client engine.
	APIBaseURL           string
	MaxFileSize          int64
	AllowedTypes         []string
	MaxConcurrentUploads int
	CompleteRetries      int
	RetryBackoff         time.Duration
	PollInterval         time.Duration
	OptimisticTTL        time.Duration

	// API server.
	Address          string
	APIToken         string
	DatabaseURL      string
	SigningSecret    []byte
	SignedURLTTL     time.Duration
	UploadTimeout    time.Duration
	StorageLimit     int64
	StorageTier      string
	RecentWindow     time.Duration

	// Object storage.
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	S3Region        string
	RawBucket       string
	ProcessedBucket string

	// Worker.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ProcessingPool int
}

const (
	defaultAddress       = ":8080"
	defaultAPIBaseURL    = "http://localhost:8080"
	defaultMaxFileSize   = 25 << 20 // 25 MiB
	defaultAllowedTypes  = "application/pdf,text/plain,text/markdown,text/csv"
	defaultConcurrency   = 3
	defaultRetries       = 3
	defaultBackoff       = time.Second
	defaultPollInterval  = 4 * time.Second
	defaultOptimisticTTL = 30 * time.Second
	defaultSignedTTL     = 5 * time.Minute
	defaultUploadTimeout = 10 * time.Minute
	defaultStorageLimit  = 500 << 20 // 500 MiB free tier
	defaultRecentWindow  = 5 * time.Minute
	defaultWorkerCount   = 2
)

// Load reads configuration from environment variables falling back to
// defaults. Invalid values fall back silently rather than aborting startup.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:           readEnv("DOCFLOW_API_URL", defaultAPIBaseURL),
		MaxFileSize:          parseInt64("DOCFLOW_MAX_FILE_BYTES", defaultMaxFileSize),
		AllowedTypes:         parseList("DOCFLOW_ALLOWED_TYPES", defaultAllowedTypes),
		MaxConcurrentUploads: parseInt("DOCFLOW_MAX_CONCURRENT_UPLOADS", defaultConcurrency),
		CompleteRetries:      parseInt("DOCFLOW_COMPLETE_RETRIES", defaultRetries),
		RetryBackoff:         parseDuration("DOCFLOW_RETRY_BACKOFF", defaultBackoff),
		PollInterval:         parseDuration("DOCFLOW_POLL_INTERVAL", defaultPollInterval),
		OptimisticTTL:        parseDuration("DOCFLOW_OPTIMISTIC_TTL", defaultOptimisticTTL),

		Address:       readEnv("DOCFLOW_ADDRESS", defaultAddress),
		APIToken:      readEnv("DOCFLOW_API_TOKEN", ""),
		DatabaseURL:   readEnv("DOCFLOW_DATABASE_URL", ""),
		SigningSecret: parseSecret("DOCFLOW_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("DOCFLOW_SIGNED_TTL", defaultSignedTTL),
		UploadTimeout: parseDuration("DOCFLOW_UPLOAD_TIMEOUT", defaultUploadTimeout),
		StorageLimit:  parseInt64("DOCFLOW_STORAGE_LIMIT_BYTES", defaultStorageLimit),
		StorageTier:   readEnv("DOCFLOW_STORAGE_TIER", "free"),
		RecentWindow:  parseDuration("DOCFLOW_RECENT_WINDOW", defaultRecentWindow),

		S3Endpoint:      readEnv("DOCFLOW_S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:     readEnv("DOCFLOW_S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:     readEnv("DOCFLOW_S3_SECRET_KEY", "minioadmin"),
		S3UseSSL:        parseBool("DOCFLOW_S3_USE_SSL", false),
		S3Region:        readEnv("DOCFLOW_S3_REGION", "us-east-1"),
		RawBucket:       readEnv("DOCFLOW_RAW_BUCKET", "docflow-raw"),
		ProcessedBucket: readEnv("DOCFLOW_PROCESSED_BUCKET", "docflow-processed"),

		RedisAddr:      readEnv("DOCFLOW_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  readEnv("DOCFLOW_REDIS_PASSWORD", ""),
		RedisDB:        parseInt("DOCFLOW_REDIS_DB", 0),
		ProcessingPool: parseInt("DOCFLOW_WORKERS", defaultWorkerCount),
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = defaultConcurrency
	}
	if cfg.CompleteRetries < 0 {
		cfg.CompleteRetries = defaultRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}
