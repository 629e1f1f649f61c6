package config

import (
	"os"
	"strings"
	"time"

	"github.com/onnwee/lessonsync/internal/utils"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	UserAgent      string
	HTTPAddr       string
	HTTPMaxRetries int
	HTTPRetryBase  time.Duration
	HTTPTimeout    time.Duration
	LogHTTPRetries bool
	// MaxRetryAfter caps how long a single Retry-After header may stall a request.
	MaxRetryAfter time.Duration

	// Storage backend: memory, sqlite or postgres
	StorageDriver   string
	StoragePath     string
	DatabaseURL     string
	StorageMaxBytes int64
	HotTierBytes    int64

	// Cache policy defaults; a persisted policy overrides these once set through the API.
	CacheMaxTotalBytes     int64
	CacheMaxAgeDays        int
	CacheMaxItemCount      int
	CacheEvictionStrategy  string
	CacheCompression       bool
	CacheCompressionLevel  string
	CachePriorityTags      []string
	CacheAutoSweep         bool
	CacheAutoSweepInterval int // hours
	CacheRandomSeed        int64

	// Sync queue
	SyncMaxRetries       int
	SyncMaxManualRetries int
	SyncHistoryLimit     int
	RemoteBaseURL        string
	RemoteTimeout        time.Duration
	RemoteToken          string

	// Scheduler
	SyncInterval        time.Duration
	SyncBandwidthLimit  int64 // bytes per second, 0 = unlimited
	SyncFullEvery       int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	BackoffMultiplier   float64
	BackoffRandomFactor float64
	DisableScheduler    bool

	// Connectivity
	ConnectivityQuiet         time.Duration
	ConnectivityProbeURL      string
	ConnectivityProbeInterval time.Duration

	// Circuit breaker around the remote
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Admin API token for gating mutating endpoints (Bearer token)
	AdminAPIToken      string
	CORSAllowedOrigins []string
	// EnableProfiling mounts /debug/pprof behind the admin token
	EnableProfiling bool

	// Observability settings
	LogLevel          string  // log level: debug, info, warn, error
	OTELEnabled       bool    // enable OpenTelemetry tracing
	OTELEndpoint      string  // OpenTelemetry collector endpoint
	OTELSampleRate    float64 // trace sampling rate (0.0 to 1.0)
	SentryDSN         string  // Sentry DSN for error reporting
	SentryEnvironment string  // Sentry environment (dev, staging, production)
	SentryRelease     string  // Sentry release version
	SentrySampleRate  float64 // Sentry error sampling rate (0.0 to 1.0)
}

var cached *Config

// Load reads env vars once and caches them.
func Load() *Config {
	if cached != nil {
		return cached
	}
	cached = &Config{
		UserAgent:      utils.GetEnvAsString("SYNC_USER_AGENT", "lessonsync/0.1"),
		HTTPAddr:       utils.GetEnvAsString("HTTP_ADDR", ":8080"),
		HTTPMaxRetries: utils.GetEnvAsInt("HTTP_MAX_RETRIES", 3),
		HTTPRetryBase:  utils.GetEnvAsMillis("HTTP_RETRY_BASE_MS", 300),
		HTTPTimeout:    utils.GetEnvAsMillis("HTTP_TIMEOUT_MS", 15000),
		LogHTTPRetries: utils.GetEnvAsBool("LOG_HTTP_RETRIES", false),
		MaxRetryAfter:  utils.GetEnvAsMillis("HTTP_MAX_RETRY_AFTER_MS", 60000),

		StorageDriver:   strings.ToLower(utils.GetEnvAsString("STORAGE_DRIVER", "sqlite")),
		StoragePath:     utils.GetEnvAsString("STORAGE_PATH", "lessonsync.db"),
		DatabaseURL:     utils.GetEnvAsString("DATABASE_URL", ""),
		StorageMaxBytes: utils.GetEnvAsInt64("STORAGE_MAX_BYTES", 0),
		HotTierBytes:    utils.GetEnvAsInt64("CACHE_HOT_TIER_BYTES", 32<<20),

		CacheMaxTotalBytes:     utils.GetEnvAsInt64("CACHE_MAX_TOTAL_BYTES", 512<<20),
		CacheMaxAgeDays:        utils.GetEnvAsInt("CACHE_MAX_AGE_DAYS", 30),
		CacheMaxItemCount:      utils.GetEnvAsInt("CACHE_MAX_ITEM_COUNT", 5000),
		CacheEvictionStrategy:  strings.ToLower(utils.GetEnvAsString("CACHE_EVICTION_STRATEGY", "lru")),
		CacheCompression:       utils.GetEnvAsBool("CACHE_COMPRESSION_ENABLED", true),
		CacheCompressionLevel:  strings.ToLower(utils.GetEnvAsString("CACHE_COMPRESSION_LEVEL", "medium")),
		CachePriorityTags:      utils.GetEnvAsSlice("CACHE_PRIORITY_TAGS", nil, ","),
		CacheAutoSweep:         utils.GetEnvAsBool("CACHE_AUTO_SWEEP", true),
		CacheAutoSweepInterval: utils.GetEnvAsInt("CACHE_AUTO_SWEEP_INTERVAL_HOURS", 6),
		CacheRandomSeed:        utils.GetEnvAsInt64("CACHE_RANDOM_SEED", 1),

		SyncMaxRetries:       utils.GetEnvAsInt("SYNC_MAX_RETRIES", 3),
		SyncMaxManualRetries: utils.GetEnvAsInt("SYNC_MAX_MANUAL_RETRIES", 10),
		SyncHistoryLimit:     utils.GetEnvAsInt("SYNC_HISTORY_LIMIT", 100),
		RemoteBaseURL:        strings.TrimRight(utils.GetEnvAsString("REMOTE_BASE_URL", ""), "/"),
		RemoteTimeout:        utils.GetEnvAsMillis("REMOTE_TIMEOUT_MS", 30000),
		RemoteToken:          strings.TrimSpace(os.Getenv("REMOTE_TOKEN")),

		SyncInterval:        utils.GetEnvAsMillis("SYNC_INTERVAL_MS", 5*60*1000),
		SyncBandwidthLimit:  utils.GetEnvAsInt64("SYNC_BANDWIDTH_LIMIT", 0),
		SyncFullEvery:       utils.GetEnvAsInt("SYNC_FULL_EVERY", 0),
		BackoffInitial:      utils.GetEnvAsMillis("SYNC_BACKOFF_INITIAL_MS", 5000),
		BackoffMax:          utils.GetEnvAsMillis("SYNC_BACKOFF_MAX_MS", 15*60*1000),
		BackoffMultiplier:   utils.GetEnvAsFloat("SYNC_BACKOFF_MULTIPLIER", 2.0),
		BackoffRandomFactor: utils.GetEnvAsFloat("SYNC_BACKOFF_RANDOM_FACTOR", 0.2),
		DisableScheduler:    utils.GetEnvAsBool("DISABLE_SYNC_SCHEDULER", false),

		ConnectivityQuiet:         utils.GetEnvAsMillis("CONNECTIVITY_QUIET_MS", 3000),
		ConnectivityProbeURL:      utils.GetEnvAsString("CONNECTIVITY_PROBE_URL", ""),
		ConnectivityProbeInterval: utils.GetEnvAsMillis("CONNECTIVITY_PROBE_INTERVAL_MS", 15000),

		BreakerFailureThreshold: utils.GetEnvAsInt("REMOTE_BREAKER_FAILURES", 5),
		BreakerSuccessThreshold: utils.GetEnvAsInt("REMOTE_BREAKER_SUCCESSES", 2),
		BreakerTimeout:          utils.GetEnvAsMillis("REMOTE_BREAKER_TIMEOUT_MS", 60000),

		AdminAPIToken:      strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		CORSAllowedOrigins: utils.GetEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}, ","),
		EnableProfiling:    utils.GetEnvAsBool("ENABLE_PROFILING", false),

		// Observability settings
		LogLevel:          strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		OTELEnabled:       utils.GetEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTELSampleRate:    utils.GetEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryEnvironment: strings.TrimSpace(os.Getenv("SENTRY_ENVIRONMENT")),
		SentryRelease:     strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
		SentrySampleRate:  utils.GetEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
	}
	if cached.LogLevel == "" {
		cached.LogLevel = "info"
	}
	if cached.SentryEnvironment == "" {
		if env := os.Getenv("ENV"); env != "" {
			cached.SentryEnvironment = env
		} else {
			cached.SentryEnvironment = "development"
		}
	}
	return cached
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() { cached = nil }

// GetEnvBool reads a boolean environment variable with a default.
// Use this when you need to check a flag not present in the cached config.
func (c *Config) GetEnvBool(key string, def bool) bool {
	return utils.GetEnvAsBool(key, def)
}
