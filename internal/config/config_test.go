package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// ensure defaults kick in with empty env
	for _, k := range []string{"HTTP_MAX_RETRIES", "HTTP_RETRY_BASE_MS", "STORAGE_DRIVER",
		"CACHE_EVICTION_STRATEGY", "CACHE_PRIORITY_TAGS", "SYNC_MAX_RETRIES", "SYNC_INTERVAL_MS", "LOG_LEVEL"} {
		os.Unsetenv(k)
	}
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := Load()
	if cfg.UserAgent == "" {
		t.Fatalf("expected default UA, got empty")
	}
	if cfg.HTTPMaxRetries != 3 {
		t.Fatalf("expected default retries=3, got %d", cfg.HTTPMaxRetries)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.StorageDriver)
	}
	if cfg.CacheEvictionStrategy != "lru" || cfg.CacheMaxAgeDays != 30 {
		t.Fatalf("unexpected cache defaults: %s %d", cfg.CacheEvictionStrategy, cfg.CacheMaxAgeDays)
	}
	if len(cfg.CachePriorityTags) != 0 {
		t.Fatalf("expected no priority tags, got %v", cfg.CachePriorityTags)
	}
	if cfg.SyncMaxRetries != 3 || cfg.SyncInterval != 5*time.Minute {
		t.Fatalf("unexpected sync defaults: retries=%d interval=%v", cfg.SyncMaxRetries, cfg.SyncInterval)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected info log level, got %q", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CACHE_PRIORITY_TAGS", "exam, core ,")
	t.Setenv("SYNC_BANDWIDTH_LIMIT", "2048")
	t.Setenv("REMOTE_BASE_URL", "https://sync.example.com/")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	ResetForTest()
	t.Cleanup(ResetForTest)

	cfg := Load()
	if len(cfg.CachePriorityTags) != 2 || cfg.CachePriorityTags[0] != "exam" || cfg.CachePriorityTags[1] != "core" {
		t.Fatalf("unexpected tags: %v", cfg.CachePriorityTags)
	}
	if cfg.SyncBandwidthLimit != 2048 {
		t.Fatalf("expected 2048, got %d", cfg.SyncBandwidthLimit)
	}
	if cfg.RemoteBaseURL != "https://sync.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.RemoteBaseURL)
	}
	if cfg.StorageDriver != "postgres" {
		t.Fatalf("expected lower-cased driver, got %q", cfg.StorageDriver)
	}
	if Load() != cfg {
		t.Fatalf("expected cached config on second Load")
	}
}
