package cache

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/lessonsync/internal/config"
)

// Strategy selects how capacity evictions are ordered.
type Strategy string

const (
	StrategyLRU    Strategy = "lru"
	StrategyLFU    Strategy = "lfu"
	StrategyFIFO   Strategy = "fifo"
	StrategyRandom Strategy = "random"
)

// CompressionLevel maps to a brotli quality.
type CompressionLevel string

const (
	CompressionLow    CompressionLevel = "low"
	CompressionMedium CompressionLevel = "medium"
	CompressionHigh   CompressionLevel = "high"
)

// Policy is the process-wide cache configuration. A zero bound means unbounded.
type Policy struct {
	MaxTotalBytes          int64            `json:"max_total_bytes"`
	MaxAgeDays             int              `json:"max_age_days"`
	MaxItemCount           int              `json:"max_item_count"`
	EvictionStrategy       Strategy         `json:"eviction_strategy"`
	CompressionEnabled     bool             `json:"compression_enabled"`
	CompressionLevel       CompressionLevel `json:"compression_level"`
	PriorityTags           []string         `json:"priority_tags,omitempty"`
	AutoSweepEnabled       bool             `json:"auto_sweep_enabled"`
	AutoSweepIntervalHours int              `json:"auto_sweep_interval_hours"`
	// RandomSeed drives the random strategy so a fixed snapshot always evicts the same ids.
	RandomSeed int64 `json:"random_seed"`
}

// DefaultPolicy returns a 512 MiB LRU policy with medium compression.
func DefaultPolicy() Policy {
	return Policy{
		MaxTotalBytes:          512 << 20,
		MaxAgeDays:             30,
		MaxItemCount:           5000,
		EvictionStrategy:       StrategyLRU,
		CompressionEnabled:     true,
		CompressionLevel:       CompressionMedium,
		AutoSweepEnabled:       true,
		AutoSweepIntervalHours: 6,
		RandomSeed:             1,
	}
}

// Validate rejects negative bounds and unknown enum values.
func (p Policy) Validate() error {
	switch {
	case p.MaxTotalBytes < 0:
		return &PolicyError{Field: "max_total_bytes", Reason: "must be non-negative"}
	case p.MaxAgeDays < 0:
		return &PolicyError{Field: "max_age_days", Reason: "must be non-negative"}
	case p.MaxItemCount < 0:
		return &PolicyError{Field: "max_item_count", Reason: "must be non-negative"}
	case p.AutoSweepIntervalHours < 0:
		return &PolicyError{Field: "auto_sweep_interval_hours", Reason: "must be non-negative"}
	case p.AutoSweepEnabled && p.AutoSweepIntervalHours == 0:
		return &PolicyError{Field: "auto_sweep_interval_hours", Reason: "must be positive when auto sweep is enabled"}
	}
	switch p.EvictionStrategy {
	case StrategyLRU, StrategyLFU, StrategyFIFO, StrategyRandom:
	default:
		return &PolicyError{Field: "eviction_strategy", Reason: fmt.Sprintf("unknown value %q", p.EvictionStrategy)}
	}
	switch p.CompressionLevel {
	case CompressionLow, CompressionMedium, CompressionHigh:
	case "":
		if p.CompressionEnabled {
			return &PolicyError{Field: "compression_level", Reason: "required when compression is enabled"}
		}
	default:
		return &PolicyError{Field: "compression_level", Reason: fmt.Sprintf("unknown value %q", p.CompressionLevel)}
	}
	for _, t := range p.PriorityTags {
		if strings.TrimSpace(t) == "" {
			return &PolicyError{Field: "priority_tags", Reason: "must not contain empty tags"}
		}
	}
	return nil
}

func (p Policy) clone() Policy {
	p.PriorityTags = slices.Clone(p.PriorityTags)
	return p
}

// maxAge returns the age cap as a duration, zero when unbounded.
func (p Policy) maxAge() time.Duration {
	return time.Duration(p.MaxAgeDays) * 24 * time.Hour
}

// sweepInterval returns the auto sweep period.
func (p Policy) sweepInterval() time.Duration {
	return time.Duration(p.AutoSweepIntervalHours) * time.Hour
}

// ParseStrategy accepts case-insensitive strategy names.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyLRU, StrategyLFU, StrategyFIFO, StrategyRandom:
		return st, nil
	default:
		return "", &PolicyError{Field: "eviction_strategy", Reason: fmt.Sprintf("unknown value %q", s)}
	}
}

// ParseCompressionLevel accepts case-insensitive level names.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch l := CompressionLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case CompressionLow, CompressionMedium, CompressionHigh:
		return l, nil
	default:
		return "", &PolicyError{Field: "compression_level", Reason: fmt.Sprintf("unknown value %q", s)}
	}
}

// PolicyFromConfig builds the default policy from the environment. A policy
// saved through UpdatePolicy replaces it when the store opens.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	strategy, err := ParseStrategy(cfg.CacheEvictionStrategy)
	if err != nil {
		return Policy{}, err
	}
	level, err := ParseCompressionLevel(cfg.CacheCompressionLevel)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{
		MaxTotalBytes:          cfg.CacheMaxTotalBytes,
		MaxAgeDays:             cfg.CacheMaxAgeDays,
		MaxItemCount:           cfg.CacheMaxItemCount,
		EvictionStrategy:       strategy,
		CompressionEnabled:     cfg.CacheCompression,
		CompressionLevel:       level,
		PriorityTags:           slices.Clone(cfg.CachePriorityTags),
		AutoSweepEnabled:       cfg.CacheAutoSweep,
		AutoSweepIntervalHours: cfg.CacheAutoSweepInterval,
		RandomSeed:             cfg.CacheRandomSeed,
	}
	return p, p.Validate()
}
