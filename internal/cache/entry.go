package cache

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the stored state of an entry. Expired is never stored: it is
// derived from ExpiresAt at evaluation time.
type Status string

const (
	StatusValid     Status = "valid"
	StatusExpired   Status = "expired"
	StatusCorrupted Status = "corrupted"
	// StatusPending marks an entry whose payload awaits a refresh from the remote.
	StatusPending Status = "pending"
)

// Priority ranks entries for pinning and for sync draining.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities from low (0) to critical (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority name. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Encoding names how a payload is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingBrotli   Encoding = "br"
)

// Entry is the metadata the store keeps for every cached record.
type Entry struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	SizeBytes        int64      `json:"size_bytes"`
	OriginalSize     int64      `json:"original_size"`
	CreatedAt        time.Time  `json:"created_at"`
	LastAccessedAt   time.Time  `json:"last_accessed_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Status           Status     `json:"status"`
	Priority         Priority   `json:"priority"`
	Tags             []string   `json:"tags,omitempty"`
	CompressionRatio *float64   `json:"compression_ratio,omitempty"`
	HitCount         int64      `json:"hit_count"`
	ErrorCount       int64      `json:"error_count"`
	Checksum         uint64     `json:"checksum"`
	Encoding         Encoding   `json:"encoding"`
	SyncedVersion    uint64     `json:"synced_version,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	PendingUpload    bool       `json:"pending_upload,omitempty"`
	CorruptionReason string     `json:"corruption_reason,omitempty"`

	gen uint64
}

// EffectiveStatus returns the entry status as of now, deriving expiry lazily.
func (e *Entry) EffectiveStatus(now time.Time) Status {
	if e.Status == StatusValid && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return StatusExpired
	}
	return e.Status
}

// Visible reports whether a Get at now may return the entry as a hit.
func (e *Entry) Visible(now time.Time) bool {
	return e.EffectiveStatus(now) == StatusValid
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

func (e *Entry) clone() Entry {
	out := *e
	out.Tags = slices.Clone(e.Tags)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	if e.CompressionRatio != nil {
		r := *e.CompressionRatio
		out.CompressionRatio = &r
	}
	if e.LastSyncedAt != nil {
		t := *e.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

// Meta describes a payload being written through Put.
type Meta struct {
	Kind     string
	Priority Priority
	Tags     []string
	// ExpiresAt wins over TTL when both are set. Either is capped by the policy's MaxAgeDays.
	ExpiresAt *time.Time
	TTL       time.Duration
	// SyncedVersion records the remote version the payload corresponds to, if any.
	SyncedVersion uint64
	// PendingUpload marks a local change not yet accepted by the remote.
	// Capacity eviction takes such entries last. MarkSynced and a remote
	// refresh clear it.
	PendingUpload bool
}

// Record is a cache hit: the entry metadata plus its decoded payload.
type Record struct {
	Entry   Entry
	Payload []byte
}
