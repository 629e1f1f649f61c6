package syncqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/lessonsync/internal/cache"
)

// Lane classifies a queued item. Synced items have no lane: they are removed.
type Lane string

const (
	LaneUpload   Lane = "pending_upload"
	LaneDownload Lane = "pending_download"
	LaneConflict Lane = "conflict"
	LaneError    Lane = "error"
)

// Lanes lists every lane in display order.
var Lanes = []Lane{LaneUpload, LaneDownload, LaneConflict, LaneError}

// Version is a remote version token. Zero means absent.
type Version uint64

// Watermark is the remote change-feed sequence up to which every change has
// been processed.
type Watermark uint64

// Item is one pending mutation in exactly one lane. LocalVersion is the
// version a pending upload will be written at; BaseVersion is the remote
// version the local change was made on. A conflicted item always carries a
// RemoteVersion past BaseVersion and different from LocalVersion.
type Item struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	SizeBytes      int64          `json:"size_bytes"`
	LastModifiedAt time.Time      `json:"last_modified_at"`
	Lane           Lane           `json:"lane"`
	Origin         Lane           `json:"origin"`
	Priority       cache.Priority `json:"priority"`
	RetryCount     int            `json:"retry_count"`
	ManualRetries  int            `json:"manual_retries,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	LocalVersion   Version        `json:"local_version,omitempty"`
	RemoteVersion  Version        `json:"remote_version,omitempty"`
	BaseVersion    Version        `json:"base_version,omitempty"`
	ChangeSeq      Watermark      `json:"change_seq,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`

	rev uint64
}

// markConflict moves it to the conflict lane behind remote. A pending local
// version equal to the remote one names a different write, so it is moved past.
func (it *Item) markConflict(remote Version) {
	it.RemoteVersion = max(it.RemoteVersion, remote)
	if it.LocalVersion == it.RemoteVersion {
		it.LocalVersion++
	}
	it.Lane = LaneConflict
}

// Change is one entry of the remote change feed.
type Change struct {
	Seq       Watermark `json:"seq"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Version   Version   `json:"version"`
	SizeBytes int64     `json:"size_bytes"`
	Deleted   bool      `json:"deleted"`
}

// WriteResult is the remote's answer to a write that reached it.
type WriteResult struct {
	Version       Version `json:"version"`
	Conflict      bool    `json:"conflict"`
	RemoteVersion Version `json:"remote_version,omitempty"`
}

// Resolution picks the winning side of a conflict.
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ServerWins, ClientWins:
		return r, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// RunKind distinguishes a run that replays the whole change feed from one
// that starts at the watermark.
type RunKind string

const (
	RunIncremental RunKind = "incremental"
	RunFull        RunKind = "full"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerTimer        Trigger = "timer"
	TriggerConnectivity Trigger = "connectivity"
	TriggerManual       Trigger = "manual"
)

// Outcome summarizes a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeError   Outcome = "error"
)

// RunRecord is the append-only history entry for one run.
type RunRecord struct {
	ID               string        `json:"id"`
	StartedAt        time.Time     `json:"started_at"`
	Kind             RunKind       `json:"kind"`
	Trigger          Trigger       `json:"trigger"`
	ItemsProcessed   int           `json:"items_processed"`
	Duration         time.Duration `json:"duration"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Outcome          Outcome       `json:"outcome"`
	Error            string        `json:"error,omitempty"`
	Uploaded         int           `json:"uploaded"`
	Downloaded       int           `json:"downloaded"`
	Conflicts        int           `json:"conflicts"`
	Failed           int           `json:"failed"`
	Deferred         int           `json:"deferred"`
	Watermark        Watermark     `json:"watermark"`
}
