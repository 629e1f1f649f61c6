// Package syncqueue holds pending local and remote changes in four lanes and
// reconciles them against the remote store.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/storage"
)

const (
	notifySource = "sync"
	watermarkKey = "watermark"
)

// Remote is the canonical store the queue reconciles against.
type Remote interface {
	// Write stores payload at version. The remote accepts only versions
	// strictly newer than its own; otherwise the result reports a conflict.
	Write(ctx context.Context, id string, payload []byte, version Version) (WriteResult, error)
	ChangesSince(ctx context.Context, since Watermark) ([]Change, error)
	Read(ctx context.Context, id string) ([]byte, Version, error)
}

// LocalStore is the cache the queue reads uploads from and merges downloads into.
type LocalStore interface {
	Payload(ctx context.Context, id string) ([]byte, cache.Entry, error)
	ApplyRemote(ctx context.Context, id, kind string, payload []byte, version uint64) error
	MarkSynced(ctx context.Context, id string, version uint64) error
	MarkStale(ctx context.Context, id string) error
	Evict(ctx context.Context, id string) error
}

// Config bounds retries, remote calls and history.
type Config struct {
	MaxRetries int
	// MaxManualRetries caps Retry per item. Zero means unlimited.
	MaxManualRetries int
	RemoteTimeout    time.Duration
	HistoryLimit     int
}

// DefaultConfig returns three retries, a 30s remote timeout and 100 runs of history.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RemoteTimeout: 30 * time.Second,
		HistoryLimit:  100,
	}
}

// Queue owns the sync lanes. All lane transitions happen under mu, so an
// observer never sees an item half moved.
type Queue struct {
	mu        sync.Mutex
	backend   storage.Backend
	local     LocalStore
	cfg       Config
	items     map[string]*Item
	known     map[string]Version
	watermark Watermark
	history   []RunRecord
	rev       uint64

	sink notify.Sink
	now  func() time.Time
	log  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) Option {
	return func(q *Queue) { q.sink = sink }
}

// Open restores the queue persisted in backend.
func Open(ctx context.Context, backend storage.Backend, local LocalStore, cfg Config, opts ...Option) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", cfg.MaxRetries)
	}
	if cfg.MaxManualRetries < 0 {
		return nil, fmt.Errorf("max manual retries must be non-negative, got %d", cfg.MaxManualRetries)
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	q := &Queue{
		backend: backend,
		local:   local,
		cfg:     cfg,
		items:   map[string]*Item{},
		known:   map[string]Version{},
		sink:    notify.Nop,
		now:     time.Now,
		log:     logger.WithComponent("syncqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.log.Info("sync queue opened", "items", len(q.items), "watermark", q.watermark)
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	keys, err := q.backend.List(ctx, storage.BucketSyncItems)
	if err != nil {
		return fmt.Errorf("list sync items: %w", err)
	}
	for _, key := range keys {
		var it Item
		if err := storage.GetJSON(ctx, q.backend, storage.BucketSyncItems, key, &it); err != nil {
			return fmt.Errorf("load sync item %s: %w", key, err)
		}
		q.rev++
		it.rev = q.rev
		q.items[it.ID] = &it
	}

	keys, err = q.backend.List(ctx, storage.BucketSyncVersions)
	if err != nil {
		return fmt.Errorf("list sync versions: %w", err)
	}
	for _, key := range keys {
		var v Version
		if err := storage.GetJSON(ctx, q.backend, storage.BucketSyncVersions, key, &v); err != nil {
			return fmt.Errorf("load version %s: %w", key, err)
		}
		q.known[key] = v
	}

	var wm Watermark
	err = storage.GetJSON(ctx, q.backend, storage.BucketSyncMeta, watermarkKey, &wm)
	switch {
	case err == nil:
		q.watermark = wm
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load watermark: %w", err)
	}

	keys, err = q.backend.List(ctx, storage.BucketSyncRuns)
	if err != nil {
		return fmt.Errorf("list sync runs: %w", err)
	}
	if len(keys) > q.cfg.HistoryLimit {
		keys = keys[len(keys)-q.cfg.HistoryLimit:]
	}
	for _, key := range keys {
		var rec RunRecord
		if err := storage.GetJSON(ctx, q.backend, storage.BucketSyncRuns, key, &rec); err != nil {
			return fmt.Errorf("load run %s: %w", key, err)
		}
		q.history = append(q.history, rec)
	}
	return nil
}

// EnqueueLocalChange records a local mutation in the upload lane. When id is
// already queued the newer LastModifiedAt wins and the lane restarts at upload.
func (q *Queue) EnqueueLocalChange(ctx context.Context, it Item) error {
	if it.ID == "" {
		return errors.New("syncqueue: empty id")
	}
	now := q.now()
	if it.LastModifiedAt.IsZero() {
		it.LastModifiedAt = now
	}
	if it.Priority == "" {
		it.Priority = cache.PriorityMedium
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.items[it.ID]
	if ok && existing.LastModifiedAt.After(it.LastModifiedAt) {
		q.log.Debug("ignoring older local change", "id", it.ID)
		return nil
	}

	next := &Item{
		ID:             it.ID,
		Kind:           it.Kind,
		SizeBytes:      it.SizeBytes,
		LastModifiedAt: it.LastModifiedAt,
		Lane:           LaneUpload,
		Origin:         LaneUpload,
		Priority:       it.Priority,
		LocalVersion:   q.known[it.ID] + 1,
		BaseVersion:    q.known[it.ID],
		CreatedAt:      now,
	}
	if ok {
		next.CreatedAt = existing.CreatedAt
		next.RemoteVersion = existing.RemoteVersion
		if existing.Lane == LaneConflict {
			q.log.Info("local change restarts conflicted item", "id", it.ID)
		}
	}
	q.rev++
	next.rev = q.rev
	q.items[it.ID] = next
	return q.persistItemLocked(ctx, next)
}

// ResolveConflict settles a conflicted item. ServerWins drops the local change
// and files the remote copy for download, hiding the cached copy until it
// arrives; ClientWins re-queues the upload with a version newer than both sides.
func (q *Queue) ResolveConflict(ctx context.Context, id string, r Resolution) error {
	if r != ServerWins && r != ClientWins {
		return fmt.Errorf("syncqueue: unknown resolution %q", r)
	}
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok || it.Lane != LaneConflict {
		q.mu.Unlock()
		q.log.Warn("resolve on item without conflict", "id", id, "resolution", r)
		notify.Emit(ctx, q.sink, notify.LevelWarning, notifySource, fmt.Sprintf("Nothing to resolve for %q", id))
		return fmt.Errorf("resolve %s: %w", id, ErrConfigurationMismatch)
	}

	switch r {
	case ServerWins:
		// The known version moves only once the download lands.
		it.Lane = LaneDownload
		it.Origin = LaneDownload
		it.LocalVersion = q.known[id]
		it.BaseVersion = q.known[id]
		it.ChangeSeq = 0
		if q.local != nil {
			// Stale before the item is visible to a run, so the refreshed copy is never hidden.
			if serr := q.local.MarkStale(ctx, id); serr != nil {
				q.log.Warn("mark cache entry stale failed", "id", id, "error", serr)
			}
		}
	case ClientWins:
		// The remote rejected LocalVersion, so it is at most RemoteVersion+1.
		it.LocalVersion = it.RemoteVersion + 1
		it.BaseVersion = it.RemoteVersion
		it.Lane = LaneUpload
		it.Origin = LaneUpload
		it.Deleted = false
	}
	it.RetryCount = 0
	it.ErrorMessage = ""
	q.rev++
	it.rev = q.rev
	err := q.persistItemLocked(ctx, it)
	q.mu.Unlock()

	q.log.Info("conflict resolved", "id", id, "resolution", r)
	notify.Emit(ctx, q.sink, notify.LevelInfo, notifySource, fmt.Sprintf("Conflict on %q resolved (%s)", id, r))
	return err
}

// Retry moves an errored item back to the lane it failed from. Items outside
// the error lane, and items that hit MaxManualRetries, are ineligible.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok || it.Lane != LaneError {
		return fmt.Errorf("retry %s: %w", id, ErrIneligible)
	}
	if q.cfg.MaxManualRetries > 0 && it.ManualRetries >= q.cfg.MaxManualRetries {
		return fmt.Errorf("retry %s: manual retry limit %d reached: %w", id, q.cfg.MaxManualRetries, ErrIneligible)
	}
	it.RetryCount++
	it.ManualRetries++
	it.Lane = it.Origin
	if it.Lane != LaneUpload && it.Lane != LaneDownload {
		it.Lane = LaneUpload
	}
	it.ErrorMessage = ""
	q.rev++
	it.rev = q.rev
	q.log.Info("item retried", "id", id, "lane", it.Lane, "retry_count", it.RetryCount)
	return q.persistItemLocked(ctx, it)
}

// Item returns a copy of the queued item for id.
func (q *Queue) Item(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Watermark returns the confirmed change-feed position.
func (q *Queue) Watermark() Watermark {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.watermark
}

// KnownVersion returns the last remote version id was reconciled at.
func (q *Queue) KnownVersion(id string) Version {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.known[id]
}

// Snapshot is a consistent view of the lanes.
type Snapshot struct {
	Counts    map[Lane]int `json:"counts"`
	Items     []Item       `json:"items"`
	Watermark Watermark    `json:"watermark"`
	LastRun   *RunRecord   `json:"last_run,omitempty"`
}

// Snapshot copies every item under the queue lock, ordered by lane then id.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{Counts: map[Lane]int{}, Watermark: q.watermark}
	for _, l := range Lanes {
		s.Counts[l] = 0
	}
	laneOrder := map[Lane]int{}
	for i, l := range Lanes {
		laneOrder[l] = i
	}
	for _, it := range q.items {
		s.Counts[it.Lane]++
		s.Items = append(s.Items, *it)
	}
	sort.Slice(s.Items, func(i, j int) bool {
		a, b := s.Items[i], s.Items[j]
		if a.Lane != b.Lane {
			return laneOrder[a.Lane] < laneOrder[b.Lane]
		}
		return a.ID < b.ID
	})
	if n := len(q.history); n > 0 {
		last := q.history[n-1]
		s.LastRun = &last
	}
	return s
}

// LaneCounts returns item counts keyed by lane name.
func (q *Queue) LaneCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(Lanes))
	for _, l := range Lanes {
		out[string(l)] = 0
	}
	for _, it := range q.items {
		out[string(it.Lane)]++
	}
	return out
}

// History returns up to limit run records, newest first. A non-positive
// limit returns all retained records.
func (q *Queue) History(limit int) []RunRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RunRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, q.history[i])
	}
	return out
}

// AppendRun records rec in the history. RunSync calls it for every run.
func (q *Queue) AppendRun(ctx context.Context, rec RunRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history = append(q.history, rec)
	var errs []error
	if err := storage.PutJSON(ctx, q.backend, storage.BucketSyncRuns, runKey(rec), rec); err != nil {
		errs = append(errs, fmt.Errorf("persist run %s: %w", rec.ID, err))
	}
	for len(q.history) > q.cfg.HistoryLimit {
		old := q.history[0]
		q.history = q.history[1:]
		if err := q.backend.Delete(ctx, storage.BucketSyncRuns, runKey(old)); err != nil {
			errs = append(errs, fmt.Errorf("prune run %s: %w", old.ID, err))
		}
	}
	return errors.Join(errs...)
}

// runKey sorts lexically in start order.
func runKey(rec RunRecord) string {
	return fmt.Sprintf("%020d-%s", rec.StartedAt.UnixNano(), rec.ID)
}

func (q *Queue) persistItemLocked(ctx context.Context, it *Item) error {
	if err := storage.PutJSON(ctx, q.backend, storage.BucketSyncItems, it.ID, it); err != nil {
		return fmt.Errorf("persist item %s: %w", it.ID, err)
	}
	return nil
}

func (q *Queue) deleteItemLocked(ctx context.Context, id string) error {
	if err := q.backend.Delete(ctx, storage.BucketSyncItems, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

func (q *Queue) persistVersionLocked(ctx context.Context, id string) error {
	if err := storage.PutJSON(ctx, q.backend, storage.BucketSyncVersions, id, q.known[id]); err != nil {
		return fmt.Errorf("persist version %s: %w", id, err)
	}
	return nil
}

func (q *Queue) persistWatermarkLocked(ctx context.Context) error {
	if err := storage.PutJSON(ctx, q.backend, storage.BucketSyncMeta, watermarkKey, q.watermark); err != nil {
		return fmt.Errorf("persist watermark %s: %w", strconv.FormatUint(uint64(q.watermark), 10), err)
	}
	return nil
}
