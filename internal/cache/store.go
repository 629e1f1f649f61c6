// Package cache implements the offline content cache: a size-bounded,
// policy-driven store of lesson payloads with lazy expiry, corruption
// tracking and deterministic eviction.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/storage"
)

const (
	notifySource = "cache"
	policyKey    = "policy"
)

// Store owns the cache entry set and its payloads.
type Store struct {
	mu      sync.RWMutex
	backend storage.Backend
	policy  Policy
	entries map[string]*Entry
	used    int64 // sum of entries' SizeBytes
	dirty   map[string]struct{}
	gen     uint64
	overage *Overage

	hot  *hotTier
	sink notify.Sink
	now  func() time.Time
	log  *slog.Logger

	autoSweepRecheck time.Duration

	hits         atomic.Int64
	misses       atomic.Int64
	accessNanos  atomic.Int64
	accessCount  atomic.Int64
	evictedTotal atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithAutoSweepRecheck sets how often RunAutoSweep re-reads a disabled policy.
func WithAutoSweepRecheck(d time.Duration) Option {
	return func(s *Store) { s.autoSweepRecheck = d }
}

// Open loads the persisted entry set from backend and returns a ready Store.
// hotBytes bounds the in-memory decoded payload tier; zero disables it.
func Open(ctx context.Context, backend storage.Backend, policy Policy, hotBytes int64, opts ...Option) (*Store, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	hot, err := newHotTier(hotBytes, int64(policy.MaxItemCount))
	if err != nil {
		return nil, fmt.Errorf("create hot tier: %w", err)
	}
	s := &Store{
		backend:          backend,
		policy:           policy.clone(),
		entries:          map[string]*Entry{},
		dirty:            map[string]struct{}{},
		hot:              hot,
		sink:             notify.Nop,
		now:              time.Now,
		log:              logger.WithComponent("cache"),
		autoSweepRecheck: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	// A policy saved through UpdatePolicy wins over the configured default.
	var saved Policy
	switch err := storage.GetJSON(ctx, backend, storage.BucketCacheMeta, policyKey, &saved); {
	case err == nil:
		if verr := saved.Validate(); verr != nil {
			s.log.Warn("ignoring invalid saved cache policy", "error", verr)
		} else {
			s.policy = saved.clone()
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load cache policy: %w", err)
	}

	keys, err := backend.List(ctx, storage.BucketCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	for _, key := range keys {
		var e Entry
		if err := storage.GetJSON(ctx, backend, storage.BucketCacheEntries, key, &e); err != nil {
			return nil, fmt.Errorf("load cache entry %s: %w", key, err)
		}
		s.gen++
		e.gen = s.gen
		s.entries[e.ID] = &e
		s.used += e.SizeBytes
	}
	s.log.Info("cache store opened", "entries", len(s.entries))
	return s, nil
}

// Close releases the hot tier. The backend is owned by the caller.
func (s *Store) Close() {
	s.hot.close()
}

// Policy returns a copy of the active policy.
func (s *Store) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.clone()
}

// UpdatePolicy validates, saves and installs p. It takes effect on the next
// insert or sweep and survives a restart.
func (s *Store) UpdatePolicy(ctx context.Context, p Policy) error {
	if err := p.Validate(); err != nil {
		s.log.Warn("rejected cache policy", "error", err)
		return err
	}
	s.mu.Lock()
	if err := storage.PutJSON(ctx, s.backend, storage.BucketCacheMeta, policyKey, p); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist cache policy: %w", err)
	}
	s.policy = p.clone()
	s.mu.Unlock()
	s.log.Info("cache policy updated", "strategy", p.EvictionStrategy, "max_bytes", p.MaxTotalBytes, "max_items", p.MaxItemCount)
	notify.Emit(ctx, s.sink, notify.LevelInfo, notifySource, "Offline storage settings updated")
	return nil
}

// Get returns the record for id when it is valid and unexpired. Stale,
// pending and corrupted entries count as misses and are left in place.
func (s *Store) Get(ctx context.Context, id string) (Record, bool) {
	start := time.Now()
	defer func() {
		s.accessNanos.Add(int64(time.Since(start)))
		s.accessCount.Add(1)
	}()

	now := s.now()
	s.mu.RLock()
	e, ok := s.entries[id]
	var snap Entry
	if ok && e.Visible(now) {
		snap = e.clone()
		snap.gen = e.gen
	} else {
		ok = false
	}
	s.mu.RUnlock()
	if !ok {
		s.miss()
		return Record{}, false
	}

	payload, err := s.readPayload(ctx, &snap)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			_ = s.markCorrupted(ctx, id, snap.gen, err.Error())
		} else {
			s.log.Warn("cache read failed", "id", id, "error", err)
		}
		s.miss()
		return Record{}, false
	}

	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur.gen == snap.gen {
		cur.LastAccessedAt = now
		cur.HitCount++
		snap = cur.clone()
		s.dirty[id] = struct{}{}
	}
	s.mu.Unlock()

	s.hits.Add(1)
	metrics.CacheHits.Inc()
	return Record{Entry: snap, Payload: payload}, true
}

func (s *Store) miss() {
	s.misses.Add(1)
	metrics.CacheMisses.Inc()
}

// readPayload returns the decoded payload for e, verifying the stored checksum.
func (s *Store) readPayload(ctx context.Context, e *Entry) ([]byte, error) {
	if p, ok := s.hot.get(e.ID, e.gen); ok {
		return p, nil
	}
	stored, err := s.backend.Get(ctx, storage.BucketCachePayloads, e.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: payload missing", ErrCorrupted)
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if checksum(stored) != e.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch on read", ErrCorrupted)
	}
	payload, err := decode(stored, e.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	s.hot.set(e.ID, e.gen, payload)
	return payload, nil
}

// Put inserts or refreshes id. When the cache ends up over its caps a sweep
// runs before Put returns.
func (s *Store) Put(ctx context.Context, id string, payload []byte, meta Meta) error {
	if id == "" {
		return errors.New("cache: empty id")
	}
	if meta.Priority == "" {
		meta.Priority = PriorityMedium
	}
	if _, err := ParsePriority(string(meta.Priority)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	stored, enc, err := encode(payload, s.policy)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}

	e := &Entry{
		ID:             id,
		Kind:           meta.Kind,
		SizeBytes:      int64(len(stored)),
		OriginalSize:   int64(len(payload)),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      s.expiry(now, meta),
		Status:         StatusValid,
		Priority:       meta.Priority,
		Tags:           append([]string(nil), meta.Tags...),
		Checksum:       checksum(stored),
		Encoding:       enc,
		SyncedVersion:  meta.SyncedVersion,
		PendingUpload:  meta.PendingUpload,
	}
	if len(payload) > 0 {
		ratio := float64(len(stored)) / float64(len(payload))
		e.CompressionRatio = &ratio
	}
	if old, ok := s.entries[id]; ok {
		e.CreatedAt = old.CreatedAt
		e.HitCount = old.HitCount
		e.ErrorCount = old.ErrorCount
		if meta.SyncedVersion == 0 {
			e.SyncedVersion = old.SyncedVersion
			e.LastSyncedAt = old.LastSyncedAt
			e.PendingUpload = e.PendingUpload || old.PendingUpload
		}
	}
	if meta.SyncedVersion > 0 {
		t := now
		e.LastSyncedAt = &t
	}

	if err := s.putWithRoom(ctx, storage.BucketCachePayloads, id, stored); err != nil {
		return err
	}
	s.gen++
	e.gen = s.gen
	if old, ok := s.entries[id]; ok {
		s.used -= old.SizeBytes
	}
	s.entries[id] = e
	s.used += e.SizeBytes
	s.hot.del(id)

	if verr := s.verifyLocked(ctx, e); verr != nil {
		if err := storage.PutJSON(ctx, s.backend, storage.BucketCacheEntries, id, e); err != nil {
			s.log.Warn("persist corrupted entry failed", "id", id, "error", err)
		}
		return verr
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", id, err)
	}
	if err := s.putWithRoom(ctx, storage.BucketCacheEntries, id, doc); err != nil {
		return err
	}

	if s.overCapLocked() {
		s.sweepLocked(ctx)
	}
	return nil
}

func (s *Store) expiry(now time.Time, meta Meta) *time.Time {
	var exp *time.Time
	switch {
	case meta.ExpiresAt != nil:
		t := *meta.ExpiresAt
		exp = &t
	case meta.TTL > 0:
		t := now.Add(meta.TTL)
		exp = &t
	}
	if age := s.policy.maxAge(); age > 0 {
		limit := now.Add(age)
		if exp == nil || exp.After(limit) {
			exp = &limit
		}
	}
	return exp
}

// putWithRoom writes to the backend, evicting by policy order while the
// backend itself reports it is full.
func (s *Store) putWithRoom(ctx context.Context, bucket, id string, value []byte) error {
	for {
		err := s.backend.Put(ctx, bucket, id, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrFull) {
			return fmt.Errorf("write %s/%s: %w", bucket, id, err)
		}
		if !s.evictOneLocked(ctx, id) {
			return fmt.Errorf("write %s/%s: %w", bucket, id, errors.Join(ErrCapacityExceeded, err))
		}
	}
}

// evictOneLocked removes the first capacity candidate other than keep.
func (s *Store) evictOneLocked(ctx context.Context, keep string) bool {
	order, _ := evictionOrder(s.candidatesLocked(), s.policy)
	for _, e := range order {
		if e.ID == keep {
			continue
		}
		s.removeLocked(ctx, e.ID, "capacity")
		return true
	}
	return false
}

// verifyLocked reads the stored bytes back and compares checksums.
func (s *Store) verifyLocked(ctx context.Context, e *Entry) error {
	back, err := s.backend.Get(ctx, storage.BucketCachePayloads, e.ID)
	if err == nil && checksum(back) == e.Checksum {
		return nil
	}
	reason := "checksum mismatch on write"
	if err != nil {
		reason = fmt.Sprintf("write verification failed: %v", err)
	}
	s.corruptLocked(ctx, e, reason)
	return fmt.Errorf("verify %s: %w", e.ID, ErrCorrupted)
}

// Evict removes id. Missing ids are not an error.
func (s *Store) Evict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	return s.removeLocked(ctx, id, "manual")
}

func (s *Store) removeLocked(ctx context.Context, id, reason string) error {
	if e, ok := s.entries[id]; ok {
		s.used -= e.SizeBytes
		if reason == "capacity" && e.PendingUpload {
			s.log.Warn("evicted entry with unsynced local change", "id", id)
			notify.Emit(ctx, s.sink, notify.LevelWarning, notifySource,
				fmt.Sprintf("Storage is full: unsynced changes to %q were removed", id))
		}
	}
	delete(s.entries, id)
	delete(s.dirty, id)
	s.hot.del(id)
	s.evictedTotal.Add(1)
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
	var errs []error
	if err := s.backend.Delete(ctx, storage.BucketCachePayloads, id); err != nil {
		errs = append(errs, fmt.Errorf("delete payload %s: %w", id, err))
	}
	if err := s.backend.Delete(ctx, storage.BucketCacheEntries, id); err != nil {
		errs = append(errs, fmt.Errorf("delete entry %s: %w", id, err))
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("cache removal incomplete", "id", id, "reason", reason, "error", err)
		return err
	}
	return nil
}

// MarkCorrupted records an externally detected corruption of id.
func (s *Store) MarkCorrupted(ctx context.Context, id, reason string) error {
	return s.markCorrupted(ctx, id, 0, reason)
}

// markCorrupted marks id corrupted. A non-zero gen only marks that generation,
// so a concurrent refresh is not clobbered by a stale read.
func (s *Store) markCorrupted(ctx context.Context, id string, gen uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if gen != 0 && e.gen != gen {
		return nil
	}
	s.corruptLocked(ctx, e, reason)
	if err := storage.PutJSON(ctx, s.backend, storage.BucketCacheEntries, id, e); err != nil {
		return fmt.Errorf("persist entry %s: %w", id, err)
	}
	return nil
}

func (s *Store) corruptLocked(ctx context.Context, e *Entry, reason string) {
	e.Status = StatusCorrupted
	e.ErrorCount++
	e.CorruptionReason = reason
	s.gen++
	e.gen = s.gen
	s.hot.del(e.ID)
	metrics.CacheCorruptions.Inc()
	s.log.Warn("cache entry corrupted", "id", e.ID, "reason", reason)
	notify.Emit(ctx, s.sink, notify.LevelWarning, notifySource, fmt.Sprintf("Saved content %q is damaged and will be downloaded again", e.ID))
}

// Entry returns a copy of the metadata for id.
func (s *Store) Entry(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns copies of all entries ordered by id.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Usage reports the stored bytes and item count.
func (s *Store) Usage() (int64, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, len(s.entries)
}

func (s *Store) overCapLocked() bool {
	if s.policy.MaxItemCount > 0 && len(s.entries) > s.policy.MaxItemCount {
		return true
	}
	return s.policy.MaxTotalBytes > 0 && s.used > s.policy.MaxTotalBytes
}

func (s *Store) candidatesLocked() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
