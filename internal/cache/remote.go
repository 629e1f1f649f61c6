package cache

import (
	"context"
	"fmt"

	"github.com/onnwee/lessonsync/internal/storage"
)

// Payload returns the decoded payload of id regardless of expiry, for
// uploading local changes. Corrupted entries return ErrCorrupted.
func (s *Store) Payload(ctx context.Context, id string) ([]byte, Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	var snap Entry
	if ok {
		snap = e.clone()
		snap.gen = e.gen
	}
	s.mu.RUnlock()
	if !ok {
		return nil, Entry{}, ErrNotFound
	}
	if snap.Status == StatusCorrupted {
		return nil, snap, ErrCorrupted
	}
	payload, err := s.readPayload(ctx, &snap)
	if err != nil {
		if err2 := s.markCorrupted(ctx, id, snap.gen, err.Error()); err2 != nil {
			s.log.Warn("mark corrupted failed", "id", id, "error", err2)
		}
		return nil, snap, err
	}
	return payload, snap, nil
}

// ApplyRemote stores a payload fetched from the remote at version, keeping
// the entry's priority and tags when it already exists.
func (s *Store) ApplyRemote(ctx context.Context, id, kind string, payload []byte, version uint64) error {
	meta := Meta{Kind: kind, Priority: PriorityMedium, SyncedVersion: version}
	if e, ok := s.Entry(id); ok {
		meta.Priority = e.Priority
		meta.Tags = e.Tags
		if meta.Kind == "" {
			meta.Kind = e.Kind
		}
	}
	if err := s.Put(ctx, id, payload, meta); err != nil {
		return fmt.Errorf("apply remote %s: %w", id, err)
	}
	return nil
}

// MarkSynced records that id matches the remote at version.
func (s *Store) MarkSynced(ctx context.Context, id string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	e.SyncedVersion = version
	e.LastSyncedAt = &now
	e.PendingUpload = false
	return s.persistLocked(ctx, e)
}

// MarkStale flags id as awaiting a refresh from the remote. Pending entries
// are not returned by Get until the next Put. Missing ids are ignored.
func (s *Store) MarkStale(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.Status = StatusPending
	s.gen++
	e.gen = s.gen
	s.hot.del(id)
	return s.persistLocked(ctx, e)
}

func (s *Store) persistLocked(ctx context.Context, e *Entry) error {
	if err := storage.PutJSON(ctx, s.backend, storage.BucketCacheEntries, e.ID, e); err != nil {
		return fmt.Errorf("persist entry %s: %w", e.ID, err)
	}
	return nil
}
