// Package integrity checks and repairs the persisted engine records without
// loading them into a cache store or sync queue. A record that cannot be
// decoded stops the engine from opening, so these checks run against the
// raw backend.
package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

// Check names reported in CheckResult.
const (
	CheckUndecodableEntries = "undecodable_cache_entries"
	CheckOrphanPayloads     = "orphan_cache_payloads"
	CheckMissingPayloads    = "missing_cache_payloads"
	CheckUndecodableItems   = "undecodable_sync_items"
	CheckUndecodableRuns    = "undecodable_sync_runs"
)

// Service provides data integrity operations
type Service struct {
	backend storage.Backend
	now     func() time.Time
	log     *slog.Logger
}

// NewService creates a new integrity service
func NewService(backend storage.Backend) *Service {
	return &Service{
		backend: backend,
		now:     time.Now,
		log:     logger.WithComponent("integrity"),
	}
}

// CheckResult contains the result of an integrity check
type CheckResult struct {
	CheckName  string    `json:"check_name"`
	IssueCount int64     `json:"issue_count"`
	Keys       []string  `json:"keys,omitempty"`
	Details    string    `json:"details"`
	CheckedAt  time.Time `json:"checked_at"`
	HasIssues  bool      `json:"has_issues"`
}

// findings maps a check name to the offending keys.
type findings struct {
	undecodableEntries []string
	orphanPayloads     []string
	missingPayloads    []string
	undecodableItems   []string
	undecodableRuns    []string
}

func (s *Service) scan(ctx context.Context) (findings, error) {
	var f findings

	entryKeys, err := s.backend.List(ctx, storage.BucketCacheEntries)
	if err != nil {
		return f, fmt.Errorf("failed to list cache entries: %w", err)
	}
	payloadKeys, err := s.backend.List(ctx, storage.BucketCachePayloads)
	if err != nil {
		return f, fmt.Errorf("failed to list cache payloads: %w", err)
	}
	entries := make(map[string]struct{}, len(entryKeys))
	for _, key := range entryKeys {
		entries[key] = struct{}{}
	}
	payloads := make(map[string]struct{}, len(payloadKeys))
	for _, key := range payloadKeys {
		payloads[key] = struct{}{}
	}

	for _, key := range entryKeys {
		var e cache.Entry
		ok, err := s.decodes(ctx, storage.BucketCacheEntries, key, &e)
		if err != nil {
			return f, err
		}
		if !ok || e.ID != key {
			f.undecodableEntries = append(f.undecodableEntries, key)
			continue
		}
		if _, has := payloads[key]; !has {
			f.missingPayloads = append(f.missingPayloads, key)
		}
	}
	for _, key := range payloadKeys {
		if _, has := entries[key]; !has {
			f.orphanPayloads = append(f.orphanPayloads, key)
		}
	}

	if f.undecodableItems, err = s.undecodable(ctx, storage.BucketSyncItems, func() any { return &syncqueue.Item{} }); err != nil {
		return f, err
	}
	if f.undecodableRuns, err = s.undecodable(ctx, storage.BucketSyncRuns, func() any { return &syncqueue.RunRecord{} }); err != nil {
		return f, err
	}
	return f, nil
}

// decodes reports whether bucket/key holds valid JSON for v. A record
// deleted between List and Get counts as decodable.
func (s *Service) decodes(ctx context.Context, bucket, key string, v any) (bool, error) {
	raw, err := s.backend.Get(ctx, bucket, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return true, nil
	default:
		return false, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return json.Unmarshal(raw, v) == nil, nil
}

func (s *Service) undecodable(ctx context.Context, bucket string, newValue func() any) ([]string, error) {
	keys, err := s.backend.List(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", bucket, err)
	}
	var bad []string
	for _, key := range keys {
		ok, err := s.decodes(ctx, bucket, key, newValue())
		if err != nil {
			return nil, err
		}
		if !ok {
			bad = append(bad, key)
		}
	}
	return bad, nil
}

// CheckAllIntegrity runs all integrity checks
func (s *Service) CheckAllIntegrity(ctx context.Context) ([]CheckResult, error) {
	f, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	result := func(name, details string, keys []string) CheckResult {
		return CheckResult{
			CheckName:  name,
			IssueCount: int64(len(keys)),
			Keys:       keys,
			Details:    details,
			CheckedAt:  now,
			HasIssues:  len(keys) > 0,
		}
	}
	return []CheckResult{
		result(CheckUndecodableEntries, "Cache entry records that are not valid entry JSON", f.undecodableEntries),
		result(CheckOrphanPayloads, "Cache payloads with no entry record", f.orphanPayloads),
		result(CheckMissingPayloads, "Cache entries whose payload record is gone", f.missingPayloads),
		result(CheckUndecodableItems, "Sync queue items that are not valid item JSON", f.undecodableItems),
		result(CheckUndecodableRuns, "Sync run records that are not valid run JSON", f.undecodableRuns),
	}, nil
}

// RepairReport counts the records each cleanup removed.
type RepairReport struct {
	Removed map[string]int64 `json:"removed"`
}

// Repair removes every record a check flags. Entries missing their payload
// are dropped with it; an orphan payload is dropped alone. Sync items that
// cannot be decoded are lost, so the next sync run relies on the remote
// change feed to restore them.
func (s *Service) Repair(ctx context.Context, batchSize int) (RepairReport, error) {
	f, err := s.scan(ctx)
	if err != nil {
		return RepairReport{}, err
	}
	rep := RepairReport{Removed: map[string]int64{}}
	steps := []struct {
		name    string
		keys    []string
		buckets []string
	}{
		{CheckUndecodableEntries, f.undecodableEntries, []string{storage.BucketCacheEntries, storage.BucketCachePayloads}},
		{CheckOrphanPayloads, f.orphanPayloads, []string{storage.BucketCachePayloads}},
		{CheckMissingPayloads, f.missingPayloads, []string{storage.BucketCacheEntries}},
		{CheckUndecodableItems, f.undecodableItems, []string{storage.BucketSyncItems}},
		{CheckUndecodableRuns, f.undecodableRuns, []string{storage.BucketSyncRuns}},
	}
	for _, step := range steps {
		n, err := s.deleteInBatches(ctx, step.name, step.keys, batchSize, step.buckets...)
		rep.Removed[step.name] = n
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (s *Service) deleteInBatches(ctx context.Context, name string, keys []string, batchSize int, buckets ...string) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var totalDeleted int64
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		for _, key := range keys[start:end] {
			for _, bucket := range buckets {
				if err := s.backend.Delete(ctx, bucket, key); err != nil {
					return totalDeleted, fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
				}
			}
			totalDeleted++
		}
		s.log.Info("deleted batch", "check", name, "deleted", totalDeleted, "remaining", len(keys)-end)
	}
	return totalDeleted, nil
}
