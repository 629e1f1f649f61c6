// Package storage defines the local persistent key/record store the engine is
// built on, plus an in-memory implementation used by tests and ephemeral devices.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a bucket/key pair has no record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrFull is returned when a write would push the backend past its size bound.
	ErrFull = errors.New("storage: capacity exceeded")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: backend closed")
)

// Buckets used by the cache store, the sync queue and runtime settings.
const (
	BucketCacheEntries  = "cache_entries"
	BucketCachePayloads = "cache_payloads"
	BucketCacheMeta     = "cache_meta"
	BucketSyncItems     = "sync_items"
	BucketSyncVersions  = "sync_versions"
	BucketSyncMeta      = "sync_meta"
	BucketSyncRuns      = "sync_runs"
	BucketSettings      = "settings"
)

// Backend is a size-bounded key/record store partitioned into buckets.
//
// Implementations must be safe for concurrent use. List returns keys in
// ascending lexical order.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	// Delete is idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) ([]string, error)
	// Size reports stored value bytes in bucket, or across all buckets when bucket is "".
	Size(ctx context.Context, bucket string) (int64, error)
	Close() error
}

// PutJSON encodes v as JSON and stores it under bucket/key.
func PutJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return b.Put(ctx, bucket, key, data)
}

// GetJSON loads bucket/key and decodes it into v.
func GetJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	data, err := b.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}
