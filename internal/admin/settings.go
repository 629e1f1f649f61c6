// Package admin stores runtime settings that operators change without a
// restart, such as pausing automatic sync.
package admin

import (
	"context"
	"errors"
	"strings"

	"github.com/onnwee/lessonsync/internal/storage"
)

// KeySyncPaused stops timer and connectivity triggered runs while true.
const KeySyncPaused = "sync_paused"

// Get returns the value for a key or empty string if not set.
func Get(ctx context.Context, b storage.Backend, key string) (string, error) {
	v, err := b.Get(ctx, storage.BucketSettings, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Set sets the value for a key.
func Set(ctx context.Context, b storage.Backend, key, value string) error {
	return b.Put(ctx, storage.BucketSettings, key, []byte(strings.TrimSpace(value)))
}

// GetBool reads a boolean with default if missing.
func GetBool(ctx context.Context, b storage.Backend, key string, def bool) (bool, error) {
	v, err := Get(ctx, b, key)
	if err != nil {
		return def, err
	}
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return def, nil
	}
}

// SetBool stores a boolean as "true" or "false".
func SetBool(ctx context.Context, b storage.Backend, key string, v bool) error {
	if v {
		return Set(ctx, b, key, "true")
	}
	return Set(ctx, b, key, "false")
}
