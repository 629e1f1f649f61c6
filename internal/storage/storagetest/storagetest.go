// Package storagetest holds a conformance suite shared by every storage.Backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/onnwee/lessonsync/internal/storage"
)

// Factory builds a fresh, empty backend bounded to maxBytes (0 = unbounded).
type Factory func(t *testing.T, maxBytes int64) storage.Backend

// Run exercises the Backend contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		want := []byte{0x00, 0xff, 'l', 'e', 's', 's', 'o', 'n'}
		if err := b.Put(ctx, "payloads", "lesson-1", want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := b.Get(ctx, "payloads", "lesson-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get = %v, want %v", got, want)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t, 0)
		_, err := b.Get(context.Background(), "payloads", "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BucketsAreIsolated", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		if err := b.Put(ctx, "a", "k", []byte("1")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := b.Get(ctx, "b", "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected key to be invisible in other bucket, got %v", err)
		}
	})

	t.Run("OverwriteAndSize", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		_ = b.Put(ctx, "a", "k1", []byte("12345"))
		_ = b.Put(ctx, "a", "k1", []byte("12"))
		_ = b.Put(ctx, "b", "k2", []byte("123"))

		size, err := b.Size(ctx, "a")
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 2 {
			t.Errorf("Size(a) = %d, want 2", size)
		}
		total, err := b.Size(ctx, "")
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if total != 5 {
			t.Errorf("Size(all) = %d, want 5", total)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		_ = b.Put(ctx, "a", "k", []byte("v"))
		if err := b.Delete(ctx, "a", "k"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := b.Delete(ctx, "a", "k"); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if _, err := b.Get(ctx, "a", "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		for _, k := range []string{"quiz-2", "lesson-1", "media-9"} {
			_ = b.Put(ctx, "entries", k, []byte(k))
		}
		keys, err := b.List(ctx, "entries")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		want := []string{"lesson-1", "media-9", "quiz-2"}
		if len(keys) != len(want) {
			t.Fatalf("List = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("List[%d] = %s, want %s", i, keys[i], want[i])
			}
		}
	})

	t.Run("SizeBound", func(t *testing.T) {
		b := newBackend(t, 10)
		ctx := context.Background()
		if err := b.Put(ctx, "a", "k1", []byte("123456")); err != nil {
			t.Fatalf("Put within bound: %v", err)
		}
		if err := b.Put(ctx, "a", "k2", []byte("123456")); !errors.Is(err, storage.ErrFull) {
			t.Errorf("expected ErrFull, got %v", err)
		}
		// Shrinking an existing record is always allowed.
		if err := b.Put(ctx, "a", "k1", []byte("1")); err != nil {
			t.Errorf("shrinking overwrite failed: %v", err)
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		b := newBackend(t, 0)
		ctx := context.Background()
		type rec struct {
			ID    string `json:"id"`
			Count int    `json:"count"`
		}
		if err := storage.PutJSON(ctx, b, "meta", "r", rec{ID: "x", Count: 3}); err != nil {
			t.Fatalf("PutJSON: %v", err)
		}
		var got rec
		if err := storage.GetJSON(ctx, b, "meta", "r", &got); err != nil {
			t.Fatalf("GetJSON: %v", err)
		}
		if got.ID != "x" || got.Count != 3 {
			t.Errorf("GetJSON = %+v", got)
		}
	})
}
