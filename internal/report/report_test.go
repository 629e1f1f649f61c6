package report

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/circuitbreaker"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

func newFacade(t *testing.T) *Facade {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemory(0)
	c, err := cache.Open(ctx, backend, cache.DefaultPolicy(), 0)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(c.Close)
	q, err := syncqueue.Open(ctx, backend, c, syncqueue.DefaultConfig())
	if err != nil {
		t.Fatalf("syncqueue.Open: %v", err)
	}
	return &Facade{Cache: c, Queue: q}
}

func TestSnapshotEmptyEngine(t *testing.T) {
	f := newFacade(t)
	s := f.Snapshot()

	if !s.Online {
		t.Error("expected online when no connectivity source is attached")
	}
	if len(s.Lanes) != len(syncqueue.Lanes) {
		t.Fatalf("expected every lane, got %v", s.Lanes)
	}
	for _, l := range syncqueue.Lanes {
		if s.Lanes[l].Count != 0 || s.Lanes[l].Items == nil {
			t.Errorf("lane %s: %+v", l, s.Lanes[l])
		}
	}
	if s.History == nil || s.Scheduler != nil || s.RemoteBreaker != "" {
		t.Errorf("unexpected optional sections: %+v", s)
	}

	// Empty lanes and history encode as arrays, not null.
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]json.RawMessage
	json.Unmarshal(raw, &decoded)
	if string(decoded["history"]) != "[]" {
		t.Errorf("history = %s", decoded["history"])
	}
}

func TestSnapshotReflectsEngineState(t *testing.T) {
	f := newFacade(t)
	ctx := context.Background()

	if err := f.Cache.Put(ctx, "lesson-1", []byte("hello"), cache.Meta{Kind: "lesson"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.Queue.EnqueueLocalChange(ctx, syncqueue.Item{ID: "progress-1", Kind: "progress", SizeBytes: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.Queue.AppendRun(ctx, syncqueue.RunRecord{ID: string(rune('a' + i)), StartedAt: time.Unix(int64(i), 0), Outcome: syncqueue.OutcomeSuccess})
	}

	recent := notify.NewBuffer(5)
	notify.Emit(ctx, recent, notify.LevelInfo, "sync", "sync completed")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.Online = func() bool { return false }
	f.Breaker = func() circuitbreaker.State { return circuitbreaker.StateOpen }
	f.Recent = recent
	f.HistoryLimit = 2
	f.Now = func() time.Time { return fixed }

	s := f.Snapshot()
	if s.Online {
		t.Error("expected offline")
	}
	if !s.GeneratedAt.Equal(fixed) {
		t.Errorf("generated_at = %v", s.GeneratedAt)
	}
	if s.Cache.TotalItems != 1 {
		t.Errorf("cache items = %d", s.Cache.TotalItems)
	}
	up := s.Lanes[syncqueue.LaneUpload]
	if up.Count != 1 || len(up.Items) != 1 || up.Items[0].ID != "progress-1" {
		t.Errorf("upload lane = %+v", up)
	}
	if len(s.History) != 2 || s.History[0].ID != "c" {
		t.Errorf("history = %+v", s.History)
	}
	if s.RemoteBreaker != "open" {
		t.Errorf("breaker = %q", s.RemoteBreaker)
	}
	if len(s.Notifications) != 1 || s.Notifications[0].Message != "sync completed" {
		t.Errorf("notifications = %+v", s.Notifications)
	}
}

func TestFacadeFeedsMetricsSource(t *testing.T) {
	f := newFacade(t)
	ctx := context.Background()
	f.Cache.Put(ctx, "a", []byte("payload"), cache.Meta{Kind: "lesson"})
	f.Queue.EnqueueLocalChange(ctx, syncqueue.Item{ID: "a", Kind: "lesson"})

	bytes, items := f.CacheUsage()
	if items != 1 || bytes <= 0 {
		t.Errorf("usage = %d bytes, %d items", bytes, items)
	}
	if got := f.LaneCounts()[string(syncqueue.LaneUpload)]; got != 1 {
		t.Errorf("upload lane count = %d", got)
	}
}
