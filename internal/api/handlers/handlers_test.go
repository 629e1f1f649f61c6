package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/onnwee/lessonsync/internal/apierr"
	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/report"
	"github.com/onnwee/lessonsync/internal/scheduler"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

// scriptedRemote answers every write with a conflict or a failure.
type scriptedRemote struct {
	conflict bool
}

func (s *scriptedRemote) Write(ctx context.Context, id string, payload []byte, v syncqueue.Version) (syncqueue.WriteResult, error) {
	if s.conflict {
		return syncqueue.WriteResult{Conflict: true, RemoteVersion: v + 1}, nil
	}
	return syncqueue.WriteResult{}, errors.New("503 service unavailable")
}

func (s *scriptedRemote) ChangesSince(ctx context.Context, since syncqueue.Watermark) ([]syncqueue.Change, error) {
	return nil, nil
}

func (s *scriptedRemote) Read(ctx context.Context, id string) ([]byte, syncqueue.Version, error) {
	return nil, 0, errors.New("not found")
}

type stubSyncer struct{ err error }

func (s stubSyncer) SyncNow(context.Context) error { return s.err }

type env struct {
	facade *report.Facade
	router *mux.Router
}

func newEnv(t *testing.T, syncer Syncer) *env {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemory(0)
	c, err := cache.Open(ctx, backend, cache.DefaultPolicy(), 0)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(c.Close)
	cfg := syncqueue.DefaultConfig()
	cfg.MaxRetries = 1
	q, err := syncqueue.Open(ctx, backend, c, cfg)
	if err != nil {
		t.Fatalf("syncqueue.Open: %v", err)
	}
	f := &report.Facade{Cache: c, Queue: q}

	ch := NewCacheHandler(c)
	sh := NewSyncHandler(q, f, syncer)
	r := mux.NewRouter()
	r.HandleFunc("/api/status", GetStatus(f)).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/stats", ch.GetStats).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/policy", ch.GetPolicy).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/policy", ch.UpdatePolicy).Methods(http.MethodPut)
	r.HandleFunc("/api/cache/sweep", ch.Sweep).Methods(http.MethodPost)
	r.HandleFunc("/api/cache/entries/{id}", ch.GetEntry).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/entries/{id}", ch.EvictEntry).Methods(http.MethodDelete)
	r.HandleFunc("/api/sync/lanes", sh.GetLanes).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/history", sh.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/items/{id}", sh.GetItem).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/now", sh.SyncNow).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/conflicts/{id}/resolve", sh.ResolveConflict).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/items/{id}/retry", sh.RetryItem).Methods(http.MethodPost)
	return &env{facade: f, router: r}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// queue puts id in the upload lane and runs once against remote.
func (e *env) queue(t *testing.T, id string, remote syncqueue.Remote) {
	t.Helper()
	ctx := context.Background()
	if err := e.facade.Cache.Put(ctx, id, []byte("progress"), cache.Meta{Kind: "progress"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.facade.Queue.EnqueueLocalChange(ctx, syncqueue.Item{ID: id, Kind: "progress", SizeBytes: 8}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if remote != nil {
		e.facade.Queue.RunSync(ctx, remote, syncqueue.RunOptions{Trigger: syncqueue.TriggerManual})
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) apierr.ErrorCode {
	t.Helper()
	var resp apierr.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Error == nil {
		t.Fatalf("expected error body, got %q", rr.Body.String())
	}
	return resp.Error.Code
}

func TestCacheStatsAndEntry(t *testing.T) {
	e := newEnv(t, nil)
	e.facade.Cache.Put(context.Background(), "lesson-1", []byte(strings.Repeat("a", 100)), cache.Meta{Kind: "lesson"})

	rr := e.do(t, http.MethodGet, "/api/cache/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status %d", rr.Code)
	}
	var st cache.Stats
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.TotalItems != 1 {
		t.Errorf("total_items = %d", st.TotalItems)
	}

	rr = e.do(t, http.MethodGet, "/api/cache/entries/lesson-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("entry status %d", rr.Code)
	}
	rr = e.do(t, http.MethodGet, "/api/cache/entries/missing", "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != apierr.ErrCacheNotFound {
		t.Errorf("missing entry: %d %s", rr.Code, rr.Body.String())
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	e.facade.Cache.Put(context.Background(), "a", []byte("x"), cache.Meta{Kind: "lesson"})

	for i := 0; i < 2; i++ {
		if rr := e.do(t, http.MethodDelete, "/api/cache/entries/a", ""); rr.Code != http.StatusNoContent {
			t.Fatalf("evict #%d: status %d", i, rr.Code)
		}
	}
	if _, ok := e.facade.Cache.Entry("a"); ok {
		t.Error("entry still present")
	}
}

func TestUpdatePolicy(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		code     apierr.ErrorCode
		strategy cache.Strategy
	}{
		{"partial update keeps other fields", `{"eviction_strategy":"lfu"}`, http.StatusOK, "", cache.StrategyLFU},
		{"negative size rejected", `{"max_total_bytes":-1}`, http.StatusBadRequest, apierr.ErrCachePolicyInvalid, cache.StrategyLRU},
		{"unknown strategy rejected", `{"eviction_strategy":"mru"}`, http.StatusBadRequest, apierr.ErrCachePolicyInvalid, cache.StrategyLRU},
		{"unknown field rejected", `{"max_bytes":1}`, http.StatusBadRequest, apierr.ErrValidationInvalidJSON, cache.StrategyLRU},
		{"malformed json", `{`, http.StatusBadRequest, apierr.ErrValidationInvalidJSON, cache.StrategyLRU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			before := e.facade.Cache.Policy()

			rr := e.do(t, http.MethodPut, "/api/cache/policy", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if tt.code != "" && errorCode(t, rr) != tt.code {
				t.Errorf("code = %s", errorCode(t, rr))
			}
			after := e.facade.Cache.Policy()
			if after.EvictionStrategy != tt.strategy {
				t.Errorf("strategy = %s, want %s", after.EvictionStrategy, tt.strategy)
			}
			if after.MaxTotalBytes != before.MaxTotalBytes {
				t.Errorf("max_total_bytes changed: %d -> %d", before.MaxTotalBytes, after.MaxTotalBytes)
			}
		})
	}
}

func TestSweepEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.facade.Cache.Put(ctx, "a", []byte("x"), cache.Meta{Kind: "lesson"})
	e.facade.Cache.MarkCorrupted(ctx, "a", "bad read")

	rr := e.do(t, http.MethodPost, "/api/cache/sweep", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var rep cache.SweepReport
	json.Unmarshal(rr.Body.Bytes(), &rep)
	if rep.Corrupted != 1 || len(rep.Evicted) != 1 || rep.Evicted[0] != "a" {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestLanesAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	e.queue(t, "progress-1", &scriptedRemote{conflict: true})

	rr := e.do(t, http.MethodGet, "/api/sync/lanes", "")
	var lanes struct {
		Lanes map[string]report.Lane `json:"lanes"`
	}
	json.Unmarshal(rr.Body.Bytes(), &lanes)
	if lanes.Lanes["conflict"].Count != 1 || lanes.Lanes["pending_upload"].Count != 0 {
		t.Errorf("lanes = %+v", lanes.Lanes)
	}

	rr = e.do(t, http.MethodGet, "/api/sync/history?limit=5", "")
	var hist struct {
		Runs []syncqueue.RunRecord `json:"runs"`
	}
	json.Unmarshal(rr.Body.Bytes(), &hist)
	if len(hist.Runs) != 1 || hist.Runs[0].Conflicts != 1 {
		t.Errorf("history = %+v", hist.Runs)
	}

	for _, bad := range []string{"0", "abc", "501"} {
		rr = e.do(t, http.MethodGet, "/api/sync/history?limit="+bad, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d", bad, rr.Code)
		}
	}
}

func TestResolveConflict(t *testing.T) {
	e := newEnv(t, nil)
	e.queue(t, "progress-1", &scriptedRemote{conflict: true})

	rr := e.do(t, http.MethodPost, "/api/sync/conflicts/progress-1/resolve", `{"resolution":"sideways"}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != apierr.ErrValidationInvalidValue {
		t.Fatalf("bad resolution: %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/api/sync/conflicts/progress-1/resolve", `{"resolution":"client_wins"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rr.Code, rr.Body.String())
	}
	it, ok := e.facade.Queue.Item("progress-1")
	if !ok || it.Lane != syncqueue.LaneUpload {
		t.Fatalf("expected item back in upload lane, got %+v", it)
	}

	// Already resolved: a mismatch, not a failure of the server.
	rr = e.do(t, http.MethodPost, "/api/sync/conflicts/progress-1/resolve", `{"resolution":"server_wins"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != apierr.ErrSyncStateMismatch {
		t.Errorf("second resolve: %d %s", rr.Code, rr.Body.String())
	}
}

func TestRetryItem(t *testing.T) {
	e := newEnv(t, nil)
	e.queue(t, "progress-2", &scriptedRemote{})

	if it, _ := e.facade.Queue.Item("progress-2"); it.Lane != syncqueue.LaneError {
		t.Fatalf("setup: expected error lane, got %s", it.Lane)
	}
	rr := e.do(t, http.MethodPost, "/api/sync/items/progress-2/retry", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rr.Code, rr.Body.String())
	}
	var it syncqueue.Item
	json.Unmarshal(rr.Body.Bytes(), &it)
	if it.Lane != syncqueue.LaneUpload || it.RetryCount != 2 {
		t.Errorf("unexpected item after retry %+v", it)
	}

	rr = e.do(t, http.MethodPost, "/api/sync/items/progress-2/retry", "")
	if rr.Code != http.StatusConflict || errorCode(t, rr) != apierr.ErrSyncNotRetryable {
		t.Errorf("retry outside error lane: %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(t, http.MethodPost, "/api/sync/items/ghost/retry", "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != apierr.ErrSyncItemNotFound {
		t.Errorf("retry missing: %d %s", rr.Code, rr.Body.String())
	}
}

func TestSyncNow(t *testing.T) {
	tests := []struct {
		name   string
		syncer Syncer
		status int
		code   apierr.ErrorCode
	}{
		{"started", stubSyncer{}, http.StatusAccepted, ""},
		{"already running", stubSyncer{err: scheduler.ErrAlreadyRunning}, http.StatusConflict, apierr.ErrSyncAlreadyRunning},
		{"offline", stubSyncer{err: scheduler.ErrOffline}, http.StatusServiceUnavailable, apierr.ErrSyncOffline},
		{"scheduler disabled", nil, http.StatusServiceUnavailable, apierr.ErrSystemUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.syncer)
			rr := e.do(t, http.MethodPost, "/api/sync/now", "")
			if rr.Code != tt.status {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if tt.code != "" && errorCode(t, rr) != tt.code {
				t.Errorf("code = %s", errorCode(t, rr))
			}
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	e := newEnv(t, nil)
	e.queue(t, "progress-1", nil)

	rr := e.do(t, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var snap report.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Lanes[syncqueue.LaneUpload].Count != 1 || snap.Cache.TotalItems != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
