package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/lessonsync/internal/circuitbreaker"
	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

type storedItem struct {
	payload []byte
	version uint64
}

// fakeServer speaks the remote wire format against an in-memory map.
type fakeServer struct {
	mu       sync.Mutex
	items    map[string]storedItem
	changes  []syncqueue.Change
	failNext int
	lastAuth string
}

func newFakeServer() *fakeServer {
	return &fakeServer{items: map[string]storedItem{}}
}

func (f *fakeServer) auth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func (f *fakeServer) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

func (f *fakeServer) setFailures(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.URL.Path == "/api/changes":
		since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
		out := []syncqueue.Change{}
		for _, c := range f.changes {
			if uint64(c.Seq) > since {
				out = append(out, c)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"changes": out})
	case strings.HasPrefix(r.URL.Path, "/api/items/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/items/")
		cur, ok := f.items[id]
		switch r.Method {
		case http.MethodGet:
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set(VersionHeader, strconv.FormatUint(cur.version, 10))
			w.Write(cur.payload)
		case http.MethodPut:
			v, err := strconv.ParseUint(r.Header.Get(VersionHeader), 10, 64)
			if err != nil {
				http.Error(w, "bad version", http.StatusBadRequest)
				return
			}
			if ok && v <= cur.version {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]uint64{"version": cur.version})
				return
			}
			body, _ := io.ReadAll(r.Body)
			f.items[id] = storedItem{payload: body, version: v}
			f.changes = append(f.changes, syncqueue.Change{Seq: syncqueue.Watermark(len(f.changes) + 1), ID: id, Version: syncqueue.Version(v), SizeBytes: int64(len(body))})
			json.NewEncoder(w).Encode(map[string]uint64{"version": v})
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	t.Setenv("HTTP_MAX_RETRIES", "3")
	t.Setenv("HTTP_RETRY_BASE_MS", "1")
	config.ResetForTest()
	t.Cleanup(config.ResetForTest)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	c, err := New(Config{
		BaseURL: ts.URL + "/api",
		Token:   "secret",
		Breaker: circuitbreaker.Config{Name: "remote-test", FailureThreshold: 2},
	}, ts.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestWriteAcceptedAndConflict(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	ctx := context.Background()

	res, err := c.Write(ctx, "lesson-1", []byte("v1"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Conflict || res.Version != 1 {
		t.Fatalf("expected accepted write at 1, got %+v", res)
	}
	if got := srv.auth(); got != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", got)
	}

	res, err = c.Write(ctx, "lesson-1", []byte("stale"), 1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Conflict || res.RemoteVersion != 1 {
		t.Fatalf("expected conflict at remote version 1, got %+v", res)
	}
}

func TestWriteIsSingleAttempt(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	srv.setFailures(1)

	_, err := c.Write(context.Background(), "a", []byte("x"), 1)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if srv.has("a") {
		t.Fatal("write must not be retried by the client")
	}
}

func TestReadAndChanges(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	ctx := context.Background()

	c.Write(ctx, "a", []byte("alpha"), 1)
	c.Write(ctx, "b", []byte("beta"), 4)

	payload, v, err := c.Read(ctx, "b")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(payload) != "beta" || v != 4 {
		t.Fatalf("unexpected read: %q v%d", payload, v)
	}

	changes, err := c.ChangesSince(ctx, 1)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 || changes[0].ID != "b" || changes[0].Seq != 2 {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestReadRetriesTransientFailures(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	ctx := context.Background()
	c.Write(ctx, "a", []byte("alpha"), 1)

	srv.setFailures(2)
	payload, _, err := c.Read(ctx, "a")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if string(payload) != "alpha" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestReadNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)

	for i := 0; i < 3; i++ {
		if _, _, err := c.Read(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if c.BreakerState() != circuitbreaker.StateClosed {
		t.Fatalf("expected closed breaker, got %v", c.BreakerState())
	}
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	srv.setFailures(100)

	for i := 0; i < 2; i++ {
		c.Write(context.Background(), "a", []byte("x"), 1)
	}
	if c.BreakerState() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", c.BreakerState())
	}
	if _, err := c.ChangesSince(context.Background(), 0); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestItemIDIsPathEscaped(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv)
	u := c.itemPath("unit 3/lesson")
	if !strings.HasSuffix(u.EscapedPath(), "/api/items/unit%203%2Flesson") {
		t.Fatalf("unexpected escaped path %q", u.EscapedPath())
	}
}
