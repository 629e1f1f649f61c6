package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/onnwee/lessonsync/internal/apierr"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/report"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// QueueAdmin is the part of the sync queue the API drives.
type QueueAdmin interface {
	Item(id string) (syncqueue.Item, bool)
	ResolveConflict(ctx context.Context, id string, r syncqueue.Resolution) error
	Retry(ctx context.Context, id string) error
}

// Syncer starts a run in the background.
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// LaneReader reads the queue for display.
type LaneReader interface {
	Lanes() (map[syncqueue.Lane]report.Lane, syncqueue.Watermark)
	History(limit int) []syncqueue.RunRecord
}

// SyncHandler serves the sync queue and scheduler endpoints.
type SyncHandler struct {
	queue  QueueAdmin
	lanes  LaneReader
	syncer Syncer
}

// NewSyncHandler creates a new sync handler. syncer may be nil when the
// scheduler is disabled.
func NewSyncHandler(q QueueAdmin, lanes LaneReader, syncer Syncer) *SyncHandler {
	return &SyncHandler{queue: q, lanes: lanes, syncer: syncer}
}

// GetLanes returns every lane with its items.
// GET /api/sync/lanes
func (h *SyncHandler) GetLanes(w http.ResponseWriter, r *http.Request) {
	lanes, wm := h.lanes.Lanes()
	writeJSON(w, http.StatusOK, map[string]any{"lanes": lanes, "watermark": wm})
}

// GetItem returns one queued item.
// GET /api/sync/items/{id}
func (h *SyncHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	it, ok := h.queue.Item(id)
	if !ok {
		apierr.WriteErrorWithContext(w, r, apierr.SyncItemNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// GetHistory returns recent runs, newest first.
// GET /api/sync/history?limit=N
func (h *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxHistoryLimit {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("limit", "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit)))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.lanes.History(limit)})
}

// SyncNow starts a manual run. It answers 202 once the run has started.
// POST /api/sync/now
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Scheduler is disabled"))
		return
	}
	// The run outlives the request.
	if err := h.syncer.SyncNow(context.WithoutCancel(r.Context())); err != nil {
		apierr.Write(w, r, err)
		return
	}
	logger.InfoContext(r.Context(), "manual sync started via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveConflict settles a conflicted item.
// POST /api/sync/conflicts/{id}/resolve  {"resolution": "server_wins"|"client_wins"}
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resolveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidJSON())
		return
	}
	res, err := syncqueue.ParseResolution(req.Resolution)
	if err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("resolution", err.Error()))
		return
	}
	if err := h.queue.ResolveConflict(r.Context(), id, res); err != nil {
		apierr.Write(w, r, err)
		return
	}
	out := map[string]any{"id": id, "resolution": res}
	if it, ok := h.queue.Item(id); ok {
		out["item"] = it
	}
	writeJSON(w, http.StatusOK, out)
}

// RetryItem moves an errored item back to its lane.
// POST /api/sync/items/{id}/retry
func (h *SyncHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.queue.Item(id); !ok {
		apierr.WriteErrorWithContext(w, r, apierr.SyncItemNotFound(id))
		return
	}
	if err := h.queue.Retry(r.Context(), id); err != nil {
		apierr.Write(w, r, err)
		return
	}
	it, _ := h.queue.Item(id)
	writeJSON(w, http.StatusOK, it)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

// Pauser toggles automatic sync runs.
type Pauser interface {
	SetSyncPaused(ctx context.Context, paused bool) error
}

// SetPaused pauses or resumes timer and connectivity triggered runs. Manual
// runs through SyncNow are unaffected.
// POST /api/sync/pause, POST /api/sync/resume
func SetPaused(p Pauser, paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.SetSyncPaused(r.Context(), paused); err != nil {
			apierr.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
	}
}
