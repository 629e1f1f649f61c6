package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/lessonsync/internal/apierr"
	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/logger"
)

// CacheAdmin is the part of the cache store the API drives.
type CacheAdmin interface {
	Stats() cache.Stats
	Sweep(ctx context.Context) cache.SweepReport
	Policy() cache.Policy
	UpdatePolicy(ctx context.Context, p cache.Policy) error
	Evict(ctx context.Context, id string) error
	Entry(id string) (cache.Entry, bool)
}

// CacheHandler serves cache inspection and administration.
type CacheHandler struct {
	cache CacheAdmin
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(c CacheAdmin) *CacheHandler {
	return &CacheHandler{cache: c}
}

// GetStats returns current cache statistics.
// GET /api/cache/stats
func (h *CacheHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// GetPolicy returns the active policy.
// GET /api/cache/policy
func (h *CacheHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Policy())
}

// UpdatePolicy replaces the policy. Fields missing from the body keep their
// current values; an invalid result is rejected and nothing changes.
// PUT /api/cache/policy
func (h *CacheHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p := h.cache.Policy()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidJSON())
		return
	}
	if err := h.cache.UpdatePolicy(r.Context(), p); err != nil {
		apierr.Write(w, r, err)
		return
	}
	logger.InfoContext(r.Context(), "cache policy updated via API", "strategy", p.EvictionStrategy, "max_total_bytes", p.MaxTotalBytes)
	writeJSON(w, http.StatusOK, h.cache.Policy())
}

// Sweep runs a sweep now and returns its report.
// POST /api/cache/sweep
func (h *CacheHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Sweep(r.Context()))
}

// GetEntry returns the metadata of one entry.
// GET /api/cache/entries/{id}
func (h *CacheHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := h.cache.Entry(mux.Vars(r)["id"])
	if !ok {
		apierr.Write(w, r, cache.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// EvictEntry removes one entry. Absent ids succeed.
// DELETE /api/cache/entries/{id}
func (h *CacheHandler) EvictEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Evict(r.Context(), mux.Vars(r)["id"]); err != nil {
		apierr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
