package cache

import (
	"github.com/dgraph-io/ristretto"
)

// hotTier keeps recently decoded payloads in memory in front of the storage
// backend. Values are tagged with the entry generation so a stale payload
// from before a put or mark is never served.
type hotTier struct {
	cache *ristretto.Cache
}

type hotItem struct {
	gen     uint64
	payload []byte
}

// newHotTier creates a ristretto cache bounded by maxBytes of decoded payload.
// A non-positive maxBytes disables the tier.
func newHotTier(maxBytes int64, maxEntries int64) (*hotTier, error) {
	if maxBytes <= 0 {
		return &hotTier{}, nil
	}
	// NumCounters should be ~10x the number of entries for optimal performance
	numCounters := maxEntries * 10
	if numCounters < 1000 {
		numCounters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &hotTier{cache: c}, nil
}

func (h *hotTier) get(id string, gen uint64) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	val, found := h.cache.Get(id)
	if !found {
		return nil, false
	}
	item, ok := val.(*hotItem)
	if !ok || item.gen != gen {
		h.cache.Del(id)
		return nil, false
	}
	return item.payload, true
}

func (h *hotTier) set(id string, gen uint64, payload []byte) {
	if h.cache == nil {
		return
	}
	// Set may drop the item under contention; the backend stays authoritative.
	_ = h.cache.Set(id, &hotItem{gen: gen, payload: payload}, int64(len(payload)))
}

func (h *hotTier) del(id string) {
	if h.cache == nil {
		return
	}
	h.cache.Del(id)
}

func (h *hotTier) close() {
	if h.cache == nil {
		return
	}
	h.cache.Close()
}
