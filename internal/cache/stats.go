package cache

import "time"

// Stats is a point-in-time view of the cache, derived from the live entry set.
type Stats struct {
	TotalItems            int           `json:"total_items"`
	TotalBytes            int64         `json:"total_bytes"`
	UsedBytes             int64         `json:"used_bytes"`
	AvailableBytes        int64         `json:"available_bytes"`
	Hits                  int64         `json:"hits"`
	Misses                int64         `json:"misses"`
	HitRate               float64       `json:"hit_rate"`
	MissRate              float64       `json:"miss_rate"`
	MeanAccessLatency     time.Duration `json:"mean_access_latency"`
	OriginalBytes         int64         `json:"original_bytes"`
	CompressionSavedBytes int64         `json:"compression_saved_bytes"`
	CompressionRatio      float64       `json:"compression_ratio"`
	Expired               int           `json:"expired"`
	Corrupted             int           `json:"corrupted"`
	Pending               int           `json:"pending"`
	Evictions             int64         `json:"evictions"`
	Overage               *Overage      `json:"overage,omitempty"`
}

// Stats computes statistics under a read lock. It never mutates the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	st := Stats{
		TotalItems: len(s.entries),
		TotalBytes: s.policy.MaxTotalBytes,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictedTotal.Load(),
	}
	for _, e := range s.entries {
		st.UsedBytes += e.SizeBytes
		st.OriginalBytes += e.OriginalSize
		switch e.EffectiveStatus(now) {
		case StatusExpired:
			st.Expired++
		case StatusCorrupted:
			st.Corrupted++
		case StatusPending:
			st.Pending++
		}
	}
	if st.TotalBytes > 0 && st.TotalBytes > st.UsedBytes {
		st.AvailableBytes = st.TotalBytes - st.UsedBytes
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
		st.MissRate = float64(st.Misses) / float64(total)
	}
	if n := s.accessCount.Load(); n > 0 {
		st.MeanAccessLatency = time.Duration(s.accessNanos.Load() / n)
	}
	if st.OriginalBytes > 0 {
		st.CompressionSavedBytes = st.OriginalBytes - st.UsedBytes
		st.CompressionRatio = float64(st.UsedBytes) / float64(st.OriginalBytes)
	}
	if s.overage != nil {
		o := *s.overage
		o.PinnedIDs = append([]string(nil), s.overage.PinnedIDs...)
		st.Overage = &o
	}
	return st
}
