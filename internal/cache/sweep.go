package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
)

// SweepReport lists what a sweep removed, in removal order.
type SweepReport struct {
	Evicted   []string      `json:"evicted"`
	Expired   int           `json:"expired"`
	Corrupted int           `json:"corrupted"`
	Capacity  int           `json:"capacity"`
	// Unsynced lists capacity evictions that discarded a pending local change.
	Unsynced  []string      `json:"unsynced,omitempty"`
	Overage   *Overage      `json:"overage,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Overage describes a cache left over its caps because every remaining
// entry is pinned by priority.
type Overage struct {
	Bytes     int64    `json:"bytes"`
	Items     int      `json:"items"`
	PinnedIDs []string `json:"pinned_ids"`
}

// Sweep removes expired and corrupted entries, then evicts by policy until
// the cache fits its caps.
func (s *Store) Sweep(ctx context.Context) SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(ctx)
}

func (s *Store) sweepLocked(ctx context.Context) SweepReport {
	start := time.Now()
	now := s.now()
	var rep SweepReport

	for _, e := range s.candidatesLocked() {
		switch e.EffectiveStatus(now) {
		case StatusExpired:
			rep.Expired++
			rep.Evicted = append(rep.Evicted, e.ID)
		case StatusCorrupted:
			rep.Corrupted++
			rep.Evicted = append(rep.Evicted, e.ID)
		}
	}
	// Map iteration order is random; removal order is reported sorted.
	sort.Strings(rep.Evicted)
	for _, id := range rep.Evicted {
		reason := "expired"
		if s.entries[id].Status == StatusCorrupted {
			reason = "corrupted"
		}
		_ = s.removeLocked(ctx, id, reason)
	}

	if s.overCapLocked() {
		order, pinnedEntries := evictionOrder(s.candidatesLocked(), s.policy)
		for _, e := range order {
			if !s.overCapLocked() {
				break
			}
			if e.PendingUpload {
				rep.Unsynced = append(rep.Unsynced, e.ID)
			}
			_ = s.removeLocked(ctx, e.ID, "capacity")
			rep.Capacity++
			rep.Evicted = append(rep.Evicted, e.ID)
		}
		if s.overCapLocked() {
			rep.Overage = s.overageLocked(pinnedEntries)
		}
	}

	s.overage = rep.Overage
	if rep.Overage != nil {
		metrics.CacheOverCapacityBytes.Set(float64(rep.Overage.Bytes))
		s.log.Warn("cache over capacity with only pinned entries", "bytes_over", rep.Overage.Bytes, "items_over", rep.Overage.Items)
		notify.Emit(ctx, s.sink, notify.LevelWarning, notifySource,
			fmt.Sprintf("Offline storage is over its limit: %d protected items cannot be removed", len(rep.Overage.PinnedIDs)))
	} else {
		metrics.CacheOverCapacityBytes.Set(0)
	}

	if err := s.flushAccessLocked(ctx); err != nil {
		s.log.Warn("flush cache access failed", "error", err)
	}

	rep.Duration = time.Since(start)
	metrics.CacheSweepDuration.Observe(rep.Duration.Seconds())
	if len(rep.Evicted) > 0 {
		s.log.Info("cache sweep", "evicted", len(rep.Evicted), "expired", rep.Expired, "corrupted", rep.Corrupted, "capacity", rep.Capacity)
	}
	return rep
}

// FlushAccess persists the access times and hit counts recorded by Get since
// the last flush. Get itself never writes to the backend.
func (s *Store) FlushAccess(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushAccessLocked(ctx)
}

func (s *Store) flushAccessLocked(ctx context.Context) error {
	var errs []error
	for id := range s.dirty {
		if e, ok := s.entries[id]; ok {
			if err := s.persistLocked(ctx, e); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		delete(s.dirty, id)
	}
	return errors.Join(errs...)
}

func (s *Store) overageLocked(pinnedEntries []*Entry) *Overage {
	o := &Overage{}
	if s.policy.MaxTotalBytes > 0 {
		if over := s.used - s.policy.MaxTotalBytes; over > 0 {
			o.Bytes = over
		}
	}
	if s.policy.MaxItemCount > 0 {
		if over := len(s.entries) - s.policy.MaxItemCount; over > 0 {
			o.Items = over
		}
	}
	for _, e := range pinnedEntries {
		o.PinnedIDs = append(o.PinnedIDs, e.ID)
	}
	return o
}

// RunAutoSweep sweeps on the policy's interval until ctx is done. The policy
// is re-read every cycle, so toggling auto sweep needs no restart. Access
// stats are flushed every cycle, swept or not.
func (s *Store) RunAutoSweep(ctx context.Context) {
	for {
		p := s.Policy()
		wait := s.autoSweepRecheck
		if p.AutoSweepEnabled && p.sweepInterval() > 0 {
			wait = p.sweepInterval()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.Policy().AutoSweepEnabled {
			s.Sweep(ctx)
		} else if err := s.FlushAccess(ctx); err != nil {
			s.log.Warn("flush cache access failed", "error", err)
		}
	}
}
