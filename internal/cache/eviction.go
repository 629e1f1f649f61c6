package cache

import (
	"math/rand"
	"sort"
)

// tier returns the eviction tier of e: 0 for entries without a priority tag,
// higher for entries carrying an earlier listed priority tag. Lower tiers go first.
func tier(e *Entry, priorityTags []string) int {
	for i, tag := range priorityTags {
		if e.HasTag(tag) {
			return len(priorityTags) - i
		}
	}
	return 0
}

// pinned reports whether capacity eviction must never pick e.
func pinned(e *Entry, priorityTags []string) bool {
	return e.Priority == PriorityCritical && tier(e, priorityTags) > 0
}

// evictionOrder returns the capacity eviction candidates in the order they
// should be removed, plus the pinned entries that are never candidates.
// Entries with a pending upload follow all others, tiered the same way.
// The order is a pure function of the entry set and the policy.
func evictionOrder(entries []*Entry, p Policy) (order []*Entry, pinnedEntries []*Entry) {
	tiers := map[int][]*Entry{}
	var levels []int
	for _, e := range entries {
		if pinned(e, p.PriorityTags) {
			pinnedEntries = append(pinnedEntries, e)
			continue
		}
		t := tier(e, p.PriorityTags)
		if e.PendingUpload {
			// Unsynced local changes go after every synced entry.
			t += len(p.PriorityTags) + 1
		}
		if _, ok := tiers[t]; !ok {
			levels = append(levels, t)
		}
		tiers[t] = append(tiers[t], e)
	}
	sort.Ints(levels)
	sort.Slice(pinnedEntries, func(i, j int) bool { return pinnedEntries[i].ID < pinnedEntries[j].ID })

	var rng *rand.Rand
	if p.EvictionStrategy == StrategyRandom {
		rng = rand.New(rand.NewSource(p.RandomSeed))
	}
	for _, t := range levels {
		group := tiers[t]
		sortByStrategy(group, p.EvictionStrategy)
		if rng != nil {
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		order = append(order, group...)
	}
	return order, pinnedEntries
}

func sortByStrategy(group []*Entry, s Strategy) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		switch s {
		case StrategyLRU:
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			}
		case StrategyLFU:
			if a.HitCount != b.HitCount {
				return a.HitCount < b.HitCount
			}
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			}
		case StrategyFIFO:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
}
