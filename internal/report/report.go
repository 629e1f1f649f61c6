// Package report assembles the read-only engine snapshot shown to dashboards.
package report

import (
	"time"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/circuitbreaker"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/scheduler"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

// Facade reads from the engine parts. Every field except Cache and Queue is optional.
type Facade struct {
	Cache     *cache.Store
	Queue     *syncqueue.Queue
	Scheduler *scheduler.Service
	Online    func() bool
	Breaker   func() circuitbreaker.State
	Paused    func() bool
	Recent    *notify.Buffer

	// HistoryLimit bounds Snapshot.History. Zero returns every retained run.
	HistoryLimit int
	Now          func() time.Time
}

// Lane is one lane's count and items.
type Lane struct {
	Count int              `json:"count"`
	Items []syncqueue.Item `json:"items"`
}

// SchedulerStatus describes the scheduler at snapshot time.
type SchedulerStatus struct {
	State        string     `json:"state"`
	Paused       bool       `json:"paused"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
}

// Snapshot is the full dashboard view.
type Snapshot struct {
	GeneratedAt   time.Time               `json:"generated_at"`
	Online        bool                    `json:"online"`
	Cache         cache.Stats             `json:"cache"`
	Policy        cache.Policy            `json:"policy"`
	Lanes         map[syncqueue.Lane]Lane `json:"lanes"`
	Watermark     syncqueue.Watermark     `json:"watermark"`
	History       []syncqueue.RunRecord   `json:"history"`
	Scheduler     *SchedulerStatus        `json:"scheduler,omitempty"`
	RemoteBreaker string                  `json:"remote_breaker,omitempty"`
	Notifications []notify.Notification   `json:"notifications,omitempty"`
}

func (f *Facade) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

// Lanes groups the queue items by lane. Every lane is present, possibly empty.
func (f *Facade) Lanes() (map[syncqueue.Lane]Lane, syncqueue.Watermark) {
	snap := f.Queue.Snapshot()
	out := make(map[syncqueue.Lane]Lane, len(syncqueue.Lanes))
	for _, l := range syncqueue.Lanes {
		out[l] = Lane{Count: snap.Counts[l], Items: []syncqueue.Item{}}
	}
	for _, it := range snap.Items {
		lane := out[it.Lane]
		lane.Items = append(lane.Items, it)
		out[it.Lane] = lane
	}
	return out, snap.Watermark
}

// History returns up to limit runs, newest first.
func (f *Facade) History(limit int) []syncqueue.RunRecord {
	h := f.Queue.History(limit)
	if h == nil {
		h = []syncqueue.RunRecord{}
	}
	return h
}

// SchedulerStatus reports nil when no scheduler is attached.
func (f *Facade) SchedulerStatus() *SchedulerStatus {
	if f.Scheduler == nil {
		return nil
	}
	st := &SchedulerStatus{State: f.Scheduler.State().String()}
	if f.Paused != nil {
		st.Paused = f.Paused()
	}
	if until := f.Scheduler.BackoffUntil(); !until.IsZero() {
		st.BackoffUntil = &until
	}
	return st
}

// Snapshot reads each part once. Parts are read one after another, so the
// cache and queue sections may straddle a concurrent run; each is internally
// consistent.
func (f *Facade) Snapshot() Snapshot {
	lanes, wm := f.Lanes()
	s := Snapshot{
		GeneratedAt: f.now(),
		Online:      true,
		Cache:       f.Cache.Stats(),
		Policy:      f.Cache.Policy(),
		Lanes:       lanes,
		Watermark:   wm,
		History:     f.History(f.HistoryLimit),
		Scheduler:   f.SchedulerStatus(),
	}
	if f.Online != nil {
		s.Online = f.Online()
	}
	if f.Breaker != nil {
		s.RemoteBreaker = f.Breaker().String()
	}
	if f.Recent != nil {
		s.Notifications = f.Recent.Recent()
	}
	return s
}

// CacheUsage and LaneCounts let the facade feed the metrics collector.
func (f *Facade) CacheUsage() (int64, int) { return f.Cache.Usage() }

func (f *Facade) LaneCounts() map[string]int { return f.Queue.LaneCounts() }
