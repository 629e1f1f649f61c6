package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/lessonsync/internal/connectivity"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

// fakeRunner blocks each run until release is closed or the run is cancelled.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []syncqueue.RunOptions
	records  []syncqueue.RunRecord
	outcome  syncqueue.Outcome
	release  chan struct{}
	started  chan struct{}
	active   atomic.Int32
	maxSeen  atomic.Int32
	onBudget func(syncqueue.Budget)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcome: syncqueue.OutcomeSuccess,
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (r *fakeRunner) RunSync(ctx context.Context, _ syncqueue.Remote, opts syncqueue.RunOptions) syncqueue.RunRecord {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if r.onBudget != nil {
		r.onBudget(opts.Budget)
	}
	r.started <- struct{}{}

	rec := syncqueue.RunRecord{ID: "run", Trigger: opts.Trigger, Kind: opts.Kind}
	r.mu.Lock()
	rec.Outcome = r.outcome
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
		rec.Outcome = syncqueue.OutcomeError
		rec.Error = "run interrupted"
	}

	r.mu.Lock()
	r.calls = append(r.calls, opts)
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return rec
}

func (r *fakeRunner) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func waitStarted(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("run did not start")
	}
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.gate.Load() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAtMostOneActiveRun(t *testing.T) {
	r := newFakeRunner()
	s := NewService(r, nil, Config{Interval: time.Hour})
	ctx := context.Background()

	if err := s.SyncNow(ctx); err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	waitStarted(t, r)
	if s.State() != StateRunning {
		t.Errorf("state = %s", s.State())
	}

	var wg sync.WaitGroup
	var busy atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(s.SyncNow(ctx), ErrAlreadyRunning) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	if busy.Load() != 10 {
		t.Errorf("busy = %d, want 10", busy.Load())
	}

	close(r.release)
	waitIdle(t, s)
	if r.runs() != 1 || r.maxSeen.Load() != 1 {
		t.Errorf("runs = %d max concurrent = %d", r.runs(), r.maxSeen.Load())
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s after success", s.State())
	}
}

func TestFailureEntersBackoff(t *testing.T) {
	r := newFakeRunner()
	r.outcome = syncqueue.OutcomeError
	close(r.release)
	s := NewService(r, nil, Config{Interval: time.Hour, InitialBackoff: time.Hour, MaxBackoff: 2 * time.Hour})
	ctx := context.Background()

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if s.State() != StateBackoff {
		t.Fatalf("state = %s, want backoff", s.State())
	}
	if until := s.BackoffUntil(); until.Before(time.Now().Add(59 * time.Minute)) {
		t.Errorf("backoff until %v", until)
	}

	// Timer runs wait out the backoff; manual runs do not.
	s.onTimer(ctx)
	if r.runs() != 1 {
		t.Errorf("timer ran during backoff")
	}
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if r.runs() != 2 {
		t.Errorf("manual run should bypass backoff")
	}

	r.mu.Lock()
	r.outcome = syncqueue.OutcomeSuccess
	r.mu.Unlock()
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if s.State() != StateIdle || !s.BackoffUntil().IsZero() {
		t.Errorf("state = %s, success should clear backoff", s.State())
	}
}

func TestBackoffExpires(t *testing.T) {
	r := newFakeRunner()
	r.outcome = syncqueue.OutcomeError
	close(r.release)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	s := NewService(r, nil, Config{Interval: time.Hour, InitialBackoff: time.Minute}, WithClock(clock))

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if s.State() != StateBackoff {
		t.Fatal("expected backoff")
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if s.State() != StateIdle {
		t.Errorf("state = %s after backoff delay", s.State())
	}
}

func TestConnectivityLossCancelsRun(t *testing.T) {
	r := newFakeRunner()
	s := NewService(r, nil, Config{Interval: time.Hour, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan connectivity.Event, 4)
	done := make(chan struct{})
	go func() {
		s.Start(ctx, events)
		close(done)
	}()

	events <- connectivity.Event{Online: true}
	waitStarted(t, r)
	events <- connectivity.Event{Online: false}
	waitIdle(t, s)

	if r.runs() != 1 {
		t.Fatalf("runs = %d", r.runs())
	}
	if r.calls[0].Trigger != syncqueue.TriggerConnectivity {
		t.Errorf("trigger = %s", r.calls[0].Trigger)
	}
	if s.State() != StateIdle {
		t.Errorf("losing the link is not a failure, state = %s", s.State())
	}
	if err := s.SyncNow(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncNow offline err = %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
}

func TestTimerTriggersRuns(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	s := NewService(r, nil, Config{Interval: 10 * time.Millisecond, FullEvery: 2})
	go s.Start(context.Background(), nil)
	defer s.Stop()

	waitStarted(t, r)
	waitStarted(t, r)
	s.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) < 2 {
		t.Fatalf("calls = %d", len(r.calls))
	}
	if r.calls[0].Kind != syncqueue.RunIncremental || r.calls[1].Kind != syncqueue.RunFull {
		t.Errorf("kinds = %s, %s", r.calls[0].Kind, r.calls[1].Kind)
	}
	for _, c := range r.calls {
		if c.Trigger != syncqueue.TriggerTimer {
			t.Errorf("trigger = %s", c.Trigger)
		}
	}
}

func TestBandwidthBudget(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	var budgets []syncqueue.Budget
	s := NewService(r, nil, Config{Interval: time.Second, BandwidthLimit: 100})

	takes := func(b syncqueue.Budget) []bool {
		return []bool{b.Take(60), b.Take(60), b.Take(40)}
	}
	r.onBudget = func(b syncqueue.Budget) { budgets = append(budgets, b) }
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if len(budgets) != 1 || budgets[0] == nil {
		t.Fatal("run got no budget")
	}
	if got := takes(budgets[0]); !got[0] || got[1] || !got[2] {
		t.Errorf("takes = %v, want [true false true]", got)
	}
}

func TestNoBudgetWhenUnlimited(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	var got syncqueue.Budget = syncqueue.Unlimited
	r.onBudget = func(b syncqueue.Budget) { got = b }
	s := NewService(r, nil, Config{})
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-r.started
	if got != nil {
		t.Errorf("budget = %v, want nil", got)
	}
}

func TestBurstFor(t *testing.T) {
	tests := []struct {
		limit    int64
		interval time.Duration
		want     int
	}{
		{100, time.Second, 100},
		{1000, 15 * time.Minute, 900000},
		{1, time.Millisecond, 1},
	}
	for _, tt := range tests {
		if got := burstFor(tt.limit, tt.interval); got != tt.want {
			t.Errorf("burstFor(%d, %s) = %d, want %d", tt.limit, tt.interval, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{StateIdle: "idle", StateRunning: "running", StateBackoff: "backoff"} {
		if st.String() != want {
			t.Errorf("%d.String() = %s", st, st.String())
		}
	}
}

func TestPauseCheckSkipsAutomaticRuns(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	var paused atomic.Bool
	paused.Store(true)
	s := NewService(r, nil, Config{Interval: 5 * time.Millisecond}, WithPauseCheck(paused.Load))
	events := make(chan connectivity.Event, 1)
	go s.Start(context.Background(), events)
	defer s.Stop()

	events <- connectivity.Event{Online: true}
	time.Sleep(30 * time.Millisecond)
	if n := r.runs(); n != 0 {
		t.Fatalf("paused scheduler ran %d times", n)
	}

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("manual run while paused: %v", err)
	}
	if n := r.runs(); n != 1 {
		t.Fatalf("runs = %d, want 1 manual run", n)
	}

	paused.Store(false)
	waitStarted(t, r) // drains the manual run's signal
	waitStarted(t, r)
}
