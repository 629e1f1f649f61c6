// Package scheduler drives sync runs from a timer, connectivity changes and
// manual requests, allowing at most one run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/lessonsync/internal/connectivity"
	"github.com/onnwee/lessonsync/internal/errorreporting"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("scheduler: sync already running")
	// ErrOffline is returned for manual runs while connectivity is down.
	ErrOffline = errors.New("scheduler: offline")
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// Runner performs one sync run. *syncqueue.Queue implements it.
type Runner interface {
	RunSync(ctx context.Context, remote syncqueue.Remote, opts syncqueue.RunOptions) syncqueue.RunRecord
}

// Config controls run cadence, backoff and bandwidth.
type Config struct {
	Interval time.Duration
	// BandwidthLimit is in bytes per second. Zero or less disables throttling.
	BandwidthLimit      int64
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	BackoffRandomFactor float64
	// FullEvery makes every Nth timer run replay the whole change feed. Zero disables it.
	FullEvery int
}

// Service schedules sync runs.
type Service struct {
	runner Runner
	remote syncqueue.Remote
	cfg    Config

	limiter *rate.Limiter
	burst   int

	gate  atomic.Bool
	state atomic.Int32

	mu           sync.Mutex
	backoff      *backoff.ExponentialBackOff
	backoffUntil time.Time
	cancelRun    context.CancelFunc
	lostLink     bool
	online       bool
	timerRuns    int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sink   notify.Sink
	now    func() time.Time
	paused func() bool
	log    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source used for backoff and bandwidth.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPauseCheck consults paused before every timer or connectivity run.
// Manual runs ignore it.
func WithPauseCheck(paused func() bool) Option {
	return func(s *Service) { s.paused = paused }
}

// NewService creates a scheduler for runner against remote.
func NewService(runner Runner, remote syncqueue.Remote, cfg Config, opts ...Option) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		bo.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		bo.MaxInterval = cfg.MaxBackoff
	}
	if cfg.BackoffMultiplier > 0 {
		bo.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.BackoffRandomFactor >= 0 {
		bo.RandomizationFactor = cfg.BackoffRandomFactor
	}
	bo.Reset()

	s := &Service{
		runner:  runner,
		remote:  remote,
		cfg:     cfg,
		backoff: bo,
		online:  true,
		stop:    make(chan struct{}),
		sink:    notify.Nop,
		now:     time.Now,
		log:     logger.WithComponent("scheduler"),
	}
	if cfg.BandwidthLimit > 0 {
		s.burst = burstFor(cfg.BandwidthLimit, cfg.Interval)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), s.burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SchedulerState.Set(float64(StateIdle))
	return s
}

// burstFor sizes the bucket to one interval's worth of bytes.
func burstFor(limit int64, interval time.Duration) int {
	b := float64(limit) * interval.Seconds()
	const maxBurst = 1 << 40
	switch {
	case b < 1:
		return 1
	case b > maxBurst:
		return maxBurst
	default:
		return int(b)
	}
}

// State reports the current state. Backoff ends by itself once its delay passes.
func (s *Service) State() State {
	st := State(s.state.Load())
	if st == StateBackoff {
		s.mu.Lock()
		until := s.backoffUntil
		s.mu.Unlock()
		if !s.now().Before(until) {
			return StateIdle
		}
	}
	return st
}

// BackoffUntil returns when the current backoff ends, zero when not backing off.
func (s *Service) BackoffUntil() time.Time {
	if State(s.state.Load()) != StateBackoff {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffUntil
}

// Start runs the timer loop until ctx is done or Stop is called. Connectivity
// events, when events is non-nil, trigger runs on restore and cancel the
// active run on loss.
func (s *Service) Start(ctx context.Context, events <-chan connectivity.Event) {
	s.log.Info("starting sync scheduler", "interval", s.cfg.Interval, "bandwidth_limit", s.cfg.BandwidthLimit)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped by context")
			s.shutdown()
			return
		case <-s.stop:
			s.log.Info("scheduler stopped by signal")
			s.shutdown()
			return
		case <-ticker.C:
			s.onTimer(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onConnectivity(ctx, ev)
		}
	}
}

// Stop ends the loop, cancels any active run and waits for it to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.shutdown()
}

func (s *Service) shutdown() {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) onTimer(ctx context.Context) {
	if s.State() == StateBackoff {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerTimer), "backoff").Inc()
		return
	}
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerTimer), "offline").Inc()
		return
	}
	if s.isPaused() {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerTimer), "paused").Inc()
		return
	}
	if err := s.trigger(ctx, syncqueue.TriggerTimer); err != nil {
		s.log.Debug("timer trigger skipped", "error", err)
	}
}

func (s *Service) onConnectivity(ctx context.Context, ev connectivity.Event) {
	s.mu.Lock()
	s.online = ev.Online
	if !ev.Online && s.cancelRun != nil {
		s.lostLink = true
		s.cancelRun()
	}
	s.mu.Unlock()
	if !ev.Online {
		s.log.Info("connectivity lost, pausing sync")
		return
	}
	if s.isPaused() {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerConnectivity), "paused").Inc()
		return
	}
	if err := s.trigger(ctx, syncqueue.TriggerConnectivity); err != nil {
		s.log.Debug("connectivity trigger skipped", "error", err)
	}
}

func (s *Service) isPaused() bool {
	return s.paused != nil && s.paused()
}

// SyncNow starts a run in the background. It returns ErrAlreadyRunning
// without blocking when a run is active.
func (s *Service) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerManual), "offline").Inc()
		return ErrOffline
	}
	return s.trigger(ctx, syncqueue.TriggerManual)
}

// RunOnce performs a manual run and waits for its record.
func (s *Service) RunOnce(ctx context.Context) (syncqueue.RunRecord, error) {
	if !s.gate.CompareAndSwap(false, true) {
		metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerManual), "busy").Inc()
		return syncqueue.RunRecord{}, ErrAlreadyRunning
	}
	metrics.SchedulerTriggers.WithLabelValues(string(syncqueue.TriggerManual), "started").Inc()
	s.wg.Add(1)
	return s.execute(ctx, syncqueue.TriggerManual), nil
}

func (s *Service) trigger(ctx context.Context, trigger syncqueue.Trigger) error {
	if !s.gate.CompareAndSwap(false, true) {
		metrics.SchedulerTriggers.WithLabelValues(string(trigger), "busy").Inc()
		return ErrAlreadyRunning
	}
	metrics.SchedulerTriggers.WithLabelValues(string(trigger), "started").Inc()
	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), trigger)
	return nil
}

// execute owns the gate; it must be entered with the gate held and wg added.
func (s *Service) execute(ctx context.Context, trigger syncqueue.Trigger) syncqueue.RunRecord {
	defer s.wg.Done()
	defer s.gate.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.lostLink = false
	kind := syncqueue.RunIncremental
	if trigger == syncqueue.TriggerTimer {
		s.timerRuns++
		if s.cfg.FullEvery > 0 && s.timerRuns%s.cfg.FullEvery == 0 {
			kind = syncqueue.RunFull
		}
	}
	s.mu.Unlock()
	s.setState(StateRunning)

	var budget *syncqueue.ByteBudget
	opts := syncqueue.RunOptions{Kind: kind, Trigger: trigger}
	if s.limiter != nil {
		budget = syncqueue.NewByteBudget(int64(s.limiter.TokensAt(s.now())))
		opts.Budget = budget
	}

	rec := s.runner.RunSync(runCtx, s.remote, opts)

	if budget != nil {
		spent := min(budget.Spent(), int64(s.burst))
		if spent > 0 {
			s.limiter.ReserveN(s.now(), int(spent))
		}
	}

	s.mu.Lock()
	s.cancelRun = nil
	linkLost := s.lostLink
	lost := linkLost || s.stopping()
	next := StateIdle
	switch {
	case rec.Outcome == syncqueue.OutcomeError && !lost:
		delay := s.backoff.NextBackOff()
		s.backoffUntil = s.now().Add(delay)
		next = StateBackoff
		s.log.Warn("sync run failed, backing off", "run_id", rec.ID, "delay", delay, "error", rec.Error)
	case rec.Outcome != syncqueue.OutcomeError:
		s.backoff.Reset()
		s.backoffUntil = time.Time{}
	}
	s.mu.Unlock()
	s.setState(next)

	errorreporting.Breadcrumb("sync", fmt.Sprintf("run %s %s: %d items, %d failed", rec.ID, rec.Outcome, rec.ItemsProcessed, rec.Failed),
		rec.Outcome == syncqueue.OutcomeError)
	if rec.Outcome == syncqueue.OutcomeError && !lost {
		errorreporting.CaptureRunFailure(rec.ID, string(trigger), rec.Error, rec.Failed)
	}
	if linkLost {
		notify.Emit(ctx, s.sink, notify.LevelInfo, "scheduler", "Sync paused until the connection returns")
	}
	return rec
}

func (s *Service) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
	metrics.SchedulerState.Set(float64(st))
}
