// Package server assembles the storage backend, cache, sync queue,
// connectivity monitor and scheduler into one running engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/lessonsync/internal/admin"
	"github.com/onnwee/lessonsync/internal/api"
	"github.com/onnwee/lessonsync/internal/api/handlers"
	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/circuitbreaker"
	"github.com/onnwee/lessonsync/internal/config"
	"github.com/onnwee/lessonsync/internal/connectivity"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/remote"
	"github.com/onnwee/lessonsync/internal/report"
	"github.com/onnwee/lessonsync/internal/scheduler"
	"github.com/onnwee/lessonsync/internal/secrets"
	"github.com/onnwee/lessonsync/internal/storage"
	"github.com/onnwee/lessonsync/internal/storage/postgres"
	"github.com/onnwee/lessonsync/internal/storage/sqlite"
	"github.com/onnwee/lessonsync/internal/syncqueue"
)

const (
	recentNotifications = 50
	metricsInterval     = 15 * time.Second
)

// OpenBackend opens the storage driver named by cfg.StorageDriver.
func OpenBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageDriver {
	case "memory":
		return storage.NewMemory(cfg.StorageMaxBytes), nil
	case "sqlite", "":
		return sqlite.Open(cfg.StoragePath, cfg.StorageMaxBytes)
	case "postgres":
		if err := secrets.ValidateRequired(map[string]string{"DATABASE_URL": cfg.DatabaseURL}); err != nil {
			return nil, err
		}
		return postgres.Open(ctx, cfg.DatabaseURL, cfg.StorageMaxBytes)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// Engine is a fully wired device engine.
type Engine struct {
	Backend storage.Backend
	Cache   *cache.Store
	Queue   *syncqueue.Queue
	// Remote is nil when no REMOTE_BASE_URL is configured.
	Remote  *remote.Client
	Monitor *connectivity.Monitor
	// Scheduler is nil without a remote or when disabled.
	Scheduler *scheduler.Service
	Hub       *handlers.Hub
	Facade    *report.Facade
	Recent    *notify.Buffer

	cfg  *config.Config
	sink notify.Sink
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// New opens the backend and builds every component on top of it.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	e, err := build(ctx, cfg, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return e, nil
}

// NewWithBackend builds an engine on an already open backend.
func NewWithBackend(ctx context.Context, cfg *config.Config, backend storage.Backend) (*Engine, error) {
	return build(ctx, cfg, backend)
}

func build(ctx context.Context, cfg *config.Config, backend storage.Backend) (*Engine, error) {
	log := logger.WithComponent("server")

	e := &Engine{
		Backend: backend,
		Recent:  notify.NewBuffer(recentNotifications),
		cfg:     cfg,
	}
	e.Facade = &report.Facade{Recent: e.Recent, HistoryLimit: cfg.SyncHistoryLimit}
	e.Hub = handlers.NewHub(e.Facade)
	sink := notify.Fanout{notify.NewLogSink(), e.Recent, e.Hub}
	e.sink = sink

	policy, err := cache.PolicyFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache policy: %w", err)
	}
	e.Cache, err = cache.Open(ctx, backend, policy, cfg.HotTierBytes, cache.WithSink(sink))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	e.Queue, err = syncqueue.Open(ctx, backend, e.Cache, syncqueue.Config{
		MaxRetries:       cfg.SyncMaxRetries,
		MaxManualRetries: cfg.SyncMaxManualRetries,
		RemoteTimeout:    cfg.RemoteTimeout,
		HistoryLimit:     cfg.SyncHistoryLimit,
	}, syncqueue.WithSink(sink))
	if err != nil {
		e.Cache.Close()
		return nil, fmt.Errorf("open sync queue: %w", err)
	}

	monitorOpts := []connectivity.Option{connectivity.WithSink(sink)}
	if cfg.ConnectivityProbeURL != "" {
		probe := connectivity.HTTPProbe(&http.Client{}, cfg.ConnectivityProbeURL, cfg.HTTPTimeout)
		monitorOpts = append(monitorOpts, connectivity.WithProbe(probe, cfg.ConnectivityProbeInterval))
	}
	e.Monitor = connectivity.NewMonitor(true, cfg.ConnectivityQuiet, monitorOpts...)

	if cfg.RemoteBaseURL != "" {
		e.Remote, err = remote.New(remote.ConfigFromEnv(cfg), nil)
		if err != nil {
			e.Cache.Close()
			return nil, err
		}
		log.Info("remote store configured", "base_url", secrets.MaskURL(cfg.RemoteBaseURL), "token", secrets.Mask(cfg.RemoteToken))
	} else {
		log.Warn("REMOTE_BASE_URL not set; sync runs are disabled")
	}
	if e.Remote != nil && !cfg.DisableScheduler {
		e.Scheduler = scheduler.NewService(e.Queue, e.Remote, scheduler.Config{
			Interval:            cfg.SyncInterval,
			BandwidthLimit:      cfg.SyncBandwidthLimit,
			InitialBackoff:      cfg.BackoffInitial,
			MaxBackoff:          cfg.BackoffMax,
			BackoffMultiplier:   cfg.BackoffMultiplier,
			BackoffRandomFactor: cfg.BackoffRandomFactor,
			FullEvery:           cfg.SyncFullEvery,
		}, scheduler.WithSink(sink), scheduler.WithPauseCheck(e.SyncPaused))
	}

	e.Facade.Cache = e.Cache
	e.Facade.Queue = e.Queue
	e.Facade.Online = e.Monitor.Online
	e.Facade.Scheduler = e.Scheduler
	e.Facade.Paused = e.SyncPaused
	if e.Remote != nil {
		e.Facade.Breaker = e.Remote.BreakerState
	} else {
		e.Facade.Breaker = func() circuitbreaker.State { return circuitbreaker.StateClosed }
	}

	log.Info("engine ready",
		"storage", cfg.StorageDriver,
		"cache_entries", len(e.Cache.Entries()),
		"scheduler", e.Scheduler != nil)
	return e, nil
}

// Start launches the background loops: auto-sweep, connectivity probing,
// the websocket hub, the scheduler and the metrics collector. They run until
// ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.stop = context.WithCancel(ctx)

	e.goRun(func() { e.Cache.RunAutoSweep(ctx) })
	e.goRun(func() { e.Monitor.Run(ctx) })
	e.goRun(func() { e.Hub.Run(ctx) })
	e.goRun(func() { metrics.NewCollector(e.Facade, metricsInterval).Start(ctx) })
	if e.Scheduler != nil {
		events, unsubscribe := e.Monitor.Subscribe(8)
		e.goRun(func() {
			defer unsubscribe()
			e.Scheduler.Start(ctx, events)
		})
	}
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// SyncPaused reports the persisted pause setting. A read error counts as
// not paused.
func (e *Engine) SyncPaused() bool {
	paused, err := admin.GetBool(context.Background(), e.Backend, admin.KeySyncPaused, false)
	if err != nil {
		logger.WithComponent("server").Warn("read sync pause setting failed", "error", err)
	}
	return paused
}

// SetSyncPaused persists the pause setting. It applies to the scheduler's
// next timer or connectivity trigger.
func (e *Engine) SetSyncPaused(ctx context.Context, paused bool) error {
	if err := admin.SetBool(ctx, e.Backend, admin.KeySyncPaused, paused); err != nil {
		return fmt.Errorf("save sync pause setting: %w", err)
	}
	msg := "Automatic sync resumed"
	if paused {
		msg = "Automatic sync paused"
	}
	notify.Emit(ctx, e.sink, notify.LevelInfo, "scheduler", msg)
	return nil
}

// Syncer returns the scheduler as a handlers.Syncer, or nil when there is none.
func (e *Engine) Syncer() handlers.Syncer {
	if e.Scheduler == nil {
		return nil
	}
	return e.Scheduler
}

// Handler returns the HTTP router for this engine.
func (e *Engine) Handler() http.Handler {
	return api.NewRouter(api.Options{
		Facade:      e.Facade,
		Syncer:      e.Syncer(),
		Hub:         e.Hub,
		Pauser:      e,
		AdminToken:  e.cfg.AdminAPIToken,
		CORSOrigins: e.cfg.CORSAllowedOrigins,
		Profiling:   e.cfg.EnableProfiling,
	})
}

// RunOnce performs a single sync run outside the scheduler's loop.
func (e *Engine) RunOnce(ctx context.Context) (syncqueue.RunRecord, error) {
	if e.Remote == nil {
		return syncqueue.RunRecord{}, errors.New("no remote configured: set REMOTE_BASE_URL")
	}
	if e.Scheduler != nil {
		return e.Scheduler.RunOnce(ctx)
	}
	return e.Queue.RunSync(ctx, e.Remote, syncqueue.RunOptions{Kind: syncqueue.RunIncremental, Trigger: syncqueue.TriggerManual}), nil
}

// SaveLocal stores a locally modified payload and queues it for upload.
func (e *Engine) SaveLocal(ctx context.Context, id string, payload []byte, meta cache.Meta) error {
	meta.PendingUpload = true
	if err := e.Cache.Put(ctx, id, payload, meta); err != nil {
		return err
	}
	return e.Queue.EnqueueLocalChange(ctx, syncqueue.Item{
		ID:        id,
		Kind:      meta.Kind,
		SizeBytes: int64(len(payload)),
		Priority:  meta.Priority,
	})
}

// Close stops the background loops and closes the backend.
func (e *Engine) Close() error {
	if e.stop != nil {
		e.stop()
	}
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	e.wg.Wait()
	if err := e.Cache.FlushAccess(context.Background()); err != nil {
		logger.Warn("flush cache access on close failed", "error", err)
	}
	e.Cache.Close()
	return e.Backend.Close()
}
