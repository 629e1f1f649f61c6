// Package connectivity turns raw online/offline signals into debounced
// transitions. Loss is reported at once; a restore is reported only after the
// connection has stayed up for the quiet period.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/lessonsync/internal/errorreporting"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
)

// Event is a confirmed connectivity transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Probe checks whether the remote is reachable. A nil error means online.
type Probe func(ctx context.Context) error

// Monitor tracks connectivity and fans out confirmed transitions.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	raw     bool
	gen     uint64
	pending *time.Timer
	subs    map[chan Event]struct{}

	quiet         time.Duration
	probe         Probe
	probeInterval time.Duration
	sink          notify.Sink
	log           *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbe polls probe every interval from Run.
func WithProbe(probe Probe, interval time.Duration) Option {
	return func(m *Monitor) {
		m.probe = probe
		m.probeInterval = interval
	}
}

// WithSink announces transitions to sink.
func WithSink(sink notify.Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(initial bool, quiet time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		online: initial,
		raw:    initial,
		subs:   map[chan Event]struct{}{},
		quiet:  quiet,
		sink:   notify.Nop,
		log:    logger.WithComponent("connectivity"),
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.ConnectivityOnline.Set(boolGauge(initial))
	return m
}

// Online reports the last confirmed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of confirmed transitions and a function that
// unsubscribes and closes it.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Set records a raw connectivity observation from the host or a probe.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = online
	m.gen++
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	switch {
	case !online && m.online:
		m.online = false
		m.emitLocked(Event{Online: false, At: time.Now()})
	case online && !m.online:
		gen := m.gen
		m.pending = time.AfterFunc(m.quiet, func() { m.confirm(gen) })
	}
}

func (m *Monitor) confirm(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.raw || m.online {
		return
	}
	m.pending = nil
	m.online = true
	m.emitLocked(Event{Online: true, At: time.Now()})
}

func (m *Monitor) emitLocked(ev Event) {
	metrics.ConnectivityOnline.Set(boolGauge(ev.Online))
	msg := "Connection lost, working offline"
	if ev.Online {
		msg = "Connection restored"
	}
	m.log.Info("connectivity changed", "online", ev.Online)
	errorreporting.Breadcrumb("connectivity", msg, false)
	notify.Emit(context.Background(), m.sink, notify.LevelInfo, "connectivity", msg)
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("dropping connectivity event for slow subscriber", "online", ev.Online)
		}
	}
}

// Run polls the probe until ctx is done. Without a probe it only waits, and
// state changes come from Set.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil || m.probeInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	err := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug("connectivity probe failed", "error", err)
	}
	m.Set(err == nil)
}

// HTTPProbe reports online when url answers with a status below 500.
func HTTPProbe(client *http.Client, url string, timeout time.Duration) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
