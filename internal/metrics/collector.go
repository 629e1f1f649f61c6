package metrics

import (
	"context"
	"time"

	"github.com/onnwee/lessonsync/internal/logger"
)

// Source exposes the live engine gauges the collector mirrors into Prometheus.
type Source interface {
	CacheUsage() (bytes int64, items int)
	LaneCounts() map[string]int
}

// Collector periodically collects and updates Prometheus gauges
type Collector struct {
	source   Source
	interval time.Duration
	stop     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect initial metrics
	c.Collect()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	close(c.stop)
}

// Collect refreshes every gauge once.
func (c *Collector) Collect() {
	if c.source == nil {
		return
	}
	bytes, items := c.source.CacheUsage()
	CacheBytes.Set(float64(bytes))
	CacheItems.Set(float64(items))

	for lane, n := range c.source.LaneCounts() {
		SyncLaneItems.WithLabelValues(lane).Set(float64(n))
	}
	logger.Debug("metrics collected", "cache_bytes", bytes, "cache_items", items)
}
