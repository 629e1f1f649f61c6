package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache store metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lessonsync_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lessonsync_cache_misses_total",
			Help: "Total number of cache misses, including stale and corrupted hits",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"reason"}, // reason: expired, corrupted, capacity, manual
	)

	CacheCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lessonsync_cache_corruptions_total",
			Help: "Total number of entries marked corrupted",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lessonsync_cache_bytes",
			Help: "Stored bytes held by the cache",
		},
	)

	CacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lessonsync_cache_items",
			Help: "Number of entries held by the cache",
		},
	)

	CacheOverCapacityBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lessonsync_cache_over_capacity_bytes",
			Help: "Bytes above the cap that the last sweep could not free (pinned entries)",
		},
	)

	CacheSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lessonsync_cache_sweep_duration_seconds",
			Help:    "Duration of cache sweeps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Sync queue metrics
	SyncLaneItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lessonsync_sync_lane_items",
			Help: "Number of sync items per lane",
		},
		[]string{"lane"},
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_sync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"outcome"}, // outcome: success, partial, error
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lessonsync_sync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	SyncItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_sync_items_total",
			Help: "Total number of sync items processed by result",
		},
		[]string{"direction", "result"}, // direction: upload, download; result: synced, conflict, retry, error, deferred
	)

	SyncBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_sync_bytes_transferred_total",
			Help: "Total payload bytes moved to or from the remote store",
		},
		[]string{"direction"},
	)

	SyncRemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_remote_requests_total",
			Help: "Total number of HTTP requests made to the remote store",
		},
		[]string{"status"}, // status: success, retry, error
	)

	SyncRemoteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lessonsync_remote_retries_total",
			Help: "Total number of remote read retries",
		},
	)

	SyncRetryAfterWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lessonsync_remote_retry_after_wait_seconds",
			Help:    "Duration of Retry-After waits in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Scheduler metrics
	SchedulerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lessonsync_scheduler_state",
			Help: "Scheduler state (0=idle, 1=running, 2=backoff)",
		},
	)

	SchedulerTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lessonsync_scheduler_triggers_total",
			Help: "Total number of run triggers by source and result",
		},
		[]string{"trigger", "result"}, // result: started, busy, skipped
	)

	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lessonsync_connectivity_online",
			Help: "1 when the device is considered online",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"component"},
	)

	// Reporting API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of reporting API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint", "method", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent to clients",
		},
	)
)
