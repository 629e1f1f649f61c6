package api

import (
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/lessonsync/internal/api/handlers"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/middleware"
	"github.com/onnwee/lessonsync/internal/report"
)

// Options wires the router to the engine.
type Options struct {
	Facade *report.Facade
	// Syncer is nil when the scheduler is disabled; POST /api/sync/now then answers 503.
	Syncer handlers.Syncer
	Hub    *handlers.Hub
	// Pauser is optional; without it the pause routes are not mounted.
	Pauser      handlers.Pauser
	AdminToken  string
	CORSOrigins []string
	Profiling   bool
}

// NewRouter builds the reporting API. Read endpoints are open; everything
// that changes engine state requires the admin bearer token.
func NewRouter(o Options) http.Handler {
	r := mux.NewRouter()
	admin := middleware.AdminOnly(o.AdminToken)

	r.HandleFunc("/health", handlers.Health(o.Facade.Online)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if o.Hub != nil {
		r.HandleFunc("/ws", o.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(instrument)

	ch := handlers.NewCacheHandler(o.Facade.Cache)
	sh := handlers.NewSyncHandler(o.Facade.Queue, o.Facade, o.Syncer)

	api.HandleFunc("/status", handlers.GetStatus(o.Facade)).Methods(http.MethodGet)

	// Cache
	api.HandleFunc("/cache/stats", ch.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/policy", ch.GetPolicy).Methods(http.MethodGet)
	api.Handle("/cache/policy", admin(http.HandlerFunc(ch.UpdatePolicy))).Methods(http.MethodPut)
	api.Handle("/cache/sweep", admin(http.HandlerFunc(ch.Sweep))).Methods(http.MethodPost)
	api.HandleFunc("/cache/entries/{id}", ch.GetEntry).Methods(http.MethodGet)
	api.Handle("/cache/entries/{id}", admin(http.HandlerFunc(ch.EvictEntry))).Methods(http.MethodDelete)

	// Sync
	api.HandleFunc("/sync/lanes", sh.GetLanes).Methods(http.MethodGet)
	api.HandleFunc("/sync/history", sh.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/sync/items/{id}", sh.GetItem).Methods(http.MethodGet)
	api.Handle("/sync/now", admin(http.HandlerFunc(sh.SyncNow))).Methods(http.MethodPost)
	api.Handle("/sync/conflicts/{id}/resolve", admin(http.HandlerFunc(sh.ResolveConflict))).Methods(http.MethodPost)
	api.Handle("/sync/items/{id}/retry", admin(http.HandlerFunc(sh.RetryItem))).Methods(http.MethodPost)
	if o.Pauser != nil {
		api.Handle("/sync/pause", admin(handlers.SetPaused(o.Pauser, true))).Methods(http.MethodPost)
		api.Handle("/sync/resume", admin(handlers.SetPaused(o.Pauser, false))).Methods(http.MethodPost)
	}

	if o.Profiling {
		mountProfiling(r, admin)
	}

	var h http.Handler = r
	h = middleware.CORS(middleware.CORSFromOrigins(o.CORSOrigins))(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RecoverWithSentry(h)
	h = middleware.RequestID(h)
	return h
}

func mountProfiling(r *mux.Router, admin func(http.Handler) http.Handler) {
	d := r.PathPrefix("/debug/pprof").Subrouter()
	d.Use(admin, handlers.AuditPprof)
	d.HandleFunc("/cmdline", pprof.Cmdline)
	d.HandleFunc("/profile", pprof.Profile)
	d.HandleFunc("/symbol", pprof.Symbol)
	d.HandleFunc("/trace", pprof.Trace)
	d.PathPrefix("/").HandlerFunc(pprof.Index)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request latency by route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.APIRequestDuration.WithLabelValues(endpoint, r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
