package handlers

import (
	"net/http"

	"github.com/onnwee/lessonsync/internal/logger"
)

// AuditPprof logs every request that reaches the profiling endpoints.
func AuditPprof(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.WithContext(r.Context()).Info("profiling endpoint accessed",
			"endpoint", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"type", "security_audit")
		next.ServeHTTP(w, r)
	})
}
