package handlers

import (
	"encoding/json"
	"net/http"
)

// Health answers liveness probes. With online set it also reports the
// device's connectivity; an offline device is still healthy.
func Health(online func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if online != nil {
			body["online"] = online()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	}
}
