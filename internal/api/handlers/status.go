package handlers

import (
	"net/http"

	"github.com/onnwee/lessonsync/internal/report"
)

// Snapshotter produces the dashboard snapshot.
type Snapshotter interface {
	Snapshot() report.Snapshot
}

// GetStatus returns the full engine snapshot.
// GET /api/status
func GetStatus(s Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}
