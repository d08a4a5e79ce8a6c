package handler

import (
	"net/http"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

// StatusHandler serves the engine-level status summary.
type StatusHandler struct {
	mode       string
	startedAt  time.Time
	supervisor RouteSupervisor
	scans      ScanInfo
}

// ScanInfo reports the last reconciler sweep for the status payload.
type ScanInfo interface {
	LastScan() time.Time
}

func NewStatusHandler(mode string, startedAt time.Time, supervisor RouteSupervisor, scans ScanInfo) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, supervisor: supervisor, scans: scans}
}

// GetStatus responds with mode, uptime, and route counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.supervisor.Statuses(r.Context())

	running := 0
	for _, st := range statuses {
		if st.State == domain.PipelineRunning {
			running++
		}
	}

	payload := map[string]any{
		"mode":           h.mode,
		"uptime":         time.Since(h.startedAt).Round(time.Second).String(),
		"routes":         len(statuses),
		"routes_running": running,
	}
	if h.scans != nil {
		if last := h.scans.LastScan(); !last.IsZero() {
			payload["last_orphan_scan"] = last.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
