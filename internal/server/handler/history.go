package handler

import (
	"net/http"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

// HistoryHandler serves the Postgres-backed reporting reads: the audit
// trail and per-route copy history. Both stores are optional; without
// Postgres the endpoints answer 503.
type HistoryHandler struct {
	audit   domain.AuditStore
	history domain.HistoryStore
}

func NewHistoryHandler(audit domain.AuditStore, history domain.HistoryStore) *HistoryHandler {
	return &HistoryHandler{audit: audit, history: history}
}

// ListAudit responds with recent audit entries, newest first.
// GET /api/audit?limit=&offset=&since=&until=
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "audit store not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":        e.ID,
			"event":     e.Event,
			"detail":    e.Detail,
			"createdAt": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListHistory responds with completed copies for one route, newest first.
// GET /api/history/{id}?limit=&offset=&since=&until=
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}
	records, err := h.history.ListByRoute(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"routeId":        rec.RouteID,
			"symbol":         rec.Symbol,
			"side":           rec.Side,
			"sourcePosition": rec.SourcePosition,
			"destPosition":   rec.DestPosition,
			"sourceVolume":   rec.SourceVolume,
			"destVolume":     rec.DestVolume,
			"openPrice":      rec.OpenPrice,
			"profit":         rec.Profit,
			"openedAt":       rec.OpenedAt.UTC().Format(time.RFC3339),
			"closedAt":       rec.ClosedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProfit responds with the summed realized profit for one route since the
// given time (default: start of the current UTC day).
// GET /api/history/{id}/profit?since=
func (h *HistoryHandler) GetProfit(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}

	since := time.Now().UTC().Truncate(24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "since must be RFC 3339")
			return
		}
		since = ts
	}

	routeID := r.PathValue("id")
	total, err := h.history.SumProfit(r.Context(), routeID, since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routeId": routeID,
		"since":   since.UTC().Format(time.RFC3339),
		"profit":  total,
	})
}
