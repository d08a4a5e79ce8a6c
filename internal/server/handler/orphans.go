package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
)

// Scanner is the reconciler surface the orphan endpoints drive.
type Scanner interface {
	Orphans() []domain.Orphan
	ScanAll(ctx context.Context) ([]domain.Orphan, error)
	ScanRoute(ctx context.Context, route domain.Route) ([]domain.Orphan, error)
}

// OrphansHandler serves the orphan report and the operator commands against
// individual destination positions.
type OrphansHandler struct {
	scanner    Scanner
	supervisor RouteSupervisor
	gateway    domain.Gateway
	mappings   domain.MappingStore
	audit      domain.AuditStore // optional
	logger     *slog.Logger
}

func NewOrphansHandler(scanner Scanner, supervisor RouteSupervisor, gateway domain.Gateway, mappings domain.MappingStore, audit domain.AuditStore, logger *slog.Logger) *OrphansHandler {
	return &OrphansHandler{
		scanner:    scanner,
		supervisor: supervisor,
		gateway:    gateway,
		mappings:   mappings,
		audit:      audit,
		logger:     logger.With(slog.String("handler", "orphans")),
	}
}

// ListOrphans responds with the cached classification report.
// GET /api/orphans/list
func (h *OrphansHandler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans := h.scanner.Orphans()
	if orphans == nil {
		orphans = []domain.Orphan{}
	}
	writeJSON(w, http.StatusOK, orphans)
}

// Scan triggers an on-demand reconcile, optionally scoped to one route.
// POST /api/orphans/scan
func (h *OrphansHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RouteID string `json:"routeId"`
	}
	// An empty body means "scan everything".
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad-request", "invalid body: "+err.Error())
		return
	}

	var (
		orphans []domain.Orphan
		err     error
	)
	if body.RouteID == "" {
		orphans, err = h.scanner.ScanAll(r.Context())
	} else {
		route, ok := h.routeByID(body.RouteID)
		if !ok {
			writeError(w, http.StatusNotFound, "not-found", "route "+body.RouteID+" not supervised")
			return
		}
		orphans, err = h.scanner.ScanRoute(r.Context(), route)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scan-failed", err.Error())
		return
	}
	if orphans == nil {
		orphans = []domain.Orphan{}
	}
	writeJSON(w, http.StatusOK, orphans)
}

// CloseOrphan closes a destination position and removes any residual
// mapping behind it.
// POST /api/orphans/close
func (h *OrphansHandler) CloseOrphan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionID string `json:"positionId"`
	}
	if err := decodeBody(r, &body); err != nil || body.PositionID == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "positionId is required")
		return
	}

	route, _, ok := h.resolve(r.Context(), body.PositionID)
	if !ok {
		writeError(w, http.StatusNotFound, "not-found", "no supervised route owns position "+body.PositionID)
		return
	}

	result, err := h.gateway.ClosePosition(r.Context(), route.Destination.ID, body.PositionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "close-failed", err.Error())
		return
	}

	// Commands never bypass mapping bookkeeping.
	if m, merr := h.mappings.GetByDest(r.Context(), route.Destination.ID, body.PositionID, route.Source.ID); merr == nil {
		if derr := h.mappings.Delete(r.Context(), m.SourceAccount, m.SourcePosition); derr != nil {
			h.logger.WarnContext(r.Context(), "residual mapping delete failed", slog.String("error", derr.Error()))
		}
	}

	h.auditLog(r.Context(), "orphan.close", map[string]any{
		"route":    route.ID,
		"position": body.PositionID,
		"profit":   result.Profit.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"position": body.PositionID,
		"route":    route.ID,
		"profit":   result.Profit,
	})
}

// SetStopLoss adjusts the stop loss on an orphaned position.
// POST /api/orphans/set-stop-loss
func (h *OrphansHandler) SetStopLoss(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, "stopLoss")
}

// SetTakeProfit adjusts the take profit on an orphaned position.
// POST /api/orphans/set-take-profit
func (h *OrphansHandler) SetTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, "takeProfit")
}

func (h *OrphansHandler) modify(w http.ResponseWriter, r *http.Request, field string) {
	var body struct {
		PositionID string          `json:"positionId"`
		StopLoss   decimal.Decimal `json:"stopLoss"`
		TakeProfit decimal.Decimal `json:"takeProfit"`
	}
	if err := decodeBody(r, &body); err != nil || body.PositionID == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "positionId is required")
		return
	}

	route, pos, ok := h.resolve(r.Context(), body.PositionID)
	if !ok {
		writeError(w, http.StatusNotFound, "not-found", "no supervised route owns position "+body.PositionID)
		return
	}

	sl, tp := pos.StopLoss, pos.TakeProfit
	switch field {
	case "stopLoss":
		if body.StopLoss.Sign() <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "stopLoss must be > 0")
			return
		}
		sl = body.StopLoss
	case "takeProfit":
		if body.TakeProfit.Sign() <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "takeProfit must be > 0")
			return
		}
		tp = body.TakeProfit
	}

	if err := h.gateway.ModifyPosition(r.Context(), route.Destination.ID, body.PositionID, sl, tp); err != nil {
		writeError(w, http.StatusInternalServerError, "modify-failed", err.Error())
		return
	}

	h.auditLog(r.Context(), "orphan."+field, map[string]any{
		"route":    route.ID,
		"position": body.PositionID,
		"sl":       sl.String(),
		"tp":       tp.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"position":   body.PositionID,
		"route":      route.ID,
		"stopLoss":   sl,
		"takeProfit": tp,
	})
}

// resolve finds the route whose destination account holds the position: the
// mapping store's destination index first, then a live gateway scan. The
// scan is a bounded linear pass over supervised routes, acceptable because
// operator commands are rare.
func (h *OrphansHandler) resolve(ctx context.Context, positionID string) (domain.Route, domain.Position, bool) {
	routes := h.supervisor.Routes()

	for _, route := range routes {
		if _, err := h.mappings.GetByDest(ctx, route.Destination.ID, positionID, route.Source.ID); err == nil {
			if pos, ok := h.findPosition(ctx, route.Destination.ID, positionID); ok {
				return route, pos, true
			}
		}
	}
	for _, route := range routes {
		if pos, ok := h.findPosition(ctx, route.Destination.ID, positionID); ok {
			return route, pos, true
		}
	}
	return domain.Route{}, domain.Position{}, false
}

func (h *OrphansHandler) findPosition(ctx context.Context, accountID, positionID string) (domain.Position, bool) {
	positions, err := h.gateway.GetPositions(ctx, accountID)
	if err != nil {
		h.logger.WarnContext(ctx, "position scan failed",
			slog.String("account", accountID),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, false
	}
	for _, pos := range positions {
		if pos.ID == positionID {
			return pos, true
		}
	}
	return domain.Position{}, false
}

func (h *OrphansHandler) routeByID(id string) (domain.Route, bool) {
	for _, route := range h.supervisor.Routes() {
		if route.ID == id {
			return route, true
		}
	}
	return domain.Route{}, false
}

func (h *OrphansHandler) auditLog(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
