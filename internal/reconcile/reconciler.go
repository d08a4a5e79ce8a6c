// Package reconcile sweeps destination accounts for positions that no
// longer correspond to an open source position. The engine is event-driven;
// the reconciler is the safety net that catches whatever the event path
// missed: failed closes, restarts between execute and mapping write, manual
// trades on the destination account.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

const orphanAlertWindow = 24 * time.Hour

// Alerter delivers operator alerts. Implementations must not block.
type Alerter interface {
	Notify(ctx context.Context, alert domain.Alert)
}

// RouteProvider enumerates the routes currently under supervision.
type RouteProvider interface {
	Routes() []domain.Route
}

// Reconciler classifies destination positions against the mapping store and
// the live source account, alerts on orphans (throttled), and optionally
// closes them for routes that opted in.
type Reconciler struct {
	gateway  domain.Gateway
	mappings domain.MappingStore
	suppress domain.SuppressionStore
	alerter  Alerter
	routes   RouteProvider
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cached   []domain.Orphan
	lastScan time.Time
}

// New creates a reconciler over the supervised routes.
func New(gateway domain.Gateway, mappings domain.MappingStore, suppress domain.SuppressionStore, alerter Alerter, routes RouteProvider, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		gateway:  gateway,
		mappings: mappings,
		suppress: suppress,
		alerter:  alerter,
		routes:   routes,
		logger:   logger.With(slog.String("component", "reconciler")),
		now:      time.Now,
	}
}

// Orphans returns the result of the most recent scan.
func (r *Reconciler) Orphans() []domain.Orphan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Orphan, len(r.cached))
	copy(out, r.cached)
	return out
}

// LastScan returns when the cached report was produced, zero before the
// first scan.
func (r *Reconciler) LastScan() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastScan
}

// ScanAll sweeps every enabled route and refreshes the cached report. One
// route failing does not abort the others.
func (r *Reconciler) ScanAll(ctx context.Context) ([]domain.Orphan, error) {
	var (
		all     []domain.Orphan
		scanErr error
	)
	for _, route := range r.routes.Routes() {
		if !route.Enabled {
			continue
		}
		orphans, err := r.scanRoute(ctx, route)
		if err != nil {
			r.logger.ErrorContext(ctx, "route scan failed",
				slog.String("route", route.ID),
				slog.String("error", err.Error()),
			)
			scanErr = errors.Join(scanErr, err)
			continue
		}
		all = append(all, orphans...)
	}

	r.mu.Lock()
	r.cached = all
	r.lastScan = r.now()
	r.mu.Unlock()
	return all, scanErr
}

// ScanRoute sweeps one route on demand and folds the result into the cached
// report.
func (r *Reconciler) ScanRoute(ctx context.Context, route domain.Route) ([]domain.Orphan, error) {
	orphans, err := r.scanRoute(ctx, route)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	kept := r.cached[:0]
	for _, o := range r.cached {
		if o.RouteID != route.ID {
			kept = append(kept, o)
		}
	}
	r.cached = append(kept, orphans...)
	r.lastScan = r.now()
	r.mu.Unlock()
	return orphans, nil
}

func (r *Reconciler) scanRoute(ctx context.Context, route domain.Route) ([]domain.Orphan, error) {
	srcPositions, err := r.gateway.GetPositions(ctx, route.Source.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: source positions %s: %w", route.Source.ID, err)
	}
	destPositions, err := r.gateway.GetPositions(ctx, route.Destination.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: destination positions %s: %w", route.Destination.ID, err)
	}

	srcOpen := make(map[string]bool, len(srcPositions))
	for _, pos := range srcPositions {
		srcOpen[pos.ID] = true
	}

	now := r.now()
	var orphans []domain.Orphan
	for _, pos := range destPositions {
		m, err := r.mappings.GetByDest(ctx, route.Destination.ID, pos.ID, route.Source.ID)
		switch {
		case err == nil && srcOpen[m.SourcePosition]:
			continue // healthy
		case err == nil:
			orphans = append(orphans, r.found(ctx, route, pos, domain.OrphanSourceClosed, now))
		case errors.Is(err, domain.ErrNotFound):
			// Engine-tagged but unmapped still counts: the tag only aids
			// the alert text.
			orphans = append(orphans, r.found(ctx, route, pos, domain.OrphanNoMapping, now))
		default:
			return nil, fmt.Errorf("reconcile: mapping lookup %s/%s: %w", route.Destination.ID, pos.ID, err)
		}
	}

	r.logger.InfoContext(ctx, "scan complete",
		slog.String("route", route.ID),
		slog.Int("source_positions", len(srcPositions)),
		slog.Int("dest_positions", len(destPositions)),
		slog.Int("orphans", len(orphans)),
	)

	if route.AutoClose {
		for _, o := range orphans {
			r.closeOrphan(ctx, route, o)
		}
	}
	return orphans, nil
}

// found records one orphan and emits its throttled alert.
func (r *Reconciler) found(ctx context.Context, route domain.Route, pos domain.Position, reason domain.OrphanReason, now time.Time) domain.Orphan {
	o := domain.Orphan{
		RouteID:     route.ID,
		RouteName:   route.Name,
		DestAccount: route.Destination.ID,
		Position:    pos,
		Reason:      reason,
		DetectedAt:  now,
	}

	key := domain.SuppressOrphan(route.Destination.ID, pos.ID, reason)
	allowed, err := r.suppress.Allow(ctx, key, orphanAlertWindow)
	if err != nil {
		r.logger.WarnContext(ctx, "suppression check failed", slog.String("error", err.Error()))
		return o
	}
	if !allowed {
		return o
	}

	r.alerter.Notify(ctx, domain.Alert{
		Kind:    domain.AlertOrphan,
		RouteID: route.ID,
		Message: fmt.Sprintf("orphan position on %s (%s)", route.Name, reason),
		Fields: map[string]string{
			"symbol":    pos.Symbol,
			"position":  pos.ID,
			"volume":    pos.Volume.String(),
			"profit":    pos.Profit.String(),
			"sl":        pos.StopLoss.String(),
			"tp":        pos.TakeProfit.String(),
			"opened":    pos.OpenTime.UTC().Format(time.RFC3339),
			"close_cmd": "POST /api/orphans/close {\"positionId\":\"" + pos.ID + "\"}",
		},
		At: now,
	})
	return o
}

// closeOrphan closes one orphan for an auto-close route and removes any
// stale mapping behind it. Failures are left for the next sweep.
func (r *Reconciler) closeOrphan(ctx context.Context, route domain.Route, o domain.Orphan) {
	if _, err := r.gateway.ClosePosition(ctx, route.Destination.ID, o.Position.ID); err != nil {
		r.logger.ErrorContext(ctx, "auto-close failed",
			slog.String("route", route.ID),
			slog.String("position", o.Position.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m, err := r.mappings.GetByDest(ctx, route.Destination.ID, o.Position.ID, route.Source.ID)
	if err == nil {
		if derr := r.mappings.Delete(ctx, m.SourceAccount, m.SourcePosition); derr != nil {
			r.logger.WarnContext(ctx, "stale mapping delete failed", slog.String("error", derr.Error()))
		}
	}
	r.logger.InfoContext(ctx, "orphan auto-closed",
		slog.String("route", route.ID),
		slog.String("position", o.Position.ID),
	)
}
