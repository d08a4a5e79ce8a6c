// Package notify delivers operator alerts to chat sinks. Alerts are
// structured records rendered to a single line; the notifier filters them by
// kind so operators receive only the categories they asked for, and a failed
// sender never blocks the engine.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/copyrig/copyrig/internal/domain"
)

// Sender is one delivery channel for rendered alerts.
type Sender interface {
	// Send delivers a single-line alert text.
	Send(ctx context.Context, text string) error
	// Name identifies the sender in logs (e.g. "telegram").
	Name() string
}

// RoutePrefs resolves a route's notification preferences. ok=false means
// the route is unknown; such alerts pass through.
type RoutePrefs func(routeID string) (domain.NotifyPrefs, bool)

// Notifier dispatches alerts to all registered senders. It maintains a set
// of allowed alert kinds; alerts of other kinds are dropped silently (they
// remain visible in logs and stats). Route-scoped alerts are additionally
// checked against the route's own preferences.
type Notifier struct {
	senders []Sender
	kinds   map[domain.AlertKind]bool
	prefs   RoutePrefs
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// alerts whose kind appears in kinds are forwarded; an empty list allows
// every kind.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.AlertKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[domain.AlertKind(strings.TrimSpace(k))] = true
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// SetRoutePrefs installs the per-route preference lookup. Call before the
// engine starts; alerts carrying a route id are dropped when that route has
// the alert's category turned off.
func (n *Notifier) SetRoutePrefs(lookup RoutePrefs) {
	n.prefs = lookup
}

// Notify renders and dispatches one alert. Delivery failures are logged and
// swallowed: alerting is best-effort by contract, and callers sit on hot
// paths.
func (n *Notifier) Notify(ctx context.Context, alert domain.Alert) {
	if len(n.kinds) > 0 && !n.kinds[alert.Kind] {
		n.logger.DebugContext(ctx, "alert kind filtered out",
			slog.String("kind", string(alert.Kind)),
		)
		return
	}
	if alert.RouteID != "" && n.prefs != nil {
		if p, ok := n.prefs(alert.RouteID); ok && !p.Allows(alert.Kind) {
			n.logger.DebugContext(ctx, "alert muted by route preferences",
				slog.String("kind", string(alert.Kind)),
				slog.String("route", alert.RouteID),
			)
			return
		}
	}

	text := alert.Render()
	n.logger.InfoContext(ctx, "operator alert",
		slog.String("kind", string(alert.Kind)),
		slog.String("route", alert.RouteID),
		slog.String("text", text),
	)

	for _, s := range n.senders {
		if err := s.Send(ctx, text); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}
