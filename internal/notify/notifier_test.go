package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureSender struct {
	name string
	sent []string
	err  error
}

func (c *captureSender) Send(_ context.Context, text string) error {
	c.sent = append(c.sent, text)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func sampleAlert(kind domain.AlertKind) domain.Alert {
	return domain.Alert{
		Kind:    kind,
		RouteID: "ftmo-main",
		Message: "daily loss limit reached",
		Fields:  map[string]string{"loss": "-512.40", "limit": "-500.00"},
		At:      time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestNotifyDispatchesToAllSenders(t *testing.T) {
	t.Parallel()

	a := &captureSender{name: "a"}
	b := &captureSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil, testLogger())

	n.Notify(context.Background(), sampleAlert(domain.AlertDailyLimit))

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, a.sent[0], b.sent[0])
	assert.Contains(t, a.sent[0], "[daily-limit-reached]")
	assert.Contains(t, a.sent[0], "limit=-500.00 loss=-512.40")
}

func TestNotifyFiltersDisabledKinds(t *testing.T) {
	t.Parallel()

	s := &captureSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"emergency-stop", "orphan-detected"}, testLogger())

	n.Notify(context.Background(), sampleAlert(domain.AlertDailyLimit))
	assert.Empty(t, s.sent)

	n.Notify(context.Background(), sampleAlert(domain.AlertEmergencyStop))
	assert.Len(t, s.sent, 1)
}

func TestNotifySenderFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	bad := &captureSender{name: "bad", err: errors.New("network down")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	n.Notify(context.Background(), sampleAlert(domain.AlertOrphan))

	assert.Len(t, bad.sent, 1)
	assert.Len(t, good.sent, 1)
}

func TestNewTelegramSenderRejectsBadChatID(t *testing.T) {
	t.Parallel()

	_, err := NewTelegramSender("token", "not-a-number")
	require.Error(t, err)
}

func TestNotifyHonorsRoutePreferences(t *testing.T) {
	t.Parallel()

	s := &captureSender{name: "tg"}
	n := NewNotifier([]Sender{s}, nil, testLogger())
	n.SetRoutePrefs(func(routeID string) (domain.NotifyPrefs, bool) {
		if routeID == "ftmo-main" {
			return domain.NotifyPrefs{ConnIssues: true, Orphans: true, RiskEvents: false, PhaseEvents: true}, true
		}
		return domain.NotifyPrefs{}, false
	})

	// Risk events are muted for this route.
	n.Notify(context.Background(), sampleAlert(domain.AlertDailyLimit))
	assert.Empty(t, s.sent)
	n.Notify(context.Background(), sampleAlert(domain.AlertEmergencyStop))
	assert.Empty(t, s.sent)

	// Orphans stay on.
	n.Notify(context.Background(), sampleAlert(domain.AlertOrphan))
	assert.Len(t, s.sent, 1)

	// Unknown routes and alerts without a route pass through.
	other := sampleAlert(domain.AlertDailyLimit)
	other.RouteID = "unknown"
	n.Notify(context.Background(), other)
	assert.Len(t, s.sent, 2)

	global := sampleAlert(domain.AlertConfigError)
	global.RouteID = ""
	n.Notify(context.Background(), global)
	assert.Len(t, s.sent, 3)
}
