package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	ch     chan domain.PositionEvent
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Events() <-chan domain.PositionEvent { return s.ch }

func (s *fakeStream) OnStateChange(domain.StreamStateFunc) {}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeGateway struct {
	mu         sync.Mutex
	streamErr  error
	positions  map[string][]domain.Position
	connectCnt int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{positions: make(map[string][]domain.Position)}
}

func (g *fakeGateway) ConnectStream(_ context.Context, _ domain.AccountRef) (domain.StreamHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectCnt++
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &fakeStream{ch: make(chan domain.PositionEvent), closed: make(chan struct{})}, nil
}

func (g *fakeGateway) GetPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Position(nil), g.positions[accountID]...), nil
}

func (g *fakeGateway) ExecuteTrade(context.Context, domain.AccountRef, domain.TradeOrder) (domain.TradeResult, error) {
	return domain.TradeResult{}, errors.New("not scripted")
}

func (g *fakeGateway) ModifyPosition(context.Context, string, string, decimal.Decimal, decimal.Decimal) error {
	return nil
}

func (g *fakeGateway) ClosePosition(context.Context, string, string) (domain.CloseResult, error) {
	return domain.CloseResult{}, nil
}

func (g *fakeGateway) GetAccountInfo(context.Context, string) (domain.AccountInfo, error) {
	return domain.AccountInfo{
		Balance: decimal.NewFromInt(10000),
		Equity:  decimal.NewFromInt(10000),
	}, nil
}

type memMappings struct {
	mu   sync.Mutex
	rows map[string]domain.Mapping
}

func newMemMappings() *memMappings { return &memMappings{rows: make(map[string]domain.Mapping)} }

func (s *memMappings) Put(_ context.Context, m domain.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.SourceKey()] = m
	return nil
}

func (s *memMappings) GetBySource(_ context.Context, srcAcct, srcPos string) (domain.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[srcAcct+"/"+srcPos]
	if !ok || m.Status != domain.MappingActive {
		return domain.Mapping{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMappings) GetByDest(context.Context, string, string, ...string) (domain.Mapping, error) {
	return domain.Mapping{}, domain.ErrNotFound
}

func (s *memMappings) ListActiveForRoute(_ context.Context, routeID string) ([]domain.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Mapping
	for _, m := range s.rows {
		if m.Status == domain.MappingActive && m.RouteID == routeID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMappings) MarkClosed(context.Context, string, string) error { return nil }
func (s *memMappings) Delete(context.Context, string, string) error     { return nil }

type memSuppress struct{}

func (memSuppress) Allow(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (memSuppress) Reset(context.Context, string) error                        { return nil }

type nopAlerter struct{}

func (nopAlerter) Notify(context.Context, domain.Alert) {}

// ---------------------------------------------------------------------------

func testConfig(routeIDs ...string) *config.Config {
	cfg := config.Defaults()
	cfg.Accounts = map[string]config.AccountConfig{
		"src": {Region: "london", ReferenceBalance: 5000},
		"dst": {Region: "london"},
	}
	for _, id := range routeIDs {
		cfg.Routes = append(cfg.Routes, config.RouteConfig{
			ID:          id,
			Name:        "route " + id,
			Source:      "src",
			Destination: "dst",
			RuleSet:     "default",
			Enabled:     true,
		})
	}
	return &cfg
}

func newSupervisor(t *testing.T, cfg *config.Config) (*Supervisor, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	s := New(Deps{
		Gateway:  gw,
		Mappings: newMemMappings(),
		Suppress: memSuppress{},
		Stats:    stats.NewCollector(),
		Alerter:  nopAlerter{},
		Logger:   testLogger(),
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s, gw
}

func waitRunning(t *testing.T, s *Supervisor, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		statuses := s.Statuses(context.Background())
		if len(statuses) != want {
			return false
		}
		for _, st := range statuses {
			if st.State != domain.PipelineRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartSpawnsEnabledRoutesOnly(t *testing.T) {
	t.Parallel()

	cfg := testConfig("r1", "r2")
	cfg.Routes[1].Enabled = false
	s, _ := newSupervisor(t, cfg)

	waitRunning(t, s, 1)
	statuses := s.Statuses(context.Background())
	assert.Equal(t, "r1", statuses[0].Route.ID)
}

func TestReloadDiffsRunningSet(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t, testConfig("r1", "r2"))
	waitRunning(t, s, 2)

	// r2 removed, r3 added.
	next := testConfig("r1", "r3")
	s.Reload(next)
	waitRunning(t, s, 2)

	ids := map[string]bool{}
	for _, st := range s.Statuses(context.Background()) {
		ids[st.Route.ID] = true
	}
	assert.True(t, ids["r1"])
	assert.True(t, ids["r3"])
	assert.False(t, ids["r2"])
}

func TestReloadIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig("r1")
	s, gw := newSupervisor(t, cfg)
	waitRunning(t, s, 1)

	gw.mu.Lock()
	before := gw.connectCnt
	gw.mu.Unlock()

	s.Reload(testConfig("r1"))
	s.Reload(testConfig("r1"))
	waitRunning(t, s, 1)

	gw.mu.Lock()
	after := gw.connectCnt
	gw.mu.Unlock()
	assert.Equal(t, before, after, "identical reload must not restart pipelines")
	assert.Zero(t, s.Statuses(context.Background())[0].Restarts)
}

func TestReloadRestartsChangedRoute(t *testing.T) {
	t.Parallel()

	s, gw := newSupervisor(t, testConfig("r1"))
	waitRunning(t, s, 1)

	gw.mu.Lock()
	before := gw.connectCnt
	gw.mu.Unlock()

	next := testConfig("r1")
	next.Accounts["src2"] = config.AccountConfig{Region: "london", ReferenceBalance: 5000}
	next.Routes[0].Source = "src2"
	s.Reload(next)
	waitRunning(t, s, 1)

	gw.mu.Lock()
	after := gw.connectCnt
	gw.mu.Unlock()
	assert.Greater(t, after, before, "source change must restart the pipeline")
}

func TestCrashedPipelineRestartsWithBackoff(t *testing.T) {
	t.Parallel()

	cfg := testConfig("r1")
	gw := newFakeGateway()
	gw.streamErr = fmt.Errorf("bridge unreachable")
	s := New(Deps{
		Gateway:  gw,
		Mappings: newMemMappings(),
		Suppress: memSuppress{},
		Stats:    stats.NewCollector(),
		Alerter:  nopAlerter{},
		Logger:   testLogger(),
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})

	require.Eventually(t, func() bool {
		statuses := s.Statuses(context.Background())
		return len(statuses) == 1 && statuses[0].Restarts >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRolloverResetsDailyStats(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t, testConfig("r1"))
	waitRunning(t, s, 1)

	s.deps.Stats.RecordClose("r1", decimal.NewFromInt(100))
	require.True(t, s.deps.Stats.Route("r1").PnLDay.Equal(decimal.NewFromInt(100)))

	s.rollover()

	st := s.deps.Stats.Route("r1")
	assert.True(t, st.PnLDay.IsZero(), "daily pnl resets")
	assert.True(t, st.PnLTotal.Equal(decimal.NewFromInt(100)), "total pnl survives")
}

func TestReloadReschedulesRollover(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t, testConfig("r1"))
	waitRunning(t, s, 1)

	entries := s.cron.Entries()
	require.Len(t, entries, 1)
	ref := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, entries[0].Schedule.Next(ref).Hour())

	next := testConfig("r1")
	next.Global.RolloverUtcHour = 6
	s.Reload(next)

	entries = s.cron.Entries()
	require.Len(t, entries, 1, "old rollover entry replaced, not duplicated")
	assert.Equal(t, 6, entries[0].Schedule.Next(ref).Hour())

	// Same hour again is a no-op.
	s.Reload(next)
	require.Len(t, s.cron.Entries(), 1)
}

func TestNotifyPrefsCoversDisabledRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig("r1", "r2")
	cfg.Routes[1].Enabled = false
	cfg.Routes[1].Notifications = &domain.NotifyPrefs{ConnIssues: true, Orphans: false, RiskEvents: true, PhaseEvents: true}
	s, _ := newSupervisor(t, cfg)
	waitRunning(t, s, 1)

	// Omitted preferences default to everything on.
	p, ok := s.NotifyPrefs("r1")
	require.True(t, ok)
	assert.True(t, p.Orphans)

	// Disabled routes resolve from the config document.
	p, ok = s.NotifyPrefs("r2")
	require.True(t, ok)
	assert.False(t, p.Orphans)
	assert.True(t, p.RiskEvents)

	_, ok = s.NotifyPrefs("ghost")
	assert.False(t, ok)
}
