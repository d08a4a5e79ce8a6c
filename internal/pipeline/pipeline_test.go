package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/risk"
	"github.com/copyrig/copyrig/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStream struct {
	ch chan domain.PositionEvent

	mu      sync.Mutex
	onState domain.StreamStateFunc
}

func (s *fakeStream) Events() <-chan domain.PositionEvent { return s.ch }
func (s *fakeStream) Close() error                        { return nil }

func (s *fakeStream) OnStateChange(fn domain.StreamStateFunc) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// stateChange drives the registered handler like a transport drop would.
func (s *fakeStream) stateChange(connected bool, err error) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(connected, err)
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	positions map[string][]domain.Position
	account   domain.AccountInfo
	events    chan domain.PositionEvent
	stream    *fakeStream

	executed    []domain.TradeOrder
	closedIDs   []string
	modified    int
	execErr     error
	closeErr    error
	closeProfit decimal.Decimal
	nextID      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		positions: make(map[string][]domain.Position),
		account: domain.AccountInfo{
			Balance:  decimal.NewFromInt(100000),
			Equity:   decimal.NewFromInt(100000),
			Currency: "USD",
		},
		events: make(chan domain.PositionEvent, 64),
	}
}

func (g *fakeGateway) ConnectStream(_ context.Context, _ domain.AccountRef) (domain.StreamHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stream = &fakeStream{ch: g.events}
	return g.stream, nil
}

func (g *fakeGateway) currentStream() *fakeStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream
}

func (g *fakeGateway) GetPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Position, len(g.positions[accountID]))
	copy(out, g.positions[accountID])
	return out, nil
}

func (g *fakeGateway) ExecuteTrade(_ context.Context, account domain.AccountRef, order domain.TradeOrder) (domain.TradeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.execErr != nil {
		return domain.TradeResult{}, g.execErr
	}
	g.nextID++
	id := fmt.Sprintf("dest-%d", g.nextID)
	g.executed = append(g.executed, order)
	g.positions[account.ID] = append(g.positions[account.ID], domain.Position{
		ID:      id,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Volume:  order.Volume,
		Comment: order.Comment,
	})
	return domain.TradeResult{OrderID: id, Volume: order.Volume}, nil
}

func (g *fakeGateway) ModifyPosition(_ context.Context, _, _ string, _, _ decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modified++
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, accountID, positionID string) (domain.CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return domain.CloseResult{}, g.closeErr
	}
	g.closedIDs = append(g.closedIDs, positionID)
	kept := g.positions[accountID][:0]
	for _, pos := range g.positions[accountID] {
		if pos.ID != positionID {
			kept = append(kept, pos)
		}
	}
	g.positions[accountID] = kept
	return domain.CloseResult{Profit: g.closeProfit}, nil
}

func (g *fakeGateway) GetAccountInfo(_ context.Context, _ string) (domain.AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.account, nil
}

func (g *fakeGateway) executedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.executed)
}

func (g *fakeGateway) closedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.closedIDs)
}

func (g *fakeGateway) seed(accountID string, positions ...domain.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[accountID] = append(g.positions[accountID], positions...)
}

// memMappings is an in-memory MappingStore for pipeline tests.
type memMappings struct {
	mu   sync.Mutex
	rows map[string]domain.Mapping
}

func newMemMappings() *memMappings {
	return &memMappings{rows: make(map[string]domain.Mapping)}
}

func (s *memMappings) Put(_ context.Context, m domain.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[m.SourceKey()]; ok && cur.Status == domain.MappingActive {
		return domain.ErrDuplicateMapping
	}
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

func (s *memMappings) GetByDest(_ context.Context, dstAcct, dstPos string, _ ...string) (domain.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.Status == domain.MappingActive && m.DestAccount == dstAcct && m.DestPosition == dstPos {
			return m, nil
		}
	}
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

func (s *memMappings) MarkClosed(_ context.Context, srcAcct, srcPos string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[srcAcct+"/"+srcPos]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = domain.MappingClosed
	s.rows[srcAcct+"/"+srcPos] = m
	return nil
}

func (s *memMappings) Delete(_ context.Context, srcAcct, srcPos string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, srcAcct+"/"+srcPos)
	return nil
}

type memSuppress struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemSuppress() *memSuppress { return &memSuppress{seen: make(map[string]time.Time)} }

func (s *memSuppress) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen[key]; ok && time.Since(last) < window {
		return false, nil
	}
	s.seen[key] = time.Now()
	return true, nil
}

func (s *memSuppress) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
	return nil
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *captureAlerter) Notify(_ context.Context, alert domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *captureAlerter) byKind(kind domain.AlertKind) []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Alert
	for _, al := range a.alerts {
		if al.Kind == kind {
			out = append(out, al)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	gw       *fakeGateway
	mappings *memMappings
	alerter  *captureAlerter
	suppress *memSuppress
	stats    *stats.Collector
	deps     Deps
}

func testRoute() domain.Route {
	return domain.Route{
		ID:          "r1",
		Name:        "ftmo-main",
		Source:      domain.AccountRef{ID: "src", Region: "london"},
		Destination: domain.AccountRef{ID: "dst", Region: "london"},
		RuleSet:     "default",
		Enabled:     true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rules := config.DefaultRuleSet()
	rules.Filters.MinTimeBetweenTrades = config.Duration{}
	h := &harness{
		gw:       newFakeGateway(),
		mappings: newMemMappings(),
		alerter:  &captureAlerter{},
		suppress: newMemSuppress(),
		stats:    stats.NewCollector(),
	}
	h.deps = Deps{
		Route:            testRoute(),
		Rules:            rules,
		Global:           config.Defaults().Global,
		ReferenceBalance: decimal.NewFromInt(5000),
		Gateway:          h.gw,
		Mappings:         h.mappings,
		Suppress:         h.suppress,
		Squeeze:          nil,
		Stats:            h.stats,
		Alerter:          h.alerter,
		Logger:           testLogger(),
	}
	return h
}

func (h *harness) start(t *testing.T) (*Pipeline, context.CancelFunc) {
	t.Helper()
	p := New(h.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	})
	require.Eventually(t, func() bool {
		s := p.State()
		return s == domain.PipelineRunning || s == domain.PipelineStopped
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, domain.PipelineRunning, p.State())
	return p, cancel
}

func sourcePosition(id string) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     "XAUUSD",
		Side:       domain.SideLong,
		Volume:     decimal.RequireFromString("0.10"),
		OpenPrice:  decimal.RequireFromString("2400.0"),
		OpenTime:   time.Now().Add(-time.Minute),
		StopLoss:   decimal.RequireFromString("2395.0"),
		TakeProfit: decimal.RequireFromString("2410.0"),
	}
}

func created(pos domain.Position) domain.PositionEvent {
	return domain.PositionEvent{Type: domain.EventPositionCreated, AccountID: "src", Position: pos, At: time.Now()}
}

func removed(pos domain.Position) domain.PositionEvent {
	return domain.PositionEvent{Type: domain.EventPositionRemoved, AccountID: "src", Position: pos, At: time.Now()}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCopyHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.gw.events <- created(sourcePosition("s1"))

	require.Eventually(t, func() bool { return h.gw.executedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.gw.mu.Lock()
	order := h.gw.executed[0]
	h.gw.mu.Unlock()

	// 0.10 × (100000/5000) ÷ 10 = 0.20 lots; buffers widen SL/TP by 1.0.
	assert.True(t, order.Volume.Equal(decimal.RequireFromString("0.20")), "volume %s", order.Volume)
	assert.True(t, order.StopLoss.Equal(decimal.RequireFromString("2394.0")), "stop loss %s", order.StopLoss)
	assert.True(t, order.TakeProfit.Equal(decimal.RequireFromString("2411.0")), "take profit %s", order.TakeProfit)
	assert.Equal(t, "cpr:s1", order.Comment)

	require.Eventually(t, func() bool {
		_, err := h.mappings.GetBySource(context.Background(), "src", "s1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	st := h.stats.Route("r1")
	assert.EqualValues(t, 1, st.Copied)
}

func TestCreatedIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.mappings.Put(context.Background(), domain.Mapping{
		SourceAccount:  "src",
		SourcePosition: "s1",
		DestAccount:    "dst",
		DestPosition:   "dest-9",
		RouteID:        "r1",
		Symbol:         "XAUUSD",
		Side:           domain.SideLong,
		Status:         domain.MappingActive,
	}))
	h.start(t)

	h.gw.events <- created(sourcePosition("s1"))
	h.gw.events <- created(sourcePosition("s1"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.gw.executedCount())
}

func TestRealTimeDedupSelfHeals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	// The destination already holds a tagged copy the store never saw. The
	// pre-execute scan must heal the mapping instead of opening a second
	// position. Seed after sync so startup re-materialization is not the
	// path under test.
	h.gw.seed("dst", domain.Position{
		ID:      "dest-77",
		Symbol:  "XAUUSD",
		Side:    domain.SideLong,
		Volume:  decimal.RequireFromString("0.20"),
		Comment: "cpr:s1",
	})

	h.gw.events <- created(sourcePosition("s1"))

	require.Eventually(t, func() bool {
		m, err := h.mappings.GetBySource(context.Background(), "src", "s1")
		return err == nil && m.DestPosition == "dest-77"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.gw.executedCount())
}

func TestSyncRematerializesMappings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.seed("src", sourcePosition("s1"))
	h.gw.seed("dst", domain.Position{
		ID:      "dest-1",
		Symbol:  "XAUUSD",
		Side:    domain.SideLong,
		Volume:  decimal.RequireFromString("0.20"),
		Comment: "cpr:s1",
	})
	h.start(t)

	m, err := h.mappings.GetBySource(context.Background(), "src", "s1")
	require.NoError(t, err)
	assert.Equal(t, "dest-1", m.DestPosition)
	assert.Equal(t, "r1", m.RouteID)
}

func TestRemovedClosesAndBooksPnL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.closeProfit = decimal.RequireFromString("42.50")
	h.start(t)

	pos := sourcePosition("s1")
	h.gw.events <- created(pos)
	require.Eventually(t, func() bool { return h.gw.executedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.gw.events <- removed(pos)
	require.Eventually(t, func() bool { return h.gw.closedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := h.mappings.GetBySource(context.Background(), "src", "s1")
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)

	st := h.stats.Route("r1")
	assert.EqualValues(t, 1, st.Closed)
	assert.True(t, st.PnLDay.Equal(decimal.RequireFromString("42.50")), "daily pnl %s", st.PnLDay)
}

func TestRemovedWithoutMappingIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.gw.events <- removed(sourcePosition("never-copied"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.gw.closedCount())
}

func TestCloseFailureLeavesMappingActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	pos := sourcePosition("s1")
	h.gw.events <- created(pos)
	require.Eventually(t, func() bool { return h.gw.executedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.gw.mu.Lock()
	h.gw.closeErr = domain.NewTradeError(domain.FailureTransient, "bridge timeout", nil)
	h.gw.mu.Unlock()

	h.gw.events <- removed(pos)
	require.Eventually(t, func() bool {
		return h.stats.Route("r1").CloseFailed == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err := h.mappings.GetBySource(context.Background(), "src", "s1")
	assert.NoError(t, err, "mapping must stay active for the reconciler")
}

func TestSymbolUnknownAlertsOncePerDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gw.execErr = domain.NewTradeError(domain.FailureSymbolUnknown, "no such symbol", nil)
	h.start(t)

	h.gw.events <- created(sourcePosition("s1"))
	h.gw.events <- created(sourcePosition("s2"))

	require.Eventually(t, func() bool {
		return h.stats.Route("r1").ExecuteFailed == 2
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, h.alerter.byKind(domain.AlertSymbolUnknown), 1)
}

func TestEmergencyStopTripsOnceAndFlattens(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Pre-seed a tripped-ready risk state: equity 6% under start balance.
	state := risk.NewState(risk.Params{
		Risk:             h.deps.Rules.Risk,
		Phases:           h.deps.Rules.Phases,
		MaxDailyTrades:   h.deps.Rules.Filters.MaxDailyTrades,
		EmergencyStopPct: 0.05,
		DailyDrawdownPct: 0.04,
	}, domain.AccountInfo{
		Balance: decimal.NewFromInt(100000),
		Equity:  decimal.NewFromInt(100000),
	}, time.Now().UTC(), testLogger())
	state.UpdateAccount(domain.AccountInfo{
		Balance: decimal.NewFromInt(100000),
		Equity:  decimal.NewFromInt(94000),
	})
	h.deps.Risk = state

	require.NoError(t, h.mappings.Put(context.Background(), domain.Mapping{
		SourceAccount:  "src",
		SourcePosition: "old",
		DestAccount:    "dst",
		DestPosition:   "dest-old",
		RouteID:        "r1",
		Symbol:         "EURUSD",
		Side:           domain.SideLong,
		Volume:         decimal.RequireFromString("0.10"),
		Status:         domain.MappingActive,
	}))
	h.gw.seed("dst", domain.Position{ID: "dest-old", Symbol: "EURUSD", Side: domain.SideLong})
	h.start(t)

	h.gw.events <- created(sourcePosition("s1"))
	h.gw.events <- created(sourcePosition("s2"))

	require.Eventually(t, func() bool { return h.gw.closedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, h.gw.executedCount())
	assert.Len(t, h.alerter.byKind(domain.AlertEmergencyStop), 1, "trip alert fires exactly once")
	assert.Contains(t, h.gw.closedIDs, "dest-old")

	st := h.stats.Route("r1")
	assert.EqualValues(t, 2, st.EventsSeen)
	denied := st.Denied[domain.DenyEmergencyStop]
	assert.EqualValues(t, 2, denied)
}

func TestSameSourcePositionOrderingPreserved(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	pos := sourcePosition("s1")
	h.gw.events <- created(pos)
	h.gw.events <- removed(pos)

	require.Eventually(t, func() bool {
		return h.gw.executedCount() == 1 && h.gw.closedCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Created was fully handled before removed: the close targeted the
	// just-opened copy, and the mapping ended closed, not missing.
	_, err := h.mappings.GetBySource(context.Background(), "src", "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, strings.HasPrefix(h.gw.closedIDs[0], "dest-"))
}

func TestDropOldestUpdateOnly(t *testing.T) {
	t.Parallel()

	pos := sourcePosition("s1")
	q := &posQueue{items: []domain.PositionEvent{
		created(pos),
		{Type: domain.EventPositionUpdated, Position: pos},
		{Type: domain.EventPositionUpdated, Position: pos},
		removed(pos),
	}}

	require.True(t, q.dropOldestUpdate())
	require.Len(t, q.items, 3)
	assert.Equal(t, domain.EventPositionCreated, q.items[0].Type)
	assert.Equal(t, domain.EventPositionUpdated, q.items[1].Type)
	assert.Equal(t, domain.EventPositionRemoved, q.items[2].Type)

	q.items = []domain.PositionEvent{created(pos), removed(pos)}
	assert.False(t, q.dropOldestUpdate(), "created and removed are never dropped")
	assert.Len(t, q.items, 2)
}

func TestUpdatedMirrorsStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	pos := sourcePosition("s1")
	h.gw.events <- created(pos)
	require.Eventually(t, func() bool { return h.gw.executedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	moved := pos
	moved.StopLoss = decimal.RequireFromString("2398.0")
	h.gw.events <- domain.PositionEvent{Type: domain.EventPositionUpdated, AccountID: "src", Position: moved, At: time.Now()}

	require.Eventually(t, func() bool {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		return h.gw.modified == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStreamDropDegradesUntilReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	p, _ := h.start(t)

	stream := h.gw.currentStream()
	require.NotNil(t, stream)

	stream.stateChange(false, errors.New("websocket: close 1006"))
	require.Eventually(t, func() bool {
		return p.State() == domain.PipelineDegraded
	}, 5*time.Second, 5*time.Millisecond)

	stream.stateChange(true, nil)
	require.Eventually(t, func() bool {
		return p.State() == domain.PipelineRunning
	}, 5*time.Second, 5*time.Millisecond)
}
