package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/domain"
)

type fakeRest struct {
	mu         sync.Mutex
	err        error
	lastRegion string
	calls      int
}

func (f *fakeRest) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRest) record(region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRegion = region
	f.calls++
	return f.err
}

func (f *fakeRest) GetPositions(_ context.Context, region, _ string) ([]domain.Position, error) {
	return nil, f.record(region)
}

func (f *fakeRest) GetAccountInformation(_ context.Context, region, _ string) (domain.AccountInfo, error) {
	return domain.AccountInfo{}, f.record(region)
}

func (f *fakeRest) ExecuteTrade(_ context.Context, region, _ string, _ domain.TradeOrder) (domain.TradeResult, error) {
	return domain.TradeResult{}, f.record(region)
}

func (f *fakeRest) ModifyPosition(_ context.Context, region, _, _ string, _, _ decimal.Decimal) error {
	return f.record(region)
}

func (f *fakeRest) ClosePosition(_ context.Context, region, _, _ string) (domain.CloseResult, error) {
	return domain.CloseResult{}, f.record(region)
}

type memSuppress struct {
	mu   sync.Mutex
	last map[string]time.Time
	err  error
}

func newMemSuppress() *memSuppress {
	return &memSuppress{last: make(map[string]time.Time)}
}

func (s *memSuppress) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if at, ok := s.last[key]; ok && time.Since(at) < window {
		return false, nil
	}
	s.last[key] = time.Now()
	return true, nil
}

func (s *memSuppress) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, key)
	return nil
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (c *captureAlerter) Notify(_ context.Context, alert domain.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(rest *fakeRest, alerter *captureAlerter) *Gateway {
	return &Gateway{
		client:   rest,
		opts:     Options{FailureThreshold: 3, AlertWindow: 5 * time.Minute, ExecuteTimeout: time.Second, QueryTimeout: time.Second, CloseTimeout: time.Second, DefaultRegion: "new-york"},
		suppress: newMemSuppress(),
		alerter:  alerter,
		logger:   testLogger(),
		regions:  make(map[string]string),
		failures: make(map[string]int),
	}
}

func TestGatewayAlertsAfterConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", errors.New("deadline")))

	for i := 0; i < 2; i++ {
		_, err := gw.GetPositions(ctx, "acct-1")
		require.Error(t, err)
	}
	assert.Equal(t, 0, alerter.count(), "below threshold must not alert")

	_, err := gw.GetPositions(ctx, "acct-1")
	require.Error(t, err)
	require.Equal(t, 1, alerter.count())

	alert := alerter.alerts[0]
	assert.Equal(t, domain.AlertConnIssue, alert.Kind)
	assert.Equal(t, "acct-1", alert.Fields["account"])
	assert.Equal(t, "3", alert.Fields["failures"])
}

func TestGatewayThrottlesRepeatAlerts(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", nil))

	for i := 0; i < 10; i++ {
		_, _ = gw.GetPositions(ctx, "acct-1")
	}

	assert.Equal(t, 1, alerter.count(), "alerts within the window collapse to one")
}

func TestGatewayCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", nil))
	_, _ = gw.GetPositions(ctx, "acct-1")
	_, _ = gw.GetPositions(ctx, "acct-1")

	rest.setErr(nil)
	_, err := gw.GetPositions(ctx, "acct-1")
	require.NoError(t, err)

	// Two more transient failures stay below the threshold again.
	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", nil))
	_, _ = gw.GetPositions(ctx, "acct-1")
	_, _ = gw.GetPositions(ctx, "acct-1")

	assert.Equal(t, 0, alerter.count())
}

func TestGatewayBrokerRejectsDoNotCountAsFailures(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureRejected, "invalid stops", nil))

	for i := 0; i < 5; i++ {
		_, err := gw.ExecuteTrade(ctx, domain.AccountRef{ID: "acct-1"}, domain.TradeOrder{Symbol: "EURUSD"})
		require.Error(t, err)
	}

	assert.Equal(t, 0, alerter.count(), "rejects prove the link is up")
}

func TestGatewayNeverBlocksCallsWhileDegraded(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", nil))
	for i := 0; i < 20; i++ {
		_, _ = gw.GetPositions(ctx, "acct-1")
	}

	// Every call must still reach the client.
	assert.Equal(t, 20, rest.calls)
}

func TestGatewayResolvesRegionFromRegistry(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	ctx := context.Background()

	_, _ = gw.ExecuteTrade(ctx, domain.AccountRef{ID: "acct-1", Region: "london"}, domain.TradeOrder{Symbol: "EURUSD"})
	assert.Equal(t, "london", rest.lastRegion)

	// Id-only lookups reuse the registered region.
	_, _ = gw.GetPositions(ctx, "acct-1")
	assert.Equal(t, "london", rest.lastRegion)

	// Unknown accounts fall back to the default region.
	_, _ = gw.GetPositions(ctx, "acct-2")
	assert.Equal(t, "new-york", rest.lastRegion)
}

func TestGatewaySuppressionOutageAlertsOnlyOnCrossing(t *testing.T) {
	t.Parallel()

	rest := &fakeRest{}
	alerter := &captureAlerter{}
	gw := newTestGateway(rest, alerter)
	suppress := newMemSuppress()
	suppress.err = errors.New("redis down")
	gw.suppress = suppress
	ctx := context.Background()

	rest.setErr(domain.NewTradeError(domain.FailureTransient, "timeout", nil))
	for i := 0; i < 10; i++ {
		_, _ = gw.GetPositions(ctx, "acct-1")
	}

	assert.Equal(t, 1, alerter.count(), "broken suppression store must not flood the operator")
}
