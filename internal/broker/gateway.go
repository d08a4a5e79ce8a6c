// Package broker implements the engine-facing broker gateway: a thread-safe
// façade over the bridge REST and stream clients that adds per-operation
// deadlines and per-account failure tracking.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/platform/metatrader"
)

const (
	defaultFailureThreshold = 3
	defaultAlertWindow      = 5 * time.Minute
	defaultExecuteTimeout   = 30 * time.Second
	defaultQueryTimeout     = 10 * time.Second
	defaultCloseTimeout     = 20 * time.Second
)

// Alerter delivers operator alerts. Implementations must not block.
type Alerter interface {
	Notify(ctx context.Context, alert domain.Alert)
}

// restClient is the subset of the bridge REST client the gateway drives.
type restClient interface {
	GetPositions(ctx context.Context, region, accountID string) ([]domain.Position, error)
	GetAccountInformation(ctx context.Context, region, accountID string) (domain.AccountInfo, error)
	ExecuteTrade(ctx context.Context, region, accountID string, order domain.TradeOrder) (domain.TradeResult, error)
	ModifyPosition(ctx context.Context, region, accountID, positionID string, stopLoss, takeProfit decimal.Decimal) error
	ClosePosition(ctx context.Context, region, accountID, positionID string) (domain.CloseResult, error)
}

// Options tunes gateway behavior. Zero values fall back to defaults.
type Options struct {
	StreamHost    string
	Token         string
	DefaultRegion string

	// FailureThreshold is the consecutive transport-failure count per
	// account at which connection-issue alerts start.
	FailureThreshold int
	// AlertWindow throttles connection-issue alerts per account.
	AlertWindow time.Duration

	ExecuteTimeout time.Duration
	QueryTimeout   time.Duration
	CloseTimeout   time.Duration

	// StreamBuffer is the per-stream event channel capacity.
	StreamBuffer int
}

// Gateway is the domain.Gateway implementation. Failure tracking never gates
// calls: every operation is attempted, and the counters only drive throttled
// connection-issue alerts.
type Gateway struct {
	client   restClient
	opts     Options
	suppress domain.SuppressionStore
	alerter  Alerter
	logger   *slog.Logger

	mu       sync.Mutex
	regions  map[string]string // account id -> region
	failures map[string]int    // account id -> consecutive transport failures
}

// NewGateway creates a gateway over the given bridge REST client.
func NewGateway(client *metatrader.Client, opts Options, suppress domain.SuppressionStore, alerter Alerter, logger *slog.Logger) *Gateway {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = defaultAlertWindow
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = defaultExecuteTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}

	return &Gateway{
		client:   client,
		opts:     opts,
		suppress: suppress,
		alerter:  alerter,
		logger:   logger,
		regions:  make(map[string]string),
		failures: make(map[string]int),
	}
}

// ConnectStream opens the position event stream for an account. Stream drops
// feed the same failure tracker as REST calls; the stream reconnects on its
// own.
func (g *Gateway) ConnectStream(ctx context.Context, account domain.AccountRef) (domain.StreamHandle, error) {
	g.register(account)

	stream := metatrader.NewStream(metatrader.StreamOptions{
		StreamHost: g.opts.StreamHost,
		Region:     g.regionFor(account.ID),
		Token:      g.opts.Token,
		AccountID:  account.ID,
		Buffer:     g.opts.StreamBuffer,
	})

	stream.OnStateChange(func(connected bool, err error) {
		if connected {
			g.recordSuccess(account.ID)
			return
		}
		g.logger.Warn("stream disconnected", "account", account.ID, "error", err)
		g.recordFailure(context.Background(), account.ID)
	})

	if err := stream.Connect(ctx); err != nil {
		g.recordFailure(ctx, account.ID)
		return nil, err
	}

	return stream, nil
}

// GetPositions returns the open positions of an account. Callable while the
// stream is degraded.
func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()

	positions, err := g.client.GetPositions(ctx, g.regionFor(accountID), accountID)
	g.track(ctx, accountID, err)
	return positions, err
}

// ExecuteTrade sends a market order to the destination account.
func (g *Gateway) ExecuteTrade(ctx context.Context, account domain.AccountRef, order domain.TradeOrder) (domain.TradeResult, error) {
	g.register(account)

	ctx, cancel := context.WithTimeout(ctx, g.opts.ExecuteTimeout)
	defer cancel()

	result, err := g.client.ExecuteTrade(ctx, g.regionFor(account.ID), account.ID, order)
	g.track(ctx, account.ID, err)
	return result, err
}

// ModifyPosition updates SL/TP on an open position.
func (g *Gateway) ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ExecuteTimeout)
	defer cancel()

	err := g.client.ModifyPosition(ctx, g.regionFor(accountID), accountID, positionID, stopLoss, takeProfit)
	g.track(ctx, accountID, err)
	return err
}

// ClosePosition closes an open position at market.
func (g *Gateway) ClosePosition(ctx context.Context, accountID, positionID string) (domain.CloseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.CloseTimeout)
	defer cancel()

	result, err := g.client.ClosePosition(ctx, g.regionFor(accountID), accountID, positionID)
	g.track(ctx, accountID, err)
	return result, err
}

// GetAccountInfo returns the live account snapshot.
func (g *Gateway) GetAccountInfo(ctx context.Context, accountID string) (domain.AccountInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()

	info, err := g.client.GetAccountInformation(ctx, g.regionFor(accountID), accountID)
	g.track(ctx, accountID, err)
	return info, err
}

// --------------------------------------------------------------------------
// Failure tracking
// --------------------------------------------------------------------------

// track updates the per-account failure counter from one call outcome.
func (g *Gateway) track(ctx context.Context, accountID string, err error) {
	if transportFailure(err) {
		g.recordFailure(ctx, accountID)
		return
	}
	g.recordSuccess(accountID)
}

// transportFailure reports whether an error indicates a degraded link.
// Broker-level outcomes (rejects, unknown symbols, auth errors) prove the
// connection is up and do not count.
func transportFailure(err error) bool {
	if err == nil {
		return false
	}
	var te *domain.TradeError
	if errors.As(err, &te) {
		return te.Kind == domain.FailureTransient
	}
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrRateLimited) {
		return false
	}
	return true
}

func (g *Gateway) recordSuccess(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures[accountID] != 0 {
		g.logger.Info("broker connection recovered", "account", accountID, "failures", g.failures[accountID])
		g.failures[accountID] = 0
	}
}

// recordFailure bumps the counter and emits a throttled connection-issue
// alert once the threshold is reached.
func (g *Gateway) recordFailure(ctx context.Context, accountID string) {
	g.mu.Lock()
	g.failures[accountID]++
	count := g.failures[accountID]
	g.mu.Unlock()

	if count < g.opts.FailureThreshold {
		return
	}

	allowed, err := g.suppress.Allow(ctx, domain.SuppressConnIssue(accountID), g.opts.AlertWindow)
	if err != nil {
		g.logger.Warn("suppression check failed", "account", accountID, "error", err)
		// Fall back to alerting only on the exact threshold crossing so a
		// broken suppression store cannot flood the operator.
		allowed = count == g.opts.FailureThreshold
	}
	if !allowed {
		return
	}

	g.alerter.Notify(ctx, domain.Alert{
		Kind:    domain.AlertConnIssue,
		Message: "broker connection degraded",
		Fields: map[string]string{
			"account":  accountID,
			"failures": strconv.Itoa(count),
		},
		At: time.Now().UTC(),
	})
}

// --------------------------------------------------------------------------
// Region registry
// --------------------------------------------------------------------------

// register remembers an account's region so id-only lookups resolve later.
func (g *Gateway) register(account domain.AccountRef) {
	if account.Region == "" {
		return
	}
	g.mu.Lock()
	g.regions[account.ID] = account.Region
	g.mu.Unlock()
}

func (g *Gateway) regionFor(accountID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if region, ok := g.regions[accountID]; ok {
		return region
	}
	return g.opts.DefaultRegion
}
