// Package metatrader implements the REST and WebSocket clients for the
// MetaTrader bridge API that fronts the broker accounts.
package metatrader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
)

const (
	defaultQueryTimeout   = 10 * time.Second
	defaultExecuteTimeout = 30 * time.Second
)

// ClientOptions configures the REST client. APIHost may contain a
// "{region}" placeholder that is substituted per account.
type ClientOptions struct {
	APIHost        string
	Token          string
	DefaultRegion  string
	QueryTimeout   time.Duration
	ExecuteTimeout time.Duration
}

// Client is the bridge REST API client. Read endpoints are retried on
// transport errors and 5xx; trade endpoints are sent exactly once, because a
// timed-out order may still have executed server-side.
type Client struct {
	opts ClientOptions

	mu      sync.Mutex
	regions map[string]*regionClients
}

// regionClients holds the per-region resty pair: queries retry, trades do not.
type regionClients struct {
	query *resty.Client
	trade *resty.Client
}

// NewClient creates a bridge REST client from the given options.
func NewClient(opts ClientOptions) *Client {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = defaultExecuteTimeout
	}

	return &Client{
		opts:    opts,
		regions: make(map[string]*regionClients),
	}
}

// GetPositions returns the open positions of an account.
func (c *Client) GetPositions(ctx context.Context, region, accountID string) ([]domain.Position, error) {
	var result []APIPosition
	resp, err := c.forRegion(region).query.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/users/current/accounts/%s/positions", accountID))
	if err != nil {
		return nil, fmt.Errorf("metatrader: get positions: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("metatrader: get positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(result))
	for i := range result {
		positions = append(positions, result[i].ToDomain())
	}
	return positions, nil
}

// GetAccountInformation returns the live account snapshot.
func (c *Client) GetAccountInformation(ctx context.Context, region, accountID string) (domain.AccountInfo, error) {
	var result APIAccountInformation
	resp, err := c.forRegion(region).query.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/users/current/accounts/%s/account-information", accountID))
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("metatrader: get account information: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("metatrader: get account information: %w", err)
	}

	return result.ToDomain(), nil
}

// ExecuteTrade sends a market order. Failures carry a domain.TradeError so
// callers can branch on the failure kind.
func (c *Client) ExecuteTrade(ctx context.Context, region, accountID string, order domain.TradeOrder) (domain.TradeResult, error) {
	action := "ORDER_TYPE_BUY"
	if order.Side == domain.SideShort {
		action = "ORDER_TYPE_SELL"
	}

	volume := order.Volume
	req := TradeRequest{
		ActionType: action,
		Symbol:     order.Symbol,
		Volume:     &volume,
		Comment:    order.Comment,
	}
	if !order.StopLoss.IsZero() {
		sl := order.StopLoss
		req.StopLoss = &sl
	}
	if !order.TakeProfit.IsZero() {
		tp := order.TakeProfit
		req.TakeProfit = &tp
	}

	tr, err := c.doTrade(ctx, region, accountID, req)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("metatrader: execute trade: %w", err)
	}

	id := tr.PositionID
	if id == "" {
		id = tr.OrderID
	}
	return domain.TradeResult{
		OrderID: id,
		Volume:  tr.Volume,
		Price:   tr.Price,
	}, nil
}

// ModifyPosition updates the stop-loss and take-profit of an open position.
// Zero values leave the corresponding level unchanged.
func (c *Client) ModifyPosition(ctx context.Context, region, accountID, positionID string, stopLoss, takeProfit decimal.Decimal) error {
	req := TradeRequest{
		ActionType: "POSITION_MODIFY",
		PositionID: positionID,
	}
	if !stopLoss.IsZero() {
		sl := stopLoss
		req.StopLoss = &sl
	}
	if !takeProfit.IsZero() {
		tp := takeProfit
		req.TakeProfit = &tp
	}

	if _, err := c.doTrade(ctx, region, accountID, req); err != nil {
		return fmt.Errorf("metatrader: modify position %s: %w", positionID, err)
	}
	return nil
}

// ClosePosition closes an open position at market and reports the realized
// profit.
func (c *Client) ClosePosition(ctx context.Context, region, accountID, positionID string) (domain.CloseResult, error) {
	req := TradeRequest{
		ActionType: "POSITION_CLOSE_ID",
		PositionID: positionID,
	}

	tr, err := c.doTrade(ctx, region, accountID, req)
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("metatrader: close position %s: %w", positionID, err)
	}
	return domain.CloseResult{Profit: tr.Profit}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doTrade posts a trade request without retry and maps broker return codes
// onto the failure taxonomy.
func (c *Client) doTrade(ctx context.Context, region, accountID string, req TradeRequest) (TradeResponse, error) {
	var result TradeResponse
	resp, err := c.forRegion(region).trade.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(fmt.Sprintf("/users/current/accounts/%s/trade", accountID))
	if err != nil {
		return TradeResponse{}, domain.NewTradeError(domain.FailureTransient, "transport", err)
	}

	if resp.IsError() {
		// Trade errors come back as 4xx with the retcode in the body.
		var body TradeResponse
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil && body.StringCode != "" {
			return TradeResponse{}, domain.NewTradeError(failureKindForRetcode(body.StringCode), body.Message, nil)
		}
		return TradeResponse{}, domain.NewTradeError(kindForStatus(resp.StatusCode()), strings.TrimSpace(resp.String()), nil)
	}

	if result.StringCode != "" && result.StringCode != retcodeDone {
		return TradeResponse{}, domain.NewTradeError(failureKindForRetcode(result.StringCode), result.Message, nil)
	}

	return result, nil
}

// forRegion returns the resty pair for a region, building it on first use.
func (c *Client) forRegion(region string) *regionClients {
	if region == "" {
		region = c.opts.DefaultRegion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.regions[region]; ok {
		return rc
	}

	base := hostForRegion(c.opts.APIHost, region)

	query := resty.New().
		SetBaseURL(base).
		SetAuthScheme("Bearer").
		SetAuthToken(c.opts.Token).
		SetTimeout(c.opts.QueryTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	trade := resty.New().
		SetBaseURL(base).
		SetAuthScheme("Bearer").
		SetAuthToken(c.opts.Token).
		SetTimeout(c.opts.ExecuteTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	rc := &regionClients{query: query, trade: trade}
	c.regions[region] = rc
	return rc
}

// hostForRegion substitutes the {region} placeholder in a host template.
// Templates without a placeholder resolve to themselves.
func hostForRegion(host, region string) string {
	return strings.ReplaceAll(host, "{region}", region)
}

// checkStatus maps non-2xx read responses to appropriate errors.
func checkStatus(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}

	var apiErr APIError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), msg)
	}
}

// kindForStatus classifies a trade HTTP status with no parseable retcode.
func kindForStatus(status int) domain.FailureKind {
	switch status {
	case http.StatusBadRequest, http.StatusConflict:
		return domain.FailureRejected
	case http.StatusNotFound:
		return domain.FailureSymbolUnknown
	default:
		return domain.FailureTransient
	}
}
