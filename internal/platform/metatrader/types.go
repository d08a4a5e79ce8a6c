package metatrader

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
)

// --------------------------------------------------------------------------
// REST API DTOs
// --------------------------------------------------------------------------

// APIPosition represents a position as returned by the bridge REST API and
// carried inside stream frames.
type APIPosition struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Type        string          `json:"type"` // "POSITION_TYPE_BUY" or "POSITION_TYPE_SELL"
	Volume      decimal.Decimal `json:"volume"`
	OpenPrice   decimal.Decimal `json:"openPrice"`
	Time        string          `json:"time"`
	StopLoss    decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit  decimal.Decimal `json:"takeProfit,omitempty"`
	Comment     string          `json:"comment,omitempty"`
	Profit      decimal.Decimal `json:"profit,omitempty"`
	UpdateTime  string          `json:"updateTime,omitempty"`
	MarginRate  decimal.Decimal `json:"marginRate,omitempty"`
	Commission  decimal.Decimal `json:"commission,omitempty"`
	Swap        decimal.Decimal `json:"swap,omitempty"`
	BrokerLogin string          `json:"login,omitempty"`
}

// ToDomain converts an APIPosition to a domain.Position.
func (p *APIPosition) ToDomain() domain.Position {
	pos := domain.Position{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Volume:     p.Volume,
		OpenPrice:  p.OpenPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Comment:    p.Comment,
		Profit:     p.Profit,
	}

	switch p.Type {
	case "POSITION_TYPE_SELL":
		pos.Side = domain.SideShort
	default:
		pos.Side = domain.SideLong
	}

	if t, err := time.Parse(time.RFC3339, p.Time); err == nil {
		pos.OpenTime = t
	}

	return pos
}

// APIAccountInformation represents the account snapshot returned by the
// bridge REST API and pushed on the stream.
type APIAccountInformation struct {
	Login      string          `json:"login"`
	Name       string          `json:"name"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	FreeMargin decimal.Decimal `json:"freeMargin"`
	Leverage   int             `json:"leverage"`
	Broker     string          `json:"broker,omitempty"`
	Platform   string          `json:"platform,omitempty"`
}

// ToDomain converts an APIAccountInformation to a domain.AccountInfo.
func (a *APIAccountInformation) ToDomain() domain.AccountInfo {
	return domain.AccountInfo{
		Balance:    a.Balance,
		Equity:     a.Equity,
		Margin:     a.Margin,
		FreeMargin: a.FreeMargin,
		Currency:   a.Currency,
		Leverage:   a.Leverage,
	}
}

// TradeRequest is the payload for POST .../trade. One endpoint carries
// market orders, position modifies, and closes; ActionType selects the
// operation.
type TradeRequest struct {
	ActionType string           `json:"actionType"` // ORDER_TYPE_BUY, ORDER_TYPE_SELL, POSITION_MODIFY, POSITION_CLOSE_ID
	Symbol     string           `json:"symbol,omitempty"`
	Volume     *decimal.Decimal `json:"volume,omitempty"`
	PositionID string           `json:"positionId,omitempty"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
	Comment    string           `json:"comment,omitempty"`
}

// TradeResponse is the bridge's answer to a trade request. StringCode is a
// MetaTrader return code; "TRADE_RETCODE_DONE" means filled.
type TradeResponse struct {
	NumericCode int             `json:"numericCode"`
	StringCode  string          `json:"stringCode"`
	Message     string          `json:"message"`
	OrderID     string          `json:"orderId,omitempty"`
	PositionID  string          `json:"positionId,omitempty"`
	Volume      decimal.Decimal `json:"volume,omitempty"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Profit      decimal.Decimal `json:"profit,omitempty"`
}

// APIError is the error body returned on non-2xx responses.
type APIError struct {
	ID      int    `json:"id,omitempty"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// StreamCommand is the JSON payload sent to the stream endpoint to attach
// to an account and request a state synchronization.
type StreamCommand struct {
	Type      string `json:"type"` // "subscribe" or "synchronize"
	AccountID string `json:"accountId"`
	RequestID string `json:"requestId,omitempty"`
}

// StreamMessage is the outer envelope of every frame from the bridge
// stream. Exactly one payload field is set, selected by Type.
type StreamMessage struct {
	Type      string `json:"type"` // "positions", "position", "accountInformation", "status", "error"
	AccountID string `json:"accountId"`
	Event     string `json:"event,omitempty"` // for "position": "created", "updated", "removed"
	Timestamp string `json:"timestamp,omitempty"`

	Position           *APIPosition           `json:"position,omitempty"`
	Positions          []APIPosition          `json:"positions,omitempty"`
	PositionID         string                 `json:"positionId,omitempty"`
	Profit             *decimal.Decimal       `json:"profit,omitempty"`
	AccountInformation *APIAccountInformation `json:"accountInformation,omitempty"`
	Message            string                 `json:"message,omitempty"`
}

// at parses the frame timestamp, defaulting to now when absent or broken.
func (m *StreamMessage) at() time.Time {
	if m.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// --------------------------------------------------------------------------
// Return code mapping
// --------------------------------------------------------------------------

// retcodeDone is the only return code that counts as a fill.
const retcodeDone = "TRADE_RETCODE_DONE"

// failureKindForRetcode maps a MetaTrader return code onto the engine's
// failure taxonomy. Unknown codes classify as transient so the reconciler
// retries them instead of the hot path.
func failureKindForRetcode(code string) domain.FailureKind {
	switch code {
	case "TRADE_RETCODE_NO_MONEY":
		return domain.FailureInsufficientMargin
	case "TRADE_RETCODE_INVALID_SYMBOL", "TRADE_RETCODE_SYMBOL_DISABLED":
		return domain.FailureSymbolUnknown
	case "TRADE_RETCODE_REJECT",
		"TRADE_RETCODE_INVALID",
		"TRADE_RETCODE_INVALID_VOLUME",
		"TRADE_RETCODE_INVALID_PRICE",
		"TRADE_RETCODE_INVALID_STOPS",
		"TRADE_RETCODE_LIMIT_VOLUME",
		"TRADE_RETCODE_LIMIT_POSITIONS",
		"TRADE_RETCODE_MARKET_CLOSED",
		"TRADE_RETCODE_TRADE_DISABLED":
		return domain.FailureRejected
	default:
		return domain.FailureTransient
	}
}
