package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the closing direction for a side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// AccountRef identifies a broker account without carrying credentials. The
// gateway resolves the id internally; the engine only routes on it.
type AccountRef struct {
	ID     string `json:"id"`
	Region string `json:"region"`
}

// Position is a broker position as observed on either side of a route.
// Zero StopLoss/TakeProfit means unset — FX quotes are never zero.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	OpenPrice  decimal.Decimal `json:"openPrice"`
	OpenTime   time.Time       `json:"openTime"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Comment    string          `json:"comment"`
	Profit     decimal.Decimal `json:"profit"`
}

// AccountInfo is a point-in-time account snapshot from the broker.
type AccountInfo struct {
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	FreeMargin decimal.Decimal `json:"freeMargin"`
	Currency   string          `json:"currency"`
	Leverage   int             `json:"leverage"`
}

// TradeOrder is a market order request sent to the gateway.
type TradeOrder struct {
	Symbol     string
	Side       Side
	Volume     decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Comment    string
}

// TradeResult reports a filled order.
type TradeResult struct {
	OrderID string
	Volume  decimal.Decimal
	Price   decimal.Decimal
}

// CloseResult reports a successful position close.
type CloseResult struct {
	Profit decimal.Decimal
}

// CommentTagPrefix marks destination positions opened by the engine. The
// source position id follows the prefix; broker comments cap at 31 chars so
// the tag stays minimal.
const CommentTagPrefix = "cpr:"

// CommentTag renders the comment for a destination position mirroring the
// given source position.
func CommentTag(sourcePositionID string) string {
	return CommentTagPrefix + sourcePositionID
}

// SourceIDFromComment extracts the source position id from a destination
// comment, if the engine tagged it.
func SourceIDFromComment(comment string) (string, bool) {
	i := strings.Index(comment, CommentTagPrefix)
	if i < 0 {
		return "", false
	}
	rest := comment[i+len(CommentTagPrefix):]
	end := strings.IndexAny(rest, " ;,")
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
