package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// StreamStateFunc observes stream connectivity transitions. connected=false
// carries the error that dropped the session. Handlers must not block.
type StreamStateFunc func(connected bool, err error)

// StreamHandle is a live position event stream for one source account.
// Events closes only when the handle is closed; transport drops are handled
// inside with reconnect and re-sync, and reported through OnStateChange so
// consumers can surface a degraded feed.
type StreamHandle interface {
	Events() <-chan PositionEvent
	OnStateChange(fn StreamStateFunc)
	Close() error
}

// Gateway is the opaque broker façade. All operations are safe for
// concurrent use, carry deadlines, and return failure variants instead of
// blocking on degraded transport. Failure tracking inside the gateway never
// gates calls; it only drives throttled connection-issue alerts.
type Gateway interface {
	ConnectStream(ctx context.Context, account AccountRef) (StreamHandle, error)
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	ExecuteTrade(ctx context.Context, account AccountRef, order TradeOrder) (TradeResult, error)
	ModifyPosition(ctx context.Context, accountID, positionID string, stopLoss, takeProfit decimal.Decimal) error
	ClosePosition(ctx context.Context, accountID, positionID string) (CloseResult, error)
	GetAccountInfo(ctx context.Context, accountID string) (AccountInfo, error)
}
