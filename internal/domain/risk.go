package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DenyReason names why a copy candidate was rejected. Reasons surface in
// per-route stats; only the high-signal ones also alert.
type DenyReason string

const (
	DenyAlreadyCopied    DenyReason = "already-copied"
	DenyPositionCap      DenyReason = "position-cap"
	DenyCooldown         DenyReason = "cooldown"
	DenyDailyTradeCap    DenyReason = "daily-trade-cap"
	DenyTradingHours     DenyReason = "trading-hours"
	DenySymbolNotAllowed DenyReason = "symbol-not-allowed"
	DenyMartingale       DenyReason = "martingale"
	DenyGrid             DenyReason = "grid"
	DenyDailyLoss        DenyReason = "daily-loss-reached"
	DenyEmergencyStop    DenyReason = "emergency-stop"
	DenyTotalDrawdown    DenyReason = "total-drawdown"
	DenyLossPause        DenyReason = "consecutive-loss-pause"
	DenyVolatilityPause  DenyReason = "volatility-pause"
	DenySymbolCap        DenyReason = "symbol-cap"
	DenyRouteDisabled    DenyReason = "route-disabled"
)

// GateResult is the outcome of a risk or filter evaluation.
type GateResult struct {
	Allowed bool
	Reason  DenyReason
}

// Allow is the passing gate result.
func Allow() GateResult { return GateResult{Allowed: true} }

// Deny builds a rejecting gate result.
func Deny(reason DenyReason) GateResult { return GateResult{Reason: reason} }

// RiskView is an immutable snapshot of a route's risk state, captured at
// event ingress. Gates and sizing read the snapshot only; mutations caused
// by the event itself are not observed (I4).
type RiskView struct {
	Phase             int
	PhaseMultiplier   float64
	PhaseRiskFactor   float64
	StartBalance      decimal.Decimal
	Balance           decimal.Decimal
	Equity            decimal.Decimal
	HighWaterMark     decimal.Decimal
	DailyPnL          decimal.Decimal
	ConsecutiveLosses int
	TradesToday       int
	OpenPositions     int
	CurrentExposure   decimal.Decimal
	LastTradeAt       time.Time
	CooldownUntil     time.Time
	DisabledForDay    bool
	Day               time.Time
}
