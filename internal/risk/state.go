// Package risk tracks per-route risk state: the daily window, drawdown
// watermarks, loss streaks, cooldowns, and the phase progression. Every copy
// decision is gated on a snapshot captured at event ingress, so a decision
// never observes mutations caused by the event itself.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
)

// Params bundles the configuration one route's risk state runs under. Zero
// percentage limits fall back to the global settings at construction.
type Params struct {
	Risk           config.RiskConfig
	Phases         config.PhasesConfig
	MaxDailyTrades int

	// Global fallbacks.
	EmergencyStopPct  float64
	DailyDrawdownPct  float64
}

// State is the mutable risk state of one route. All methods are safe for
// concurrent use; the daily rollover takes the same lock as the gates, so a
// reader never observes a half-reset window.
type State struct {
	params Params
	logger *slog.Logger

	mu sync.Mutex

	phase       int
	startedAt   time.Time // route start, for phase day counts
	initBalance decimal.Decimal

	day           time.Time // UTC midnight of the current window
	startBalance  decimal.Decimal
	balance       decimal.Decimal
	equity        decimal.Decimal
	highWaterMark decimal.Decimal

	dailyPnL          decimal.Decimal
	totalPnL          decimal.Decimal
	consecutiveLosses int
	tradesToday       int
	wins              int
	losses            int

	openPositions   int
	openPerSymbol   map[string]int
	currentExposure decimal.Decimal

	lastTradeAt   time.Time
	cooldownUntil time.Time
	recentOpens   []time.Time // volatility window

	disabledForDay bool
	trip           domain.DenyReason // pending once-only alert, empty when consumed
	phaseUpgrade   int               // pending once-only phase alert, 0 when consumed
}

// NewState seeds a route's risk state from the first account snapshot.
func NewState(params Params, account domain.AccountInfo, now time.Time, logger *slog.Logger) *State {
	if params.Risk.EmergencyStopPct == 0 {
		params.Risk.EmergencyStopPct = params.EmergencyStopPct
	}
	if params.Risk.DailyLossLimitPct == 0 {
		params.Risk.DailyLossLimitPct = params.DailyDrawdownPct
	}

	s := &State{
		params:        params,
		logger:        logger,
		phase:         1,
		startedAt:     now,
		initBalance:   account.Balance,
		day:           now.UTC().Truncate(24 * time.Hour),
		startBalance:  account.Equity,
		balance:       account.Balance,
		equity:        account.Equity,
		highWaterMark: account.Equity,
		openPerSymbol: make(map[string]int),
	}
	return s
}

// Snapshot returns the read-only risk view for gate and sizing decisions.
func (s *State) Snapshot() domain.RiskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *State) viewLocked() domain.RiskView {
	mult, factor := s.phaseParamsLocked()
	return domain.RiskView{
		Phase:             s.phase,
		PhaseMultiplier:   mult,
		PhaseRiskFactor:   factor,
		StartBalance:      s.startBalance,
		Balance:           s.balance,
		Equity:            s.equity,
		HighWaterMark:     s.highWaterMark,
		DailyPnL:          s.dailyPnL,
		ConsecutiveLosses: s.consecutiveLosses,
		TradesToday:       s.tradesToday,
		OpenPositions:     s.openPositions,
		CurrentExposure:   s.currentExposure,
		LastTradeAt:       s.lastTradeAt,
		CooldownUntil:     s.cooldownUntil,
		DisabledForDay:    s.disabledForDay,
		Day:               s.day,
	}
}

// OnEventIngress evaluates the risk gates for a candidate copy. The first
// failing gate wins. Limit breaches that disable the route for the day
// (daily loss, emergency stop) are latched here; TakeTrip surfaces them to
// the pipeline exactly once.
func (s *State) OnEventIngress(now time.Time, symbol string) domain.GateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabledForDay {
		if s.params.Risk.EmergencyStopPct > 0 && s.equityLossPctLocked().GreaterThanOrEqual(decimal.NewFromFloat(s.params.Risk.EmergencyStopPct)) {
			return domain.Deny(domain.DenyEmergencyStop)
		}
		return domain.Deny(domain.DenyDailyLoss)
	}

	// Emergency stop: intraday equity loss against the daily start.
	if pct := s.params.Risk.EmergencyStopPct; pct > 0 {
		if s.equityLossPctLocked().GreaterThanOrEqual(decimal.NewFromFloat(pct)) {
			s.tripLocked(domain.DenyEmergencyStop)
			return domain.Deny(domain.DenyEmergencyStop)
		}
	}

	// Daily loss limit: realized P/L against the daily start balance.
	if pct := s.params.Risk.DailyLossLimitPct; pct > 0 && s.startBalance.Sign() > 0 {
		limit := s.startBalance.Mul(decimal.NewFromFloat(pct)).Neg()
		if s.dailyPnL.LessThanOrEqual(limit) {
			s.tripLocked(domain.DenyDailyLoss)
			return domain.Deny(domain.DenyDailyLoss)
		}
	}

	// Total drawdown from the high-water-mark.
	if pct := s.params.Risk.MaxTotalDrawdownPct; pct > 0 && s.highWaterMark.Sign() > 0 {
		dd := s.highWaterMark.Sub(s.equity).Div(s.highWaterMark)
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(pct)) {
			return domain.Deny(domain.DenyTotalDrawdown)
		}
	}

	// Consecutive-loss pause.
	if max := s.params.Risk.MaxConsecutiveLosses; max > 0 && s.consecutiveLosses >= max {
		pauseEnd := s.lastTradeAt.Add(s.params.Risk.LossPause.Duration)
		if now.Before(pauseEnd) {
			return domain.Deny(domain.DenyLossPause)
		}
	}

	// Volatility pause: too many opens inside the rolling window.
	if max := s.params.Risk.VolatilityMaxTrades; max > 0 {
		cutoff := now.Add(-s.params.Risk.VolatilityWindow.Duration)
		recent := 0
		for _, at := range s.recentOpens {
			if at.After(cutoff) {
				recent++
			}
		}
		if recent >= max {
			return domain.Deny(domain.DenyVolatilityPause)
		}
	}

	// Explicit cooldown-until (set by operators or loss handling).
	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return domain.Deny(domain.DenyCooldown)
	}

	// Daily trade cap.
	if max := s.params.MaxDailyTrades; max > 0 && s.tradesToday >= max {
		return domain.Deny(domain.DenyDailyTradeCap)
	}

	// Concurrent position cap.
	if max := s.params.Risk.MaxOpenPositions; max > 0 && s.openPositions >= max {
		return domain.Deny(domain.DenyPositionCap)
	}

	// Per-symbol cap.
	if max := s.params.Risk.MaxPerSymbol; max > 0 && s.openPerSymbol[symbol] >= max {
		return domain.Deny(domain.DenySymbolCap)
	}

	return domain.Allow()
}

// equityLossPctLocked is the intraday equity decline as a positive fraction
// of the daily start balance.
func (s *State) equityLossPctLocked() decimal.Decimal {
	if s.startBalance.Sign() <= 0 {
		return decimal.Zero
	}
	loss := s.startBalance.Sub(s.equity)
	if loss.Sign() <= 0 {
		return decimal.Zero
	}
	return loss.Div(s.startBalance)
}

// tripLocked latches a disable-for-day condition and queues its once-only
// alert.
func (s *State) tripLocked(reason domain.DenyReason) {
	s.disabledForDay = true
	s.trip = reason
	s.logger.Warn("risk limit tripped", "reason", string(reason))
}

// TakeTrip returns the pending daily-loss or emergency-stop trip exactly
// once. The pipeline alerts (and for emergency stops, flattens the route) on
// a true return.
func (s *State) TakeTrip() (domain.DenyReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trip == "" {
		return "", false
	}
	reason := s.trip
	s.trip = ""
	return reason, true
}

// OnTradeOpened records a successful copy execution.
func (s *State) OnTradeOpened(symbol string, volume decimal.Decimal, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tradesToday++
	s.openPositions++
	s.openPerSymbol[symbol]++
	s.currentExposure = s.currentExposure.Add(volume)
	s.lastTradeAt = now
	s.recentOpens = append(s.recentOpens, now)
	s.pruneOpensLocked(now)
}

// OnTradeClosed records a realized result and re-evaluates the phase
// progression.
func (s *State) OnTradeClosed(symbol string, volume, realized decimal.Decimal, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openPositions > 0 {
		s.openPositions--
	}
	if s.openPerSymbol[symbol] > 0 {
		s.openPerSymbol[symbol]--
	}
	s.currentExposure = s.currentExposure.Sub(volume)
	if s.currentExposure.Sign() < 0 {
		s.currentExposure = decimal.Zero
	}

	s.dailyPnL = s.dailyPnL.Add(realized)
	s.totalPnL = s.totalPnL.Add(realized)
	s.balance = s.balance.Add(realized)

	switch {
	case realized.Sign() < 0:
		s.consecutiveLosses++
		s.losses++
	case realized.Sign() > 0:
		s.consecutiveLosses = 0
		s.wins++
	}

	s.evaluatePhaseLocked(now)
}

// UpdateAccount folds a broker account snapshot into the state. The
// high-water-mark only ever rises within a window.
func (s *State) UpdateAccount(info domain.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balance = info.Balance
	s.equity = info.Equity
	if info.Equity.GreaterThan(s.highWaterMark) {
		s.highWaterMark = info.Equity
	}
}

// RestoreOpen re-seeds the open-position counters from recovered mappings
// during pipeline startup.
func (s *State) RestoreOpen(symbol string, volume decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openPositions++
	s.openPerSymbol[symbol]++
	s.currentExposure = s.currentExposure.Add(volume)
}

// DailyRollover archives the finished window and seeds the new one: today's
// start balance is current equity, the daily counters reset, and a tripped
// route is re-armed. No I/O happens under the lock.
func (s *State) DailyRollover(now time.Time) domain.RiskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := s.viewLocked()

	s.day = now.UTC().Truncate(24 * time.Hour)
	s.startBalance = s.equity
	s.highWaterMark = s.equity
	s.dailyPnL = decimal.Zero
	s.tradesToday = 0
	s.consecutiveLosses = 0
	s.recentOpens = nil
	s.disabledForDay = false
	s.trip = ""

	s.logger.Info("daily rollover",
		"day", s.day.Format("2006-01-02"),
		"start_balance", s.startBalance.String(),
		"archived_pnl", archived.DailyPnL.String(),
		"archived_trades", archived.TradesToday,
	)
	return archived
}

// --------------------------------------------------------------------------
// Phase progression
// --------------------------------------------------------------------------

// phaseParamsLocked returns the (multiplier, risk factor) pair for the
// current phase. Routes without phase progression always use phase 1.
func (s *State) phaseParamsLocked() (float64, float64) {
	p := s.params.Phases
	switch s.phase {
	case 3:
		return p.Phase3.Multiplier, p.Phase3.RiskFactor
	case 2:
		return p.Phase2.Multiplier, p.Phase2.RiskFactor
	default:
		return p.Phase1.Multiplier, p.Phase1.RiskFactor
	}
}

// evaluatePhaseLocked promotes the phase when the next tier's thresholds are
// met. Promotions are monotone; there is no demotion path.
func (s *State) evaluatePhaseLocked(now time.Time) {
	if !s.params.Phases.Enabled || s.phase >= 3 {
		return
	}

	next := s.params.Phases.Phase2
	if s.phase == 2 {
		next = s.params.Phases.Phase3
	}

	days := int(now.Sub(s.startedAt).Hours() / 24)
	if days < next.MinDays {
		return
	}

	total := s.wins + s.losses
	if total == 0 {
		return
	}
	winRate := float64(s.wins) / float64(total)
	if winRate < next.MinWinRate {
		return
	}

	if s.initBalance.Sign() <= 0 {
		return
	}
	profitPct, _ := s.totalPnL.Div(s.initBalance).Float64()
	if profitPct < next.MinProfitPct {
		return
	}

	s.phase++
	s.phaseUpgrade = s.phase
	s.logger.Info("phase upgraded", "phase", s.phase, "win_rate", winRate, "profit_pct", profitPct)
}

// TakePhaseUpgrade returns a freshly reached phase exactly once, for the
// phase-upgraded alert.
func (s *State) TakePhaseUpgrade() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phaseUpgrade == 0 {
		return 0, false
	}
	phase := s.phaseUpgrade
	s.phaseUpgrade = 0
	return phase, true
}

// pruneOpensLocked drops volatility-window samples older than the window so
// the slice stays bounded.
func (s *State) pruneOpensLocked(now time.Time) {
	window := s.params.Risk.VolatilityWindow.Duration
	if window <= 0 || len(s.recentOpens) == 0 {
		return
	}
	cutoff := now.Add(-window)
	kept := s.recentOpens[:0]
	for _, at := range s.recentOpens {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.recentOpens = kept
}
