// Package filter implements the ordered predicate chain applied to every
// copy candidate. Filters are pure over the candidate, the route's rule set,
// the risk snapshot, and a mapping-store view; the first deny short-circuits
// the rest.
package filter

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
)

// Candidate is one source position-created event under evaluation.
type Candidate struct {
	Route domain.Route
	// Position is the source position the event carries.
	Position domain.Position
	Risk     domain.RiskView
	Now      time.Time
	// SourcePositions is the pipeline's current view of all open positions
	// on the source account, used by the grid heuristic.
	SourcePositions []domain.Position
}

// MappingView is the read side of the mapping store the filters need.
type MappingView interface {
	GetBySource(ctx context.Context, srcAcct, srcPos string) (domain.Mapping, error)
	ListActiveForRoute(ctx context.Context, routeID string) ([]domain.Mapping, error)
}

// Chain evaluates the filters for one rule set in fixed order.
type Chain struct {
	cfg      config.FiltersConfig
	mappings MappingView
}

// NewChain builds a filter chain from the rule set's filter block.
func NewChain(cfg config.FiltersConfig, mappings MappingView) *Chain {
	return &Chain{cfg: cfg, mappings: mappings}
}

// Evaluate runs the chain. Order is fixed: duplicate, position count,
// cooldown, daily trade cap, trading hours, symbol allow-list, martingale,
// grid. Mapping-store lookup errors fail closed as the duplicate reason so a
// broken store can never double-copy.
func (c *Chain) Evaluate(ctx context.Context, cand Candidate) domain.GateResult {
	// 1. Duplicate: an active mapping means this source position was copied.
	_, err := c.mappings.GetBySource(ctx, cand.Route.Source.ID, cand.Position.ID)
	if err == nil {
		return domain.Deny(domain.DenyAlreadyCopied)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Deny(domain.DenyAlreadyCopied)
	}

	active, err := c.mappings.ListActiveForRoute(ctx, cand.Route.ID)
	if err != nil {
		return domain.Deny(domain.DenyAlreadyCopied)
	}

	// 2. Position count.
	if c.cfg.MaxPositions > 0 && len(active) >= c.cfg.MaxPositions {
		return domain.Deny(domain.DenyPositionCap)
	}

	// 3. Cooldown. Expiry at the exact boundary allows.
	if gap := c.cfg.MinTimeBetweenTrades.Duration; gap > 0 && !cand.Risk.LastTradeAt.IsZero() {
		if cand.Now.Sub(cand.Risk.LastTradeAt) < gap {
			return domain.Deny(domain.DenyCooldown)
		}
	}

	// 4. Daily trade cap. Exactly reached denies the next event.
	if c.cfg.MaxDailyTrades > 0 && cand.Risk.TradesToday >= c.cfg.MaxDailyTrades {
		return domain.Deny(domain.DenyDailyTradeCap)
	}

	// 5. Trading hours (UTC).
	if len(c.cfg.TradingHours) > 0 && !containsInt(c.cfg.TradingHours, cand.Now.UTC().Hour()) {
		return domain.Deny(domain.DenyTradingHours)
	}

	// 6. Symbol allow-list. Empty list allows everything.
	if len(c.cfg.AllowedSymbols) > 0 && !containsString(c.cfg.AllowedSymbols, cand.Position.Symbol) {
		return domain.Deny(domain.DenySymbolNotAllowed)
	}

	// 7. Martingale.
	if deny := c.martingale(cand, active); deny {
		return domain.Deny(domain.DenyMartingale)
	}

	// 8. Grid.
	if c.grid(cand) {
		return domain.Deny(domain.DenyGrid)
	}

	return domain.Allow()
}

// martingale flags the two coarse escalation shapes: a single oversized
// entry, or a same-symbol pile-up of recent copies on this route.
func (c *Chain) martingale(cand Candidate, active []domain.Mapping) bool {
	if c.cfg.BaseUnit > 0 && c.cfg.MaxVolumeFactor > 0 {
		maxVol := decimal.NewFromFloat(c.cfg.BaseUnit * c.cfg.MaxVolumeFactor)
		if cand.Position.Volume.GreaterThan(maxVol) {
			return true
		}
	}

	if c.cfg.SameSymbolMax <= 0 {
		return false
	}
	cutoff := cand.Now.Add(-c.cfg.SameSymbolWindow.Duration)
	count := 0
	for _, m := range active {
		if m.Symbol != cand.Position.Symbol {
			continue
		}
		if c.cfg.SameSymbolWindow.Duration > 0 && !m.OpenedAt.After(cutoff) {
			continue
		}
		count++
	}
	return count >= c.cfg.SameSymbolMax
}

// grid flags a source account stacking entries on one symbol inside a pip
// band: any other open source position on the symbol within the band of the
// candidate's open price makes the pair a grid.
func (c *Chain) grid(cand Candidate) bool {
	if c.cfg.GridPipBand <= 0 {
		return false
	}

	band := decimal.NewFromFloat(c.cfg.GridPipBand * c.pipSize(cand.Position.Symbol))
	for _, p := range cand.SourcePositions {
		if p.ID == cand.Position.ID || p.Symbol != cand.Position.Symbol {
			continue
		}
		if p.OpenPrice.Sub(cand.Position.OpenPrice).Abs().LessThanOrEqual(band) {
			return true
		}
	}
	return false
}

// pipSize resolves the pip size for a symbol, falling back to the default.
func (c *Chain) pipSize(symbol string) float64 {
	if size, ok := c.cfg.PipSizes[symbol]; ok && size > 0 {
		return size
	}
	if c.cfg.DefaultPipSize > 0 {
		return c.cfg.DefaultPipSize
	}
	return 0.0001
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
