// Package sizing converts a source position's volume into the destination
// volume for one route. The policy is pure arithmetic over decimals: balance
// scaling, phase factors, a consecutive-loss dampener, an optional squeeze
// boost, exposure clamps, and broker-increment rounding.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
)

// Inputs bundles everything one sizing decision depends on. Risk is the
// snapshot captured at event ingress; sizing never reads live state.
type Inputs struct {
	SourceVolume     decimal.Decimal
	Symbol           string
	Side             domain.Side
	DestBalance      decimal.Decimal
	ReferenceBalance decimal.Decimal
	Risk             domain.RiskView
	SqueezeScore     float64
}

// Detail records how a volume was derived, for mapping metadata and stats.
type Detail struct {
	// Multiplier is the effective destination/source volume ratio.
	Multiplier float64
	// Dampener is the consecutive-loss factor applied (1 when none).
	Dampener float64
	// Boost is the squeeze factor applied (1 when inactive).
	Boost float64
	// SqueezeScore is the raw score consulted, 0 when not consulted.
	SqueezeScore float64
	Phase        int
}

// Policy computes destination volumes for one rule set.
type Policy struct {
	cfg config.SizingConfig
}

// NewPolicy creates a sizing policy from the rule set's sizing block.
func NewPolicy(cfg config.SizingConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Size computes the destination volume for a candidate copy. The boolean is
// false when the result would land below the broker minimum lot, which the
// pipeline treats as a silent skip.
//
//	base   = srcVol × (destBalance / referenceBalance) ÷ phaseMultiplier
//	scaled = base × phaseRiskFactor × lossDampener × squeezeBoost
//	clamp  = min(scaled, perPositionCap, totalExposureCap − currentExposure)
//	final  = roundToStep(clamp)   // ties toward zero
func (p *Policy) Size(in Inputs) (decimal.Decimal, Detail, bool) {
	det := Detail{Dampener: 1, Boost: 1, Phase: in.Risk.Phase}

	if in.SourceVolume.Sign() <= 0 || in.ReferenceBalance.Sign() <= 0 {
		return decimal.Zero, det, false
	}
	phaseMult := decimal.NewFromFloat(in.Risk.PhaseMultiplier)
	if phaseMult.Sign() <= 0 {
		return decimal.Zero, det, false
	}

	base := in.SourceVolume.
		Mul(in.DestBalance.Div(in.ReferenceBalance)).
		Div(phaseMult)

	scaled := base
	if in.Risk.PhaseRiskFactor > 0 {
		scaled = scaled.Mul(decimal.NewFromFloat(in.Risk.PhaseRiskFactor))
	}

	det.Dampener = p.lossDampener(in.Risk.ConsecutiveLosses)
	scaled = scaled.Mul(decimal.NewFromFloat(det.Dampener))

	if boost, consulted := p.squeezeBoost(in); consulted {
		det.Boost = boost
		det.SqueezeScore = in.SqueezeScore
		scaled = scaled.Mul(decimal.NewFromFloat(boost))
	}

	clamped := scaled
	if p.cfg.PerPositionCap > 0 {
		clamped = decimal.Min(clamped, decimal.NewFromFloat(p.cfg.PerPositionCap))
	}
	if p.cfg.TotalExposureCap > 0 {
		headroom := decimal.NewFromFloat(p.cfg.TotalExposureCap).Sub(in.Risk.CurrentExposure)
		if headroom.Sign() <= 0 {
			return decimal.Zero, det, false
		}
		clamped = decimal.Min(clamped, headroom)
	}

	final := roundToStep(clamped, decimal.NewFromFloat(p.cfg.VolumeStep))
	if final.LessThan(decimal.NewFromFloat(p.cfg.MinLot)) {
		return decimal.Zero, det, false
	}

	det.Multiplier, _ = final.Div(in.SourceVolume).Float64()
	return final, det, true
}

// lossDampener halves size per consecutive loss, capped so a long losing
// streak cannot push sizes to dust before the risk gates pause the route.
func (p *Policy) lossDampener(losses int) float64 {
	if losses <= 0 {
		return 1
	}
	n := losses
	if p.cfg.LossDampenerCap > 0 && n > p.cfg.LossDampenerCap {
		n = p.cfg.LossDampenerCap
	}
	return math.Pow(0.5, float64(n))
}

// squeezeBoost returns the boost factor and whether the signal was consulted.
// The boost only applies to long-side trades on the configured symbols when
// the score clears the threshold.
func (p *Policy) squeezeBoost(in Inputs) (float64, bool) {
	if !p.cfg.SqueezeEnabled || in.Side != domain.SideLong {
		return 1, false
	}
	if !symbolAllowed(in.Symbol, p.cfg.SqueezeSymbols) {
		return 1, false
	}
	if in.SqueezeScore < p.cfg.SqueezeThreshold {
		return 1, false
	}

	boost := 1 + (in.SqueezeScore-0.5)*p.cfg.SqueezeGain
	if p.cfg.SqueezeMaxBoost > 0 && boost > p.cfg.SqueezeMaxBoost {
		boost = p.cfg.SqueezeMaxBoost
	}
	if boost < 1 {
		boost = 1
	}
	return boost, true
}

func symbolAllowed(symbol string, allowed []string) bool {
	for _, s := range allowed {
		if s == symbol {
			return true
		}
	}
	return false
}

// roundToStep snaps v to the nearest multiple of step, with exact half-steps
// rounding toward zero. Volumes are always positive here.
func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	steps := v.Div(step)
	whole := steps.Floor()
	frac := steps.Sub(whole)
	// Round up only past the half-step; ties break toward zero.
	if frac.GreaterThan(decimal.NewFromFloat(0.5)) {
		whole = whole.Add(decimal.NewFromInt(1))
	}
	return whole.Mul(step)
}
