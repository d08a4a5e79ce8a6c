package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseConfig() config.SizingConfig {
	return config.SizingConfig{
		PerPositionCap:   2.0,
		TotalExposureCap: 6.0,
		MinLot:           0.01,
		VolumeStep:       0.01,
		LossDampenerCap:  3,
	}
}

func baseInputs() Inputs {
	return Inputs{
		SourceVolume:     dec("0.10"),
		Symbol:           "XAUUSD",
		Side:             domain.SideLong,
		DestBalance:      dec("100000"),
		ReferenceBalance: dec("5000"),
		Risk: domain.RiskView{
			Phase:           1,
			PhaseMultiplier: 10,
			PhaseRiskFactor: 1.0,
		},
	}
}

func TestSizeBalanceScaling(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	// 0.10 × (100000/5000) / 10 × 1.0 = 0.20 lots.
	vol, det, ok := p.Size(baseInputs())
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.20")), "got %s", vol)
	assert.InDelta(t, 2.0, det.Multiplier, 1e-9)
	assert.Equal(t, 1.0, det.Dampener)
	assert.Equal(t, 1.0, det.Boost)
}

func TestSizeBelowMinLotSkips(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	in := baseInputs()
	in.SourceVolume = dec("0.01")
	in.DestBalance = dec("400") // 0.01 × 0.08 / 10 ≈ 0.00008
	_, _, ok := p.Size(in)
	assert.False(t, ok)
}

func TestSizeRoundsTiesTowardZero(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.VolumeStep = 0.10
	p := NewPolicy(cfg)

	in := baseInputs()
	// base = 0.25 × (10000/5000) / 10 = 0.05: exactly half a step, so the
	// tie breaks down to zero and the trade is skipped.
	in.SourceVolume = dec("0.25")
	in.DestBalance = dec("10000")
	_, _, ok := p.Size(in)
	assert.False(t, ok)

	// Just past the half-step rounds up.
	in.SourceVolume = dec("0.26")
	vol, _, ok := p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.10")), "got %s", vol)
}

func TestSizeLossDampenerHalvesPerLoss(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	tests := []struct {
		losses int
		want   string
	}{
		{0, "0.20"},
		{1, "0.10"},
		{2, "0.05"},
		{3, "0.02"}, // 0.025 rounds down on the half-step
		{5, "0.02"}, // capped at 3
	}
	for _, tc := range tests {
		in := baseInputs()
		in.Risk.ConsecutiveLosses = tc.losses
		vol, _, ok := p.Size(in)
		require.True(t, ok, "losses=%d", tc.losses)
		assert.True(t, vol.Equal(dec(tc.want)), "losses=%d got %s want %s", tc.losses, vol, tc.want)
	}
}

func TestSizeSqueezeBoostLongOnly(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.SqueezeEnabled = true
	cfg.SqueezeSymbols = []string{"XAUUSD"}
	cfg.SqueezeThreshold = 0.6
	cfg.SqueezeGain = 1.0
	cfg.SqueezeMaxBoost = 1.3
	p := NewPolicy(cfg)

	in := baseInputs()
	in.SqueezeScore = 0.8

	vol, det, ok := p.Size(in)
	require.True(t, ok)
	// boost = 1 + (0.8 − 0.5) × 1.0 = 1.3; 0.20 × 1.3 = 0.26.
	assert.True(t, vol.Equal(dec("0.26")), "got %s", vol)
	assert.InDelta(t, 1.3, det.Boost, 1e-9)

	// Short side never boosts.
	in.Side = domain.SideShort
	vol, det, ok = p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.20")))
	assert.Equal(t, 1.0, det.Boost)

	// Below threshold never boosts.
	in.Side = domain.SideLong
	in.SqueezeScore = 0.55
	vol, _, ok = p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.20")))

	// Unlisted symbol never boosts.
	in.Symbol = "EURUSD"
	in.SqueezeScore = 0.9
	vol, _, ok = p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.20")))
}

func TestSizeSqueezeBoostClipped(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.SqueezeEnabled = true
	cfg.SqueezeSymbols = []string{"XAUUSD"}
	cfg.SqueezeThreshold = 0.5
	cfg.SqueezeGain = 2.0
	cfg.SqueezeMaxBoost = 1.4
	p := NewPolicy(cfg)

	in := baseInputs()
	in.SqueezeScore = 1.0 // raw boost 2.0, clipped to 1.4

	_, det, ok := p.Size(in)
	require.True(t, ok)
	assert.InDelta(t, 1.4, det.Boost, 1e-9)
}

func TestSizePerPositionCap(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	in := baseInputs()
	in.SourceVolume = dec("2.00") // would scale to 4.0
	vol, _, ok := p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("2.00")), "got %s", vol)
}

func TestSizeExposureHeadroom(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	in := baseInputs()
	in.Risk.CurrentExposure = dec("5.95") // headroom 0.05 < scaled 0.20
	vol, _, ok := p.Size(in)
	require.True(t, ok)
	assert.True(t, vol.Equal(dec("0.05")), "got %s", vol)

	// No headroom left at all.
	in.Risk.CurrentExposure = dec("6.00")
	_, _, ok = p.Size(in)
	assert.False(t, ok)
}

func TestSizeZeroReferenceBalanceSkips(t *testing.T) {
	t.Parallel()
	p := NewPolicy(baseConfig())

	in := baseInputs()
	in.ReferenceBalance = decimal.Zero
	_, _, ok := p.Size(in)
	assert.False(t, ok)
}
