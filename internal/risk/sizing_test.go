package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		RiskPct:           decimal.NewFromFloat(0.01),
		Leverage:          decimal.NewFromInt(10),
		MinOrderValueUSDT: decimal.NewFromInt(5),
		MaxOrderValueUSDT: decimal.NewFromInt(10000),
	}
}

func TestSizerCalculate(t *testing.T) {
	sizer := NewSizer(testConfig())

	equity := decimal.NewFromInt(10000)
	entry := decimal.NewFromFloat(100)
	stop := decimal.NewFromFloat(98)
	lot := decimal.NewFromFloat(0.001)

	res, err := sizer.Calculate(equity, entry, stop, lot)
	require.NoError(t, err)

	// risk amount = 10000 * 1% = 100, unit risk = 2 -> qty = 50
	assert.True(t, res.RiskAmountUSDT.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.Qty.Equal(decimal.NewFromInt(50)), "got qty %s", res.Qty)
	assert.False(t, res.Clamped)
}

func TestSizerCalculateZeroUnitRisk(t *testing.T) {
	sizer := NewSizer(testConfig())
	_, err := sizer.Calculate(decimal.NewFromInt(10000), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromFloat(0.001))
	assert.ErrorIs(t, err, errZeroUnitRisk)
}

func TestSizerClampsMarginToMaxOrderValue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderValueUSDT = decimal.NewFromInt(1000)
	sizer := NewSizer(cfg)

	// Wide risk budget, tight stop: unconstrained qty would tie up far more
	// margin than the cap allows.
	equity := decimal.NewFromInt(1000000)
	entry := decimal.NewFromFloat(100)
	stop := decimal.NewFromFloat(99.9)
	lot := decimal.NewFromFloat(0.001)

	res, err := sizer.Calculate(equity, entry, stop, lot)
	require.NoError(t, err)
	assert.True(t, res.Clamped)

	margin := res.Qty.Mul(entry).Div(cfg.Leverage)
	assert.True(t, margin.LessThanOrEqual(cfg.MaxOrderValueUSDT), "margin %s should be clamped to the cap", margin)
}

func TestSizerClampsUpToMinOrderValue(t *testing.T) {
	cfg := testConfig()
	cfg.RiskPct = decimal.NewFromFloat(0.0001)
	sizer := NewSizer(cfg)

	// The risk-derived qty implies less margin than the configured minimum,
	// so the sizer should clamp the quantity up rather than reject the plan.
	res, err := sizer.Calculate(decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(90), decimal.NewFromFloat(0.001))
	require.NoError(t, err)
	assert.True(t, res.Clamped)

	margin := res.Qty.Mul(decimal.NewFromInt(100)).Div(cfg.Leverage)
	assert.True(t, margin.GreaterThanOrEqual(cfg.MinOrderValueUSDT), "margin %s should be clamped up to the minimum", margin)
}

func TestSizerRejectsWhenMinMarginRoundsToZeroQty(t *testing.T) {
	cfg := testConfig()
	cfg.RiskPct = decimal.NewFromFloat(0.0000001)
	sizer := NewSizer(cfg)

	// Lot size coarser than the quantity implied by even the minimum margin:
	// there is no viable size, so this must genuinely reject rather than
	// clamp up to a quantity that would round back down to zero.
	equity := decimal.NewFromInt(100000)
	entry := decimal.NewFromInt(1000000)
	stop := decimal.NewFromInt(999000)
	lot := decimal.NewFromInt(1)

	_, err := sizer.Calculate(equity, entry, stop, lot)
	assert.ErrorIs(t, err, errBelowMinOrderValue)
}

func TestTPQuantities(t *testing.T) {
	total := decimal.NewFromInt(100)
	tp1 := types.TPRule{Pct: decimal.NewFromFloat(0.5)}
	tp2 := types.TPRule{Pct: decimal.NewFromFloat(0.3)}
	runner := types.TPRule{}

	q1, q2, q3 := TPQuantities(total, tp1, tp2, runner, decimal.NewFromFloat(0.001))

	assert.True(t, q1.Equal(decimal.NewFromInt(50)))
	assert.True(t, q2.Equal(decimal.NewFromInt(30)))
	assert.True(t, q3.Equal(decimal.NewFromInt(20)))
	assert.True(t, q1.Add(q2).Add(q3).Equal(total))
}
