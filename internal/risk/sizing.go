package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/types"
)

// SizeResult is the outcome of a position-sizing calculation.
type SizeResult struct {
	Qty            decimal.Decimal
	NotionalUSDT   decimal.Decimal
	RiskAmountUSDT decimal.Decimal
	UnitRisk       decimal.Decimal
	Clamped        bool
}

// Sizer computes order quantity from account equity, risk percentage and
// stop distance. Grounded on the teacher's risk/sizing.go Sizer.Calculate
// risk-amount/unit-risk formula, extended with the margin-mode clamp and
// min/max order value bounds.
type Sizer struct {
	cfg *config.Config
}

// NewSizer builds a Sizer bound to cfg.
func NewSizer(cfg *config.Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Calculate returns the order quantity for a plan given current equity and
// the venue's lot size (quantity step). unitRisk is |entry - stop| in quote
// currency per unit of the instrument.
func (s *Sizer) Calculate(equity, entryPrice, stopPrice, lotSize decimal.Decimal) (SizeResult, error) {
	unitRisk := entryPrice.Sub(stopPrice).Abs()
	if unitRisk.IsZero() {
		return SizeResult{}, errZeroUnitRisk
	}

	riskAmount := equity.Mul(s.cfg.RiskPct)
	qty := riskAmount.Div(unitRisk)
	qty = roundToLotSize(qty, lotSize)

	clamped := false

	// margin is the account capital this position would tie up at the
	// configured leverage, not the notional itself: the min/max order value
	// bounds are margin bounds, so a highly leveraged symbol isn't penalized
	// for its large notional alone.
	margin := qty.Mul(entryPrice).Div(s.cfg.Leverage)

	if margin.GreaterThan(equity) {
		qty = roundToLotSize(equity.Mul(s.cfg.Leverage).Div(entryPrice), lotSize)
		margin = qty.Mul(entryPrice).Div(s.cfg.Leverage)
		clamped = true
	}

	switch {
	case margin.GreaterThan(s.cfg.MaxOrderValueUSDT):
		qty = roundToLotSize(s.cfg.MaxOrderValueUSDT.Mul(s.cfg.Leverage).Div(entryPrice), lotSize)
		clamped = true
	case margin.LessThan(s.cfg.MinOrderValueUSDT):
		// Below the minimum viable margin: clamp the quantity up to what the
		// configured minimum implies instead of rejecting the plan outright,
		// so a correctly-computed but small risk amount still trades.
		qty = roundToLotSize(s.cfg.MinOrderValueUSDT.Mul(s.cfg.Leverage).Div(entryPrice), lotSize)
		clamped = true
	}

	if !qty.IsPositive() {
		return SizeResult{}, errBelowMinOrderValue
	}

	notional := qty.Mul(entryPrice)
	return SizeResult{
		Qty:            qty,
		NotionalUSDT:   notional,
		RiskAmountUSDT: riskAmount,
		UnitRisk:       unitRisk,
		Clamped:        clamped,
	}, nil
}

func roundToLotSize(qty, lotSize decimal.Decimal) decimal.Decimal {
	if lotSize.IsZero() {
		return qty
	}
	steps := qty.Div(lotSize).Floor()
	return steps.Mul(lotSize)
}

// TPQuantities splits a total position size across TP1, TP2 and the runner
// leg using each rule's Pct allocation, with the runner absorbing whatever
// remains after lot-size rounding.
func TPQuantities(total decimal.Decimal, tp1, tp2, runner types.TPRule, lotSize decimal.Decimal) (tp1Qty, tp2Qty, runnerQty decimal.Decimal) {
	tp1Qty = roundToLotSize(total.Mul(tp1.Pct), lotSize)
	tp2Qty = roundToLotSize(total.Mul(tp2.Pct), lotSize)
	runnerQty = total.Sub(tp1Qty).Sub(tp2Qty)
	if runnerQty.IsNegative() {
		runnerQty = decimal.Zero
	}
	return tp1Qty, tp2Qty, runnerQty
}
