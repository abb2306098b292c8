package risk

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Fixed fraction of portfolio value
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: qty = (portfolio value × risk per trade) / reference price
//
// ═══════════════════════════════════════════════════════════════════════════════

// qtyPlaces is the quantity precision handed to the exchange
const qtyPlaces = 8

type Sizer struct {
	riskPct decimal.Decimal // fraction of portfolio value per trade
}

// NewSizer creates a new position sizer
func NewSizer(riskPct decimal.Decimal) *Sizer {
	return &Sizer{riskPct: riskPct}
}

// RiskPct returns the active fraction
func (s *Sizer) RiskPct() decimal.Decimal {
	return s.riskPct
}

// Calculate returns the target notional and quantity. Quantity is zero when
// the price is not positive.
func (s *Sizer) Calculate(value, price decimal.Decimal) (notional, qty decimal.Decimal) {
	notional = value.Mul(s.riskPct)
	if !price.IsPositive() || !notional.IsPositive() {
		return notional, decimal.Zero
	}
	return notional, notional.Div(price).Truncate(qtyPlaces)
}

// applyConstraints caps a SELL at what is held
func (s *Sizer) applyConstraints(qty, held decimal.Decimal, sell bool) decimal.Decimal {
	if sell && qty.GreaterThan(held) {
		return held
	}
	return qty
}
