package portfolio

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOOK - Mutations available inside Actor.Do
// ═══════════════════════════════════════════════════════════════════════════════

// Book is only valid inside the closure it was handed to
type Book struct {
	actor *Actor
	dirty bool
}

// Reconciliation is the outcome of settling one reservation
type Reconciliation struct {
	OrderID     string
	Found       bool // false when already settled or never reserved
	Reverted    bool
	Discrepancy bool
	QtyDiff     decimal.Decimal // executed - reserved
	PriceDiff   decimal.Decimal // executed - reserved
	RealizedPnL decimal.Decimal
}

// State returns a copy of the state
func (b *Book) State() types.PortfolioState {
	return b.actor.state.Clone()
}

// Value is cash plus holdings at cost
func (b *Book) Value() decimal.Decimal {
	return b.actor.state.Value()
}

// Cash returns the cash balance
func (b *Book) Cash() decimal.Decimal {
	return b.actor.state.Cash
}

// DailyPnL returns today's realized PnL
func (b *Book) DailyPnL() decimal.Decimal {
	return b.actor.state.DailyPnL
}

// Holding returns the held quantity of instrument
func (b *Book) Holding(instrument string) types.Holding {
	return b.actor.state.Holdings[instrument]
}

// Reserved reports whether orderID already holds a reservation
func (b *Book) Reserved(orderID string) bool {
	_, ok := b.actor.reservations[orderID]
	return ok
}

// Reservation returns the open reservation of orderID
func (b *Book) Reservation(orderID string) (types.Reservation, bool) {
	r, ok := b.actor.reservations[orderID]
	return r, ok
}

// Reserve applies the optimistic cash and position delta of an approved
// order. Reserving the same order twice is a no-op.
func (b *Book) Reserve(order types.SizedOrder) types.Reservation {
	if r, ok := b.actor.reservations[order.ID]; ok {
		return r
	}
	s := &b.actor.state
	h := s.Holdings[order.Instrument]

	r := types.Reservation{
		OrderID:    order.ID,
		AccountID:  s.AccountID,
		Instrument: order.Instrument,
		Direction:  order.Direction,
		Quantity:   order.Quantity,
		Price:      order.ReferencePrice,
		CostBasis:  h.AvgPrice,
		CreatedAt:  b.actor.now().UTC(),
	}

	switch order.Direction {
	case types.DirectionBuy:
		s.Cash = s.Cash.Sub(r.Notional())
		b.setHolding(order.Instrument, addLot(h, r.Quantity, r.Price))
	case types.DirectionSell:
		s.Cash = s.Cash.Add(r.Notional())
		b.setHolding(order.Instrument, removeLot(h, r.Quantity))
	}

	b.actor.reservations[order.ID] = r
	b.dirty = true

	log.Debug().
		Str("order_id", order.ID).
		Str("instrument", order.Instrument).
		Str("direction", string(order.Direction)).
		Str("qty", r.Quantity.String()).
		Str("cash", s.Cash.StringFixed(2)).
		Msg("📝 Portfolio reserved")
	return r
}

// Reconcile replaces the optimistic delta with what actually executed.
// REJECTED and FAILED records revert it. Settling twice is a no-op.
func (b *Book) Reconcile(rec types.TradeRecord) Reconciliation {
	res := Reconciliation{OrderID: rec.OrderID}
	r, ok := b.actor.reservations[rec.OrderID]
	if !ok {
		log.Debug().Str("order_id", rec.OrderID).Msg("no open reservation, nothing to reconcile")
		return res
	}
	res.Found = true

	b.revert(r)
	delete(b.actor.reservations, rec.OrderID)
	b.dirty = true

	if rec.Status != types.StatusFilled || !rec.ExecutedQty.IsPositive() {
		res.Reverted = true
		log.Warn().
			Str("order_id", rec.OrderID).
			Str("instrument", rec.Instrument).
			Str("status", string(rec.Status)).
			Str("error", rec.ErrorDetail).
			Msg("↩️ Optimistic update reverted")
		return res
	}

	res.RealizedPnL = b.fill(r, rec.ExecutedQty, rec.ExecutedPrice)
	res.QtyDiff = rec.ExecutedQty.Sub(r.Quantity)
	res.PriceDiff = rec.ExecutedPrice.Sub(r.Price)
	res.Discrepancy = !res.QtyDiff.IsZero() || !res.PriceDiff.IsZero()

	if res.Discrepancy {
		log.Warn().
			Str("order_id", rec.OrderID).
			Str("instrument", rec.Instrument).
			Str("reserved_qty", r.Quantity.String()).
			Str("executed_qty", rec.ExecutedQty.String()).
			Str("reserved_price", r.Price.String()).
			Str("executed_price", rec.ExecutedPrice.String()).
			Msg("⚠️ Reconciliation discrepancy adjusted")
	}
	return res
}

// fill applies an executed trade and returns its realized PnL
func (b *Book) fill(r types.Reservation, qty, price decimal.Decimal) decimal.Decimal {
	s := &b.actor.state
	h := s.Holdings[r.Instrument]
	notional := qty.Mul(price)

	if r.Direction == types.DirectionBuy {
		s.Cash = s.Cash.Sub(notional)
		b.setHolding(r.Instrument, addLot(h, qty, price))
		return decimal.Zero
	}

	s.Cash = s.Cash.Add(notional)
	b.setHolding(r.Instrument, removeLot(h, qty))
	realized := price.Sub(r.CostBasis).Mul(qty)
	s.DailyPnL = s.DailyPnL.Add(realized)
	return realized
}

// revert undoes a reservation's optimistic delta
func (b *Book) revert(r types.Reservation) {
	s := &b.actor.state
	h := s.Holdings[r.Instrument]

	switch r.Direction {
	case types.DirectionBuy:
		s.Cash = s.Cash.Add(r.Notional())
		b.setHolding(r.Instrument, subtractLot(h, r.Quantity, r.Price))
	case types.DirectionSell:
		s.Cash = s.Cash.Sub(r.Notional())
		b.setHolding(r.Instrument, addLot(h, r.Quantity, r.CostBasis))
	}
}

func (b *Book) setHolding(instrument string, h types.Holding) {
	if h.Quantity.IsPositive() {
		b.actor.state.Holdings[instrument] = h
		return
	}
	delete(b.actor.state.Holdings, instrument)
}

// addLot merges qty@price into h, averaging the cost
func addLot(h types.Holding, qty, price decimal.Decimal) types.Holding {
	total := h.Quantity.Add(qty)
	if !total.IsPositive() {
		return types.Holding{}
	}
	cost := h.Quantity.Mul(h.AvgPrice).Add(qty.Mul(price))
	return types.Holding{Quantity: total, AvgPrice: cost.Div(total)}
}

// removeLot sells qty out of h at its average cost
func removeLot(h types.Holding, qty decimal.Decimal) types.Holding {
	left := h.Quantity.Sub(qty)
	if !left.IsPositive() {
		return types.Holding{}
	}
	return types.Holding{Quantity: left, AvgPrice: h.AvgPrice}
}

// subtractLot is the inverse of addLot
func subtractLot(h types.Holding, qty, price decimal.Decimal) types.Holding {
	left := h.Quantity.Sub(qty)
	if !left.IsPositive() {
		return types.Holding{}
	}
	cost := h.Quantity.Mul(h.AvgPrice).Sub(qty.Mul(price))
	if !cost.IsPositive() {
		return types.Holding{Quantity: left, AvgPrice: h.AvgPrice}
	}
	return types.Holding{Quantity: left, AvgPrice: cost.Div(left)}
}
