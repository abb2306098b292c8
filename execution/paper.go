package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BACKEND - simulated account, fills at the reference price
// ═══════════════════════════════════════════════════════════════════════════════

// PaperStore runs a simulated trade in one transaction
type PaperStore interface {
	PaperTrade(
		ctx context.Context,
		accountID, instrument string,
		fn func(acct *database.PaperAccount, holding *database.PaperHolding) types.TradeRecord,
	) (types.TradeRecord, error)
}

// PaperBackend fills against a simulated balance and positions
type PaperBackend struct {
	store     PaperStore
	accountID string
	now       func() time.Time
}

// NewPaperBackend creates a paper backend for accountID
func NewPaperBackend(store PaperStore, accountID string) *PaperBackend {
	log.Info().Str("account", accountID).Msg("📝 Paper trading backend enabled")
	return &PaperBackend{
		store:     store,
		accountID: accountID,
		now:       time.Now,
	}
}

func (p *PaperBackend) Name() string { return "paper" }

// Execute validates balance (BUY) or held quantity (SELL) and applies the
// trade at the order's reference price. The account update and the record
// are written in the same transaction.
func (p *PaperBackend) Execute(ctx context.Context, order types.SizedOrder) (types.TradeRecord, error) {
	rec, err := p.store.PaperTrade(ctx, p.accountID, order.Instrument,
		func(acct *database.PaperAccount, h *database.PaperHolding) types.TradeRecord {
			return p.simulate(order, acct, h)
		})
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("paper trade %s: %w", order.ID, err)
	}
	return rec, nil
}

// Recover re-runs the trade. Nothing of an uncommitted attempt survives the
// rolled back transaction.
func (p *PaperBackend) Recover(ctx context.Context, order types.SizedOrder) (types.TradeRecord, bool, error) {
	rec, err := p.Execute(ctx, order)
	if err != nil {
		return types.TradeRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PaperBackend) simulate(order types.SizedOrder, acct *database.PaperAccount, h *database.PaperHolding) types.TradeRecord {
	rec := NewRecord(order, p.now(), true)
	price := order.ReferencePrice
	qty := order.Quantity

	if !price.IsPositive() {
		rec.Status = types.StatusRejected
		rec.ErrorDetail = "invalid reference price " + price.String()
		return rec
	}

	switch order.Direction {
	case types.DirectionBuy:
		cost := qty.Mul(price)
		if acct.Balance.LessThan(cost) {
			rec.Status = types.StatusRejected
			rec.ErrorDetail = fmt.Sprintf("insufficient balance: need %s, have %s",
				cost.StringFixed(2), acct.Balance.StringFixed(2))
			return rec
		}
		acct.Balance = acct.Balance.Sub(cost)
		total := h.Quantity.Add(qty)
		h.AvgPrice = h.Quantity.Mul(h.AvgPrice).Add(cost).Div(total)
		h.Quantity = total

	case types.DirectionSell:
		if h.Quantity.LessThan(qty) {
			rec.Status = types.StatusRejected
			rec.ErrorDetail = fmt.Sprintf("insufficient position: need %s, have %s",
				qty.String(), h.Quantity.String())
			return rec
		}
		acct.Balance = acct.Balance.Add(qty.Mul(price))
		rec.RealizedPnL = price.Sub(h.AvgPrice).Mul(qty)
		h.Quantity = h.Quantity.Sub(qty)
		if h.Quantity.IsZero() {
			h.AvgPrice = decimal.Zero
		}

	default:
		rec.Status = types.StatusRejected
		rec.ErrorDetail = fmt.Sprintf("invalid direction %q", order.Direction)
		return rec
	}

	rec.Status = types.StatusFilled
	rec.ExecutedQty = qty
	rec.ExecutedPrice = price
	rec.ExchangeOrderID = "paper-" + order.ID

	log.Info().
		Str("order", order.ID).
		Str("instrument", order.Instrument).
		Str("direction", string(order.Direction)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("balance", acct.Balance.StringFixed(2)).
		Msg("✅ Order filled (PAPER)")

	return rec
}
