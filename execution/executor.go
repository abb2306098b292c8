package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION COORDINATOR - SizedOrder → TradeRecord, exactly one per order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   sized-orders → record exists? ──yes──→ reconcile → trade-records
//                        │no
//                  claim submission ──already claimed──→ backend.Recover
//                        │first
//                  backend.Execute
//                        ↓
//            FILLED / REJECTED / FAILED record
//                        ↓
//          portfolio reconcile → persist → trade-records
//
// A claimed order is never blindly resubmitted: redeliveries look the order
// up first.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Backend executes one sized order. The error is reserved for infrastructure
// failures that leave the order unresolved and worth redelivering; every
// exchange-side outcome is reported as a record.
type Backend interface {
	Name() string
	Execute(ctx context.Context, order types.SizedOrder) (types.TradeRecord, error)
}

// Recoverer looks up an order an earlier, interrupted attempt may have
// submitted. found=false means it never reached the venue.
type Recoverer interface {
	Recover(ctx context.Context, order types.SizedOrder) (rec types.TradeRecord, found bool, err error)
}

// Store is the trade history the coordinator writes to
type Store interface {
	ClaimSubmission(ctx context.Context, orderID, backend string) (bool, error)
	TradeRecordByOrder(ctx context.Context, orderID string) (types.TradeRecord, bool, error)
	SaveTradeRecord(ctx context.Context, rec types.TradeRecord) (bool, error)
}

// Portfolio settles optimistic reservations
type Portfolio interface {
	Reconcile(ctx context.Context, rec types.TradeRecord) (portfolio.Reconciliation, error)
}

// Coordinator runs the execution stage
type Coordinator struct {
	backend   Backend
	store     Store
	portfolio Portfolio
	now       func() time.Time
}

// NewCoordinator creates the execution stage around backend
func NewCoordinator(backend Backend, store Store, p Portfolio) *Coordinator {
	log.Info().
		Str("backend", backend.Name()).
		Msg("⚡ Execution coordinator initialized")

	return &Coordinator{
		backend:   backend,
		store:     store,
		portfolio: p,
		now:       time.Now,
	}
}

// Backend returns the active backend name
func (c *Coordinator) Backend() string {
	return c.backend.Name()
}

// Execute resolves order into its TradeRecord. Safe to call again for the
// same order: the stored record is returned and reconciliation is a no-op.
func (c *Coordinator) Execute(ctx context.Context, order types.SizedOrder) (types.TradeRecord, error) {
	if reason := validateOrder(order); reason != "" {
		if order.ID == "" {
			return types.TradeRecord{}, errs.Validation(fmt.Errorf("sized order without id"))
		}
		rec := NewRecord(order, c.now(), false)
		rec.Status = types.StatusRejected
		rec.ErrorDetail = reason
		return c.finish(ctx, order, rec)
	}

	if rec, found, err := c.store.TradeRecordByOrder(ctx, order.ID); err != nil {
		return types.TradeRecord{}, fmt.Errorf("lookup record for %s: %w", order.ID, err)
	} else if found {
		log.Debug().Str("order", order.ID).Msg("♻️ Order already executed, replaying record")
		return c.finish(ctx, order, rec)
	}

	first, err := c.store.ClaimSubmission(ctx, order.ID, c.backend.Name())
	if err != nil {
		return types.TradeRecord{}, err
	}

	var rec types.TradeRecord
	if first {
		log.Info().
			Str("order", order.ID).
			Str("instrument", order.Instrument).
			Str("direction", string(order.Direction)).
			Str("qty", order.Quantity.String()).
			Str("ref_price", order.ReferencePrice.String()).
			Str("backend", c.backend.Name()).
			Msg("📤 Order submitted")

		rec, err = c.backend.Execute(ctx, order)
		if err != nil {
			return types.TradeRecord{}, err
		}
	} else {
		rec, err = c.recover(ctx, order)
		if err != nil {
			return types.TradeRecord{}, err
		}
	}

	return c.finish(ctx, order, rec)
}

// recover handles an order whose submission was claimed by an earlier attempt
func (c *Coordinator) recover(ctx context.Context, order types.SizedOrder) (types.TradeRecord, error) {
	r, ok := c.backend.(Recoverer)
	if !ok {
		rec := NewRecord(order, c.now(), false)
		rec.Status = types.StatusFailed
		rec.ErrorDetail = "submission interrupted, outcome unknown"
		return rec, nil
	}

	rec, found, err := r.Recover(ctx, order)
	switch {
	case err != nil && errs.IsTransient(err):
		return types.TradeRecord{}, err
	case err != nil:
		log.Error().Err(err).Str("order", order.ID).Msg("❌ Order lookup failed")
		rec = NewRecord(order, c.now(), false)
		rec.Status = types.StatusFailed
		rec.ErrorDetail = "outcome unknown: " + err.Error()
		return rec, nil
	case found:
		log.Warn().
			Str("order", order.ID).
			Str("status", string(rec.Status)).
			Msg("📥 Recovered interrupted order")
		return rec, nil
	}

	log.Warn().Str("order", order.ID).Msg("🔁 Claimed order never reached the venue, submitting")
	return c.backend.Execute(ctx, order)
}

// finish reconciles the portfolio and persists the record
func (c *Coordinator) finish(ctx context.Context, order types.SizedOrder, rec types.TradeRecord) (types.TradeRecord, error) {
	recon, err := c.portfolio.Reconcile(ctx, rec)
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("reconcile %s: %w", order.ID, err)
	}
	if recon.Found && rec.RealizedPnL.IsZero() {
		rec.RealizedPnL = recon.RealizedPnL
	}

	if _, err := c.store.SaveTradeRecord(ctx, rec); err != nil {
		return types.TradeRecord{}, err
	}

	event := log.Info()
	if rec.Status != types.StatusFilled {
		event = log.Warn().Str("error", rec.ErrorDetail)
	}
	event.
		Str("order", order.ID).
		Str("instrument", rec.Instrument).
		Str("status", string(rec.Status)).
		Str("qty", rec.ExecutedQty.String()).
		Str("price", rec.ExecutedPrice.String()).
		Bool("simulated", rec.Simulated).
		Msg(statusEmoji(rec.Status) + " Order resolved")

	return rec, nil
}

// NewRecord returns the record skeleton for order with nothing executed
func NewRecord(order types.SizedOrder, at time.Time, simulated bool) types.TradeRecord {
	return types.TradeRecord{
		ID:            RecordID(order.ID),
		OrderID:       order.ID,
		Instrument:    order.Instrument,
		Direction:     order.Direction,
		RequestedQty:  order.Quantity,
		ExecutedQty:   decimal.Zero,
		ExecutedPrice: decimal.Zero,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
		Simulated:     simulated,
		ExecutedAt:    at.UTC(),
	}
}

// RecordID is the deterministic trade record id of an order
func RecordID(orderID string) string {
	return "trade:" + orderID
}

func validateOrder(order types.SizedOrder) string {
	switch {
	case order.ID == "":
		return "missing order id"
	case order.Instrument == "":
		return "missing instrument"
	case !order.Direction.Valid():
		return fmt.Sprintf("invalid direction %q", order.Direction)
	case !order.Quantity.IsPositive():
		return "quantity must be positive"
	}
	return ""
}

func statusEmoji(s types.TradeStatus) string {
	switch s {
	case types.StatusFilled:
		return "✅"
	case types.StatusRejected:
		return "🚫"
	}
	return "❌"
}
