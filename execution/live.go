package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE BACKEND - market orders on the exchange, no automatic resubmission
// ═══════════════════════════════════════════════════════════════════════════════

// Exchange statuses reported for an order
const (
	ExchangeNew             = "NEW"
	ExchangePartiallyFilled = "PARTIALLY_FILLED"
	ExchangeFilled          = "FILLED"
	ExchangeCanceled        = "CANCELED"
	ExchangePendingCancel   = "PENDING_CANCEL"
	ExchangeRejected        = "REJECTED"
	ExchangeExpired         = "EXPIRED"
)

// ErrOrderNotFound is returned by QueryOrder for an unknown client order id
var ErrOrderNotFound = errors.New("order not found")

// Exchange is the trading API collaborator
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Execution, error)
	QueryOrder(ctx context.Context, instrument, clientOrderID string) (Execution, error)
}

// OrderRequest is one market order submission
type OrderRequest struct {
	Instrument    string
	Side          types.Direction
	Quantity      decimal.Decimal
	ClientOrderID string
}

// Fill is one partial execution
type Fill struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Execution is the exchange's view of an order
type Execution struct {
	ExchangeOrderID string
	Status          string
	ExecutedQty     decimal.Decimal
	QuoteQty        decimal.Decimal // cumulative quote spent or received
	Fills           []Fill
}

// ExchangeError is a structured exchange rejection
type ExchangeError struct {
	Code    int64
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%d - %s", e.Code, e.Message)
}

// Rate limit codes. The order was refused before matching, so redelivery is safe.
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
)

// LiveBackend submits orders to an Exchange
type LiveBackend struct {
	exchange Exchange
	now      func() time.Time
}

// NewLiveBackend creates the live backend
func NewLiveBackend(exchange Exchange) *LiveBackend {
	log.Warn().Msg("⚠️ LIVE TRADING ENABLED - orders reach the exchange")
	return &LiveBackend{exchange: exchange, now: time.Now}
}

func (l *LiveBackend) Name() string { return "live" }

// ClientOrderID derives the exchange idempotency key of an order
func ClientOrderID(orderID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(orderID)).String()
}

// Execute submits a market order once. A timeout is resolved by looking the
// order up; if that fails too the message is redelivered and recovery takes over.
func (l *LiveBackend) Execute(ctx context.Context, order types.SizedOrder) (types.TradeRecord, error) {
	req := OrderRequest{
		Instrument:    order.Instrument,
		Side:          order.Direction,
		Quantity:      order.Quantity,
		ClientOrderID: ClientOrderID(order.ID),
	}

	exe, err := l.exchange.PlaceMarketOrder(ctx, req)
	if err == nil {
		return l.toRecord(order, exe), nil
	}

	var apiErr *ExchangeError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeTooManyRequests || apiErr.Code == codeTooManyOrders {
			return types.TradeRecord{}, errs.Transient(err)
		}
		rec := NewRecord(order, l.now(), false)
		rec.Status = types.StatusRejected
		rec.ErrorDetail = apiErr.Error()
		return rec, nil
	}

	if !errs.IsTransient(err) {
		rec := NewRecord(order, l.now(), false)
		rec.Status = types.StatusFailed
		rec.ErrorDetail = err.Error()
		return rec, nil
	}

	log.Warn().Err(err).Str("order", order.ID).Msg("⏳ Order submission timed out, querying")
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	exe, qerr := l.exchange.QueryOrder(qctx, order.Instrument, req.ClientOrderID)
	if qerr != nil {
		return types.TradeRecord{}, errs.Transient(fmt.Errorf("submit %s: %w (lookup: %v)", order.ID, err, qerr))
	}
	return l.toRecord(order, exe), nil
}

// Recover looks the order up by its client order id
func (l *LiveBackend) Recover(ctx context.Context, order types.SizedOrder) (types.TradeRecord, bool, error) {
	exe, err := l.exchange.QueryOrder(ctx, order.Instrument, ClientOrderID(order.ID))
	if errors.Is(err, ErrOrderNotFound) {
		return types.TradeRecord{}, false, nil
	}
	if err != nil {
		return types.TradeRecord{}, false, err
	}
	return l.toRecord(order, exe), true, nil
}

func (l *LiveBackend) toRecord(order types.SizedOrder, exe Execution) types.TradeRecord {
	rec := NewRecord(order, l.now(), false)
	rec.ExchangeOrderID = exe.ExchangeOrderID
	rec.ExecutedQty = exe.ExecutedQty
	rec.ExecutedPrice = VWAP(exe)
	rec.Status, rec.ErrorDetail = MapStatus(exe.Status, exe.ExecutedQty)
	if rec.Status != types.StatusFilled {
		rec.ExecutedQty = decimal.Zero
		rec.ExecutedPrice = decimal.Zero
	}
	return rec
}

// MapStatus folds an exchange status into the record status. Anything that
// executed a positive quantity is FILLED; the executed quantity carries the
// partial amount.
func MapStatus(status string, executed decimal.Decimal) (types.TradeStatus, string) {
	if executed.IsPositive() {
		return types.StatusFilled, ""
	}
	switch status {
	case ExchangeRejected:
		return types.StatusRejected, "order rejected by exchange"
	case ExchangeCanceled, ExchangeExpired, ExchangePendingCancel:
		return types.StatusRejected, "order " + status + " without fills"
	case ExchangeFilled:
		return types.StatusFailed, "exchange reported FILLED with zero quantity"
	}
	return types.StatusFailed, "order not filled, status " + status
}

// VWAP is the volume-weighted price of the fills, falling back to
// quote/executed when the exchange returned no fill breakdown
func VWAP(exe Execution) decimal.Decimal {
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range exe.Fills {
		notional = notional.Add(f.Price.Mul(f.Qty))
		qty = qty.Add(f.Qty)
	}
	if qty.IsPositive() {
		return notional.Div(qty)
	}
	if exe.ExecutedQty.IsPositive() && exe.QuoteQty.IsPositive() {
		return exe.QuoteQty.Div(exe.ExecutedQty)
	}
	return decimal.Zero
}
