package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - TradeIntent → SizedOrder or RiskAlert
// ═══════════════════════════════════════════════════════════════════════════════
//
// RECEIVED → SIZED → RISK_CHECKED → APPROVED | REJECTED
//
// Sizing, checks and the optimistic portfolio update run as one closure on
// the portfolio actor, so concurrent intents never race on the balance.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State of one order attempt
type State string

const (
	StateReceived    State = "RECEIVED"
	StateSized       State = "SIZED"
	StateRiskChecked State = "RISK_CHECKED"
	StateApproved    State = "APPROVED"
	StateRejected    State = "REJECTED"
)

// decisionCacheSize bounds the intent ids remembered for redelivery
const decisionCacheSize = 4096

// Portfolio runs closures against the single-writer book
type Portfolio interface {
	Do(ctx context.Context, fn func(*portfolio.Book) error) error
}

// Config holds the gate limits
type Config struct {
	RiskPerTrade     decimal.Decimal
	MaxPortfolioRisk decimal.Decimal
	DailyLossLimit   decimal.Decimal // absolute, e.g. -50
	StopLossPct      decimal.Decimal
	TakeProfitPct    decimal.Decimal
	MaxLossPct       decimal.Decimal

	// Consecutive losing closes before entries halt (0 disables)
	CircuitBreakerLosses   int
	CircuitBreakerCooldown time.Duration
}

// Decision is the gate's answer for one intent
type Decision struct {
	State  State
	Order  *types.SizedOrder
	Alert  *types.RiskAlert
	Checks []types.RiskCheck
}

// Approved reports whether an order was produced
func (d Decision) Approved() bool { return d.State == StateApproved }

// RiskGate is the centralized risk approval system
type RiskGate struct {
	portfolio Portfolio

	mu      sync.RWMutex
	cfg     Config
	sizer   *Sizer
	breaker *CircuitBreaker

	decided map[string]Decision
	order   []string
}

// NewRiskGate creates the risk gate
func NewRiskGate(cfg Config, p Portfolio) *RiskGate {
	rg := &RiskGate{
		portfolio: p,
		cfg:       cfg,
		sizer:     NewSizer(cfg.RiskPerTrade),
		breaker:   NewCircuitBreaker(cfg.CircuitBreakerLosses, cfg.CircuitBreakerCooldown),
		decided:   make(map[string]Decision),
	}

	log.Info().
		Str("risk_per_trade", cfg.RiskPerTrade.String()).
		Str("max_portfolio_risk", cfg.MaxPortfolioRisk.String()).
		Str("daily_loss_limit", cfg.DailyLossLimit.StringFixed(2)).
		Str("stop_loss", cfg.StopLossPct.String()).
		Str("take_profit", cfg.TakeProfitPct.String()).
		Int("breaker_losses", cfg.CircuitBreakerLosses).
		Msg("🛡️ Risk Gate initialized")

	return rg
}

// UpdateParams swaps the risk-per-trade fraction (from the tuner)
func (rg *RiskGate) UpdateParams(p types.StrategyParams) {
	if p.RiskPerTrade <= 0 {
		return
	}
	rg.mu.Lock()
	rg.cfg.RiskPerTrade = decimal.NewFromFloat(p.RiskPerTrade)
	rg.sizer = NewSizer(rg.cfg.RiskPerTrade)
	rg.mu.Unlock()
	log.Info().Float64("risk_per_trade", p.RiskPerTrade).Msg("🔧 Risk per trade updated")
}

// RecordOutcome feeds closing fills to the circuit breaker
func (rg *RiskGate) RecordOutcome(rec types.TradeRecord) {
	if rec.Status != types.StatusFilled || rec.Direction != types.DirectionSell {
		return
	}
	rg.breaker.RecordOutcome(rec.RealizedPnL)
}

// Evaluate sizes and checks an intent. A rejection is a Decision, not an
// error; errors mean the portfolio could not be reached or persisted.
func (rg *RiskGate) Evaluate(ctx context.Context, intent types.TradeIntent) (Decision, error) {
	rg.mu.RLock()
	if d, ok := rg.decided[intent.ID]; ok {
		rg.mu.RUnlock()
		log.Debug().Str("intent", intent.ID).Msg("♻️ Intent already decided")
		return d, nil
	}
	cfg, sizer := rg.cfg, rg.sizer
	rg.mu.RUnlock()

	var decision Decision
	err := rg.portfolio.Do(ctx, func(book *portfolio.Book) error {
		decision = rg.decide(intent, book, cfg, sizer)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("risk check %s: %w", intent.ID, err)
	}

	rg.remember(intent.ID, decision)
	return decision, nil
}

// decide runs on the portfolio goroutine
func (rg *RiskGate) decide(intent types.TradeIntent, book *portfolio.Book, cfg Config, sizer *Sizer) Decision {
	d := Decision{State: StateReceived}
	now := time.Now().UTC()
	orderID := "order:" + intent.ID

	check := func(name string, passed bool, detail string) bool {
		d.Checks = append(d.Checks, types.RiskCheck{Name: name, Passed: passed, Detail: detail})
		return passed
	}

	// Build rejection helper
	reject := func(alertType, reason string) Decision {
		d.State = StateRejected
		d.Alert = &types.RiskAlert{
			ID:         "alert:" + intent.ID,
			Type:       alertType,
			IntentID:   intent.ID,
			Instrument: intent.Instrument,
			Direction:  intent.Direction,
			Reason:     reason,
			Checks:     d.Checks,
			Timestamp:  now,
		}
		log.Warn().
			Str("instrument", intent.Instrument).
			Str("direction", string(intent.Direction)).
			Str("alert", alertType).
			Str("reason", reason).
			Msg("🚫 Trade rejected")
		return d
	}

	// A reservation outlives a nacked delivery; answer with the same order
	if r, ok := book.Reservation(orderID); ok {
		return rg.resume(intent, r, cfg, now)
	}

	if !check("direction", intent.Direction.Valid(), string(intent.Direction)) {
		return reject(types.AlertInvalidSize, "intent has no tradable direction")
	}

	sell := intent.Direction == types.DirectionSell
	exit := intent.Exit != ""
	if exit && !check("exit", sell, intent.Exit) {
		return reject(types.AlertInvalidSize, "protective exit must be a SELL")
	}

	// ══════════════════════════════════════════════════════════════════════════
	// SIZING
	// ══════════════════════════════════════════════════════════════════════════

	value := book.Value()
	price := intent.ReferencePrice
	notional, qty := sizer.Calculate(value, price)

	if sell {
		held := book.Holding(intent.Instrument).Quantity
		qty = sizer.applyConstraints(qty, held, true)
		if exit && price.IsPositive() {
			qty = held // exits close the whole holding
		}
		notional = qty.Mul(price)
	}

	if !check("size", qty.IsPositive(), fmt.Sprintf("qty=%s price=%s", qty, price)) {
		reason := "invalid reference price"
		if price.IsPositive() {
			reason = "computed quantity is zero"
			if sell {
				reason = "nothing held to sell"
			}
		}
		return reject(types.AlertInvalidSize, reason)
	}
	d.State = StateSized

	stopLoss, takeProfit := Levels(intent.Direction, price, cfg.StopLossPct, cfg.TakeProfitPct)
	if exit {
		d.State = StateRiskChecked
		return rg.approve(d, intent, orderID, qty, price, stopLoss, takeProfit, book, now)
	}

	// ══════════════════════════════════════════════════════════════════════════
	// HARD BLOCKS (entries and signal exits)
	// ══════════════════════════════════════════════════════════════════════════

	// 1. Daily loss limit
	daily := book.DailyPnL()
	if !check("daily_loss_limit", daily.GreaterThan(cfg.DailyLossLimit),
		fmt.Sprintf("daily_pnl=%s limit=%s", daily.StringFixed(2), cfg.DailyLossLimit.StringFixed(2))) {
		return reject(types.AlertDailyLimit, "daily loss limit reached")
	}

	// 2. Circuit breaker (entries only)
	if !sell {
		halted, detail := rg.breaker.Check()
		if !check("circuit_breaker", !halted, detail) {
			return reject(types.AlertRiskExceeded, "circuit breaker tripped: "+detail)
		}
	}

	// 3. Portfolio risk: projected value must stay above value × (1 - maxRisk)
	floor := value.Mul(one.Sub(cfg.MaxPortfolioRisk))
	projected := value.Sub(notional)
	if !check("portfolio_risk", !projected.LessThan(floor),
		fmt.Sprintf("projected=%s floor=%s", projected.StringFixed(2), floor.StringFixed(2))) {
		return reject(types.AlertRiskExceeded, "trade notional exceeds max portfolio risk")
	}

	// 4. Stop distance
	dist := StopDistance(price, stopLoss)
	if !check("max_loss", dist.LessThanOrEqual(cfg.MaxLossPct),
		fmt.Sprintf("stop_distance=%s max=%s", dist, cfg.MaxLossPct)) {
		return reject(types.AlertMaxLoss, "stop-loss distance exceeds max loss")
	}

	// 5. Cash for entries
	if !sell {
		cash := book.Cash()
		if !check("cash", !notional.GreaterThan(cash),
			fmt.Sprintf("notional=%s cash=%s", notional.StringFixed(2), cash.StringFixed(2))) {
			return reject(types.AlertInvalidSize, "insufficient cash")
		}
	}
	d.State = StateRiskChecked
	return rg.approve(d, intent, orderID, qty, price, stopLoss, takeProfit, book, now)
}

// ══════════════════════════════════════════════════════════════════════════════
// APPROVED
// ══════════════════════════════════════════════════════════════════════════════

// approve builds the order and reserves it on the book
func (rg *RiskGate) approve(d Decision, intent types.TradeIntent, orderID string, qty, price, stopLoss, takeProfit decimal.Decimal, book *portfolio.Book, now time.Time) Decision {
	notional := qty.Mul(price)
	order := types.SizedOrder{
		ID:             orderID,
		IntentID:       intent.ID,
		Instrument:     intent.Instrument,
		Direction:      intent.Direction,
		Quantity:       qty,
		OrderType:      "MARKET",
		ReferencePrice: price,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		SignalStrength: intent.Strength,
		Checks:         d.Checks,
		CreatedAt:      now,
	}
	book.Reserve(order)

	d.State = StateApproved
	d.Order = &order

	log.Info().
		Str("instrument", order.Instrument).
		Str("direction", string(order.Direction)).
		Str("qty", qty.String()).
		Str("notional", notional.StringFixed(2)).
		Str("sl", stopLoss.StringFixed(4)).
		Str("tp", takeProfit.StringFixed(4)).
		Str("exit", intent.Exit).
		Msg("✅ Trade approved by Risk Gate")
	return d
}

// resume rebuilds the approval of an intent whose reservation is still open
func (rg *RiskGate) resume(intent types.TradeIntent, r types.Reservation, cfg Config, now time.Time) Decision {
	stopLoss, takeProfit := Levels(r.Direction, r.Price, cfg.StopLossPct, cfg.TakeProfitPct)
	checks := []types.RiskCheck{{
		Name:   "reservation",
		Passed: true,
		Detail: fmt.Sprintf("resumed reservation qty=%s price=%s", r.Quantity, r.Price),
	}}
	order := types.SizedOrder{
		ID:             r.OrderID,
		IntentID:       intent.ID,
		Instrument:     r.Instrument,
		Direction:      r.Direction,
		Quantity:       r.Quantity,
		OrderType:      "MARKET",
		ReferencePrice: r.Price,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		SignalStrength: intent.Strength,
		Checks:         checks,
		CreatedAt:      now,
	}
	log.Info().
		Str("order_id", order.ID).
		Str("instrument", order.Instrument).
		Str("qty", order.Quantity.String()).
		Msg("♻️ Open reservation found, approval resumed")
	return Decision{State: StateApproved, Order: &order, Checks: checks}
}

func (rg *RiskGate) remember(id string, d Decision) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if _, ok := rg.decided[id]; ok {
		return
	}
	rg.decided[id] = d
	rg.order = append(rg.order, id)
	if len(rg.order) > decisionCacheSize {
		delete(rg.decided, rg.order[0])
		rg.order = rg.order[1:]
	}
}

// GetStats returns current risk configuration
func (rg *RiskGate) GetStats() map[string]interface{} {
	rg.mu.RLock()
	defer rg.mu.RUnlock()

	return map[string]interface{}{
		"risk_per_trade":     rg.cfg.RiskPerTrade.String(),
		"max_portfolio_risk": rg.cfg.MaxPortfolioRisk.String(),
		"daily_loss_limit":   rg.cfg.DailyLossLimit.StringFixed(2),
		"stop_loss_pct":      rg.cfg.StopLossPct.String(),
		"take_profit_pct":    rg.cfg.TakeProfitPct.String(),
		"max_loss_pct":       rg.cfg.MaxLossPct.String(),
		"decided_intents":    len(rg.decided),
		"breaker_tripped":    rg.breaker.IsTripped(),
	}
}
