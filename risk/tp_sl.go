package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL - Protective levels around the reference price
// ═══════════════════════════════════════════════════════════════════════════════

var one = decimal.NewFromInt(1)

// Levels places the stop on the losing side and the target on the winning
// side of entry: BUY stop below / target above, SELL the reverse.
func Levels(dir types.Direction, entry, slPct, tpPct decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	if dir == types.DirectionSell {
		return entry.Mul(one.Add(slPct)), entry.Mul(one.Sub(tpPct))
	}
	return entry.Mul(one.Sub(slPct)), entry.Mul(one.Add(tpPct))
}

// StopDistance is |entry - stop| as a fraction of entry
func StopDistance(entry, stopLoss decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return entry.Sub(stopLoss).Abs().Div(entry)
}

// Exit reasons carried on protective SELL intents
const (
	ExitTakeProfit   = "TAKE_PROFIT"
	ExitStopLoss     = "STOP_LOSS"
	ExitTrailingStop = "TRAILING_STOP"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL MANAGER - Watches holdings for exit conditions
// ═══════════════════════════════════════════════════════════════════════════════

type TPSLManager struct {
	mu sync.Mutex

	stopLossPct   decimal.Decimal
	takeProfitPct decimal.Decimal

	// Trailing stop configuration
	trailingStart    decimal.Decimal // arm after X% gain over entry; <= 0 disables
	trailingDistance decimal.Decimal // trail X% below the high; 0 holds at breakeven

	highs map[string]decimal.Decimal // high water mark per instrument
}

// NewTPSLManager creates a new TP/SL manager
func NewTPSLManager(stopLossPct, takeProfitPct, trailingStart, trailingDistance decimal.Decimal) *TPSLManager {
	return &TPSLManager{
		stopLossPct:      stopLossPct,
		takeProfitPct:    takeProfitPct,
		trailingStart:    trailingStart,
		trailingDistance: trailingDistance,
		highs:            make(map[string]decimal.Decimal),
	}
}

// CheckExit determines if a holding should be closed at price.
// stop is the effective stop after trailing.
func (tm *TPSLManager) CheckExit(instrument string, h types.Holding, price decimal.Decimal) (shouldExit bool, reason string, stop decimal.Decimal) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !h.Quantity.IsPositive() || !h.AvgPrice.IsPositive() || !price.IsPositive() {
		delete(tm.highs, instrument)
		return false, "", decimal.Zero
	}

	stop, target := Levels(types.DirectionBuy, h.AvgPrice, tm.stopLossPct, tm.takeProfitPct)

	// Check take profit
	if price.GreaterThanOrEqual(target) {
		return true, ExitTakeProfit, stop
	}

	trailed := tm.calculateTrailingStop(instrument, h.AvgPrice, price)
	trailing := trailed.GreaterThan(stop)
	if trailing {
		stop = trailed
	}

	// Check stop loss
	if price.LessThanOrEqual(stop) {
		if trailing {
			return true, ExitTrailingStop, stop
		}
		return true, ExitStopLoss, stop
	}
	return false, "", stop
}

// calculateTrailingStop tracks the high water mark and returns the trailed
// stop, or zero while the trail is not armed
func (tm *TPSLManager) calculateTrailingStop(instrument string, entry, price decimal.Decimal) decimal.Decimal {
	if !tm.trailingStart.IsPositive() {
		return decimal.Zero
	}

	high, ok := tm.highs[instrument]
	if !ok || price.GreaterThan(high) {
		high = price
		tm.highs[instrument] = high
	}

	// Only trail once the high cleared the start threshold
	if high.LessThan(entry.Mul(one.Add(tm.trailingStart))) {
		return decimal.Zero
	}

	newSL := entry
	if tm.trailingDistance.IsPositive() {
		newSL = decimal.Max(newSL, high.Mul(one.Sub(tm.trailingDistance)))
	}
	return newSL
}

// ExitIntent builds the protective SELL a closed bar calls for, if any
func (tm *TPSLManager) ExitIntent(ev types.MarketEvent, h types.Holding) (types.TradeIntent, decimal.Decimal, bool) {
	if ev.Kline == nil || !ev.Kline.Closed {
		return types.TradeIntent{}, decimal.Zero, false
	}
	price := ev.Kline.Close
	exit, reason, stop := tm.CheckExit(ev.Instrument, h, price)
	if !exit {
		return types.TradeIntent{}, stop, false
	}
	return types.TradeIntent{
		ID:             "intent:exit:" + ev.ID,
		Instrument:     ev.Instrument,
		Direction:      types.DirectionSell,
		ReferencePrice: price,
		Exit:           reason,
		Timestamp:      ev.Timestamp,
	}, stop, true
}
