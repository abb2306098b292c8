package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/fusionbot/types"
)

func held(qty, avg float64) types.Holding {
	return types.Holding{Quantity: d(qty), AvgPrice: d(avg)}
}

func TestCheckExitFixedLevels(t *testing.T) {
	tm := NewTPSLManager(d(0.01), d(0.02), d(0), d(0))
	h := held(1, 100)

	exit, reason, stop := tm.CheckExit("BTCUSDT", h, d(100.5))
	assert.False(t, exit)
	assert.Empty(t, reason)
	assert.True(t, stop.Equal(d(99)))

	exit, reason, _ = tm.CheckExit("BTCUSDT", h, d(102))
	assert.True(t, exit)
	assert.Equal(t, ExitTakeProfit, reason)

	exit, reason, _ = tm.CheckExit("BTCUSDT", h, d(98.9))
	assert.True(t, exit)
	assert.Equal(t, ExitStopLoss, reason)
}

func TestCheckExitBreakevenAfterTrigger(t *testing.T) {
	tm := NewTPSLManager(d(0.01), d(0.10), d(0.05), d(0))
	h := held(1, 100)

	// below the trigger the stop stays at entry - 1%
	_, _, stop := tm.CheckExit("ETHUSDT", h, d(104))
	assert.True(t, stop.Equal(d(99)))

	exit, _, stop := tm.CheckExit("ETHUSDT", h, d(106))
	assert.False(t, exit)
	assert.True(t, stop.Equal(d(100)), "armed at breakeven")

	// the high is remembered after the price falls back
	exit, reason, stop := tm.CheckExit("ETHUSDT", h, d(100))
	assert.True(t, exit)
	assert.Equal(t, ExitTrailingStop, reason)
	assert.True(t, stop.Equal(d(100)))
}

func TestCheckExitTrailsFromHigh(t *testing.T) {
	tm := NewTPSLManager(d(0.01), d(0.20), d(0.05), d(0.03))
	h := held(2, 100)

	_, _, stop := tm.CheckExit("SOLUSDT", h, d(110))
	assert.True(t, stop.Equal(d(106.7)), stop.String())

	exit, _, _ := tm.CheckExit("SOLUSDT", h, d(107))
	assert.False(t, exit)

	exit, reason, _ := tm.CheckExit("SOLUSDT", h, d(106.5))
	assert.True(t, exit)
	assert.Equal(t, ExitTrailingStop, reason)
}

func TestCheckExitForgetsClosedHolding(t *testing.T) {
	tm := NewTPSLManager(d(0.01), d(0.20), d(0.05), d(0.03))

	tm.CheckExit("SOLUSDT", held(1, 100), d(110))
	exit, _, stop := tm.CheckExit("SOLUSDT", types.Holding{}, d(110))
	assert.False(t, exit)
	assert.True(t, stop.IsZero())

	// a fresh position starts without the old high
	_, _, stop = tm.CheckExit("SOLUSDT", held(1, 100), d(101))
	assert.True(t, stop.Equal(d(99)))
}

func TestExitIntentOnlyOnClosedBars(t *testing.T) {
	tm := NewTPSLManager(d(0.01), d(0.02), d(0), d(0))
	h := held(1, 100)
	ev := types.MarketEvent{
		ID:         "BTCUSDT:kline:60000",
		Instrument: "BTCUSDT",
		Type:       types.EventKline,
		Kline:      &types.Kline{OpenTime: 60_000, Close: d(98), Closed: false},
	}

	_, _, ok := tm.ExitIntent(ev, h)
	assert.False(t, ok, "open bar")

	ev.Kline.Closed = true
	intent, stop, ok := tm.ExitIntent(ev, h)
	assert.True(t, ok)
	assert.Equal(t, "intent:exit:BTCUSDT:kline:60000", intent.ID)
	assert.Equal(t, types.DirectionSell, intent.Direction)
	assert.Equal(t, ExitStopLoss, intent.Exit)
	assert.True(t, intent.ReferencePrice.Equal(d(98)))
	assert.True(t, stop.Equal(d(99)))
}
