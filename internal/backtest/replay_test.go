package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func bar(sym string, i int, closePrice float64) types.MarketEvent {
	openTime := int64(i) * 60_000
	c := decimal.NewFromFloat(closePrice)
	return types.MarketEvent{
		ID:         fmt.Sprintf("%s:kline:%d", sym, openTime),
		Instrument: sym,
		Type:       types.EventKline,
		Timestamp:  time.UnixMilli(openTime).UTC(),
		Kline:      &types.Kline{Interval: "1m", OpenTime: openTime, Open: c, High: c, Low: c, Close: c, Closed: true},
	}
}

func newStages(t *testing.T) (Stages, *database.Database) {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.EnsurePaperAccount(ctx, "paper", dec("1000"))
	require.NoError(t, err)

	book := portfolio.New("main", dec("1000"), db)
	require.NoError(t, book.Load(ctx))
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go book.Run(runCtx)

	params := types.StrategyParams{Version: "v0", BuyThreshold: 0.5, SellThreshold: -0.5, RiskPerTrade: 0.01}
	selector := strategy.NewSelector(0.005)
	selector.UpdateSelection(types.ScoreBatch{ID: "replay", Selected: []string{"BTCUSDT"}})

	return Stages{
		Cache:    feeds.NewFeatureCache(feeds.DefaultWindowConfig()),
		Selector: selector,
		Fusion:   strategy.NewFusion(params, nil, 0),
		Gate: risk.NewRiskGate(risk.Config{
			RiskPerTrade:     dec("0.01"),
			MaxPortfolioRisk: dec("0.05"),
			DailyLossLimit:   dec("-50"),
			StopLossPct:      dec("0.01"),
			TakeProfitPct:    dec("0.02"),
			MaxLossPct:       dec("0.05"),
		}, book),
		Executor: execution.NewCoordinator(execution.NewPaperBackend(db, "paper"), db, book),
		Exits:    risk.NewTPSLManager(dec("0.01"), dec("0.02"), dec("0.05"), decimal.Zero),
		Holdings: book,
	}, db
}

func TestReplayTradesAndTakesProfit(t *testing.T) {
	s, db := newStages(t)
	ctx := context.Background()

	var bars []types.MarketEvent
	for i := 0; i < 10; i++ {
		bars = append(bars, bar("BTCUSDT", i, 100+float64(i)))
	}
	bars = append(bars, bar("BTCUSDT", 10, 112))
	// out of order input and an unselected instrument
	bars[3], bars[7] = bars[7], bars[3]
	bars = append(bars, bar("ETHUSDT", 4, 50))

	stats, err := Replay(ctx, s, bars)
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Bars)
	assert.Equal(t, 2, stats.Signals)
	assert.Equal(t, 1, stats.Exits)
	assert.Equal(t, 3, stats.Intents)
	assert.Equal(t, 3, stats.Approved)
	assert.Equal(t, 3, stats.Filled)
	assert.Zero(t, stats.Rejected)

	// entry at 109, take profit at 112, re-entry at 112
	summary, err := db.Summary(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalTrades)
	assert.Equal(t, int64(1), summary.ClosedTrades)
	assert.Equal(t, int64(1), summary.Wins)
	assert.True(t, summary.TotalPnL.IsPositive(), summary.TotalPnL.String())

	exit, found, err := db.TradeRecordByOrder(ctx, "order:intent:exit:BTCUSDT:kline:600000")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.DirectionSell, exit.Direction)
	assert.True(t, exit.ExecutedPrice.Equal(dec("112")))
}

func TestReplaySkipsOpenBarsAndStopsOnCancel(t *testing.T) {
	s, _ := newStages(t)

	open := bar("BTCUSDT", 0, 100)
	open.Kline.Closed = false
	stats, err := Replay(context.Background(), s, []types.MarketEvent{open})
	require.NoError(t, err)
	assert.Zero(t, stats.Bars)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Replay(ctx, s, []types.MarketEvent{bar("BTCUSDT", 1, 100)})
	assert.ErrorIs(t, err, context.Canceled)
}
