package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/bus"
	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/internal/bot"
	"github.com/web3guy0/fusionbot/internal/database"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

type publishedMsg struct {
	topic string
	key   string
	id    string
	raw   []byte
}

// recordingBus captures publishes; handlers are driven by hand
type recordingBus struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

func (b *recordingBus) Publish(_ context.Context, topic, key, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, publishedMsg{topic: topic, key: key, id: id, raw: raw})
	return nil
}

func (b *recordingBus) Subscribe(string, string, bus.Handler) error { return nil }

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) on(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func decodeAs[T any](t *testing.T, m publishedMsg) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.raw, &v))
	return v
}

type staticMetrics struct {
	funding map[string]float64
	oi      map[string]float64
}

func (s staticMetrics) FundingRate(_ context.Context, inst string) (float64, error) {
	return s.funding[inst], nil
}

func (s staticMetrics) OpenInterest(_ context.Context, inst string) (float64, error) {
	v, ok := s.oi[inst]
	if !ok {
		return 0, errors.New("no open interest")
	}
	return v, nil
}

func (s staticMetrics) LongShortRatio(context.Context, string) (float64, error) { return 1, nil }

var testParams = types.StrategyParams{Version: "v0", BuyThreshold: 0.5, SellThreshold: -0.5, RiskPerTrade: 0.01}

func testRiskConfig() risk.Config {
	return risk.Config{
		RiskPerTrade:     decimal.RequireFromString("0.01"),
		MaxPortfolioRisk: decimal.RequireFromString("0.05"),
		DailyLossLimit:   decimal.NewFromInt(-50),
		StopLossPct:      decimal.RequireFromString("0.01"),
		TakeProfitPct:    decimal.RequireFromString("0.02"),
		MaxLossPct:       decimal.RequireFromString("0.05"),
	}
}

func testComponents(t *testing.T, store portfolio.Store) (Components, *portfolio.Actor) {
	t.Helper()
	actor := portfolio.New("main", decimal.NewFromInt(1000), store)
	require.NoError(t, actor.Load(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go actor.Run(ctx)

	return Components{
		Cache:    feeds.NewFeatureCache(feeds.DefaultWindowConfig()),
		Analyzer: feeds.NewAnalyzer(5, decimal.NewFromInt(100)),
		Scorer: strategy.NewScorer(staticMetrics{
			funding: map[string]float64{"BTCUSDT": 0.0001, "ETHUSDT": 0.0001},
			oi:      map[string]float64{"BTCUSDT": 500, "ETHUSDT": 100},
		}),
		Selector: strategy.NewSelector(0.005),
		Fusion:   strategy.NewFusion(testParams, nil, 0),
		Gate:     risk.NewRiskGate(testRiskConfig(), actor),
		Symbols:  NewSymbolManager([]string{"BTCUSDT", "ETHUSDT"}),
	}, actor
}

func kline(sym string, i int, closePrice float64, closed bool) types.MarketEvent {
	openTime := int64(i) * 60_000
	id := fmt.Sprintf("%s:kline:%d", sym, openTime)
	if !closed {
		id += ":open"
	}
	c := decimal.NewFromFloat(closePrice)
	return types.MarketEvent{
		ID:         id,
		Instrument: sym,
		Type:       types.EventKline,
		Timestamp:  time.UnixMilli(openTime).UTC(),
		Kline: &types.Kline{
			Interval: "1m",
			OpenTime: openTime,
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			Volume:   decimal.NewFromInt(1),
			Closed:   closed,
		},
	}
}

func selectBTC(t *testing.T, e *Engine) {
	t.Helper()
	batch := types.ScoreBatch{
		ID:       "batch-1",
		Scores:   []types.InstrumentScore{{Instrument: "BTCUSDT", Score: 50}, {Instrument: "ETHUSDT", Score: 10}},
		Selected: []string{"BTCUSDT"},
	}
	require.NoError(t, e.handleScores(t.Context(), message(t, bus.TopicInstrumentScores, batch.ID, batch)))
}

func TestKlineStageWarmsUpThenSignals(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)
	selectBTC(t, e)

	for i := 0; i < 9; i++ {
		ev := kline("BTCUSDT", i, 100+float64(i), true)
		require.NoError(t, e.handleKline(t.Context(), message(t, bus.TopicKlines, ev.ID, ev)))
	}
	partial := kline("BTCUSDT", 9, 500, false)
	require.NoError(t, e.handleKline(t.Context(), message(t, bus.TopicKlines, partial.ID, partial)))
	assert.Empty(t, b.on(bus.TopicSelectionSignals))

	tenth := kline("BTCUSDT", 9, 109, true)
	msg := message(t, bus.TopicKlines, tenth.ID, tenth)
	require.NoError(t, e.handleKline(t.Context(), msg))
	require.NoError(t, e.handleKline(t.Context(), msg))

	sigs := b.on(bus.TopicSelectionSignals)
	require.Len(t, sigs, 1)
	sig := decodeAs[types.SelectionSignal](t, sigs[0])
	assert.Equal(t, "sel:"+tenth.ID, sig.ID)
	assert.Equal(t, "BTCUSDT", sigs[0].key)
	assert.Equal(t, types.DirectionBuy, sig.Recommendation)
	assert.True(t, sig.Selected)
	assert.True(t, sig.ReferencePrice.Equal(decimal.NewFromInt(109)))
}

func TestKlineStageRejectsMalformedEvent(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	ev := kline("BTCUSDT", 0, 0, true)
	err := e.handleKline(t.Context(), message(t, bus.TopicKlines, ev.ID, ev))
	require.Error(t, err)
	assert.Empty(t, b.msgs)
}

func TestDepthStagePublishesSignal(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	ev := types.MarketEvent{
		ID:         "BTCUSDT:depth:42",
		Instrument: "BTCUSDT",
		Type:       types.EventDepth,
		Timestamp:  time.Now().UTC(),
		Depth: &types.Depth{
			LastUpdateID: 42,
			Snapshot:     true,
			Bids:         []types.PriceLevel{{Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(150)}},
			Asks:         []types.PriceLevel{{Price: decimal.NewFromInt(101), Qty: decimal.NewFromInt(10)}},
		},
	}
	require.NoError(t, e.handleDepth(t.Context(), message(t, bus.TopicOrderBooks, ev.ID, ev)))

	out := b.on(bus.TopicOrderBookSignals)
	require.Len(t, out, 1)
	sig := decodeAs[types.OrderBookSignal](t, out[0])
	assert.Equal(t, "obs:BTCUSDT:depth:42", sig.ID)
	assert.InDelta(t, 0.875, sig.Imbalance, 1e-9)
	assert.True(t, sig.LargeBid)
	assert.False(t, sig.LargeAsk)
}

func TestFusionStageEmitsIntentOnce(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	obs := types.OrderBookSignal{
		ID:         "obs:1",
		Instrument: "BTCUSDT",
		Imbalance:  0.3,
		LargeBid:   true,
		BestBid:    decimal.NewFromInt(99),
		BestAsk:    decimal.NewFromInt(101),
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, e.handleOrderBookSignal(t.Context(), message(t, bus.TopicOrderBookSignals, obs.ID, obs)))
	assert.Empty(t, b.on(bus.TopicTradeIntents))

	sel := types.SelectionSignal{
		ID:             "sel:BTCUSDT:kline:1",
		Instrument:     "BTCUSDT",
		Recommendation: types.DirectionBuy,
		Strength:       0.4,
		Selected:       true,
		ReferencePrice: decimal.NewFromInt(100),
		Timestamp:      time.Now().UTC(),
	}
	msg := message(t, bus.TopicSelectionSignals, sel.ID, sel)
	require.NoError(t, e.handleSelection(t.Context(), msg))
	require.NoError(t, e.handleSelection(t.Context(), msg))
	require.NoError(t, e.handleOrderBookSignal(t.Context(), message(t, bus.TopicOrderBookSignals, "obs:2", obs)))

	intents := b.on(bus.TopicTradeIntents)
	require.Len(t, intents, 1)
	intent := decodeAs[types.TradeIntent](t, intents[0])
	assert.Equal(t, "intent:"+sel.ID, intent.ID)
	assert.Equal(t, types.DirectionBuy, intent.Direction)
	assert.InDelta(t, 0.65, intent.Strength, 1e-9)
	assert.True(t, intent.ReferencePrice.Equal(decimal.NewFromInt(100)))
}

func TestRiskStageRoutesDecisions(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	ok := types.TradeIntent{
		ID:             "intent:a",
		Instrument:     "BTCUSDT",
		Direction:      types.DirectionBuy,
		Strength:       0.7,
		ReferencePrice: decimal.NewFromInt(100),
	}
	msg := message(t, bus.TopicTradeIntents, ok.ID, ok)
	require.NoError(t, e.handleIntent(t.Context(), msg))
	require.NoError(t, e.handleIntent(t.Context(), msg))

	orders := b.on(bus.TopicSizedOrders)
	require.Len(t, orders, 2)
	first := decodeAs[types.SizedOrder](t, orders[0])
	again := decodeAs[types.SizedOrder](t, orders[1])
	assert.Equal(t, "order:intent:a", first.ID)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.Quantity.Equal(decimal.RequireFromString("0.1")), first.Quantity.String())

	bad := ok
	bad.ID = "intent:b"
	bad.ReferencePrice = decimal.Zero
	require.NoError(t, e.handleIntent(t.Context(), message(t, bus.TopicTradeIntents, bad.ID, bad)))

	alerts := b.on(bus.TopicRiskAlerts)
	require.Len(t, alerts, 1)
	alert := decodeAs[types.RiskAlert](t, alerts[0])
	assert.Equal(t, "alert:intent:b", alert.ID)
	assert.Equal(t, types.AlertInvalidSize, alert.Type)
	assert.Len(t, b.on(bus.TopicSizedOrders), 2)
}

func TestRiskStageDropsIntentWithoutID(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	err := e.handleIntent(t.Context(), message(t, bus.TopicTradeIntents, "x", types.TradeIntent{Instrument: "BTCUSDT"}))
	require.Error(t, err)
	assert.Empty(t, b.msgs)
}

func TestParamsStageUpdatesFusionAndGate(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	p := types.StrategyParams{Version: "v1", BuyThreshold: 0.6, SellThreshold: -0.6, RiskPerTrade: 0.02}
	msg := message(t, bus.TopicStrategyUpdates, "opt:v1", p)
	require.NoError(t, e.handleFusionParams(t.Context(), msg))
	require.NoError(t, e.handleRiskParams(t.Context(), msg))
	assert.Equal(t, "v1", c.Fusion.Params().Version)

	intent := types.TradeIntent{
		ID:             "intent:p",
		Instrument:     "BTCUSDT",
		Direction:      types.DirectionBuy,
		ReferencePrice: decimal.NewFromInt(100),
	}
	require.NoError(t, e.handleIntent(t.Context(), message(t, bus.TopicTradeIntents, intent.ID, intent)))
	orders := b.on(bus.TopicSizedOrders)
	require.Len(t, orders, 1)
	order := decodeAs[types.SizedOrder](t, orders[0])
	assert.True(t, order.Quantity.Equal(decimal.RequireFromString("0.2")), order.Quantity.String())
}

func TestOutcomeStageTripsBreaker(t *testing.T) {
	b := &recordingBus{}
	c, actor := testComponents(t, nil)
	cfg := testRiskConfig()
	cfg.CircuitBreakerLosses = 1
	cfg.CircuitBreakerCooldown = time.Hour
	c.Gate = risk.NewRiskGate(cfg, actor)
	e := NewEngine(b, c, 1, time.Hour)

	loss := types.TradeRecord{
		ID:          "trade:order:1",
		OrderID:     "order:1",
		Instrument:  "BTCUSDT",
		Direction:   types.DirectionSell,
		Status:      types.StatusFilled,
		RealizedPnL: decimal.NewFromInt(-3),
	}
	require.NoError(t, e.handleOutcome(t.Context(), message(t, bus.TopicTradeRecords, loss.ID, loss)))

	intent := types.TradeIntent{
		ID:             "intent:cb",
		Instrument:     "BTCUSDT",
		Direction:      types.DirectionBuy,
		ReferencePrice: decimal.NewFromInt(100),
	}
	require.NoError(t, e.handleIntent(t.Context(), message(t, bus.TopicTradeIntents, intent.ID, intent)))
	assert.Empty(t, b.on(bus.TopicSizedOrders))
	alerts := b.on(bus.TopicRiskAlerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertRiskExceeded, decodeAs[types.RiskAlert](t, alerts[0]).Type)
}

func TestClosedBarTriggersProtectiveExit(t *testing.T) {
	b := &recordingBus{}
	c, actor := testComponents(t, nil)
	c.Exits = risk.NewTPSLManager(decimal.RequireFromString("0.01"), decimal.RequireFromString("0.02"), decimal.Zero, decimal.Zero)
	c.Holdings = actor
	e := NewEngine(b, c, 1, time.Hour)
	ctx := t.Context()

	entry := types.TradeIntent{ID: "intent:entry", Instrument: "BTCUSDT", Direction: types.DirectionBuy, ReferencePrice: decimal.NewFromInt(100)}
	dec, err := c.Gate.Evaluate(ctx, entry)
	require.NoError(t, err)
	require.True(t, dec.Approved())
	_, err = actor.Reconcile(ctx, types.TradeRecord{OrderID: dec.Order.ID, Status: types.StatusFilled, ExecutedQty: dec.Order.Quantity, ExecutedPrice: decimal.NewFromInt(100)})
	require.NoError(t, err)

	// inside the band, and an instrument not held
	for _, ev := range []types.MarketEvent{kline("BTCUSDT", 0, 99.5, true), kline("ETHUSDT", 0, 50, true)} {
		require.NoError(t, e.handleKline(ctx, message(t, bus.TopicKlines, ev.ID, ev)))
	}
	assert.Empty(t, b.on(bus.TopicTradeIntents))

	crash := kline("BTCUSDT", 1, 98.5, true)
	require.NoError(t, e.handleKline(ctx, message(t, bus.TopicKlines, crash.ID, crash)))
	intents := b.on(bus.TopicTradeIntents)
	require.Len(t, intents, 1)
	exit := decodeAs[types.TradeIntent](t, intents[0])
	assert.Equal(t, "intent:exit:"+crash.ID, exit.ID)
	assert.Equal(t, types.DirectionSell, exit.Direction)
	assert.Equal(t, risk.ExitStopLoss, exit.Exit)
	assert.True(t, exit.ReferencePrice.Equal(decimal.RequireFromString("98.5")))

	require.NoError(t, e.handleIntent(ctx, publishedToMessage(intents[0])))
	orders := b.on(bus.TopicSizedOrders)
	require.Len(t, orders, 1)
	order := decodeAs[types.SizedOrder](t, orders[0])
	assert.True(t, order.Quantity.Equal(dec.Order.Quantity), order.Quantity.String())
	assert.Equal(t, "order:"+exit.ID, order.ID)

	// the reserved SELL already took the holding off the book
	next := kline("BTCUSDT", 2, 97, true)
	require.NoError(t, e.handleKline(ctx, message(t, bus.TopicKlines, next.ID, next)))
	assert.Len(t, b.on(bus.TopicTradeIntents), 1)
}

func TestIngestRoutesByEventType(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	require.NoError(t, e.Ingest(t.Context(), kline("BTCUSDT", 1, 100, true)))
	require.NoError(t, e.Ingest(t.Context(), types.MarketEvent{ID: "d", Instrument: "BTCUSDT", Type: types.EventDepth, Depth: &types.Depth{}}))
	require.NoError(t, e.Ingest(t.Context(), types.MarketEvent{ID: "a", Instrument: "BTCUSDT", Type: "account"}))

	assert.Len(t, b.on(bus.TopicKlines), 1)
	assert.Len(t, b.on(bus.TopicOrderBooks), 1)
	assert.Len(t, b.msgs, 2)
}

func TestScanPublishesBatchAndUpdatesUniverse(t *testing.T) {
	b := &recordingBus{}
	c, _ := testComponents(t, nil)
	e := NewEngine(b, c, 1, time.Hour)

	e.scan(t.Context())

	out := b.on(bus.TopicInstrumentScores)
	require.Len(t, out, 1)
	batch := decodeAs[types.ScoreBatch](t, out[0])
	assert.Equal(t, []string{"BTCUSDT"}, batch.Selected)
	assert.Len(t, batch.Scores, 2)

	require.NoError(t, e.handleScores(t.Context(), publishedToMessage(out[0])))
	assert.Equal(t, []string{"BTCUSDT"}, c.Symbols.Selected())
	assert.True(t, c.Selector.Selected("BTCUSDT"))
}

func publishedToMessage(m publishedMsg) bus.Message {
	return bus.Message{ID: m.id, Topic: m.topic, Key: m.key, Payload: m.raw}
}

// ═══════════════════════════════════════════════════════════════════════════════
// END TO END
// ═══════════════════════════════════════════════════════════════════════════════

func TestPipelinePaperTradeEndToEnd(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.EnsurePaperAccount(context.Background(), "paper", decimal.NewFromInt(1000))
	require.NoError(t, err)

	c, actor := testComponents(t, db)
	c.Executor = execution.NewCoordinator(execution.NewPaperBackend(db, "paper"), db, actor)
	notifier := &fakeNotifier{}
	c.Publisher = NewPublisher(db, notifier, actor)

	mb := bus.NewMemoryBus(bus.Options{
		Workers:        2,
		MaxAttempts:    3,
		RetryBackoff:   10 * time.Millisecond,
		HandlerTimeout: 5 * time.Second,
		DeadLetters:    db,
	})
	t.Cleanup(func() { _ = mb.Close() })

	e := NewEngine(mb, c, 1, time.Hour)
	require.NoError(t, e.Start())

	ctx := t.Context()
	e.scan(ctx)
	require.Eventually(t, func() bool {
		return c.Selector.Selected("BTCUSDT")
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Ingest(ctx, kline("BTCUSDT", i, 100+float64(i), true)))
	}

	var records []types.TradeRecord
	require.Eventually(t, func() bool {
		records, err = db.RecentTradeRecords(ctx, 10)
		return err == nil && len(records) == 1 && len(notifier.kinds()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec := records[0]
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.True(t, rec.Simulated)
	assert.Equal(t, "BTCUSDT", rec.Instrument)
	assert.Equal(t, types.DirectionBuy, rec.Direction)
	assert.True(t, rec.ExecutedPrice.Equal(decimal.NewFromInt(109)), rec.ExecutedPrice.String())
	assert.Equal(t, []string{bot.KindTradeReport}, notifier.kinds())

	st, err := actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, st.Cash.LessThan(decimal.NewFromInt(1000)), st.Cash.String())
	assert.True(t, st.Holdings["BTCUSDT"].Quantity.Equal(rec.ExecutedQty))

	summary, err := db.Summary(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalTrades)
}
