package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/bus"
	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/internal/metrics"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow (every arrow is a bus topic):
//   klines → Feature Cache → selection signals ┐
//   depth  → Order-Book Analyzer → OB signals  ┼→ Fusion → intents → Risk Gate
//   scanner → instrument scores → Selector     ┘
//   Risk Gate → sized orders → Execution → trade records → Publisher
//   Risk Gate → risk alerts → Publisher
//   trade records → Risk Gate (circuit breaker)
//   closed bars × holdings → TP/SL exits → intents → Risk Gate
//
// ═══════════════════════════════════════════════════════════════════════════════

// Consumer groups
const (
	GroupFeatures   = "feature-cache"
	GroupOrderBook  = "orderbook-analyzer"
	GroupSelection  = "coin-selector"
	GroupFusion     = "signal-fusion"
	GroupRisk       = "risk-gate"
	GroupExecution  = "execution"
	GroupPublisher  = "outcome-publisher"
	GroupFusionTune = "signal-fusion-params"
	GroupRiskTune   = "risk-gate-params"
	GroupOutcomes   = "risk-gate-outcomes"
)

// Components are the stage implementations the engine wires together
type Components struct {
	Cache     *feeds.FeatureCache
	Analyzer  *feeds.Analyzer
	Scorer    *strategy.Scorer
	Selector  *strategy.Selector
	Fusion    *strategy.Fusion
	Gate      *risk.RiskGate
	Executor  *execution.Coordinator
	Publisher *Publisher
	Symbols   *SymbolManager

	// Optional protective exits; both must be set
	Exits    *risk.TPSLManager
	Holdings HoldingSource
}

// HoldingSource reads the current portfolio state
type HoldingSource interface {
	Snapshot(ctx context.Context) (types.PortfolioState, error)
}

// Engine runs the pipeline stages on a bus
type Engine struct {
	bus    bus.Bus
	router *Router
	c      Components

	topN         int
	scanInterval time.Duration
}

// NewEngine creates the engine and registers every stage route
func NewEngine(b bus.Bus, c Components, topN int, scanInterval time.Duration) *Engine {
	if scanInterval <= 0 {
		scanInterval = 4 * time.Hour
	}
	e := &Engine{
		bus:          b,
		router:       NewRouter(),
		c:            c,
		topN:         topN,
		scanInterval: scanInterval,
	}

	e.router.Handle(bus.TopicKlines, GroupFeatures, e.handleKline)
	e.router.Handle(bus.TopicOrderBooks, GroupOrderBook, e.handleDepth)
	e.router.Handle(bus.TopicInstrumentScores, GroupSelection, e.handleScores)
	e.router.Handle(bus.TopicSelectionSignals, GroupFusion, e.handleSelection)
	e.router.Handle(bus.TopicOrderBookSignals, GroupFusion, e.handleOrderBookSignal)
	e.router.Handle(bus.TopicTradeIntents, GroupRisk, e.handleIntent)
	e.router.Handle(bus.TopicSizedOrders, GroupExecution, e.handleOrder)
	e.router.Handle(bus.TopicStrategyUpdates, GroupFusionTune, e.handleFusionParams)
	e.router.Handle(bus.TopicStrategyUpdates, GroupRiskTune, e.handleRiskParams)
	e.router.Handle(bus.TopicTradeRecords, GroupOutcomes, e.handleOutcome)
	if c.Publisher != nil {
		e.router.Handle(bus.TopicTradeRecords, GroupPublisher, c.Publisher.HandleTradeRecord)
		e.router.Handle(bus.TopicRiskAlerts, GroupPublisher, c.Publisher.HandleRiskAlert)
		e.router.Handle(bus.TopicOptimizationAlerts, GroupPublisher, c.Publisher.HandleOptimizationAlert)
	}

	return e
}

// Start subscribes every stage on the bus
func (e *Engine) Start() error {
	if err := e.router.Bind(e.bus); err != nil {
		return err
	}
	log.Info().
		Int("routes", len(e.router.Routes())).
		Int("symbols", e.c.Symbols.Count()).
		Str("execution", e.c.Executor.Backend()).
		Msg("⚡ Engine started")
	return nil
}

// Run drives the instrument scanner until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	e.scan(ctx)

	ticker := time.NewTicker(e.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Engine scanner stopped")
			return nil
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

// Ingest publishes a market event on its topic. It is the stream's sink.
func (e *Engine) Ingest(ctx context.Context, ev types.MarketEvent) error {
	switch ev.Type {
	case types.EventKline:
		return e.bus.Publish(ctx, bus.TopicKlines, ev.Instrument, ev.ID, ev)
	case types.EventDepth:
		return e.bus.Publish(ctx, bus.TopicOrderBooks, ev.Instrument, ev.ID, ev)
	}
	log.Debug().Str("id", ev.ID).Str("type", string(ev.Type)).Msg("market event not routed")
	return nil
}

func (e *Engine) scan(ctx context.Context) {
	symbols := e.c.Symbols.Symbols()
	if len(symbols) == 0 {
		log.Warn().Msg("⚠️ No symbols to scan")
		return
	}
	batch := e.c.Scorer.Scan(ctx, symbols, e.topN)
	if err := e.bus.Publish(ctx, bus.TopicInstrumentScores, "", batch.ID, batch); err != nil {
		log.Error().Err(err).Msg("failed to publish instrument scores")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STAGE HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) handleKline(ctx context.Context, msg bus.Message) error {
	ev, err := bus.Decode[types.MarketEvent](msg)
	if err != nil {
		return err
	}
	snap, applied, err := e.c.Cache.Apply(ev)
	if err != nil || !applied {
		return err
	}
	if err := e.checkExit(ctx, ev); err != nil {
		return err
	}

	sig, ok := e.c.Selector.Evaluate(ev.ID, snap, ev.Timestamp)
	if !ok {
		log.Debug().Str("instrument", ev.Instrument).Int("closes", len(snap.Closes)).Msg("window warming up")
		return nil
	}
	return e.bus.Publish(ctx, bus.TopicSelectionSignals, sig.Instrument, sig.ID, sig)
}

// checkExit closes a holding whose stop or target the closed bar crossed
func (e *Engine) checkExit(ctx context.Context, ev types.MarketEvent) error {
	if e.c.Exits == nil || e.c.Holdings == nil {
		return nil
	}
	state, err := e.c.Holdings.Snapshot(ctx)
	if err != nil {
		return err
	}
	h := state.Holdings[ev.Instrument]
	intent, stop, ok := e.c.Exits.ExitIntent(ev, h)
	if !ok {
		return nil
	}
	if err := e.bus.Publish(ctx, bus.TopicTradeIntents, intent.Instrument, intent.ID, intent); err != nil {
		return err
	}
	metrics.IntentsTotal.WithLabelValues(intent.Instrument, string(intent.Direction)).Inc()

	log.Info().
		Str("instrument", ev.Instrument).
		Str("reason", intent.Exit).
		Str("price", intent.ReferencePrice.String()).
		Str("stop", stop.StringFixed(4)).
		Str("entry", h.AvgPrice.String()).
		Msg("🛑 Protective exit")
	return nil
}

func (e *Engine) handleDepth(ctx context.Context, msg bus.Message) error {
	ev, err := bus.Decode[types.MarketEvent](msg)
	if err != nil {
		return err
	}
	sig, err := e.c.Analyzer.Analyze(ev)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, bus.TopicOrderBookSignals, sig.Instrument, sig.ID, sig)
}

func (e *Engine) handleScores(_ context.Context, msg bus.Message) error {
	batch, err := bus.Decode[types.ScoreBatch](msg)
	if err != nil {
		return err
	}
	e.c.Selector.UpdateSelection(batch)
	e.c.Symbols.ApplyScores(batch)
	return nil
}

func (e *Engine) handleSelection(ctx context.Context, msg bus.Message) error {
	sig, err := bus.Decode[types.SelectionSignal](msg)
	if err != nil {
		return err
	}
	intent, ok := e.c.Fusion.OnSelection(sig)
	if !ok {
		return nil
	}
	return e.emitIntent(ctx, intent)
}

func (e *Engine) handleOrderBookSignal(ctx context.Context, msg bus.Message) error {
	sig, err := bus.Decode[types.OrderBookSignal](msg)
	if err != nil {
		return err
	}
	intent, ok := e.c.Fusion.OnOrderBook(sig)
	if !ok {
		return nil
	}
	return e.emitIntent(ctx, intent)
}

// emitIntent hands the intent to the risk stage, then stops its selection
// signal from producing another one
func (e *Engine) emitIntent(ctx context.Context, intent types.TradeIntent) error {
	if err := e.bus.Publish(ctx, bus.TopicTradeIntents, intent.Instrument, intent.ID, intent); err != nil {
		return err
	}
	e.c.Fusion.MarkConsumed(intent)
	metrics.IntentsTotal.WithLabelValues(intent.Instrument, string(intent.Direction)).Inc()

	log.Info().
		Str("instrument", intent.Instrument).
		Str("direction", string(intent.Direction)).
		Float64("strength", intent.Strength).
		Int("vote", intent.Snapshot.EnsembleVote).
		Msg("🎯 Trade intent")
	return nil
}

func (e *Engine) handleIntent(ctx context.Context, msg bus.Message) error {
	intent, err := bus.Decode[types.TradeIntent](msg)
	if err != nil {
		return err
	}
	if intent.ID == "" || intent.Instrument == "" {
		return errs.Validation(fmt.Errorf("intent %q: missing id or instrument", msg.ID))
	}

	d, err := e.c.Gate.Evaluate(ctx, intent)
	if err != nil {
		return err
	}
	metrics.RiskDecisions.WithLabelValues(strings.ToLower(string(d.State))).Inc()

	switch {
	case d.Approved():
		return e.bus.Publish(ctx, bus.TopicSizedOrders, d.Order.Instrument, d.Order.ID, *d.Order)
	case d.Alert != nil:
		return e.bus.Publish(ctx, bus.TopicRiskAlerts, d.Alert.Instrument, d.Alert.ID, *d.Alert)
	}
	return nil
}

func (e *Engine) handleOrder(ctx context.Context, msg bus.Message) error {
	order, err := bus.Decode[types.SizedOrder](msg)
	if err != nil {
		return err
	}
	rec, err := e.c.Executor.Execute(ctx, order)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, bus.TopicTradeRecords, rec.Instrument, rec.ID, rec)
}

func (e *Engine) handleFusionParams(_ context.Context, msg bus.Message) error {
	p, err := bus.Decode[types.StrategyParams](msg)
	if err != nil {
		return err
	}
	e.c.Fusion.UpdateParams(p)
	return nil
}

func (e *Engine) handleRiskParams(_ context.Context, msg bus.Message) error {
	p, err := bus.Decode[types.StrategyParams](msg)
	if err != nil {
		return err
	}
	e.c.Gate.UpdateParams(p)
	return nil
}

// handleOutcome feeds closing fills to the gate's circuit breaker
func (e *Engine) handleOutcome(_ context.Context, msg bus.Message) error {
	rec, err := bus.Decode[types.TradeRecord](msg)
	if err != nil {
		return err
	}
	e.c.Gate.RecordOutcome(rec)
	return nil
}
