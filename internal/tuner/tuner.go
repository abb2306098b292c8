package tuner

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/bus"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUTO-TUNER - adjusts thresholds and risk from recent performance
// ═══════════════════════════════════════════════════════════════════════════════
//
// Losing period  → stricter thresholds, smaller risk
// Winning period → looser thresholds, larger risk (win rate > 55%)
// Otherwise      → unchanged
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxBuyThreshold  = 0.9
	minBuyThreshold  = 0.1
	minSellThreshold = -0.9
	maxSellThreshold = -0.1
	minRiskPerTrade  = 0.005
	maxRiskPerTrade  = 0.02
	goodWinRate      = 0.55
)

// Store provides performance and persists parameter versions
type Store interface {
	Summary(ctx context.Context, since time.Time) (types.Summary, error)
	SaveStrategyConfig(ctx context.Context, p types.StrategyParams) error
}

// Publisher is the bus side used by the tuner
type Publisher interface {
	Publish(ctx context.Context, topic, key, id string, v any) error
}

// Tuner owns the current strategy parameters
type Tuner struct {
	store    Store
	pub      Publisher
	interval time.Duration
	lookback time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	params types.StrategyParams
}

// New creates a tuner starting from params
func New(store Store, pub Publisher, params types.StrategyParams, interval time.Duration, lookbackDays int) *Tuner {
	return &Tuner{
		store:    store,
		pub:      pub,
		interval: interval,
		lookback: time.Duration(lookbackDays) * 24 * time.Hour,
		now:      time.Now,
		params:   params,
	}
}

// Params returns the current parameters
func (t *Tuner) Params() types.StrategyParams {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

// Run tunes every interval until ctx is done
func (t *Tuner) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", t.interval).
		Dur("lookback", t.lookback).
		Msg("🧠 Auto-tuner started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := t.Tune(ctx); err != nil {
				log.Error().Err(err).Msg("❌ Tuning pass failed")
			}
		}
	}
}

// Tune runs one pass. changed=false leaves the parameters untouched.
func (t *Tuner) Tune(ctx context.Context) (types.StrategyParams, bool, error) {
	now := t.now().UTC()
	perf, err := t.store.Summary(ctx, now.Add(-t.lookback))
	if err != nil {
		return types.StrategyParams{}, false, err
	}

	prev := t.Params()
	next, changed := Adjust(prev, perf)
	if !changed {
		log.Info().
			Str("pnl", perf.TotalPnL.StringFixed(2)).
			Float64("win_rate", perf.WinRate).
			Int64("trades", perf.TotalTrades).
			Msg("🧠 Parameters unchanged")
		return prev, false, nil
	}
	next.Version = uuid.NewString()
	next.UpdatedAt = now

	if err := t.store.SaveStrategyConfig(ctx, next); err != nil {
		return types.StrategyParams{}, false, err
	}

	t.mu.Lock()
	t.params = next
	t.mu.Unlock()

	if err := t.pub.Publish(ctx, bus.TopicStrategyUpdates, "", next.Version, next); err != nil {
		return next, true, err
	}
	alert := types.OptimizationAlert{
		ID:          "opt:" + next.Version,
		Previous:    prev,
		Current:     next,
		Performance: perf,
		Timestamp:   now,
	}
	if err := t.pub.Publish(ctx, bus.TopicOptimizationAlerts, "", alert.ID, alert); err != nil {
		return next, true, err
	}

	log.Info().
		Float64("buy_threshold", next.BuyThreshold).
		Float64("sell_threshold", next.SellThreshold).
		Float64("risk_per_trade", next.RiskPerTrade).
		Str("pnl", perf.TotalPnL.StringFixed(2)).
		Float64("win_rate", perf.WinRate).
		Msg("🧠 Strategy parameters tuned")

	return next, true, nil
}

// Adjust applies the tuning rules to p
func Adjust(p types.StrategyParams, perf types.Summary) (types.StrategyParams, bool) {
	next := p
	switch {
	case perf.TotalPnL.IsNegative():
		next.BuyThreshold = math.Min(round4(p.BuyThreshold+0.1), maxBuyThreshold)
		next.SellThreshold = math.Max(round4(p.SellThreshold-0.1), minSellThreshold)
		next.RiskPerTrade = math.Max(round4(p.RiskPerTrade*0.8), minRiskPerTrade)
	case perf.TotalPnL.IsPositive() && perf.WinRate > goodWinRate:
		next.BuyThreshold = math.Max(round4(p.BuyThreshold-0.05), minBuyThreshold)
		next.SellThreshold = math.Min(round4(p.SellThreshold+0.05), maxSellThreshold)
		next.RiskPerTrade = math.Min(round4(p.RiskPerTrade*1.1), maxRiskPerTrade)
	default:
		return p, false
	}
	changed := next.BuyThreshold != p.BuyThreshold ||
		next.SellThreshold != p.SellThreshold ||
		next.RiskPerTrade != p.RiskPerTrade
	return next, changed
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
