package backtest

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/risk"
	"github.com/web3guy0/fusionbot/strategy"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPLAY - Historical bars through the decision stages, in order
// ═══════════════════════════════════════════════════════════════════════════════
//
//   bar → Feature Cache → TP/SL exits ──────────────┐
//                       → Selector → Fusion ────────┼→ Risk Gate → Execution
//
// Stages are called directly instead of over the bus so a replay is
// deterministic. No order book is replayed: fusion runs on the selection
// signal alone.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Holdings reads the book exits are checked against
type Holdings interface {
	Snapshot(ctx context.Context) (types.PortfolioState, error)
}

// Stages are the pipeline pieces a replay drives
type Stages struct {
	Cache    *feeds.FeatureCache
	Selector *strategy.Selector
	Fusion   *strategy.Fusion
	Gate     *risk.RiskGate
	Executor *execution.Coordinator

	// Optional; both must be set
	Exits    *risk.TPSLManager
	Holdings Holdings
}

// Stats counts what a replay did
type Stats struct {
	Bars     int
	Signals  int
	Intents  int
	Exits    int
	Approved int
	Rejected int
	Filled   int
}

// Replay feeds the closed bars oldest first, interleaving instruments by
// open time. Malformed bars are skipped; stage errors stop the replay.
func Replay(ctx context.Context, s Stages, bars []types.MarketEvent) (Stats, error) {
	var stats Stats

	ordered := make([]types.MarketEvent, 0, len(bars))
	for _, ev := range bars {
		if ev.Kline != nil && ev.Kline.Closed {
			ordered = append(ordered, ev)
		}
	}
	slices.SortStableFunc(ordered, func(a, b types.MarketEvent) int {
		return cmp.Or(cmp.Compare(a.Kline.OpenTime, b.Kline.OpenTime), cmp.Compare(a.Instrument, b.Instrument))
	})

	for _, ev := range ordered {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		snap, applied, err := s.Cache.Apply(ev)
		if err != nil {
			log.Warn().Err(err).Str("id", ev.ID).Msg("⚠️ Bar skipped")
			continue
		}
		if !applied {
			continue
		}
		stats.Bars++

		if s.Exits != nil && s.Holdings != nil {
			state, err := s.Holdings.Snapshot(ctx)
			if err != nil {
				return stats, err
			}
			if intent, _, ok := s.Exits.ExitIntent(ev, state.Holdings[ev.Instrument]); ok {
				stats.Exits++
				if err := trade(ctx, s, intent, &stats); err != nil {
					return stats, err
				}
			}
		}

		sig, ok := s.Selector.Evaluate(ev.ID, snap, ev.Timestamp)
		if !ok {
			continue
		}
		stats.Signals++

		intent, ok := s.Fusion.OnSelection(sig)
		if !ok {
			continue
		}
		s.Fusion.MarkConsumed(intent)
		if err := trade(ctx, s, intent, &stats); err != nil {
			return stats, err
		}
	}

	log.Info().
		Int("bars", stats.Bars).
		Int("intents", stats.Intents).
		Int("exits", stats.Exits).
		Int("approved", stats.Approved).
		Int("rejected", stats.Rejected).
		Int("filled", stats.Filled).
		Msg("🏁 Replay complete")
	return stats, nil
}

// trade runs one intent through the gate and, when approved, execution
func trade(ctx context.Context, s Stages, intent types.TradeIntent, stats *Stats) error {
	stats.Intents++
	d, err := s.Gate.Evaluate(ctx, intent)
	if err != nil {
		return err
	}
	if !d.Approved() {
		stats.Rejected++
		return nil
	}
	stats.Approved++

	rec, err := s.Executor.Execute(ctx, *d.Order)
	if err != nil {
		return fmt.Errorf("execute %s: %w", d.Order.ID, err)
	}
	if rec.Status == types.StatusFilled {
		stats.Filled++
	}
	s.Gate.RecordOutcome(rec)
	return nil
}
