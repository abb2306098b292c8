package strategy

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/predictor"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL FUSION - Selection + order book + ensemble → TradeIntent
// ═══════════════════════════════════════════════════════════════════════════════
//
// final = primary strength + confirmation
//
// confirmation = |OBI|×0.5       when |OBI| > 0.1 and OBI agrees with the primary side
//              + 0.1             when a whale sits on the confirming side
//              + ensemble bonus  when the ensemble votes with the primary side
//
// Confirmation is an unsigned bonus for both sides; a SELL still has to end
// below the SELL threshold.
// A missing book signal means no confirmation.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	obiConfirmMin   = 0.1
	obiConfirmScale = 0.5
	whaleBonus      = 0.1
)

// Fusion keeps the latest sub-signals per instrument and decides on them
type Fusion struct {
	ensemble      *predictor.Ensemble
	ensembleBonus float64

	mu        sync.Mutex
	params    types.StrategyParams
	selection map[string]types.SelectionSignal
	books     map[string]types.OrderBookSignal
	consumed  map[string]string // instrument -> selection id already turned into an intent
}

// NewFusion creates a fusion engine. ensemble may be nil.
func NewFusion(params types.StrategyParams, ensemble *predictor.Ensemble, ensembleBonus float64) *Fusion {
	return &Fusion{
		ensemble:      ensemble,
		ensembleBonus: ensembleBonus,
		params:        params,
		selection:     make(map[string]types.SelectionSignal),
		books:         make(map[string]types.OrderBookSignal),
		consumed:      make(map[string]string),
	}
}

// UpdateParams swaps thresholds (from the tuner)
func (f *Fusion) UpdateParams(p types.StrategyParams) {
	f.mu.Lock()
	f.params = p
	f.mu.Unlock()
	log.Info().
		Float64("buy", p.BuyThreshold).
		Float64("sell", p.SellThreshold).
		Str("version", p.Version).
		Msg("🔧 Fusion thresholds updated")
}

// Params returns the active parameters
func (f *Fusion) Params() types.StrategyParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// OnSelection records a selection signal and evaluates the instrument
func (f *Fusion) OnSelection(sig types.SelectionSignal) (types.TradeIntent, bool) {
	f.mu.Lock()
	if cur, ok := f.selection[sig.Instrument]; !ok || !sig.Timestamp.Before(cur.Timestamp) {
		f.selection[sig.Instrument] = sig
	}
	f.mu.Unlock()
	return f.evaluate(sig.Instrument)
}

// OnOrderBook records the most recent book signal and evaluates the instrument
func (f *Fusion) OnOrderBook(sig types.OrderBookSignal) (types.TradeIntent, bool) {
	f.mu.Lock()
	if cur, ok := f.books[sig.Instrument]; !ok || !sig.Timestamp.Before(cur.Timestamp) {
		f.books[sig.Instrument] = sig
	}
	f.mu.Unlock()
	return f.evaluate(sig.Instrument)
}

// MarkConsumed stops the selection signal behind intent from producing more
// intents. Call after the intent was handed off.
func (f *Fusion) MarkConsumed(intent types.TradeIntent) {
	f.mu.Lock()
	f.consumed[intent.Instrument] = intent.Snapshot.Selection.ID
	f.mu.Unlock()
}

func (f *Fusion) evaluate(instrument string) (types.TradeIntent, bool) {
	f.mu.Lock()
	sel, ok := f.selection[instrument]
	if !ok || f.consumed[instrument] == sel.ID {
		f.mu.Unlock()
		return types.TradeIntent{}, false
	}
	var book *types.OrderBookSignal
	if b, ok := f.books[instrument]; ok {
		book = &b
	}
	params := f.params
	f.mu.Unlock()

	intent := f.Decide(sel, book, params)
	return intent, intent.Direction.Valid()
}

// Decide fuses the sub-signals. The intent direction is NONE when no
// threshold is crossed.
func (f *Fusion) Decide(sel types.SelectionSignal, book *types.OrderBookSignal, params types.StrategyParams) types.TradeIntent {
	primary := sel.Recommendation
	sign := float64(primary.Sign())

	confirmation := 0.0
	if book != nil && sign != 0 {
		if math.Abs(book.Imbalance) > obiConfirmMin && book.Imbalance*sign > 0 {
			confirmation += math.Abs(book.Imbalance) * obiConfirmScale
		}
		if (primary == types.DirectionBuy && book.LargeBid) || (primary == types.DirectionSell && book.LargeAsk) {
			confirmation += whaleBonus
		}
	}

	vote := predictor.Hold
	if f.ensemble != nil && sign != 0 {
		features := sel.Features.Vector()
		if book != nil {
			features = append(features, book.Imbalance)
		}
		vote, _ = f.ensemble.Vote(features)
		if float64(vote) == sign {
			confirmation += f.ensembleBonus
		}
	}

	final := sel.Strength + confirmation

	direction := types.DirectionNone
	switch {
	case primary == types.DirectionBuy && final > params.BuyThreshold:
		direction = types.DirectionBuy
	case primary == types.DirectionSell && final < params.SellThreshold:
		direction = types.DirectionSell
	}

	intent := types.TradeIntent{
		ID:             "intent:" + sel.ID,
		Instrument:     sel.Instrument,
		Direction:      direction,
		Strength:       final,
		ReferencePrice: referencePrice(sel, book),
		Snapshot: types.SignalSnapshot{
			Selection:    sel,
			OrderBook:    book,
			EnsembleVote: vote,
			Confirmation: confirmation,
		},
		Timestamp: time.Now().UTC(),
	}

	log.Debug().
		Str("instrument", sel.Instrument).
		Str("primary", string(primary)).
		Float64("primary_strength", sel.Strength).
		Float64("confirmation", confirmation).
		Float64("final", final).
		Str("decision", string(direction)).
		Msg("🔀 Fusion decision")
	return intent
}

// referencePrice prefers the book mid over the last close
func referencePrice(sel types.SelectionSignal, book *types.OrderBookSignal) decimal.Decimal {
	if book != nil && book.BestBid.IsPositive() && book.BestAsk.IsPositive() {
		return book.BestBid.Add(book.BestAsk).Div(decimal.NewFromInt(2))
	}
	return sel.ReferencePrice
}
