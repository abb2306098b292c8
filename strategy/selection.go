package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COIN SELECTION - Directional sub-signal from the SMA cross
// ═══════════════════════════════════════════════════════════════════════════════

// Selector tracks the working set and turns feature windows into signals
type Selector struct {
	band float64

	mu       sync.RWMutex
	selected map[string]types.InstrumentScore
	batchID  string
}

// NewSelector creates a selector with a crossover dead band (0.005 = 0.5%)
func NewSelector(band float64) *Selector {
	return &Selector{
		band:     band,
		selected: make(map[string]types.InstrumentScore),
	}
}

// UpdateSelection replaces the working set with the batch's top-N
func (s *Selector) UpdateSelection(batch types.ScoreBatch) {
	byID := make(map[string]types.InstrumentScore, len(batch.Scores))
	for _, sc := range batch.Scores {
		byID[sc.Instrument] = sc
	}
	selected := make(map[string]types.InstrumentScore, len(batch.Selected))
	for _, inst := range batch.Selected {
		selected[inst] = byID[inst]
	}

	s.mu.Lock()
	s.selected = selected
	s.batchID = batch.ID
	s.mu.Unlock()

	log.Info().Strs("selected", batch.Selected).Msg("🎯 Working set updated")
}

// Selected reports whether instrument is in the working set
func (s *Selector) Selected(instrument string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.selected[instrument]
	return ok
}

// Evaluate builds the signal for a closed bar. ok is false until the window
// holds enough closes for the long SMA.
func (s *Selector) Evaluate(eventID string, snap feeds.Snapshot, ts time.Time) (types.SelectionSignal, bool) {
	if !snap.Ready {
		return types.SelectionSignal{}, false
	}

	s.mu.RLock()
	score, selected := s.selected[snap.Instrument]
	s.mu.RUnlock()

	sig := types.SelectionSignal{
		ID:             "sel:" + eventID,
		Instrument:     snap.Instrument,
		Recommendation: types.DirectionNone,
		Selected:       selected,
		Score:          score.Score,
		ReferencePrice: snap.Last,
		Features:       snap.Features,
		Timestamp:      ts,
	}
	if !selected {
		return sig, true
	}

	sig.Recommendation, sig.Strength = Crossover(snap.Features.SMAShort, snap.Features.SMALong, s.band)
	return sig, true
}

// Crossover returns BUY above the band, SELL below it, NONE inside.
// Strength is the percentage distance of the short SMA from the long one.
func Crossover(smaShort, smaLong, band float64) (types.Direction, float64) {
	if smaLong <= 0 {
		return types.DirectionNone, 0
	}
	strength := (smaShort/smaLong - 1) * 100
	switch {
	case smaShort > smaLong*(1+band):
		return types.DirectionBuy, strength
	case smaShort < smaLong*(1-band):
		return types.DirectionSell, strength
	}
	return types.DirectionNone, strength
}
