package feeds

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/internal/indicators"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEATURE CACHE - Rolling per-instrument state from closed bars
// ═══════════════════════════════════════════════════════════════════════════════
//
// One bounded window per instrument. This is a cache, not a history store:
// the oldest close is evicted once the window is full.
//
// ═══════════════════════════════════════════════════════════════════════════════

// volatilityBars is the return window used for the volatility feature
const volatilityBars = 5

// WindowConfig sizes the windows and statistics
type WindowConfig struct {
	Size      int
	SMAShort  int
	SMALong   int
	RSIPeriod int
}

// DefaultWindowConfig matches the 20-close / SMA 5-10 / RSI 14 setup
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Size: 20, SMAShort: 5, SMALong: 10, RSIPeriod: 14}
}

// PriceWindow tracks the most recent closes of one instrument
type PriceWindow struct {
	prices       []decimal.Decimal
	maxSize      int
	lastOpenTime int64
	seen         map[string]struct{}
	seenOrder    []string
}

// NewPriceWindow creates a new price window
func NewPriceWindow(maxSize int) *PriceWindow {
	return &PriceWindow{
		prices:  make([]decimal.Decimal, 0, maxSize+1),
		maxSize: maxSize,
		seen:    make(map[string]struct{}),
	}
}

// add appends a close and evicts the oldest one when over capacity
func (pw *PriceWindow) add(id string, openTime int64, price decimal.Decimal) {
	pw.prices = append(pw.prices, price)
	if len(pw.prices) > pw.maxSize {
		pw.prices = pw.prices[1:]
	}
	pw.lastOpenTime = openTime

	pw.seen[id] = struct{}{}
	pw.seenOrder = append(pw.seenOrder, id)
	if len(pw.seenOrder) > pw.maxSize*2 {
		delete(pw.seen, pw.seenOrder[0])
		pw.seenOrder = pw.seenOrder[1:]
	}
}

// accepts reports whether an event would change the window. dup is set when
// the same bar was already folded in.
func (pw *PriceWindow) accepts(id string, openTime int64) (ok, dup bool) {
	if _, seen := pw.seen[id]; seen {
		return false, true
	}
	return openTime > pw.lastOpenTime, false
}

// Floats returns the closes as float64, oldest first
func (pw *PriceWindow) Floats() []float64 {
	out := make([]float64, len(pw.prices))
	for i, p := range pw.prices {
		out[i] = p.InexactFloat64()
	}
	return out
}

// Close returns the last price in window
func (pw *PriceWindow) Close() decimal.Decimal {
	if len(pw.prices) == 0 {
		return decimal.Zero
	}
	return pw.prices[len(pw.prices)-1]
}

// Size returns number of prices in window
func (pw *PriceWindow) Size() int {
	return len(pw.prices)
}

// IsFull returns true if window is at capacity
func (pw *PriceWindow) IsFull() bool {
	return len(pw.prices) >= pw.maxSize
}

// Snapshot is a read-only view of one instrument's window
type Snapshot struct {
	Instrument string
	Closes     []decimal.Decimal
	Last       decimal.Decimal
	Features   types.Features
	Ready      bool // enough closes for the long SMA
}

// FeatureCache holds one PriceWindow per instrument
type FeatureCache struct {
	mu      sync.Mutex
	cfg     WindowConfig
	windows map[string]*PriceWindow
}

// NewFeatureCache creates an empty cache
func NewFeatureCache(cfg WindowConfig) *FeatureCache {
	if cfg.Size <= 0 {
		cfg = DefaultWindowConfig()
	}
	return &FeatureCache{
		cfg:     cfg,
		windows: make(map[string]*PriceWindow),
	}
}

// Apply folds a kline event into the instrument's window. applied is false
// when the bar is still open or the event was already folded in; both are
// normal outcomes, not errors.
func (c *FeatureCache) Apply(ev types.MarketEvent) (snap Snapshot, applied bool, err error) {
	if ev.Type != types.EventKline || ev.Kline == nil {
		return Snapshot{}, false, errs.Validation(fmt.Errorf("event %s: not a kline", ev.ID))
	}
	if ev.Instrument == "" {
		return Snapshot{}, false, errs.Validation(fmt.Errorf("event %s: missing instrument", ev.ID))
	}
	k := ev.Kline
	if !k.Close.IsPositive() {
		return Snapshot{}, false, errs.Validation(fmt.Errorf("event %s: invalid close %s", ev.ID, k.Close))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[ev.Instrument]
	if !ok {
		w = NewPriceWindow(c.cfg.Size)
		c.windows[ev.Instrument] = w
	}

	if !k.Closed {
		log.Debug().
			Str("instrument", ev.Instrument).
			Int64("open_time", k.OpenTime).
			Msg("partial bar ignored")
		return c.snapshot(ev.Instrument, w), false, nil
	}
	if ok, dup := w.accepts(ev.ID, k.OpenTime); !ok {
		if dup {
			log.Debug().
				Str("instrument", ev.Instrument).
				Str("id", ev.ID).
				Msg("♻️ Bar already in window")
		} else {
			log.Warn().
				Str("instrument", ev.Instrument).
				Str("id", ev.ID).
				Int64("open_time", k.OpenTime).
				Int64("last_open_time", w.lastOpenTime).
				Msg("⚠️ Stale bar dropped, window already past it")
		}
		return c.snapshot(ev.Instrument, w), false, nil
	}

	w.add(ev.ID, k.OpenTime, k.Close)
	return c.snapshot(ev.Instrument, w), true, nil
}

// Get returns the current snapshot for an instrument
func (c *FeatureCache) Get(instrument string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[instrument]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(instrument, w), true
}

// snapshot computes features in O(window). Caller holds c.mu.
func (c *FeatureCache) snapshot(instrument string, w *PriceWindow) Snapshot {
	closes := make([]decimal.Decimal, len(w.prices))
	copy(closes, w.prices)

	prices := w.Floats()
	returns := indicators.Returns(prices)

	var f types.Features
	if n := len(returns); n > 0 {
		f.Return = returns[n-1]
		from := n - volatilityBars
		if from < 0 {
			from = 0
		}
		f.Volatility = indicators.StdDev(returns[from:])
	}
	f.SMAShort = indicators.SMA(prices, c.cfg.SMAShort)
	f.SMALong = indicators.SMA(prices, c.cfg.SMALong)
	f.RSI = indicators.RSI(prices, c.cfg.RSIPeriod)

	return Snapshot{
		Instrument: instrument,
		Closes:     closes,
		Last:       w.Close(),
		Features:   f,
		Ready:      len(prices) >= c.cfg.SMALong,
	}
}
