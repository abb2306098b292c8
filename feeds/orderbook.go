package feeds

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK - In-memory book + imbalance / whale analysis
// ═══════════════════════════════════════════════════════════════════════════════

// Orderbook maintains the current state of one instrument's book
type Orderbook struct {
	mu         sync.RWMutex
	Instrument string
	Bids       []types.PriceLevel // descending
	Asks       []types.PriceLevel // ascending
	lastUpdate int64
}

// NewOrderbook creates a new orderbook instance
func NewOrderbook(instrument string) *Orderbook {
	return &Orderbook{
		Instrument: instrument,
		Bids:       make([]types.PriceLevel, 0),
		Asks:       make([]types.PriceLevel, 0),
	}
}

// Apply replaces the book on a snapshot or patches it with a delta. Stale
// updates (id not newer than the last applied one) are ignored.
func (ob *Orderbook) Apply(d types.Depth) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if d.LastUpdateID != 0 && d.LastUpdateID <= ob.lastUpdate {
		return false
	}
	if d.LastUpdateID != 0 {
		ob.lastUpdate = d.LastUpdateID
	}

	if d.Snapshot {
		ob.Bids = positive(d.Bids)
		ob.Asks = positive(d.Asks)
	} else {
		ob.Bids = merge(ob.Bids, d.Bids)
		ob.Asks = merge(ob.Asks, d.Asks)
	}

	// Sort: bids descending, asks ascending
	sort.Slice(ob.Bids, func(i, j int) bool {
		return ob.Bids[i].Price.GreaterThan(ob.Bids[j].Price)
	})
	sort.Slice(ob.Asks, func(i, j int) bool {
		return ob.Asks[i].Price.LessThan(ob.Asks[j].Price)
	})
	return true
}

// BestBid returns the highest bid price
func (ob *Orderbook) BestBid() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Bids) == 0 {
		return decimal.Zero
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask price
func (ob *Orderbook) BestAsk() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Asks) == 0 {
		return decimal.Zero
	}
	return ob.Asks[0].Price
}

// Depth returns total quantity over the top levels of each side
func (ob *Orderbook) Depth(levels int) (bidDepth, askDepth decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := 0; i < levels && i < len(ob.Bids); i++ {
		bidDepth = bidDepth.Add(ob.Bids[i].Qty)
	}
	for i := 0; i < levels && i < len(ob.Asks); i++ {
		askDepth = askDepth.Add(ob.Asks[i].Qty)
	}
	return bidDepth, askDepth
}

// Imbalance returns (bid-ask)/(bid+ask) over the top levels, in [-1, 1].
// Zero when both sides are empty.
func (ob *Orderbook) Imbalance(levels int) decimal.Decimal {
	bidVol, askVol := ob.Depth(levels)

	total := bidVol.Add(askVol)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidVol.Sub(askVol).Div(total)
}

// LargeOrders flags any single top level at or above threshold, per side
func (ob *Orderbook) LargeOrders(levels int, threshold decimal.Decimal) (largeBid, largeAsk bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := 0; i < levels && i < len(ob.Bids); i++ {
		if ob.Bids[i].Qty.GreaterThanOrEqual(threshold) {
			largeBid = true
			break
		}
	}
	for i := 0; i < levels && i < len(ob.Asks); i++ {
		if ob.Asks[i].Qty.GreaterThanOrEqual(threshold) {
			largeAsk = true
			break
		}
	}
	return largeBid, largeAsk
}

func positive(levels []types.PriceLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Qty.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// merge applies delta levels: qty zero removes the price, otherwise replaces it
func merge(book, delta []types.PriceLevel) []types.PriceLevel {
	byPrice := make(map[string]types.PriceLevel, len(book)+len(delta))
	for _, l := range book {
		byPrice[l.Price.String()] = l
	}
	for _, l := range delta {
		key := l.Price.String()
		if l.Qty.IsPositive() {
			byPrice[key] = l
		} else {
			delete(byPrice, key)
		}
	}
	out := make([]types.PriceLevel, 0, len(byPrice))
	for _, l := range byPrice {
		out = append(out, l)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYZER
// ═══════════════════════════════════════════════════════════════════════════════

// Analyzer turns depth events into OrderBookSignals
type Analyzer struct {
	mu        sync.Mutex
	depth     int
	threshold decimal.Decimal
	books     map[string]*Orderbook
}

// NewAnalyzer creates an analyzer over the top depth levels
func NewAnalyzer(depth int, whaleThreshold decimal.Decimal) *Analyzer {
	if depth <= 0 {
		depth = 5
	}
	return &Analyzer{
		depth:     depth,
		threshold: whaleThreshold,
		books:     make(map[string]*Orderbook),
	}
}

// Analyze applies the event to the instrument's book and emits one signal
func (a *Analyzer) Analyze(ev types.MarketEvent) (types.OrderBookSignal, error) {
	if ev.Type != types.EventDepth || ev.Depth == nil {
		return types.OrderBookSignal{}, errs.Validation(fmt.Errorf("event %s: not a depth update", ev.ID))
	}
	if ev.Instrument == "" {
		return types.OrderBookSignal{}, errs.Validation(fmt.Errorf("event %s: missing instrument", ev.ID))
	}
	for _, side := range [][]types.PriceLevel{ev.Depth.Bids, ev.Depth.Asks} {
		for _, l := range side {
			if !l.Price.IsPositive() || l.Qty.IsNegative() {
				return types.OrderBookSignal{}, errs.Validation(
					fmt.Errorf("event %s: invalid level %s@%s", ev.ID, l.Qty, l.Price))
			}
		}
	}

	book := a.book(ev.Instrument)
	if !book.Apply(*ev.Depth) {
		log.Debug().Str("instrument", ev.Instrument).Int64("update_id", ev.Depth.LastUpdateID).Msg("stale depth update")
	}

	imbalance := book.Imbalance(a.depth)
	largeBid, largeAsk := book.LargeOrders(a.depth, a.threshold)

	return types.OrderBookSignal{
		ID:         "obs:" + ev.ID,
		Instrument: ev.Instrument,
		Imbalance:  imbalance.InexactFloat64(),
		LargeBid:   largeBid,
		LargeAsk:   largeAsk,
		BestBid:    book.BestBid(),
		BestAsk:    book.BestAsk(),
		Timestamp:  ev.Timestamp,
	}, nil
}

func (a *Analyzer) book(instrument string) *Orderbook {
	a.mu.Lock()
	defer a.mu.Unlock()
	ob, ok := a.books[instrument]
	if !ok {
		ob = NewOrderbook(instrument)
		a.books[instrument] = ob
	}
	return ob
}

// ParseLevels converts raw [price, qty] pairs from a websocket payload
func ParseLevels(raw [][]interface{}) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level %v: want [price, qty]", lvl)
		}
		price, ok := parseDecimal(lvl[0])
		if !ok {
			return nil, fmt.Errorf("level %v: bad price", lvl)
		}
		qty, ok := parseDecimal(lvl[1])
		if !ok {
			return nil, fmt.Errorf("level %v: bad qty", lvl)
		}
		levels = append(levels, types.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// parseDecimal converts interface{} to decimal
func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	default:
		return decimal.Zero, false
	}
}
