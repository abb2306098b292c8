package predictor

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENSEMBLE PREDICTOR - Equal-weight majority vote
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each member maps a feature vector to -1 (sell), 0 (hold) or +1 (buy).
// The ensemble only exposes the aggregated vote; member internals stay hidden.
//
// Feature layout:
//   [0] return  [1] volatility  [2] sma short  [3] sma long  [4] rsi
//   [5] order-book imbalance (optional)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Feature indexes
const (
	FeatReturn = iota
	FeatVolatility
	FeatSMAShort
	FeatSMALong
	FeatRSI
	FeatImbalance
)

// Vote labels
const (
	Sell = -1
	Hold = 0
	Buy  = 1
)

// Predictor is one ensemble member
type Predictor interface {
	Name() string
	Predict(features []float64) int
}

// Tally is the raw vote count of one prediction
type Tally struct {
	Buy  int
	Sell int
	Hold int
}

func (t Tally) String() string {
	return fmt.Sprintf("buy=%d sell=%d hold=%d", t.Buy, t.Sell, t.Hold)
}

// Ensemble aggregates members by majority vote
type Ensemble struct {
	members []Predictor
}

// NewEnsemble creates an ensemble over the given members
func NewEnsemble(members ...Predictor) *Ensemble {
	return &Ensemble{members: members}
}

// Default returns the built-in rule members
func Default() *Ensemble {
	return NewEnsemble(
		SMATrend{},
		RSIReversion{Oversold: 30, Overbought: 70},
		Momentum{MinReturn: 0.001},
		OrderBook{MinImbalance: 0.1},
	)
}

// Members returns member names
func (e *Ensemble) Members() []string {
	names := make([]string, len(e.members))
	for i, m := range e.members {
		names[i] = m.Name()
	}
	return names
}

// Vote returns +1 when buys outnumber sells, -1 for the reverse, 0 on a tie
func (e *Ensemble) Vote(features []float64) (int, Tally) {
	var t Tally
	for _, m := range e.members {
		switch m.Predict(features) {
		case Buy:
			t.Buy++
		case Sell:
			t.Sell++
		default:
			t.Hold++
		}
	}

	vote := Hold
	switch {
	case t.Buy > t.Sell:
		vote = Buy
	case t.Sell > t.Buy:
		vote = Sell
	}

	log.Debug().
		Str("members", strings.Join(e.Members(), ",")).
		Str("tally", t.String()).
		Int("vote", vote).
		Msg("🧠 Ensemble vote")
	return vote, t
}

// Label maps a vote to buy/sell/hold
func Label(vote int) string {
	switch vote {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "hold"
}

// ═══════════════════════════════════════════════════════════════════════════════
// RULE MEMBERS
// ═══════════════════════════════════════════════════════════════════════════════

func feature(features []float64, i int) (float64, bool) {
	if i >= len(features) {
		return 0, false
	}
	return features[i], true
}

// SMATrend votes with the short/long moving average cross
type SMATrend struct{}

func (SMATrend) Name() string { return "sma_trend" }

func (SMATrend) Predict(features []float64) int {
	short, ok1 := feature(features, FeatSMAShort)
	long, ok2 := feature(features, FeatSMALong)
	if !ok1 || !ok2 || short == 0 || long == 0 {
		return Hold
	}
	switch {
	case short > long:
		return Buy
	case short < long:
		return Sell
	}
	return Hold
}

// RSIReversion fades overbought and oversold readings
type RSIReversion struct {
	Oversold   float64
	Overbought float64
}

func (RSIReversion) Name() string { return "rsi_reversion" }

func (r RSIReversion) Predict(features []float64) int {
	rsi, ok := feature(features, FeatRSI)
	if !ok {
		return Hold
	}
	switch {
	case rsi < r.Oversold:
		return Buy
	case rsi > r.Overbought:
		return Sell
	}
	return Hold
}

// Momentum follows the last bar's return
type Momentum struct {
	MinReturn float64
}

func (Momentum) Name() string { return "momentum" }

func (m Momentum) Predict(features []float64) int {
	ret, ok := feature(features, FeatReturn)
	if !ok {
		return Hold
	}
	switch {
	case ret > m.MinReturn:
		return Buy
	case ret < -m.MinReturn:
		return Sell
	}
	return Hold
}

// OrderBook follows the book imbalance when one is supplied
type OrderBook struct {
	MinImbalance float64
}

func (OrderBook) Name() string { return "order_book" }

func (o OrderBook) Predict(features []float64) int {
	obi, ok := feature(features, FeatImbalance)
	if !ok {
		return Hold
	}
	switch {
	case obi > o.MinImbalance:
		return Buy
	case obi < -o.MinImbalance:
		return Sell
	}
	return Hold
}
