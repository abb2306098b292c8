package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every artifact here travels over the bus as JSON. Money, prices and
// quantities are decimals; heuristic scores are float64.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a recommendation, intent or order
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionNone Direction = "NONE" // neutral recommendation / no trade
)

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise
func (d Direction) Sign() int {
	switch d {
	case DirectionBuy:
		return 1
	case DirectionSell:
		return -1
	}
	return 0
}

// Valid reports whether d is a tradable side
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// EventType classifies a MarketEvent
type EventType string

const (
	EventKline   EventType = "kline"
	EventDepth   EventType = "depth"
	EventAccount EventType = "account"
)

// Kline is one OHLCV bar
type Kline struct {
	Interval string          `json:"interval"`
	OpenTime int64           `json:"open_time"` // ms
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// PriceLevel is one ladder rung
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Depth carries bid/ask ladders. Snapshot=false means the levels are deltas
// (qty zero removes the level).
type Depth struct {
	LastUpdateID int64        `json:"last_update_id"`
	Snapshot     bool         `json:"snapshot"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// MarketEvent is produced by the market-data collaborator and never mutated
type MarketEvent struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Kline      *Kline    `json:"kline,omitempty"`
	Depth      *Depth    `json:"depth,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// InstrumentScore is recomputed every scan and superseded by the next one
type InstrumentScore struct {
	Instrument       string    `json:"instrument"`
	Score            float64   `json:"score"`
	FundingRate      float64   `json:"funding_rate"`
	OpenInterest     float64   `json:"open_interest"`
	LongShortRatio   float64   `json:"long_short_ratio"`
	FundingScore     float64   `json:"funding_score"`
	OIScore          float64   `json:"oi_score"`
	PositioningScore float64   `json:"positioning_score"`
	MetricFailures   int       `json:"metric_failures"` // failed sub-metrics in this pass
	Degraded         bool      `json:"degraded"`
	ComputedAt       time.Time `json:"computed_at"`
}

// ScoreBatch is the result of one scan cycle
type ScoreBatch struct {
	ID         string            `json:"id"`
	Scores     []InstrumentScore `json:"scores"`
	Selected   []string          `json:"selected"`
	ComputedAt time.Time         `json:"computed_at"`
}

// Features is the numeric snapshot of a feature window
type Features struct {
	Return     float64 `json:"return"`
	Volatility float64 `json:"volatility"`
	SMAShort   float64 `json:"sma_short"`
	SMALong    float64 `json:"sma_long"`
	RSI        float64 `json:"rsi"`
}

// Vector returns the features in the order predictors expect
func (f Features) Vector() []float64 {
	return []float64{f.Return, f.Volatility, f.SMAShort, f.SMALong, f.RSI}
}

// SelectionSignal is the directional sub-signal of an instrument
type SelectionSignal struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	Recommendation Direction       `json:"recommendation"`
	Strength       float64         `json:"strength"`
	Selected       bool            `json:"selected"`
	Score          float64         `json:"score"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Features       Features        `json:"features"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OrderBookSignal is emitted once per processed depth update
type OrderBookSignal struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Imbalance  float64         `json:"imbalance"`
	LargeBid   bool            `json:"large_bid"`
	LargeAsk   bool            `json:"large_ask"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SignalSnapshot records what a fused decision was built from
type SignalSnapshot struct {
	Selection    SelectionSignal  `json:"selection"`
	OrderBook    *OrderBookSignal `json:"order_book,omitempty"`
	EnsembleVote int              `json:"ensemble_vote"`
	Confirmation float64          `json:"confirmation"`
}

// TradeIntent is created by fusion and consumed once by the risk gate
type TradeIntent struct {
	ID             string          `json:"id"`
	Instrument     string          `json:"instrument"`
	Direction      Direction       `json:"direction"`
	Strength       float64         `json:"strength"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Snapshot       SignalSnapshot  `json:"snapshot"`
	Exit           string          `json:"exit,omitempty"` // protective exit reason; empty for signal intents
	Timestamp      time.Time       `json:"timestamp"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS & RECORDS
// ═══════════════════════════════════════════════════════════════════════════════

// RiskCheck is one step of the gate trace
type RiskCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SizedOrder exists only if every risk check passed
type SizedOrder struct {
	ID             string          `json:"id"`
	IntentID       string          `json:"intent_id"`
	Instrument     string          `json:"instrument"`
	Direction      Direction       `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	OrderType      string          `json:"order_type"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	SignalStrength float64         `json:"signal_strength"`
	Checks         []RiskCheck     `json:"checks"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Notional is quantity × reference price
func (o SizedOrder) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.ReferencePrice)
}

// TradeStatus is the terminal state of an execution attempt
type TradeStatus string

const (
	StatusFilled   TradeStatus = "FILLED"
	StatusRejected TradeStatus = "REJECTED"
	StatusFailed   TradeStatus = "FAILED"
)

// TradeRecord is the append-only terminal artifact of the pipeline
type TradeRecord struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	Instrument      string          `json:"instrument"`
	Direction       Direction       `json:"direction"`
	RequestedQty    decimal.Decimal `json:"requested_qty"`
	ExecutedQty     decimal.Decimal `json:"executed_qty"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	Status          TradeStatus     `json:"status"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TakeProfit      decimal.Decimal `json:"take_profit"`
	Simulated       bool            `json:"simulated"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO
// ═══════════════════════════════════════════════════════════════════════════════

// Holding is a held quantity with its average cost
type Holding struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// PortfolioState has a single writer. Copies handed out are snapshots.
type PortfolioState struct {
	AccountID string             `json:"account_id"`
	Cash      decimal.Decimal    `json:"cash"`
	Holdings  map[string]Holding `json:"holdings"`
	DailyPnL  decimal.Decimal    `json:"daily_pnl"`
	PnLDay    string             `json:"pnl_day"` // 2006-01-02, UTC
	UpdatedAt time.Time          `json:"updated_at"`
}

// Value is cash plus holdings at cost
func (p PortfolioState) Value() decimal.Decimal {
	v := p.Cash
	for _, h := range p.Holdings {
		v = v.Add(h.Quantity.Mul(h.AvgPrice))
	}
	return v
}

// Clone returns a deep copy
func (p PortfolioState) Clone() PortfolioState {
	c := p
	c.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, v := range p.Holdings {
		c.Holdings[k] = v
	}
	return c
}

// Reservation is an optimistic portfolio change awaiting its TradeRecord
type Reservation struct {
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	Instrument string          `json:"instrument"`
	Direction  Direction       `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	CostBasis  decimal.Decimal `json:"cost_basis"` // avg cost of the holding a SELL draws from
	CreatedAt  time.Time       `json:"created_at"`
}

// Notional is quantity × price
func (r Reservation) Notional() decimal.Decimal {
	return r.Quantity.Mul(r.Price)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ALERTS & TUNING
// ═══════════════════════════════════════════════════════════════════════════════

const (
	AlertRiskExceeded = "RISK_EXCEEDED"
	AlertDailyLimit   = "DAILY_LOSS_LIMIT"
	AlertMaxLoss      = "MAX_LOSS_EXCEEDED"
	AlertInvalidSize  = "INVALID_SIZE"
)

// RiskAlert is the designed-for outcome of a rejected intent
type RiskAlert struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	IntentID   string      `json:"intent_id"`
	Instrument string      `json:"instrument"`
	Direction  Direction   `json:"direction"`
	Reason     string      `json:"reason"`
	Checks     []RiskCheck `json:"checks"`
	Timestamp  time.Time   `json:"timestamp"`
}

// StrategyParams are the tunable knobs shared by fusion and the risk gate
type StrategyParams struct {
	Version       string    `json:"version"`
	BuyThreshold  float64   `json:"buy_threshold"`
	SellThreshold float64   `json:"sell_threshold"`
	RiskPerTrade  float64   `json:"risk_per_trade"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Summary is the aggregate view over the trade log
type Summary struct {
	TotalTrades  int64           `json:"total_trades"`
	ClosedTrades int64           `json:"closed_trades"` // SELL fills, the ones carrying realized PnL
	Wins         int64           `json:"wins"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	WinRate      float64         `json:"win_rate"`
	AvgPnL       decimal.Decimal `json:"avg_pnl"`
}

// OptimizationAlert is published when the tuner changes parameters
type OptimizationAlert struct {
	ID          string         `json:"id"`
	Previous    StrategyParams `json:"previous"`
	Current     StrategyParams `json:"current"`
	Performance Summary        `json:"performance"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DeadLetter is a message that exhausted its redeliveries
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Group     string    `json:"group"`
	MessageID string    `json:"message_id"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
