package bus

import (
	"context"
	"errors"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGE BUS - at-least-once hand-off between pipeline stages
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stage A publishes → every subscribed group gets its own copy → handler
// returns nil (ack), a validation error (drop) or anything else (nack, redeliver
// with backoff until MaxAttempts, then dead-letter).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Topics
const (
	TopicKlines             = "kline-updates"
	TopicOrderBooks         = "order-book-updates"
	TopicInstrumentScores   = "instrument-scores"
	TopicSelectionSignals   = "coin-selection-signals"
	TopicOrderBookSignals   = "order-book-signals"
	TopicTradeIntents       = "trade-intents"
	TopicSizedOrders        = "sized-orders"
	TopicTradeRecords       = "trade-records"
	TopicRiskAlerts         = "risk-alerts"
	TopicOptimizationAlerts = "optimization-alerts"
	TopicStrategyUpdates    = "strategy-updates"
)

// Delivery outcomes reported to the observer
const (
	OutcomeAck        = "ack"
	OutcomeDropped    = "dropped"
	OutcomeNack       = "nack"
	OutcomeDuplicate  = "duplicate"
	OutcomeDeadLetter = "dead_letter"
)

var (
	ErrClosed     = errors.New("bus closed")
	ErrEmptyTopic = errors.New("empty topic")
)

// Message is the unit carried by the bus
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Key         string    `json:"key"` // instrument id, partitioning key
	Payload     []byte    `json:"payload"`
	Attempt     int       `json:"attempt"`
	PublishedAt time.Time `json:"published_at"`
}

// Handler processes one delivery
type Handler func(ctx context.Context, msg Message) error

// Publisher is what stages use to hand artifacts downstream
type Publisher interface {
	Publish(ctx context.Context, topic, key, id string, v any) error
}

// Subscriber registers a consumer group on a topic
type Subscriber interface {
	Subscribe(topic, group string, h Handler) error
}

// Bus is both ends
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
