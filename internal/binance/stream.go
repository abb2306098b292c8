package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/feeds"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET STREAM - combined kline + partial depth websocket
// ═══════════════════════════════════════════════════════════════════════════════

const (
	SpotStreamURL    = "wss://stream.binance.com:9443/stream"
	TestnetStreamURL = "wss://testnet.binance.vision/stream"

	maxReconnectWait = 30 * time.Second
)

// EventSink receives decoded market events
type EventSink func(ctx context.Context, ev types.MarketEvent) error

// Stream pushes klines and depth snapshots for a set of symbols
type Stream struct {
	url      string
	symbols  []string
	interval string
	depth    int
	sink     EventSink
}

// NewStream creates a stream. depth is 5, 10 or 20 (partial book levels).
func NewStream(url string, symbols []string, interval string, depth int, sink EventSink) *Stream {
	if url == "" {
		url = SpotStreamURL
	}
	switch {
	case depth <= 5:
		depth = 5
	case depth <= 10:
		depth = 10
	default:
		depth = 20
	}
	return &Stream{
		url:      url,
		symbols:  symbols,
		interval: interval,
		depth:    depth,
		sink:     sink,
	}
}

// StreamNames returns the combined stream names for the symbols
func (s *Stream) StreamNames() []string {
	names := make([]string, 0, len(s.symbols)*2)
	for _, sym := range s.symbols {
		lower := strings.ToLower(sym)
		names = append(names,
			fmt.Sprintf("%s@kline_%s", lower, s.interval),
			fmt.Sprintf("%s@depth%d@100ms", lower, s.depth),
		)
	}
	return names
}

// Run connects and reconnects with backoff until ctx is done
func (s *Stream) Run(ctx context.Context) error {
	wait := time.Second
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			wait = time.Second
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("🔌 Market stream disconnected, reconnecting...")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	url := s.url + "?streams=" + strings.Join(s.StreamNames(), "/")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	log.Info().
		Int("symbols", len(s.symbols)).
		Str("interval", s.interval).
		Int("depth", s.depth).
		Msg("🔌 WebSocket connected to Binance")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok, err := DecodeStreamMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable stream message skipped")
			continue
		}
		if !ok {
			continue
		}
		if err := s.sink(ctx, ev); err != nil {
			log.Error().Err(err).Str("id", ev.ID).Msg("failed to publish market event")
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klinePayload struct {
	Symbol string `json:"s"`
	K      struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type depthPayload struct {
	LastUpdateID int64           `json:"lastUpdateId"`
	Bids         [][]interface{} `json:"bids"`
	Asks         [][]interface{} `json:"asks"`
}

// DecodeStreamMessage turns one combined-stream frame into a market event.
// ok=false for frames that carry no event (subscription acks).
func DecodeStreamMessage(data []byte) (types.MarketEvent, bool, error) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.MarketEvent{}, false, err
	}
	if msg.Stream == "" {
		return types.MarketEvent{}, false, nil
	}
	symbol, kind, _ := strings.Cut(msg.Stream, "@")
	symbol = strings.ToUpper(symbol)

	switch {
	case strings.HasPrefix(kind, "kline_"):
		var p klinePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return types.MarketEvent{}, false, fmt.Errorf("kline %s: %w", msg.Stream, err)
		}
		k := types.Kline{
			Interval: p.K.Interval,
			OpenTime: p.K.OpenTime,
			Open:     decimalOrZero(p.K.Open),
			High:     decimalOrZero(p.K.High),
			Low:      decimalOrZero(p.K.Low),
			Close:    decimalOrZero(p.K.Close),
			Volume:   decimalOrZero(p.K.Volume),
			Closed:   p.K.Closed,
		}
		return KlineEvent(symbol, k), true, nil

	case strings.HasPrefix(kind, "depth"):
		var p depthPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return types.MarketEvent{}, false, fmt.Errorf("depth %s: %w", msg.Stream, err)
		}
		bids, err := feeds.ParseLevels(p.Bids)
		if err != nil {
			return types.MarketEvent{}, false, fmt.Errorf("depth %s bids: %w", msg.Stream, err)
		}
		asks, err := feeds.ParseLevels(p.Asks)
		if err != nil {
			return types.MarketEvent{}, false, fmt.Errorf("depth %s asks: %w", msg.Stream, err)
		}
		return types.MarketEvent{
			ID:         fmt.Sprintf("%s:depth:%d", symbol, p.LastUpdateID),
			Instrument: symbol,
			Type:       types.EventDepth,
			Timestamp:  time.Now().UTC(),
			Depth: &types.Depth{
				LastUpdateID: p.LastUpdateID,
				Snapshot:     true,
				Bids:         bids,
				Asks:         asks,
			},
		}, true, nil
	}

	return types.MarketEvent{}, false, nil
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
