package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/execution"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPOT TRADER - execution.Exchange over the signed Binance spot API
// ═══════════════════════════════════════════════════════════════════════════════

const codeOrderNotFound = -2013

// SpotTrader places market orders with go-binance
type SpotTrader struct {
	client *gobinance.Client

	mu    sync.RWMutex
	steps map[string]decimal.Decimal // symbol -> LOT_SIZE step
}

// NewSpotTrader creates a signed spot client
func NewSpotTrader(apiKey, secretKey string, testnet bool) *SpotTrader {
	gobinance.UseTestnet = testnet
	client := gobinance.NewClient(apiKey, secretKey)

	log.Info().Bool("testnet", testnet).Msg("🔑 Binance spot client ready")
	return &SpotTrader{
		client: client,
		steps:  make(map[string]decimal.Decimal),
	}
}

// LoadFilters caches the quantity step of each symbol
func (s *SpotTrader) LoadFilters(ctx context.Context, symbols []string) error {
	info, err := s.client.NewExchangeInfoService().Symbols(symbols...).Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range info.Symbols {
		lot := sym.LotSizeFilter()
		if lot == nil {
			continue
		}
		step, err := decimal.NewFromString(lot.StepSize)
		if err != nil || !step.IsPositive() {
			continue
		}
		s.steps[sym.Symbol] = step
	}
	log.Info().Int("symbols", len(s.steps)).Msg("📏 Lot size filters loaded")
	return nil
}

// PlaceMarketOrder submits a market order with a client order id
func (s *SpotTrader) PlaceMarketOrder(ctx context.Context, req execution.OrderRequest) (execution.Execution, error) {
	side := gobinance.SideTypeBuy
	if req.Side == types.DirectionSell {
		side = gobinance.SideTypeSell
	}

	res, err := s.client.NewCreateOrderService().
		Symbol(req.Instrument).
		Side(side).
		Type(gobinance.OrderTypeMarket).
		Quantity(s.roundQty(req.Instrument, req.Quantity).String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(gobinance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return execution.Execution{}, mapError(err)
	}

	exe := execution.Execution{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Status:          string(res.Status),
		ExecutedQty:     decimalOrZero(res.ExecutedQuantity),
		QuoteQty:        decimalOrZero(res.CummulativeQuoteQuantity),
	}
	for _, f := range res.Fills {
		exe.Fills = append(exe.Fills, execution.Fill{
			Price: decimalOrZero(f.Price),
			Qty:   decimalOrZero(f.Quantity),
		})
	}
	return exe, nil
}

// QueryOrder looks an order up by its client order id
func (s *SpotTrader) QueryOrder(ctx context.Context, instrument, clientOrderID string) (execution.Execution, error) {
	o, err := s.client.NewGetOrderService().
		Symbol(instrument).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return execution.Execution{}, mapError(err)
	}
	return execution.Execution{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:          string(o.Status),
		ExecutedQty:     decimalOrZero(o.ExecutedQuantity),
		QuoteQty:        decimalOrZero(o.CummulativeQuoteQuantity),
	}, nil
}

func (s *SpotTrader) roundQty(symbol string, qty decimal.Decimal) decimal.Decimal {
	s.mu.RLock()
	step, ok := s.steps[symbol]
	s.mu.RUnlock()
	if !ok {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// mapError converts go-binance API errors into execution.ExchangeError
func mapError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeOrderNotFound {
			return execution.ErrOrderNotFound
		}
		return &execution.ExchangeError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
