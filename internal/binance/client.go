package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REST CLIENT - futures positioning metrics and kline history
// ═══════════════════════════════════════════════════════════════════════════════

const (
	SpotRESTURL    = "https://api.binance.com"
	FuturesRESTURL = "https://fapi.binance.com"
)

// Client reads public market data. It implements strategy.MetricsSource.
type Client struct {
	spot    *resty.Client
	futures *resty.Client
}

// NewClient creates a REST client. Empty urls use the production hosts.
func NewClient(spotURL, futuresURL string, timeout time.Duration) *Client {
	if spotURL == "" {
		spotURL = SpotRESTURL
	}
	if futuresURL == "" {
		futuresURL = FuturesRESTURL
	}
	return &Client{
		spot:    newREST(spotURL, timeout),
		futures: newREST(futuresURL, timeout),
	}
}

func newREST(host string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(host, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
}

type fundingRateRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
}

type openInterestRow struct {
	Symbol          string `json:"symbol"`
	SumOpenInterest string `json:"sumOpenInterest"`
}

type longShortRow struct {
	Symbol       string `json:"symbol"`
	LongAccount  string `json:"longAccount"`
	ShortAccount string `json:"shortAccount"`
}

// FundingRate returns the latest funding rate of a perpetual
func (c *Client) FundingRate(ctx context.Context, instrument string) (float64, error) {
	var rows []fundingRateRow
	if err := c.get(ctx, c.futures, "/fapi/v1/fundingRate", map[string]string{
		"symbol": instrument,
		"limit":  "1",
	}, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("funding rate %s: empty response", instrument)
	}
	return strconv.ParseFloat(rows[0].FundingRate, 64)
}

// OpenInterest returns the latest hourly open interest sum
func (c *Client) OpenInterest(ctx context.Context, instrument string) (float64, error) {
	var rows []openInterestRow
	if err := c.get(ctx, c.futures, "/futures/data/openInterestHist", map[string]string{
		"symbol": instrument,
		"period": "1h",
		"limit":  "1",
	}, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("open interest %s: empty response", instrument)
	}
	return strconv.ParseFloat(rows[0].SumOpenInterest, 64)
}

// LongShortRatio returns long accounts / short accounts, 1 when no shorts
func (c *Client) LongShortRatio(ctx context.Context, instrument string) (float64, error) {
	var rows []longShortRow
	if err := c.get(ctx, c.futures, "/futures/data/globalLongShortAccountRatio", map[string]string{
		"symbol": instrument,
		"period": "1h",
		"limit":  "1",
	}, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("long/short ratio %s: empty response", instrument)
	}
	long, err := strconv.ParseFloat(rows[0].LongAccount, 64)
	if err != nil {
		return 0, err
	}
	short, err := strconv.ParseFloat(rows[0].ShortAccount, 64)
	if err != nil {
		return 0, err
	}
	if short <= 0 {
		return 1, nil
	}
	return long / short, nil
}

// Klines fetches closed bars as market events, oldest first
func (c *Client) Klines(ctx context.Context, instrument, interval string, limit int) ([]types.MarketEvent, error) {
	var raw [][]interface{}
	if err := c.get(ctx, c.spot, "/api/v3/klines", map[string]string{
		"symbol":   instrument,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &raw); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	events := make([]types.MarketEvent, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		openTime, _ := k[0].(float64)
		closeTime, _ := k[6].(float64)
		kl := types.Kline{
			Interval: interval,
			OpenTime: int64(openTime),
			Open:     parseString(k[1]),
			High:     parseString(k[2]),
			Low:      parseString(k[3]),
			Close:    parseString(k[4]),
			Volume:   parseString(k[5]),
			Closed:   int64(closeTime) < now,
		}
		events = append(events, KlineEvent(instrument, kl))
	}

	log.Debug().Str("instrument", instrument).Int("klines", len(events)).Msg("Fetched kline history")
	return events, nil
}

func (c *Client) get(ctx context.Context, rc *resty.Client, path string, params map[string]string, out any) error {
	resp, err := rc.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return errs.Transient(fmt.Errorf("GET %s: %w", path, err))
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return errs.Transient(fmt.Errorf("GET %s: status %d", path, resp.StatusCode()))
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// KlineEvent wraps a bar in a market event with a replay-stable id. Streaming
// updates of an open bar share one id distinct from the closed bar's.
func KlineEvent(instrument string, k types.Kline) types.MarketEvent {
	id := fmt.Sprintf("%s:kline:%d", instrument, k.OpenTime)
	if !k.Closed {
		id += ":open"
	}
	return types.MarketEvent{
		ID:         id,
		Instrument: instrument,
		Type:       types.EventKline,
		Timestamp:  time.UnixMilli(k.OpenTime).UTC(),
		Kline:      &k,
	}
}

func parseString(v interface{}) decimal.Decimal {
	s, _ := v.(string)
	d, _ := decimal.NewFromString(s)
	return d
}
