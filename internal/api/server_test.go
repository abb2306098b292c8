package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/types"
)

type fakeStore struct {
	pingErr error
	since   time.Time
	limit   int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Summary(_ context.Context, since time.Time) (types.Summary, error) {
	f.since = since
	return types.Summary{TotalTrades: 3, ClosedTrades: 2, Wins: 1, WinRate: 0.5, TotalPnL: decimal.NewFromInt(4)}, nil
}

func (f *fakeStore) RecentTradeRecords(_ context.Context, limit int) ([]types.TradeRecord, error) {
	f.limit = limit
	return []types.TradeRecord{{ID: "trade:1", Status: types.StatusFilled}}, nil
}

func (f *fakeStore) RecentDeadLetters(_ context.Context, limit int) ([]types.DeadLetter, error) {
	f.limit = limit
	return nil, nil
}

type fakePortfolio struct{}

func (fakePortfolio) Snapshot(context.Context) (types.PortfolioState, error) {
	return types.PortfolioState{
		AccountID: "main",
		Cash:      decimal.NewFromInt(990),
		Holdings:  map[string]types.Holding{"BTCUSDT": {Quantity: decimal.RequireFromString("0.1"), AvgPrice: decimal.NewFromInt(100)}},
	}, nil
}

func newServer(store *fakeStore) http.Handler {
	params := func() types.StrategyParams { return types.StrategyParams{Version: "v1", BuyThreshold: 0.5} }
	return New(":0", store, fakePortfolio{}, params).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	store := &fakeStore{}
	assert.Equal(t, http.StatusOK, get(t, newServer(store), "/health").Code)

	store.pingErr = errors.New("db gone")
	assert.Equal(t, http.StatusServiceUnavailable, get(t, newServer(store), "/health").Code)
}

func TestSummary(t *testing.T) {
	store := &fakeStore{}
	h := newServer(store)

	w := get(t, h, "/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var sum types.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, int64(3), sum.TotalTrades)
	assert.True(t, store.since.IsZero())

	w = get(t, h, "/summary?since=today")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Now().UTC().Truncate(24*time.Hour), store.since)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/summary?since=yesterday").Code)
}

func TestPortfolioIncludesValue(t *testing.T) {
	w := get(t, newServer(&fakeStore{}), "/portfolio")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		State types.PortfolioState `json:"state"`
		Value decimal.Decimal      `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "main", body.State.AccountID)
	assert.True(t, body.Value.Equal(decimal.NewFromInt(1000)))
}

func TestTradesLimit(t *testing.T) {
	store := &fakeStore{}
	h := newServer(store)

	require.Equal(t, http.StatusOK, get(t, h, "/trades").Code)
	assert.Equal(t, 50, store.limit)

	require.Equal(t, http.StatusOK, get(t, h, "/trades?limit=10000").Code)
	assert.Equal(t, maxTradesLimit, store.limit)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/trades?limit=abc").Code)
}

func TestParamsAndMetrics(t *testing.T) {
	h := newServer(&fakeStore{})
	w := get(t, h, "/params")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v1"`)

	assert.Equal(t, http.StatusOK, get(t, h, "/metrics").Code)
}
