package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

type fakeExchange struct {
	placed   []OrderRequest
	place    Execution
	placeErr error
	query    Execution
	queryErr error
	queried  int
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req OrderRequest) (Execution, error) {
	f.placed = append(f.placed, req)
	return f.place, f.placeErr
}

func (f *fakeExchange) QueryOrder(_ context.Context, _, _ string) (Execution, error) {
	f.queried++
	return f.query, f.queryErr
}

func TestLiveAggregatesPartialFills(t *testing.T) {
	ex := &fakeExchange{place: Execution{
		ExchangeOrderID: "12345",
		Status:          ExchangeFilled,
		ExecutedQty:     d(0.3),
		Fills: []Fill{
			{Price: d(100), Qty: d(0.1)},
			{Price: d(103), Qty: d(0.2)},
		},
	}}
	l := NewLiveBackend(ex)

	rec, err := l.Execute(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.True(t, rec.ExecutedPrice.Equal(d(102)), rec.ExecutedPrice.String())
	assert.Equal(t, "12345", rec.ExchangeOrderID)
	assert.False(t, rec.Simulated)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, ClientOrderID("order:1"), ex.placed[0].ClientOrderID)
	assert.Len(t, ex.placed[0].ClientOrderID, 36)
}

func TestLiveCapturesExchangeErrorVerbatim(t *testing.T) {
	ex := &fakeExchange{placeErr: &ExchangeError{Code: -2010, Message: "Account has insufficient balance for requested action."}}
	l := NewLiveBackend(ex)

	rec, err := l.Execute(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Equal(t, "-2010 - Account has insufficient balance for requested action.", rec.ErrorDetail)
	assert.Len(t, ex.placed, 1)
	assert.Zero(t, ex.queried)
}

func TestLiveRateLimitIsTransient(t *testing.T) {
	ex := &fakeExchange{placeErr: &ExchangeError{Code: -1003, Message: "Too many requests"}}
	_, err := NewLiveBackend(ex).Execute(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	assert.True(t, errs.IsTransient(err))
}

func TestLiveTimeoutResolvedByLookup(t *testing.T) {
	ex := &fakeExchange{
		placeErr: context.DeadlineExceeded,
		query:    Execution{ExchangeOrderID: "9", Status: ExchangeFilled, ExecutedQty: d(0.3), QuoteQty: d(30.6)},
	}
	rec, err := NewLiveBackend(ex).Execute(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.True(t, rec.ExecutedPrice.Equal(d(102)))
	assert.Equal(t, 1, ex.queried)
}

func TestLiveTimeoutWithFailedLookupNacks(t *testing.T) {
	ex := &fakeExchange{placeErr: context.DeadlineExceeded, queryErr: errors.New("connection reset")}
	_, err := NewLiveBackend(ex).Execute(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestLiveRecoverNotFound(t *testing.T) {
	ex := &fakeExchange{queryErr: ErrOrderNotFound}
	_, found, err := NewLiveBackend(ex).Recover(context.Background(), sized("order:1", types.DirectionBuy, 0.3, 100))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status   string
		executed float64
		want     types.TradeStatus
	}{
		{ExchangeFilled, 1, types.StatusFilled},
		{ExchangeExpired, 0.5, types.StatusFilled},
		{ExchangePartiallyFilled, 0.5, types.StatusFilled},
		{ExchangeRejected, 0, types.StatusRejected},
		{ExchangeExpired, 0, types.StatusRejected},
		{ExchangeCanceled, 0, types.StatusRejected},
		{ExchangeNew, 0, types.StatusFailed},
		{ExchangeFilled, 0, types.StatusFailed},
	}
	for _, tt := range tests {
		got, detail := MapStatus(tt.status, d(tt.executed))
		assert.Equal(t, tt.want, got, tt.status)
		if got != types.StatusFilled {
			assert.NotEmpty(t, detail)
		}
	}
}

func TestVWAPWithoutFills(t *testing.T) {
	assert.True(t, VWAP(Execution{}).IsZero())
}
