package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/portfolio"
	"github.com/web3guy0/fusionbot/types"
)

type memStore struct {
	mu      sync.Mutex
	claims  map[string]string
	records map[string]types.TradeRecord
}

func newMemStore() *memStore {
	return &memStore{claims: map[string]string{}, records: map[string]types.TradeRecord{}}
}

func (m *memStore) ClaimSubmission(_ context.Context, orderID, backend string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[orderID]; ok {
		return false, nil
	}
	m.claims[orderID] = backend
	return true, nil
}

func (m *memStore) TradeRecordByOrder(_ context.Context, orderID string) (types.TradeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[orderID]
	return rec, ok, nil
}

func (m *memStore) SaveTradeRecord(_ context.Context, rec types.TradeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.OrderID]; ok {
		return false, nil
	}
	m.records[rec.OrderID] = rec
	return true, nil
}

type fakePortfolio struct {
	calls   []types.TradeRecord
	pnl     decimal.Decimal
	settled map[string]bool
	err     error
}

func (f *fakePortfolio) Reconcile(_ context.Context, rec types.TradeRecord) (portfolio.Reconciliation, error) {
	if f.err != nil {
		return portfolio.Reconciliation{}, f.err
	}
	if f.settled == nil {
		f.settled = map[string]bool{}
	}
	f.calls = append(f.calls, rec)
	if f.settled[rec.OrderID] {
		return portfolio.Reconciliation{OrderID: rec.OrderID}, nil
	}
	f.settled[rec.OrderID] = true
	return portfolio.Reconciliation{OrderID: rec.OrderID, Found: true, RealizedPnL: f.pnl}, nil
}

type stubBackend struct {
	executed  int
	recovered int
	execErr   error
	found     bool
	recErr    error
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Execute(_ context.Context, order types.SizedOrder) (types.TradeRecord, error) {
	s.executed++
	if s.execErr != nil {
		return types.TradeRecord{}, s.execErr
	}
	rec := NewRecord(order, order.CreatedAt, false)
	rec.Status = types.StatusFilled
	rec.ExecutedQty = order.Quantity
	rec.ExecutedPrice = order.ReferencePrice
	return rec, nil
}

func (s *stubBackend) Recover(ctx context.Context, order types.SizedOrder) (types.TradeRecord, bool, error) {
	s.recovered++
	if s.recErr != nil || !s.found {
		return types.TradeRecord{}, false, s.recErr
	}
	rec, _ := s.Execute(ctx, order)
	return rec, true, nil
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func sized(id string, dir types.Direction, qty, price float64) types.SizedOrder {
	return types.SizedOrder{
		ID:             id,
		Instrument:     "BTCUSDT",
		Direction:      dir,
		Quantity:       d(qty),
		OrderType:      "MARKET",
		ReferencePrice: d(price),
	}
}

func TestCoordinatorExecutesOnce(t *testing.T) {
	store := newMemStore()
	pf := &fakePortfolio{}
	backend := &stubBackend{}
	c := NewCoordinator(backend, store, pf)
	ctx := context.Background()

	o := sized("order:1", types.DirectionBuy, 0.1, 100)
	rec, err := c.Execute(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.Equal(t, "trade:order:1", rec.ID)
	assert.True(t, rec.ExecutedQty.Equal(d(0.1)))

	// redelivery replays the stored record without touching the backend
	again, err := c.Execute(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, backend.executed)
	assert.Len(t, pf.calls, 2)
	assert.Len(t, store.records, 1)
}

func TestCoordinatorFillsRealizedPnLFromPortfolio(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(&stubBackend{}, store, &fakePortfolio{pnl: d(-10)})

	rec, err := c.Execute(context.Background(), sized("order:s", types.DirectionSell, 1, 90))
	require.NoError(t, err)
	assert.True(t, rec.RealizedPnL.Equal(d(-10)))
	assert.True(t, store.records["order:s"].RealizedPnL.Equal(d(-10)))
}

func TestCoordinatorInvalidOrderBecomesRejectedRecord(t *testing.T) {
	store := newMemStore()
	pf := &fakePortfolio{}
	backend := &stubBackend{}
	c := NewCoordinator(backend, store, pf)

	rec, err := c.Execute(context.Background(), sized("order:z", types.DirectionBuy, 0, 100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Equal(t, "quantity must be positive", rec.ErrorDetail)
	assert.Zero(t, backend.executed)
	assert.Len(t, pf.calls, 1)

	_, err = c.Execute(context.Background(), types.SizedOrder{})
	assert.True(t, errs.IsValidation(err))
}

func TestCoordinatorInfraFailureIsRetriedThroughRecovery(t *testing.T) {
	store := newMemStore()
	backend := &stubBackend{execErr: errs.Transient(errors.New("timeout"))}
	c := NewCoordinator(backend, store, &fakePortfolio{})
	ctx := context.Background()
	o := sized("order:t", types.DirectionBuy, 0.1, 100)

	_, err := c.Execute(ctx, o)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	// second attempt: claim exists, the venue never saw it, submit again
	backend.execErr = nil
	rec, err := c.Execute(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.Equal(t, 1, backend.recovered)
	assert.Equal(t, 2, backend.executed)
}

func TestCoordinatorRecoversSubmittedOrder(t *testing.T) {
	store := newMemStore()
	backend := &stubBackend{found: true}
	c := NewCoordinator(backend, store, &fakePortfolio{})
	o := sized("order:r", types.DirectionBuy, 0.1, 100)

	_, err := store.ClaimSubmission(context.Background(), o.ID, "stub")
	require.NoError(t, err)

	rec, err := c.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.Equal(t, 1, backend.recovered)
}

func TestCoordinatorLookupFailureYieldsFailedRecord(t *testing.T) {
	store := newMemStore()
	backend := &stubBackend{recErr: errors.New("-2013 - Order does not exist on a closed market")}
	c := NewCoordinator(backend, store, &fakePortfolio{})
	o := sized("order:u", types.DirectionBuy, 0.1, 100)
	_, _ = store.ClaimSubmission(context.Background(), o.ID, "stub")

	rec, err := c.Execute(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "outcome unknown")
	assert.Zero(t, backend.executed)
}

func TestCoordinatorReconcileErrorNacks(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(&stubBackend{}, store, &fakePortfolio{err: portfolio.ErrStopped})

	_, err := c.Execute(context.Background(), sized("order:p", types.DirectionBuy, 0.1, 100))
	require.ErrorIs(t, err, portfolio.ErrStopped)
	assert.Empty(t, store.records)
}
