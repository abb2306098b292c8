package feeds

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

func lvl(price, qty float64) types.PriceLevel {
	return types.PriceLevel{Price: decimal.NewFromFloat(price), Qty: decimal.NewFromFloat(qty)}
}

func depthEvent(id string, d types.Depth) types.MarketEvent {
	return types.MarketEvent{ID: id, Instrument: "BTCUSDT", Type: types.EventDepth, Depth: &d}
}

func TestImbalanceEmptyBookIsZero(t *testing.T) {
	a := NewAnalyzer(5, decimal.NewFromInt(100))

	sig, err := a.Analyze(depthEvent("e1", types.Depth{Snapshot: true}))
	require.NoError(t, err)
	assert.Zero(t, sig.Imbalance)
	assert.False(t, sig.LargeBid)
	assert.False(t, sig.LargeAsk)
}

func TestImbalanceUsesTopKOnly(t *testing.T) {
	a := NewAnalyzer(2, decimal.NewFromInt(100))

	sig, err := a.Analyze(depthEvent("e1", types.Depth{
		Snapshot: true,
		Bids:     []types.PriceLevel{lvl(99, 3), lvl(100, 5), lvl(98, 1000)},
		Asks:     []types.PriceLevel{lvl(101, 2), lvl(102, 2)},
	}))
	require.NoError(t, err)

	// top-2 bids 5+3=8, asks 2+2=4 → (8-4)/12
	assert.InDelta(t, 1.0/3.0, sig.Imbalance, 1e-9)
	assert.False(t, sig.LargeBid, "whale sits below the analyzed depth")
	assert.True(t, sig.BestBid.Equal(decimal.NewFromInt(100)))
	assert.True(t, sig.BestAsk.Equal(decimal.NewFromInt(101)))
}

func TestWhaleFlagsAreIndependent(t *testing.T) {
	a := NewAnalyzer(5, decimal.NewFromInt(100))

	sig, err := a.Analyze(depthEvent("e1", types.Depth{
		Snapshot: true,
		Bids:     []types.PriceLevel{lvl(100, 100)},
		Asks:     []types.PriceLevel{lvl(101, 99.9)},
	}))
	require.NoError(t, err)
	assert.True(t, sig.LargeBid)
	assert.False(t, sig.LargeAsk)
}

func TestDeltaUpdatesBook(t *testing.T) {
	ob := NewOrderbook("ETHUSDT")
	require.True(t, ob.Apply(types.Depth{
		LastUpdateID: 1,
		Snapshot:     true,
		Bids:         []types.PriceLevel{lvl(10, 1), lvl(9, 1)},
		Asks:         []types.PriceLevel{lvl(11, 1)},
	}))

	require.True(t, ob.Apply(types.Depth{
		LastUpdateID: 2,
		Bids:         []types.PriceLevel{lvl(10, 0), lvl(9.5, 4)},
	}))
	assert.False(t, ob.Apply(types.Depth{LastUpdateID: 2}), "stale id ignored")

	assert.True(t, ob.BestBid().Equal(decimal.NewFromFloat(9.5)))
	bid, ask := ob.Depth(5)
	assert.True(t, bid.Equal(decimal.NewFromInt(5)))
	assert.True(t, ask.Equal(decimal.NewFromInt(1)))
}

func TestAnalyzeRejectsInvalidLevels(t *testing.T) {
	a := NewAnalyzer(5, decimal.NewFromInt(100))

	_, err := a.Analyze(depthEvent("bad", types.Depth{Bids: []types.PriceLevel{lvl(-1, 1)}}))
	assert.True(t, errs.IsValidation(err))
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][]interface{}{{"100.5", "2"}, {101.0, 3.5}})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, levels[1].Qty.Equal(decimal.NewFromFloat(3.5)))

	_, err = ParseLevels([][]interface{}{{"x", "1"}})
	assert.Error(t, err)
}
