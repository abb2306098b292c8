package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6}

	assert.InDelta(t, 5.0, SMA(prices, 3), 1e-9)
	assert.InDelta(t, 3.5, SMA(prices, 10), 1e-9) // short history averages what exists
	assert.Zero(t, SMA(nil, 3))
}

func TestRSIBounds(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	falling := make([]float64, len(rising))
	for i, p := range rising {
		falling[len(rising)-1-i] = p
	}
	flat := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}

	assert.Equal(t, 100.0, RSI(rising, 14))
	assert.InDelta(t, 0.0, RSI(falling, 14), 1e-9)
	assert.Equal(t, 50.0, RSI(flat, 14))
	assert.Equal(t, 50.0, RSI(rising[:5], 14))
}

func TestStdDevAndReturns(t *testing.T) {
	assert.InDelta(t, 1.5811388, StdDev([]float64{1, 2, 3, 4, 5}), 1e-6)
	assert.Zero(t, StdDev([]float64{42}))

	r := Returns([]float64{100, 110, 99})
	assert.InDeltaSlice(t, []float64{0.1, -0.1}, r, 1e-9)
}

func TestMomentum(t *testing.T) {
	assert.InDelta(t, 10.0, Momentum([]float64{100, 105, 110}, 2), 1e-9)
	assert.Zero(t, Momentum([]float64{100}, 2))
}
