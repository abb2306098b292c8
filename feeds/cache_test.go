package feeds

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

func kline(instrument string, openTime int64, close float64, closed bool) types.MarketEvent {
	return types.MarketEvent{
		ID:         fmt.Sprintf("%s:kline:%d", instrument, openTime),
		Instrument: instrument,
		Type:       types.EventKline,
		Kline: &types.Kline{
			OpenTime: openTime,
			Close:    decimal.NewFromFloat(close),
			Closed:   closed,
		},
	}
}

func TestFeatureCacheEvictsOldest(t *testing.T) {
	c := NewFeatureCache(WindowConfig{Size: 3, SMAShort: 2, SMALong: 3, RSIPeriod: 2})

	for i := 1; i <= 5; i++ {
		_, applied, err := c.Apply(kline("BTCUSDT", int64(i), float64(i*10), true))
		require.NoError(t, err)
		assert.True(t, applied)
	}

	snap, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	require.Len(t, snap.Closes, 3)
	assert.True(t, snap.Closes[0].Equal(decimal.NewFromInt(30)))
	assert.True(t, snap.Last.Equal(decimal.NewFromInt(50)))
	assert.InDelta(t, 45.0, snap.Features.SMAShort, 1e-9)
	assert.InDelta(t, 40.0, snap.Features.SMALong, 1e-9)
	assert.True(t, snap.Ready)
}

func TestFeatureCacheIgnoresPartialBars(t *testing.T) {
	c := NewFeatureCache(DefaultWindowConfig())

	_, applied, err := c.Apply(kline("ETHUSDT", 1, 100, false))
	require.NoError(t, err)
	assert.False(t, applied)

	snap, _ := c.Get("ETHUSDT")
	assert.Empty(t, snap.Closes)
}

func TestFeatureCacheReplayIsIdempotent(t *testing.T) {
	once := NewFeatureCache(DefaultWindowConfig())
	twice := NewFeatureCache(DefaultWindowConfig())

	events := []types.MarketEvent{
		kline("SOLUSDT", 1, 20, true),
		kline("SOLUSDT", 2, 21, true),
		kline("SOLUSDT", 3, 19.5, true),
	}
	for _, ev := range events {
		_, _, err := once.Apply(ev)
		require.NoError(t, err)
	}
	for _, ev := range events {
		_, _, err := twice.Apply(ev)
		require.NoError(t, err)
		_, applied, err := twice.Apply(ev)
		require.NoError(t, err)
		assert.False(t, applied)
	}

	a, _ := once.Get("SOLUSDT")
	b, _ := twice.Get("SOLUSDT")
	assert.Equal(t, a, b)
}

func TestFeatureCacheWarnsOnStaleBar(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	c := NewFeatureCache(DefaultWindowConfig())
	_, _, err := c.Apply(kline("BTCUSDT", 5, 100, true))
	require.NoError(t, err)

	// same bar again is a quiet duplicate
	buf.Reset()
	_, applied, err := c.Apply(kline("BTCUSDT", 5, 100, true))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NotContains(t, buf.String(), `"level":"warn"`)

	// an older bar arriving late is dropped loudly
	buf.Reset()
	_, applied, err = c.Apply(kline("BTCUSDT", 4, 99, true))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"last_open_time":5`)

	snap, _ := c.Get("BTCUSDT")
	assert.Len(t, snap.Closes, 1)
}

func TestFeatureCacheRejectsMalformedEvents(t *testing.T) {
	c := NewFeatureCache(DefaultWindowConfig())

	_, _, err := c.Apply(types.MarketEvent{ID: "x", Instrument: "BTCUSDT", Type: types.EventDepth})
	assert.True(t, errs.IsValidation(err))

	_, _, err = c.Apply(kline("BTCUSDT", 1, 0, true))
	assert.True(t, errs.IsValidation(err))
}
