package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute, 4)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	seen, err := d.Seen("g/1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark("g/1"))
	seen, _ = d.Seen("g/1")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = d.Seen("g/1")
	assert.False(t, seen)
}

func TestMemoryDeduperSweepsOnSchedule(t *testing.T) {
	d := NewMemoryDeduper(time.Minute, 1)
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	d.now = func() time.Time { return now }

	require.NoError(t, d.Mark("g/a")) // sweeps, next at +15s
	now = t0.Add(50 * time.Second)
	require.NoError(t, d.Mark("g/b")) // sweeps, next at +65s

	// a expired, but the shard is not due: only the looked-up key goes
	now = t0.Add(61 * time.Second)
	seen, _ := d.Seen("g/z")
	assert.False(t, seen)
	assert.Equal(t, 2, d.Len())

	seen, _ = d.Seen("g/a")
	assert.False(t, seen)
	assert.Equal(t, 1, d.Len())

	// due, but b still live
	now = t0.Add(65 * time.Second)
	seen, _ = d.Seen("g/b")
	assert.True(t, seen)
	assert.Equal(t, 1, d.Len())

	now = t0.Add(111 * time.Second)
	_, _ = d.Seen("g/z")
	assert.Zero(t, d.Len())
}

func TestBadgerDeduperInMemory(t *testing.T) {
	d, err := NewBadgerDeduper("", time.Hour)
	require.NoError(t, err)
	defer d.Close()

	seen, err := d.Seen("risk/intent-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark("risk/intent-1"))

	seen, err = d.Seen("risk/intent-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPoolPartitionIsStable(t *testing.T) {
	p := NewPool(8, 1, func(Message) {})
	defer p.Close()

	assert.Equal(t, p.Partition("BTCUSDT"), p.Partition("BTCUSDT"))
}
