package retention

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundedCollection(t *testing.T, policy Policy, opts ...Option[string]) *Collection[string] {
	t.Helper()
	c, err := NewCollection[string]("test", policy, opts...)
	require.NoError(t, err)
	return c
}

func TestPolicyValidation(t *testing.T) {
	_, err := NewCollection[string]("bad", Policy{MaxSize: 0})
	assert.Error(t, err)

	_, err = NewCollection[string]("bad", Policy{MaxSize: 10, CompressionThreshold: 1.5})
	assert.Error(t, err)

	_, err = NewCollection[string]("bad", Policy{MaxSize: 10, Strategy: "random"})
	assert.Error(t, err)
}

func TestMaxSizeBoundsFIFO(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 3, Strategy: FIFO, Enabled: true})

	c.AddBatch([]string{"a", "b", "c", "d", "e"})

	assert.Equal(t, []string{"c", "d", "e"}, c.Items())
	assert.Equal(t, 2, c.Stats().Evicted)
}

func TestMaxSizeBoundsLIFO(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 3, Strategy: LIFO, Enabled: true})

	for _, s := range []string{"a", "b", "c"} {
		c.Add(s)
	}
	c.Add("d")

	assert.Equal(t, []string{"a", "b", "c"}, c.Items())
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 3, Strategy: LRU, Enabled: true})
	c.AddBatch([]string{"a", "b", "c"})

	// Touch a and c so b becomes the coldest.
	time.Sleep(time.Millisecond)
	_, ok := c.Get(0)
	require.True(t, ok)
	_, ok = c.Get(2)
	require.True(t, ok)

	c.Add("d")

	assert.Equal(t, []string{"a", "c", "d"}, c.Items())
}

func TestLFUEvictsLeastFrequentlyAccessed(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 3, Strategy: LFU, Enabled: true})
	c.AddBatch([]string{"a", "b", "c"})

	for i := 0; i < 3; i++ {
		c.Get(0)
		c.Get(1)
	}

	c.Add("d")

	assert.Equal(t, []string{"a", "b", "d"}, c.Items())
}

func TestMaxAgeDropsStaleItems(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 100, MaxAge: time.Hour, Enabled: true})
	c.AddBatch([]string{"fresh", "stale"})

	// Backdate the second item past the age limit.
	c.mu.Lock()
	c.items[1].Timestamp = time.Now().Add(-2 * time.Hour)
	c.mu.Unlock()

	c.Enforce()

	assert.Equal(t, []string{"fresh"}, c.Items())
}

func TestDisabledPolicyNeverEvicts(t *testing.T) {
	c := boundedCollection(t, Policy{MaxSize: 1, Enabled: false})
	c.AddBatch([]string{"a", "b", "c"})

	assert.Equal(t, 3, c.Len())
}

func TestCompactionRunsAboveThreshold(t *testing.T) {
	halve := func(items []ManagedItem[string]) []ManagedItem[string] {
		return items[:len(items)/2]
	}
	c := boundedCollection(t,
		Policy{MaxSize: 10, CompressionThreshold: 0.5, Enabled: true},
		WithCompaction(halve))

	c.AddBatch([]string{"a", "b", "c", "d", "e", "f"})

	stats := c.Stats()
	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, 1, stats.Compressions)
	assert.InDelta(t, 0.5, stats.CompressionRatio, 0.01)
}

func TestSizeEstimator(t *testing.T) {
	c := boundedCollection(t,
		Policy{MaxSize: 10, Enabled: true},
		WithSizeEstimator(func(s string) int { return len(s) }))

	c.AddBatch([]string{"abc", "de"})

	assert.Equal(t, 5, c.SizeBytes())
}

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("a payload that repeats "), 100)
	packed := Compress(payload)
	assert.Less(t, len(packed), len(payload))

	restored, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}
