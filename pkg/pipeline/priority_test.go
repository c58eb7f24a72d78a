package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensview/lensview/pkg/entry"
)

type captureHandler struct {
	mu      sync.Mutex
	chunks  [][]*entry.Entry
	failFor int
}

func (h *captureHandler) handle(batch []*entry.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failFor > 0 {
		h.failFor--
		return errors.New("handler failure")
	}
	h.chunks = append(h.chunks, batch)
	return nil
}

func (h *captureHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, chunk := range h.chunks {
		for _, e := range chunk {
			out = append(out, e.ID)
		}
	}
	return out
}

func newTestBuffer(cfg PriorityConfig, h *captureHandler) *PriorityBuffer {
	b := NewPriorityBuffer(cfg, h.handle)
	b.sleep = func(time.Duration) {}
	return b
}

func TestPriorityBufferFlushesWhenFull(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 3, MaxBatchSize: 10}, h)

	b.Add(&entry.Entry{ID: "a", Type: entry.TypeQuery}, 1)
	b.Add(&entry.Entry{ID: "b", Type: entry.TypeQuery}, 1)
	assert.Empty(t, h.ids())

	b.Add(&entry.Entry{ID: "c", Type: entry.TypeQuery}, 1)
	assert.Len(t, h.ids(), 3)
	assert.Zero(t, b.Len())
}

func TestPriorityBufferHighPriorityTriggersImmediateFlush(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 10}, h)

	b.Add(&entry.Entry{ID: "low", Type: entry.TypeQuery}, 2)
	require.Empty(t, h.ids())

	b.Add(&entry.Entry{ID: "urgent", Type: entry.TypeException}, 9)
	assert.Equal(t, []string{"urgent", "low"}, h.ids())
}

func TestPriorityBufferThresholdOfMediumPriorities(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 10, PriorityFlushThreshold: 2}, h)

	b.Add(&entry.Entry{ID: "m1", Type: entry.TypeQuery}, 5)
	require.Empty(t, h.ids())

	b.Add(&entry.Entry{ID: "m2", Type: entry.TypeQuery}, 6)
	assert.Equal(t, []string{"m2", "m1"}, h.ids())
}

func TestPriorityBufferStableOrderWithinPriority(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 10}, h)

	b.Add(&entry.Entry{ID: "first", Type: entry.TypeQuery}, 4)
	b.Add(&entry.Entry{ID: "second", Type: entry.TypeQuery}, 4)
	b.Flush()

	assert.Equal(t, []string{"first", "second"}, h.ids())
}

func TestPriorityBufferChunksByMaxBatchSize(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 2}, h)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.Add(&entry.Entry{ID: id, Type: entry.TypeQuery}, 1)
	}
	b.Flush()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.chunks, 3)
	assert.Len(t, h.chunks[0], 2)
	assert.Len(t, h.chunks[2], 1)
}

func TestPriorityBufferRetriesFailedChunk(t *testing.T) {
	h := &captureHandler{failFor: 1}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 10, RetryAttempts: 3}, h)

	b.Add(&entry.Entry{ID: "a", Type: entry.TypeQuery}, 1)
	b.Flush()
	require.Empty(t, h.ids())
	require.Equal(t, 1, b.Len())

	b.Flush()
	assert.Equal(t, []string{"a"}, h.ids())
	assert.Zero(t, b.Len())
}

func TestPriorityBufferDropsAfterRetryLimit(t *testing.T) {
	h := &captureHandler{failFor: 10}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 100, MaxBatchSize: 10, RetryAttempts: 2}, h)

	b.Add(&entry.Entry{ID: "doomed", Type: entry.TypeQuery}, 1)
	b.Flush() // attempt 1, re-inserted
	require.Equal(t, 1, b.Len())
	b.Flush() // attempt 2, dropped
	assert.Zero(t, b.Len())
	assert.Empty(t, h.ids())
}

func TestPriorityBufferHealth(t *testing.T) {
	h := &captureHandler{}
	b := newTestBuffer(PriorityConfig{MaxBufferSize: 10, MaxBatchSize: 10}, h)

	assert.True(t, b.Healthy())
	for i := 0; i < 9; i++ {
		b.items = append(b.items, bufferedItem{e: &entry.Entry{Type: entry.TypeQuery}})
	}
	assert.False(t, b.Healthy())
}
