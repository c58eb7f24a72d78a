package pipeline

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// bufferedItem is one entry held by the priority buffer.
type bufferedItem struct {
	e          *entry.Entry
	enqueuedAt time.Time
	priority   int
	retryCount int
}

// PriorityConfig tunes the priority buffer.
type PriorityConfig struct {
	// MaxBufferSize caps the buffer; reaching it forces a flush.
	MaxBufferSize int
	// MaxBatchSize bounds each chunk handed to the flush handler.
	MaxBatchSize int
	// PriorityFlushThreshold forces a flush once this many items with
	// priority 5 or above are waiting.
	PriorityFlushThreshold int
	// RetryAttempts is the per-item ceiling; RetryDelay scales linearly
	// with the item's retry count.
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultPriorityConfig returns the priority buffer defaults.
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		MaxBufferSize:          500,
		MaxBatchSize:           50,
		PriorityFlushThreshold: 10,
		RetryAttempts:          3,
		RetryDelay:             time.Second,
	}
}

// FlushHandler receives one chunk of entries, highest priority first.
type FlushHandler func(entries []*entry.Entry) error

// PriorityBuffer is an alternative to the per-type queue set: a single
// bounded buffer that flushes by priority instead of by entry type. High
// priority items (8+) trigger an immediate flush; flushes hand off
// priority-sorted chunks to a handler.
type PriorityBuffer struct {
	cfg     PriorityConfig
	handler FlushHandler
	logger  *slog.Logger

	mu       sync.Mutex
	items    []bufferedItem
	flushing bool

	// sleep is replaced in tests to avoid real retry delays.
	sleep func(time.Duration)
}

// NewPriorityBuffer creates a buffer flushing through handler.
func NewPriorityBuffer(cfg PriorityConfig, handler FlushHandler) *PriorityBuffer {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 500
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.PriorityFlushThreshold <= 0 {
		cfg.PriorityFlushThreshold = 10
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &PriorityBuffer{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "priority_buffer"),
		sleep:   time.Sleep,
	}
}

// Add buffers an entry at the given priority (clamped to 0..10) and flushes
// synchronously when a flush condition is met.
func (b *PriorityBuffer) Add(e *entry.Entry, priority int) {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	b.mu.Lock()
	b.items = append(b.items, bufferedItem{e: e, enqueuedAt: time.Now(), priority: priority})
	should := b.shouldFlushLocked()
	b.mu.Unlock()

	if should {
		b.Flush()
	}
}

// shouldFlushLocked checks the three flush triggers: buffer full, enough
// high-priority items waiting, or any near-critical item present.
func (b *PriorityBuffer) shouldFlushLocked() bool {
	if len(b.items) >= b.cfg.MaxBufferSize {
		return true
	}
	high := 0
	for _, item := range b.items {
		if item.priority >= 8 {
			return true
		}
		if item.priority >= 5 {
			high++
		}
	}
	return high >= b.cfg.PriorityFlushThreshold
}

// Flush drains the buffer through the handler in priority order, one chunk
// of MaxBatchSize at a time. Failed chunks fall back to per-item retry.
func (b *PriorityBuffer) Flush() {
	b.mu.Lock()
	if b.flushing || len(b.items) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	items := b.items
	b.items = nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	// Highest priority first; equal priorities keep arrival order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority > items[j].priority
		}
		return items[i].enqueuedAt.Before(items[j].enqueuedAt)
	})

	for start := 0; start < len(items); start += b.cfg.MaxBatchSize {
		end := start + b.cfg.MaxBatchSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		batch := make([]*entry.Entry, len(chunk))
		for i, item := range chunk {
			batch[i] = item.e
		}
		if err := b.handler(batch); err != nil {
			b.logger.Warn("priority chunk flush failed, retrying items",
				"count", len(chunk), "error", err)
			b.retryItems(chunk)
		}
	}
}

// retryItems re-inserts failed items at the head of the buffer after a
// backoff that grows with each attempt. Items out of attempts are dropped.
func (b *PriorityBuffer) retryItems(items []bufferedItem) {
	var keep []bufferedItem
	for _, item := range items {
		item.retryCount++
		if item.retryCount >= b.cfg.RetryAttempts {
			b.logger.Error("entry dropped after exhausting priority retries",
				"entry", item.e.ID, "priority", item.priority, "attempts", item.retryCount)
			continue
		}
		keep = append(keep, item)
	}
	if len(keep) == 0 {
		return
	}

	maxCount := 0
	for _, item := range keep {
		if item.retryCount > maxCount {
			maxCount = item.retryCount
		}
	}
	b.sleep(b.cfg.RetryDelay * time.Duration(maxCount))

	b.mu.Lock()
	b.items = append(keep, b.items...)
	b.mu.Unlock()
}

// Len reports how many items are waiting.
func (b *PriorityBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Healthy reports whether the buffer is under 90% utilization and not
// currently mid-flush.
func (b *PriorityBuffer) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.flushing && len(b.items) < b.cfg.MaxBufferSize*9/10
}
