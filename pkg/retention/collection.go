package retention

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Strategy names an eviction order.
type Strategy string

const (
	// FIFO evicts the oldest-added items first.
	FIFO Strategy = "fifo"
	// LIFO evicts the newest-added items first.
	LIFO Strategy = "lifo"
	// LRU evicts the least recently accessed items first.
	LRU Strategy = "lru"
	// LFU evicts the least frequently accessed items first.
	LFU Strategy = "lfu"
	// TTL evicts the items with the oldest timestamps first.
	TTL Strategy = "ttl"
)

// Policy bounds one collection.
type Policy struct {
	// MaxSize caps the item count; overflow evicts per Strategy.
	MaxSize int
	// MaxAge drops items older than this before any other enforcement.
	// Zero disables age checks.
	MaxAge time.Duration
	// CompressionThreshold (0..1) triggers the compaction callback once
	// the collection exceeds this fraction of MaxSize. Zero disables it.
	CompressionThreshold float64
	// Strategy picks the eviction order. Defaults to FIFO.
	Strategy Strategy
	// CheckInterval is how often the background sweep revisits this
	// collection.
	CheckInterval time.Duration
	// Enabled gates enforcement entirely.
	Enabled bool
}

// DefaultPolicy returns a sane bounded policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxSize:              10000,
		MaxAge:               24 * time.Hour,
		CompressionThreshold: 0.8,
		Strategy:             FIFO,
		CheckInterval:        30 * time.Second,
		Enabled:              true,
	}
}

// Validate rejects malformed policies.
func (p Policy) Validate() error {
	if p.MaxSize <= 0 {
		return fmt.Errorf("retention: max size must be positive, got %d", p.MaxSize)
	}
	if p.CompressionThreshold < 0 || p.CompressionThreshold > 1 {
		return fmt.Errorf("retention: compression threshold must be in [0,1], got %v", p.CompressionThreshold)
	}
	switch p.Strategy {
	case FIFO, LIFO, LRU, LFU, TTL, "":
	default:
		return fmt.Errorf("retention: unknown strategy %q", p.Strategy)
	}
	return nil
}

// ManagedItem wraps a stored value with the bookkeeping the eviction
// strategies need.
type ManagedItem[T any] struct {
	Data         T
	Timestamp    time.Time
	AccessCount  int
	LastAccessed time.Time
	Size         int
}

// CompactFunc may rewrite the collection's items to reclaim space; it
// returns the replacement slice. Returning fewer items is the point.
type CompactFunc[T any] func(items []ManagedItem[T]) []ManagedItem[T]

// Collection is a bounded, policy-enforced in-memory collection. Items are
// kept in insertion order; eviction strategies sort a scratch index rather
// than the backing slice so FIFO/LIFO stay O(1) to reason about.
type Collection[T any] struct {
	name    string
	policy  Policy
	sizeOf  func(T) int
	compact CompactFunc[T]
	logger  *slog.Logger

	mu    sync.Mutex
	items []ManagedItem[T]

	evicted    int
	compressed int
	// compressionRatio is items-after / items-before of the last
	// compaction run.
	compressionRatio float64
}

// Option configures a Collection.
type Option[T any] func(*Collection[T])

// WithSizeEstimator overrides the default JSON-length size estimate.
func WithSizeEstimator[T any](fn func(T) int) Option[T] {
	return func(c *Collection[T]) { c.sizeOf = fn }
}

// WithCompaction installs the callback run when the collection crosses its
// compression threshold.
func WithCompaction[T any](fn CompactFunc[T]) Option[T] {
	return func(c *Collection[T]) { c.compact = fn }
}

// NewCollection creates a bounded collection under the given policy.
func NewCollection[T any](name string, policy Policy, opts ...Option[T]) (*Collection[T], error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Strategy == "" {
		policy.Strategy = FIFO
	}
	c := &Collection[T]{
		name:   name,
		policy: policy,
		logger: slog.Default().With("component", "retention", "collection", name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Add appends one item and enforces the policy.
func (c *Collection[T]) Add(data T) {
	c.AddBatch([]T{data})
}

// AddBatch appends items then enforces the policy once.
func (c *Collection[T]) AddBatch(data []T) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range data {
		c.items = append(c.items, ManagedItem[T]{
			Data:         d,
			Timestamp:    now,
			LastAccessed: now,
			Size:         c.estimate(d),
		})
	}
	c.enforceLocked(now)
}

// Get returns the item at index i, updating its access stats.
func (c *Collection[T]) Get(i int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.items) {
		var zero T
		return zero, false
	}
	c.items[i].AccessCount++
	c.items[i].LastAccessed = time.Now()
	return c.items[i].Data, true
}

// Items returns a copy of all values in insertion order, updating access
// stats for each.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]T, len(c.items))
	for i := range c.items {
		c.items[i].AccessCount++
		c.items[i].LastAccessed = now
		out[i] = c.items[i].Data
	}
	return out
}

// Len reports the current item count.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SizeBytes sums the estimated sizes of all items.
func (c *Collection[T]) SizeBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for i := range c.items {
		total += c.items[i].Size
	}
	return total
}

// Enforce applies the policy now. The background sweep calls this; tests
// may too.
func (c *Collection[T]) Enforce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceLocked(time.Now())
}

// Clear drops everything.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// CollectionStats is a point-in-time snapshot for monitoring.
type CollectionStats struct {
	Name             string  `json:"name"`
	Items            int     `json:"items"`
	SizeBytes        int     `json:"size_bytes"`
	Evicted          int     `json:"evicted"`
	Compressions     int     `json:"compressions"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
}

// Stats reports counters since creation.
func (c *Collection[T]) Stats() CollectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := 0
	for i := range c.items {
		size += c.items[i].Size
	}
	return CollectionStats{
		Name:             c.name,
		Items:            len(c.items),
		SizeBytes:        size,
		Evicted:          c.evicted,
		Compressions:     c.compressed,
		CompressionRatio: c.compressionRatio,
	}
}

func (c *Collection[T]) estimate(d T) int {
	if c.sizeOf != nil {
		return c.sizeOf(d)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(b)
}

// enforceLocked runs the three policy steps in order: age, size, then
// compression.
func (c *Collection[T]) enforceLocked(now time.Time) {
	if !c.policy.Enabled {
		return
	}

	if c.policy.MaxAge > 0 {
		cutoff := now.Add(-c.policy.MaxAge)
		kept := c.items[:0]
		for _, item := range c.items {
			if item.Timestamp.After(cutoff) {
				kept = append(kept, item)
			} else {
				c.evicted++
			}
		}
		c.items = kept
	}

	if over := len(c.items) - c.policy.MaxSize; over > 0 {
		c.evictLocked(over)
	}

	if c.policy.CompressionThreshold > 0 && c.compact != nil {
		limit := int(float64(c.policy.MaxSize) * c.policy.CompressionThreshold)
		if len(c.items) > limit {
			before := len(c.items)
			c.items = c.compact(c.items)
			c.compressed++
			if before > 0 {
				c.compressionRatio = float64(len(c.items)) / float64(before)
			}
			c.logger.Debug("collection compacted", "before", before, "after", len(c.items))
		}
	}
}

// evictLocked removes n items in the order the strategy dictates.
func (c *Collection[T]) evictLocked(n int) {
	switch c.policy.Strategy {
	case FIFO, "":
		c.items = c.items[n:]
	case LIFO:
		c.items = c.items[:len(c.items)-n]
	default:
		idx := make([]int, len(c.items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := c.items[idx[a]], c.items[idx[b]]
			switch c.policy.Strategy {
			case LRU:
				return ia.LastAccessed.Before(ib.LastAccessed)
			case LFU:
				return ia.AccessCount < ib.AccessCount
			default: // TTL
				return ia.Timestamp.Before(ib.Timestamp)
			}
		})
		doomed := make(map[int]bool, n)
		for _, i := range idx[:n] {
			doomed[i] = true
		}
		kept := c.items[:0]
		for i, item := range c.items {
			if !doomed[i] {
				kept = append(kept, item)
			}
		}
		c.items = kept
	}
	c.evicted += n
}
