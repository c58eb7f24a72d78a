package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// BatcherConfig tunes client-side batching.
type BatcherConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// DefaultBatcherConfig returns the batcher defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{MaxBatchSize: 50, FlushEvery: 5 * time.Second}
}

// Batcher accumulates entries in the instrumented process and ships them
// in batches, so hot paths never wait on the network.
type Batcher struct {
	cfg    BatcherConfig
	client *Client
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// flushing keeps at most one flush in flight.
	flushing atomic.Bool
}

// NewBatcher creates a batcher shipping through the given client.
func NewBatcher(c *Client, cfg BatcherConfig) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	return &Batcher{
		cfg:     cfg,
		client:  c,
		logger:  slog.Default().With("component", "client.batcher"),
		entries: make([]*entry.Entry, 0, cfg.MaxBatchSize),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add queues one entry, triggering an async flush when the batch is full.
func (b *Batcher) Add(e *entry.Entry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flushOnce()
			b.flushing.Store(false)
		}()
	}
}

// Flush ships everything pending right now.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]*entry.Entry, len(b.entries))
	copy(batch, b.entries)
	b.entries = b.entries[:0]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.client.RecordBatch(ctx, batch)
}

// Stop halts the flush loop and ships whatever is left.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	return b.Flush()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flushOnce()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) flushOnce() {
	if err := b.Flush(); err != nil {
		b.logger.Warn("batch flush failed", "error", err)
	}
}
