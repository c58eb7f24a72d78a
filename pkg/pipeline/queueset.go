package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// queue is one named batching unit. Each queue owns exactly one flush
// ticker goroutine, started and stopped with the pipeline, so queue
// lifetimes can never leak timers.
type queue struct {
	key string
	cfg QueueConfig

	mu      sync.Mutex
	entries []*entry.Entry

	// flushing ensures at most one flush per queue is in flight. Entries
	// added while a flush runs accumulate into the next batch.
	flushing atomic.Bool
}

// add appends an entry and reports whether the queue reached its batch
// size.
func (q *queue) add(e *entry.Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return len(q.entries) >= q.cfg.BatchSize
}

// take removes and returns the queue's current contents (swap-and-clear).
func (q *queue) take() []*entry.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	batch := q.entries
	q.entries = make([]*entry.Entry, 0, q.cfg.BatchSize)
	return batch
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// flushLoop drives the queue's periodic flush until the pipeline stops.
func (p *Pipeline) flushLoop(q *queue) {
	defer p.wg.Done()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if q.flushing.CompareAndSwap(false, true) {
				p.flushQueue(q)
				q.flushing.Store(false)
			}
		}
	}
}

// flushQueue moves the queue's contents to storage. Failed batches land on
// the shared retry queue: urgent queues (critical, error) jump to its
// front, everything else appends.
func (p *Pipeline) flushQueue(q *queue) {
	batch := q.take()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := p.store.StoreBatch(ctx, batch)
	p.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	p.metrics.QueueDepth.WithLabelValues(q.key).Set(float64(q.depth()))

	if err != nil {
		p.metrics.FlushFailures.WithLabelValues(q.key).Inc()
		p.logger.Warn("batch flush failed, scheduling retries",
			"queue", q.key, "count", len(batch), "error", err)

		urgent := q.key == QueueCritical || q.key == QueueError
		for _, e := range batch {
			p.pushRetry(retryItem{e: e, queue: q.key, urgent: urgent})
		}
		return
	}
	p.metrics.BatchesFlushed.WithLabelValues(q.key).Inc()
}

func (p *Pipeline) pushRetry(item retryItem) {
	if p.retry.push(item) {
		p.metrics.RetryDropped.Inc()
		p.logger.Error("retry queue overflow, dropped oldest pending entry",
			"queue", item.queue, "entry", item.e.ID)
	}
}

// retryLoop drains a bounded slice of the retry queue on every tick,
// storing entries one at a time.
func (p *Pipeline) retryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainRetries()
		}
	}
}

// drainRetries attempts up to RetryBatchLimit pending entries. An entry
// that fails again goes back with an incremented attempt count until it
// exhausts MaxRetryAttempts, at which point it is dropped for good.
func (p *Pipeline) drainRetries() {
	items := p.retry.pop(p.cfg.RetryBatchLimit)
	for _, item := range items {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
		err := p.store.Store(ctx, item.e)
		cancel()

		if err == nil {
			p.metrics.RetrySuccesses.Inc()
			continue
		}

		p.metrics.RetryFailures.Inc()
		item.attempts++
		if item.attempts >= p.cfg.MaxRetryAttempts {
			p.metrics.RetryDropped.Inc()
			p.logger.Error("entry dropped after exhausting retries",
				"queue", item.queue, "entry", item.e.ID, "attempts", item.attempts)
			continue
		}
		p.logger.Warn("retry failed, requeueing",
			"queue", item.queue, "entry", item.e.ID, "attempts", item.attempts, "error", err)
		p.pushRetry(item)
	}
}

// metricsLoop publishes throughput and queue depths on the reporting
// interval.
func (p *Pipeline) metricsLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			rate := p.metrics.ReportThroughput()
			for key, q := range p.queues {
				p.metrics.QueueDepth.WithLabelValues(key).Set(float64(q.depth()))
			}
			p.logger.Debug("pipeline throughput", "entries_per_second", rate,
				"retry_pending", p.retry.len())
		}
	}
}
