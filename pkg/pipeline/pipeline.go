package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/sampling"
)

// Store is the slice of the storage coordinator the pipeline writes to.
type Store interface {
	Store(ctx context.Context, e *entry.Entry) error
	StoreBatch(ctx context.Context, entries []*entry.Entry) error
}

// errEventFailure marks an event as failed for the sampler's error
// multiplier; it never surfaces to callers.
var errEventFailure = errors.New("event carries a failure")

// Config holds pipeline configuration.
type Config struct {
	// BatchingEnabled gates batching globally; disabled, every entry is
	// written immediately.
	BatchingEnabled bool

	// DefaultBatchSize / DefaultFlushInterval are the baseline queue
	// policy; per-queue policies derive from them (see queueConfigs).
	DefaultBatchSize     int
	DefaultFlushInterval time.Duration

	// QueueOverrides replaces the derived policy for specific queue keys.
	QueueOverrides map[string]QueueConfig

	// RetryQueueLimit caps the shared retry queue. RetryBatchLimit bounds
	// how many entries each retry tick attempts. MaxRetryAttempts is the
	// per-entry ceiling before it is dropped.
	RetryQueueLimit  int
	RetryBatchLimit  int
	RetryInterval    time.Duration
	MaxRetryAttempts int

	// StoreTimeout bounds every storage call the pipeline makes.
	StoreTimeout time.Duration

	// MetricsInterval is the throughput reporting/reset period.
	MetricsInterval time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchingEnabled:      true,
		DefaultBatchSize:     10,
		DefaultFlushInterval: 5 * time.Second,
		RetryQueueLimit:      1000,
		RetryBatchLimit:      20,
		RetryInterval:        30 * time.Second,
		MaxRetryAttempts:     3,
		StoreTimeout:         5 * time.Second,
		MetricsInterval:      time.Minute,
	}
}

// Pipeline is the entry processing pipeline: sampler in front, normalizer,
// then the queue router/buffer feeding the storage coordinator.
//
// Ingestion never surfaces storage errors to producers; failures are
// logged, counted and retried so a storage outage can never break the
// application being observed.
type Pipeline struct {
	cfg        Config
	store      Store
	sampler    *sampling.Sampler
	normalizer *entry.Normalizer
	queues     map[string]*queue
	retry      *retryQueue
	metrics    *Metrics
	logger     *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	// observers receive every admitted entry (live feed); see Subscribe.
	observers []func(*entry.Entry)
}

// New creates a pipeline. Call Start before recording.
func New(store Store, sampler *sampling.Sampler, metrics *Metrics, cfg Config) *Pipeline {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 10
	}
	if cfg.DefaultFlushInterval <= 0 {
		cfg.DefaultFlushInterval = 5 * time.Second
	}
	if cfg.RetryQueueLimit <= 0 {
		cfg.RetryQueueLimit = 1000
	}
	if cfg.RetryBatchLimit <= 0 {
		cfg.RetryBatchLimit = 20
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}

	queues := make(map[string]*queue)
	for key, qc := range queueConfigs(cfg.DefaultBatchSize, cfg.DefaultFlushInterval, cfg.QueueOverrides) {
		queues[key] = &queue{key: key, cfg: qc}
	}

	return &Pipeline{
		cfg:        cfg,
		store:      store,
		sampler:    sampler,
		normalizer: entry.NewNormalizer(),
		queues:     queues,
		retry:      newRetryQueue(cfg.RetryQueueLimit),
		metrics:    metrics,
		logger:     slog.Default().With("component", "pipeline"),
	}
}

// Start launches one flush goroutine per queue plus the retry and metrics
// loops.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for _, q := range p.queues {
		p.wg.Add(1)
		go p.flushLoop(q)
	}
	p.wg.Add(2)
	go p.retryLoop()
	go p.metricsLoop()
}

// Stop shuts the pipeline down in order: stop all timers, flush every
// queue to completion, then drain the retry queue once.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, q := range p.queues {
		p.flushQueue(q)
	}
	p.drainRetries()
	return nil
}

// Subscribe registers an observer receiving every admitted entry after
// normalization. Must be called before Start.
func (p *Pipeline) Subscribe(fn func(*entry.Entry)) {
	p.observers = append(p.observers, fn)
}

// Record offers one entry to the pipeline. It returns an error only when
// the entry fails validation; storage failures are retried internally and
// never propagate to the producer.
func (p *Pipeline) Record(ctx context.Context, e *entry.Entry) error {
	p.metrics.EntriesReceived.Inc()

	if err := e.Validate(); err != nil {
		p.metrics.EntriesRejected.Inc()
		return err
	}

	if p.sampler != nil {
		failure := eventError(e)
		// Every valid event feeds the sampler's load window, admitted
		// or not, so load scaling sees real traffic.
		p.sampler.Observe(entryLatency(e), failure != nil)
		if !p.sampler.ShouldSample(samplingContext(e), failure) {
			p.metrics.EntriesSampledOut.Inc()
			return nil
		}
	}

	p.normalizer.EnsureFields(e)
	p.metrics.CountProcessed(1)
	p.notifyObservers(e)

	if !p.shouldBatch(e) {
		p.storeImmediate(e)
		return nil
	}

	key := queueKey(e)
	q := p.queues[key]
	p.metrics.EntriesQueued.WithLabelValues(key).Inc()

	if full := q.add(e); full && q.flushing.CompareAndSwap(false, true) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.flushQueue(q)
			q.flushing.Store(false)
		}()
	}
	return nil
}

// RecordBatch offers a batch of entries, stamping each with a shared batch
// id. It returns how many entries were accepted (admitted or queued) and
// how many were rejected by validation.
func (p *Pipeline) RecordBatch(ctx context.Context, entries []*entry.Entry) (accepted, rejected int) {
	batchID := uuid.NewString()
	for _, e := range entries {
		if e.BatchID == "" {
			e.BatchID = batchID
		}
		if err := p.Record(ctx, e); err != nil {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected
}

// storeImmediate writes urgent entries straight to storage; failures join
// the retry queue instead of surfacing.
func (p *Pipeline) storeImmediate(e *entry.Entry) {
	p.metrics.EntriesImmediate.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StoreTimeout)
	defer cancel()

	if err := p.store.Store(ctx, e); err != nil {
		p.logger.Warn("immediate store failed, scheduling retry",
			"entry", e.ID, "error", err)
		p.pushRetry(retryItem{e: e, queue: queueKey(e), urgent: e.HasTag(TagCritical) || e.HasTag(TagError)})
	}
}

func (p *Pipeline) notifyObservers(e *entry.Entry) {
	for _, fn := range p.observers {
		fn(e)
	}
}

// Snapshot reports current buffer occupancy for health endpoints.
type Snapshot struct {
	QueueDepths  map[string]int `json:"queue_depths"`
	RetryPending int            `json:"retry_pending"`
}

// Status returns a point-in-time snapshot of queue and retry depths.
func (p *Pipeline) Status() Snapshot {
	depths := make(map[string]int, len(p.queues))
	for key, q := range p.queues {
		depths[key] = q.depth()
	}
	return Snapshot{QueueDepths: depths, RetryPending: p.retry.len()}
}

// samplingContext derives the sampler's view of an entry from its content.
func samplingContext(e *entry.Entry) sampling.Context {
	sctx := sampling.Context{Attributes: map[string]string{"type": e.Type}}
	if path, ok := e.Content["path"].(string); ok {
		sctx.Path = path
	} else if uri, ok := e.Content["uri"].(string); ok {
		sctx.Path = uri
	}
	if method, ok := e.Content["method"].(string); ok {
		sctx.Method = method
	}
	for _, tag := range e.Tags {
		sctx.Attributes["tag:"+tag] = "true"
	}
	return sctx
}

// entryLatency extracts the event's duration from its content, when the
// producer reported one.
func entryLatency(e *entry.Entry) time.Duration {
	switch v := e.Content["duration_ms"].(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

// eventError reports whether the event represents a failure, which feeds
// the sampler's error multiplier.
func eventError(e *entry.Entry) error {
	if e.Type == entry.TypeException || e.HasTag(TagError) || e.HasTag(TagException) {
		return errEventFailure
	}
	return nil
}
