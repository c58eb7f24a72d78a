package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pipeline activity. Counters are Prometheus-native; the
// throughput gauge is recomputed from an internal window that resets on
// every reporting interval.
type Metrics struct {
	EntriesReceived   prometheus.Counter
	EntriesSampledOut prometheus.Counter
	EntriesRejected   prometheus.Counter
	EntriesQueued     *prometheus.CounterVec
	EntriesImmediate  prometheus.Counter
	BatchesFlushed    *prometheus.CounterVec
	FlushFailures     *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	RetrySuccesses    prometheus.Counter
	RetryFailures     prometheus.Counter
	RetryDropped      prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	Throughput        prometheus.Gauge

	mu         sync.Mutex
	windowSum  int
	windowFrom time.Time
}

// NewMetrics registers pipeline metrics on the given registerer. Tests pass
// a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_entries_received_total",
			Help: "Entries offered to the pipeline before sampling.",
		}),
		EntriesSampledOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_entries_sampled_out_total",
			Help: "Entries dropped by the adaptive sampler.",
		}),
		EntriesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_entries_rejected_total",
			Help: "Entries rejected at ingest for failing validation.",
		}),
		EntriesQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lensview_entries_queued_total",
			Help: "Entries accepted into a batching queue.",
		}, []string{"queue"}),
		EntriesImmediate: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_entries_immediate_total",
			Help: "Entries written immediately, bypassing batching.",
		}),
		BatchesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lensview_batches_flushed_total",
			Help: "Batches flushed to storage per queue.",
		}, []string{"queue"}),
		FlushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lensview_flush_failures_total",
			Help: "Batch flushes that failed and went to the retry queue.",
		}, []string{"queue"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lensview_flush_duration_seconds",
			Help:    "Time spent flushing one batch to storage.",
			Buckets: prometheus.DefBuckets,
		}),
		RetrySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_retry_successes_total",
			Help: "Entries stored successfully on retry.",
		}),
		RetryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_retry_failures_total",
			Help: "Retry attempts that failed.",
		}),
		RetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lensview_retry_dropped_total",
			Help: "Entries dropped after exhausting retries or overflowing the retry queue.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lensview_queue_depth",
			Help: "Entries currently waiting in each queue.",
		}, []string{"queue"}),
		Throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lensview_throughput_entries_per_second",
			Help: "Entries processed per second since the last metrics reset.",
		}),
		windowFrom: time.Now(),
	}
}

// CountProcessed feeds the throughput window.
func (m *Metrics) CountProcessed(n int) {
	m.mu.Lock()
	m.windowSum += n
	m.mu.Unlock()
}

// ReportThroughput publishes entries/sec since the last reset, then resets
// the window.
func (m *Metrics) ReportThroughput() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.windowFrom).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(m.windowSum) / elapsed
	}
	m.Throughput.Set(rate)
	m.windowSum = 0
	m.windowFrom = time.Now()
	return rate
}
