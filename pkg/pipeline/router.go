package pipeline

import (
	"strings"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// Queue keys with dedicated policies. Entries that match none of the
// special cases route to their own type's queue, or to QueueDefault.
const (
	QueueCritical = "critical"
	QueueError    = "error"
	QueueDevtools = "devtools"
	QueueDefault  = "default"
)

// Tags that alter routing and batching.
const (
	TagCritical  = "critical"
	TagError     = "error"
	TagException = "exception"
	TagRealtime  = "realtime"
)

// MaxBatchableSize is the serialized-size cutoff above which an entry
// bypasses batching and is written immediately.
const MaxBatchableSize = 100 * 1024

// QueueConfig is the per-queue batching policy.
type QueueConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// queueKey assigns an entry to a named queue.
func queueKey(e *entry.Entry) string {
	switch {
	case e.HasTag(TagCritical):
		return QueueCritical
	case e.HasTag(TagError), e.HasTag(TagException):
		return QueueError
	case strings.HasPrefix(e.Type, "devtools"):
		return QueueDevtools
	}
	switch e.Type {
	case entry.TypeRequest, entry.TypeQuery, entry.TypeJob, entry.TypeCache:
		return e.Type
	}
	return QueueDefault
}

// shouldBatch reports whether the entry can wait in a queue. Urgent, large
// and real-time entries skip batching and are stored immediately.
func (p *Pipeline) shouldBatch(e *entry.Entry) bool {
	if !p.cfg.BatchingEnabled {
		return false
	}
	if e.HasTag(TagCritical) || e.HasTag(TagError) || e.HasTag(TagException) || e.HasTag(TagRealtime) {
		return false
	}
	if size := e.SerializedSize(); size > MaxBatchableSize {
		p.logger.Info("entry exceeds batchable size, storing immediately",
			"entry", e.ID, "size", size)
		return false
	}
	return true
}

// queueConfigs resolves the per-queue policy table. The critical queue
// effectively disables batching (size 1, short interval); errors flush in
// small fast batches; the request queue carries the bulk of traffic and
// runs at double the default batch; devtools entries are low-value and can
// wait three intervals.
func queueConfigs(defaultSize int, defaultInterval time.Duration, overrides map[string]QueueConfig) map[string]QueueConfig {
	cfgs := map[string]QueueConfig{
		QueueCritical:     {BatchSize: 1, FlushInterval: 100 * time.Millisecond},
		QueueError:        {BatchSize: 5, FlushInterval: time.Second},
		QueueDevtools:     {BatchSize: defaultSize, FlushInterval: 3 * defaultInterval},
		entry.TypeRequest: {BatchSize: 2 * defaultSize, FlushInterval: 2 * defaultInterval},
		entry.TypeQuery:   {BatchSize: defaultSize, FlushInterval: defaultInterval},
		entry.TypeJob:     {BatchSize: defaultSize, FlushInterval: defaultInterval},
		entry.TypeCache:   {BatchSize: defaultSize, FlushInterval: defaultInterval},
		QueueDefault:      {BatchSize: defaultSize, FlushInterval: defaultInterval},
	}
	for key, override := range overrides {
		cfg := cfgs[key]
		if override.BatchSize > 0 {
			cfg.BatchSize = override.BatchSize
		}
		if override.FlushInterval > 0 {
			cfg.FlushInterval = override.FlushInterval
		}
		cfgs[key] = cfg
	}
	return cfgs
}
