package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/storage"
)

// DefaultMaxEntries caps the store when no limit is configured.
const DefaultMaxEntries = 10000

// Config holds memory driver configuration.
type Config struct {
	// MaxEntries caps the store; on overflow the oldest entries (by
	// timestamp) are evicted first. 0 uses DefaultMaxEntries.
	MaxEntries int
}

// Driver stores entries in memory. Data is lost on restart.
// Useful for testing, development, and as a fallback backend.
type Driver struct {
	mu         sync.RWMutex
	entries    []*entry.Entry
	byID       map[string]*entry.Entry
	maxEntries int
}

// New creates an in-memory storage driver.
func New(cfg Config) *Driver {
	max := cfg.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Driver{
		entries:    make([]*entry.Entry, 0, 1024),
		byID:       make(map[string]*entry.Entry),
		maxEntries: max,
	}
}

// Store persists a single entry.
func (d *Driver) Store(ctx context.Context, e *entry.Entry) error {
	return d.StoreBatch(ctx, []*entry.Entry{e})
}

// StoreBatch persists a batch of entries, evicting the oldest when the cap
// is exceeded.
func (d *Driver) StoreBatch(ctx context.Context, entries []*entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		cp := clone(e)
		d.entries = append(d.entries, cp)
		d.byID[cp.ID] = cp
	}
	d.enforceCapLocked()
	return nil
}

// clone copies an entry so callers and the store never share Tags or
// Content. Values nested inside Content remain shared; entries are treated
// as immutable below the top level.
func clone(e *entry.Entry) *entry.Entry {
	cp := *e
	cp.Tags = slices.Clone(e.Tags)
	cp.Content = maps.Clone(e.Content)
	return &cp
}

// enforceCapLocked keeps only the newest maxEntries entries, oldest-first
// eviction by timestamp.
func (d *Driver) enforceCapLocked() {
	if len(d.entries) <= d.maxEntries {
		return
	}
	sort.SliceStable(d.entries, func(i, j int) bool {
		return d.entries[i].Timestamp.Before(d.entries[j].Timestamp)
	})
	evicted := d.entries[:len(d.entries)-d.maxEntries]
	for _, e := range evicted {
		delete(d.byID, e.ID)
	}
	d.entries = append([]*entry.Entry(nil), d.entries[len(d.entries)-d.maxEntries:]...)
}

// Find retrieves entries matching the filter, newest first.
func (d *Driver) Find(ctx context.Context, f storage.Filter) (*storage.FindResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []*entry.Entry
	for _, e := range d.entries {
		if f.Matches(e) {
			matches = append(matches, e)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	total := len(matches)
	page, hasMore := storage.Page(matches, f.Limit, f.Offset)

	out := make([]*entry.Entry, len(page))
	for i, e := range page {
		out[i] = clone(e)
	}
	return &storage.FindResult{Entries: out, Total: total, HasMore: hasMore}, nil
}

// FindByID retrieves a single entry or storage.ErrNotFound.
func (d *Driver) FindByID(ctx context.Context, id string) (*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e), nil
}

// Delete removes one entry by id.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[id]; !ok {
		return nil
	}
	delete(d.byID, id)
	for i, e := range d.entries {
		if e.ID == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes every entry.
func (d *Driver) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = d.entries[:0]
	d.byID = make(map[string]*entry.Entry)
	return nil
}

// Prune removes entries older than the cutoff and returns the count removed.
func (d *Driver) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := make([]*entry.Entry, 0, len(d.entries))
	removed := 0
	for _, e := range d.entries {
		if e.Timestamp.Before(olderThan) {
			delete(d.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return removed, nil
}

// Stats returns aggregate statistics computed in a single pass.
func (d *Driver) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := &storage.Stats{
		TotalEntries:  len(d.entries),
		EntriesByType: make(map[string]int),
	}
	if len(d.entries) == 0 {
		return stats, nil
	}

	oldest := d.entries[0].Timestamp
	newest := d.entries[0].Timestamp
	var size int64

	for _, e := range d.entries {
		stats.EntriesByType[e.Type]++
		if e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
		size += int64(e.SerializedSize())
	}

	stats.OldestEntry = &oldest
	stats.NewestEntry = &newest
	stats.SizeBytes = size
	return stats, nil
}

// Close is a no-op for memory storage.
func (d *Driver) Close() error {
	return nil
}
