package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/storage"
)

const indexFilename = "index.json"

// Config holds file driver configuration.
type Config struct {
	// Dir is the directory holding the sharded entry files plus index.json.
	Dir string
}

// indexRecord is what the index keeps per entry so Find can filter and sort
// without loading entry bodies.
type indexRecord struct {
	Filename   string    `json:"filename"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags"`
	FamilyHash string    `json:"family_hash"`
	Sequence   int64     `json:"sequence"`
}

// Driver stores one JSON file per entry, sharded over 256 subdirectories,
// with a single index file mapping id to filterable metadata. The index is
// kept fully in memory and written back on every mutation, so Find never
// has to scan the directory tree.
type Driver struct {
	mu     sync.RWMutex
	dir    string
	index  map[string]indexRecord
	logger *slog.Logger
}

// New creates (or reopens) a file-backed storage driver. An existing index
// file is loaded; a missing one starts empty.
func New(cfg Config) (*Driver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("file driver: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &Driver{
		dir:    cfg.Dir,
		index:  make(map[string]indexRecord),
		logger: slog.Default().With("component", "storage.file"),
	}
	if err := d.loadIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(d.dir, indexFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	if err := json.Unmarshal(data, &d.index); err != nil {
		return fmt.Errorf("parse index: %w", err)
	}
	return nil
}

// persistIndexLocked writes the index atomically (tmp file + rename).
// Must be called with the write lock held.
func (d *Driver) persistIndexLocked() error {
	data, err := json.Marshal(d.index)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp := filepath.Join(d.dir, indexFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(d.dir, indexFilename))
}

// shard spreads entry files over 256 subdirectories so no single directory
// grows unbounded. The shard is stable for a given id.
func shard(id string) string {
	return fmt.Sprintf("%02x", xxhash.Sum64String(id)&0xff)
}

func (d *Driver) entryPath(id string) string {
	return filepath.Join(d.dir, shard(id), id+".json")
}

// Store persists a single entry.
func (d *Driver) Store(ctx context.Context, e *entry.Entry) error {
	return d.StoreBatch(ctx, []*entry.Entry{e})
}

// StoreBatch writes each entry's file, then persists the index once.
func (d *Driver) StoreBatch(ctx context.Context, entries []*entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		if err := os.MkdirAll(filepath.Join(d.dir, shard(e.ID)), 0o755); err != nil {
			return fmt.Errorf("create shard dir for %s: %w", e.ID, err)
		}
		if err := os.WriteFile(d.entryPath(e.ID), data, 0o644); err != nil {
			return fmt.Errorf("write entry %s: %w", e.ID, err)
		}
		d.index[e.ID] = indexRecord{
			Filename:   filepath.Join(shard(e.ID), e.ID+".json"),
			Type:       e.Type,
			Timestamp:  e.Timestamp,
			Tags:       e.Tags,
			FamilyHash: e.FamilyHash,
			Sequence:   e.Sequence,
		}
	}
	return d.persistIndexLocked()
}

// Find filters, sorts and paginates over the in-memory index, then lazily
// loads only the files on the requested page. An index entry whose file has
// gone missing is dropped from the index and the query continues.
func (d *Driver) Find(ctx context.Context, f storage.Filter) (*storage.FindResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	type candidate struct {
		id  string
		rec indexRecord
	}
	var matches []candidate
	for id, rec := range d.index {
		if !matchesRecord(rec, f) {
			continue
		}
		matches = append(matches, candidate{id: id, rec: rec})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].rec.Timestamp.After(matches[j].rec.Timestamp)
	})

	total := len(matches)
	offset := f.Offset
	if offset > total {
		offset = total
	}
	page := matches[offset:]
	hasMore := false
	if f.Limit > 0 && len(page) > f.Limit {
		page = page[:f.Limit]
		hasMore = true
	}

	entries := make([]*entry.Entry, 0, len(page))
	indexDirty := false
	for _, c := range page {
		e, err := d.loadEntry(c.id)
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("index entry has no file, pruning", "id", c.id)
			delete(d.index, c.id)
			indexDirty = true
			total--
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if indexDirty {
		if err := d.persistIndexLocked(); err != nil {
			d.logger.Warn("failed to persist pruned index", "error", err)
		}
	}

	return &storage.FindResult{Entries: entries, Total: total, HasMore: hasMore}, nil
}

func matchesRecord(rec indexRecord, f storage.Filter) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range rec.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DateFrom.IsZero() && rec.Timestamp.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && rec.Timestamp.After(f.DateTo) {
		return false
	}
	return true
}

func (d *Driver) loadEntry(id string) (*entry.Entry, error) {
	data, err := os.ReadFile(d.entryPath(id))
	if err != nil {
		return nil, err
	}
	var e entry.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &e, nil
}

// FindByID loads a single entry file.
func (d *Driver) FindByID(ctx context.Context, id string) (*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	_, ok := d.index[id]
	d.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}

	e, err := d.loadEntry(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	return e, err
}

// Delete removes the entry file and its index record.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[id]; !ok {
		return nil
	}
	if err := os.Remove(d.entryPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	delete(d.index, id)
	return d.persistIndexLocked()
}

// Clear removes every entry file and resets the index.
func (d *Driver) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id := range d.index {
		if err := os.Remove(d.entryPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove entry %s: %w", id, err)
		}
	}
	d.index = make(map[string]indexRecord)
	return d.persistIndexLocked()
}

// Prune removes entries older than the cutoff and returns the count removed.
func (d *Driver) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, rec := range d.index {
		if !rec.Timestamp.Before(olderThan) {
			continue
		}
		if err := os.Remove(d.entryPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove entry %s: %w", id, err)
		}
		delete(d.index, id)
		removed++
	}
	if removed > 0 {
		if err := d.persistIndexLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats aggregates over the index without touching entry files, except for
// the on-disk size which comes from the directory listing.
func (d *Driver) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := &storage.Stats{
		TotalEntries:  len(d.index),
		EntriesByType: make(map[string]int),
	}

	var oldest, newest time.Time
	for _, rec := range d.index {
		stats.EntriesByType[rec.Type]++
		if oldest.IsZero() || rec.Timestamp.Before(oldest) {
			oldest = rec.Timestamp
		}
		if newest.IsZero() || rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
	}
	if !oldest.IsZero() {
		stats.OldestEntry = &oldest
		stats.NewestEntry = &newest
	}

	err := filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return err
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		stats.SizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk data dir: %w", err)
	}

	return stats, nil
}

// HealthCheck verifies the directory is usable by writing, reading and
// deleting a probe file.
func (d *Driver) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe := filepath.Join(d.dir, ".healthcheck")
	payload := []byte(time.Now().Format(time.RFC3339Nano))

	if err := os.WriteFile(probe, payload, 0o644); err != nil {
		return fmt.Errorf("health probe write: %w", err)
	}
	read, err := os.ReadFile(probe)
	if err != nil {
		return fmt.Errorf("health probe read: %w", err)
	}
	if string(read) != string(payload) {
		return fmt.Errorf("health probe mismatch")
	}
	return os.Remove(probe)
}

// Close persists the index one final time.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persistIndexLocked()
}
