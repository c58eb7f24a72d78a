package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/storage"
)

// Key layout. Every entry produces four keys that share one TTL so they
// expire together:
//
//	e:<id>                      entry body (JSON)
//	m:<id>                      filterable metadata (JSON)
//	t:<type>:<ts-be64><id>      per-type time index, value = id
//	g:<ts-be64><id>             global time index, value = id
//
// Timestamps are big-endian nanoseconds so keys iterate in time order, the
// same sortable-key trick as a sorted set scored by timestamp. Tag and type
// filtering reads only m: records; entry bodies load lazily per page.
const (
	prefixEntry  = "e:"
	prefixMeta   = "m:"
	prefixTyped  = "t:"
	prefixGlobal = "g:"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// TTL expires entries automatically. 0 disables expiry; Prune still
	// works either way.
	TTL time.Duration

	// MaxMemoryMB limits BadgerDB memory usage (0 = conservative default).
	MaxMemoryMB int64
}

// Driver implements storage.Driver on BadgerDB (LSM tree with per-key TTL).
type Driver struct {
	db  *badger.DB
	ttl time.Duration
}

// metaRecord holds the filterable fields so tag filtering never loads
// entry bodies.
type metaRecord struct {
	Type       string    `json:"type"`
	Tags       []string  `json:"tags"`
	FamilyHash string    `json:"family_hash"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

// New opens a BadgerDB storage driver.
func New(cfg Config) (*Driver, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// Conservative memory bounds: Badger's defaults assume a dedicated
	// database host, not a sidecar telemetry store.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Driver{db: db, ttl: cfg.TTL}, nil
}

// Store persists a single entry.
func (d *Driver) Store(ctx context.Context, e *entry.Entry) error {
	return d.StoreBatch(ctx, []*entry.Entry{e})
}

// StoreBatch writes every key for the batch through one WriteBatch, a
// single pipelined round trip into the LSM.
func (d *Driver) StoreBatch(ctx context.Context, entries []*entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		meta, err := json.Marshal(metaRecord{
			Type:       e.Type,
			Tags:       e.Tags,
			FamilyHash: e.FamilyHash,
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", e.ID, err)
		}

		id := []byte(e.ID)
		sets := []struct {
			key []byte
			val []byte
		}{
			{entryKey(e.ID), body},
			{metaKey(e.ID), meta},
			{typedIndexKey(e.Type, e.Timestamp, e.ID), id},
			{globalIndexKey(e.Timestamp, e.ID), id},
		}
		for _, s := range sets {
			item := badger.NewEntry(s.key, s.val)
			if d.ttl > 0 {
				item = item.WithTTL(d.ttl)
			}
			if err := wb.SetEntry(item); err != nil {
				return fmt.Errorf("batch set: %w", err)
			}
		}
	}
	return wb.Flush()
}

// Find walks the time index (per-type if the filter names one, global
// otherwise), filters via metadata records, then loads bodies only for the
// requested page.
func (d *Driver) Find(ctx context.Context, f storage.Filter) (*storage.FindResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(prefixGlobal)
	if f.Type != "" {
		prefix = []byte(prefixTyped + f.Type + ":")
	}

	type match struct {
		id string
		ts time.Time
	}
	var matches []match

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			ts, id, ok := parseIndexKey(key, len(prefix))
			if !ok {
				continue
			}
			if !f.DateFrom.IsZero() && ts.Before(f.DateFrom) {
				continue
			}
			if !f.DateTo.IsZero() && ts.After(f.DateTo) {
				continue
			}
			if len(f.Tags) > 0 {
				meta, err := getMeta(txn, id)
				if err != nil {
					if errors.Is(err, badger.ErrKeyNotFound) {
						continue
					}
					return err
				}
				if !hasAllTags(meta.Tags, f.Tags) {
					continue
				}
			}
			matches = append(matches, match{id: id, ts: ts})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Index keys iterate oldest first; results go out newest first.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].ts.After(matches[j].ts)
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
	err = d.db.View(func(txn *badger.Txn) error {
		for _, m := range page {
			e, err := getEntry(txn, m.id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Body expired between index scan and load.
				total--
				continue
			}
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &storage.FindResult{Entries: entries, Total: total, HasMore: hasMore}, nil
}

// FindByID loads a single entry body.
func (d *Driver) FindByID(ctx context.Context, id string) (*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e *entry.Entry
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes every key belonging to the entry.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return d.db.Update(func(txn *badger.Txn) error {
		meta, err := getMeta(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, key := range [][]byte{
			entryKey(id),
			metaKey(id),
			typedIndexKey(meta.Type, meta.Timestamp, id),
			globalIndexKey(meta.Timestamp, id),
		} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear drops every key in the store.
func (d *Driver) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.DropAll()
}

// Prune walks the global time index from the oldest entry and removes
// everything before the cutoff.
func (d *Driver) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type victim struct {
		id string
		ts time.Time
	}
	var victims []victim

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixGlobal)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ts, id, ok := parseIndexKey(it.Item().Key(), len(prefixGlobal))
			if !ok {
				continue
			}
			if !ts.Before(olderThan) {
				// Keys iterate in time order: nothing older remains.
				break
			}
			victims = append(victims, victim{id: id, ts: ts})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, v := range victims {
		meta := metaRecord{Timestamp: v.ts}
		err := d.db.View(func(txn *badger.Txn) error {
			m, err := getMeta(txn, v.id)
			if err != nil {
				return err
			}
			meta = *m
			return nil
		})
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return 0, err
		}
		for _, key := range [][]byte{
			entryKey(v.id),
			metaKey(v.id),
			typedIndexKey(meta.Type, meta.Timestamp, v.id),
			globalIndexKey(v.ts, v.id),
		} {
			if err := wb.Delete(key); err != nil {
				return 0, err
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Stats aggregates over metadata records only.
func (d *Driver) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{EntriesByType: make(map[string]int)}
	var oldest, newest time.Time

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMeta)

		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var meta metaRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}

			stats.TotalEntries++
			stats.EntriesByType[meta.Type]++
			if oldest.IsZero() || meta.Timestamp.Before(oldest) {
				oldest = meta.Timestamp
			}
			if newest.IsZero() || meta.Timestamp.After(newest) {
				newest = meta.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !oldest.IsZero() {
		stats.OldestEntry = &oldest
		stats.NewestEntry = &newest
	}
	lsm, vlog := d.db.Size()
	stats.SizeBytes = lsm + vlog
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk space.
func (d *Driver) RunGC(discardRatio float64) error {
	return d.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (d *Driver) Close() error {
	return d.db.Close()
}

func entryKey(id string) []byte { return []byte(prefixEntry + id) }
func metaKey(id string) []byte  { return []byte(prefixMeta + id) }

func typedIndexKey(typ string, ts time.Time, id string) []byte {
	var buf bytes.Buffer
	buf.WriteString(prefixTyped)
	buf.WriteString(typ)
	buf.WriteByte(':')
	writeTimestamp(&buf, ts)
	buf.WriteString(id)
	return buf.Bytes()
}

func globalIndexKey(ts time.Time, id string) []byte {
	var buf bytes.Buffer
	buf.WriteString(prefixGlobal)
	writeTimestamp(&buf, ts)
	buf.WriteString(id)
	return buf.Bytes()
}

func writeTimestamp(buf *bytes.Buffer, ts time.Time) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts.UnixNano()))
	buf.Write(b[:])
}

// parseIndexKey extracts the timestamp and id from an index key given the
// prefix length.
func parseIndexKey(key []byte, prefixLen int) (time.Time, string, bool) {
	rest := key[prefixLen:]
	if len(rest) < 8 {
		return time.Time{}, "", false
	}
	nanos := binary.BigEndian.Uint64(rest[:8])
	return time.Unix(0, int64(nanos)), string(rest[8:]), true
}

func getEntry(txn *badger.Txn, id string) (*entry.Entry, error) {
	item, err := txn.Get(entryKey(id))
	if err != nil {
		return nil, err
	}
	var e entry.Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func getMeta(txn *badger.Txn, id string) (*metaRecord, error) {
	item, err := txn.Get(metaKey(id))
	if err != nil {
		return nil, err
	}
	var m metaRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return nil, err
	}
	return &m, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
