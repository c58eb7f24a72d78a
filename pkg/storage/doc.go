/*
Package storage provides the pluggable storage abstraction for telemetry
entries.

# Driver Interface

All backends implement the Driver interface:

	type Driver interface {
	    Store(ctx context.Context, e *entry.Entry) error
	    StoreBatch(ctx context.Context, entries []*entry.Entry) error
	    Find(ctx context.Context, f Filter) (*FindResult, error)
	    FindByID(ctx context.Context, id string) (*entry.Entry, error)
	    Delete(ctx context.Context, id string) error
	    Clear(ctx context.Context) error
	    Prune(ctx context.Context, olderThan time.Time) (int, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Different use cases need different backends:

  - Development and tests: memory (fast, no disk I/O, bounded by MaxEntries)
  - Small deployments: file (one JSON file per entry plus an index)
  - Production: badger (BadgerDB LSM tree with per-key TTL)

# Coordinator

The Coordinator owns a named set of drivers with one primary and an optional
fallback. Every operation is executed primary-first; on failure the fallback
is tried once, and if both fail the original primary error surfaces. A
periodic health loop probes each driver (HealthCheck where implemented,
otherwise a Stats call) and the primary can be hot-swapped at runtime to any
registered healthy driver.

# Usage

	mem := memory.New(memory.Config{MaxEntries: 10000})
	db, err := badgerstore.New(badgerstore.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}

	coord := storage.NewCoordinator(storage.CoordinatorConfig{
	    Primary:  "badger",
	    Fallback: "memory",
	})
	coord.Register("badger", db)
	coord.Register("memory", mem)

	err = coord.Store(ctx, e)
	res, err := coord.Find(ctx, storage.Filter{Type: "request", Limit: 50})

Always call Close when done so pending writes are flushed, and keep an eye
on Stats to track growth.
*/
package storage
