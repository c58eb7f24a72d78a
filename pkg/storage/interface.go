package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// ErrNotFound is returned by FindByID when no entry has the given id.
var ErrNotFound = errors.New("entry not found")

// Driver is the uniform contract over a concrete storage backend.
// Implementations: memory (testing/ephemeral), file (one JSON file per
// entry plus an index), badger (BadgerDB with TTL).
type Driver interface {
	// Store persists a single entry.
	Store(ctx context.Context, e *entry.Entry) error

	// StoreBatch persists a batch of entries in one round trip where the
	// backend supports it.
	StoreBatch(ctx context.Context, entries []*entry.Entry) error

	// Find retrieves entries matching the filter, newest first.
	Find(ctx context.Context, f Filter) (*FindResult, error)

	// FindByID retrieves a single entry, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*entry.Entry, error)

	// Delete removes one entry by id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Prune removes entries with a timestamp before the cutoff and returns
	// how many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Stats recomputes aggregate statistics on demand.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the backend.
	Close() error
}

// HealthChecker is implemented by drivers that can probe their backend
// directly. Drivers without it are probed via Stats.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Filter selects entries for Find. Zero values mean "no constraint".
type Filter struct {
	// Type restricts results to a single entry type.
	Type string

	// Tags restricts results to entries carrying all listed tags.
	Tags []string

	// DateFrom/DateTo bound the entry timestamp (inclusive).
	DateFrom time.Time
	DateTo   time.Time

	// Limit caps the page size (0 = no limit). Offset skips that many
	// matches after sorting newest first.
	Limit  int
	Offset int
}

// FindResult is one page of matching entries.
type FindResult struct {
	Entries []*entry.Entry `json:"entries"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

// Stats provides storage health and usage info. It is recomputed on demand
// and never persisted.
type Stats struct {
	TotalEntries  int            `json:"total_entries"`
	EntriesByType map[string]int `json:"entries_by_type"`
	OldestEntry   *time.Time     `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time     `json:"newest_entry,omitempty"`
	SizeBytes     int64          `json:"size_bytes,omitempty"`
}

// Matches reports whether an entry satisfies the filter.
func (f Filter) Matches(e *entry.Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	if !f.DateFrom.IsZero() && e.Timestamp.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && e.Timestamp.After(f.DateTo) {
		return false
	}
	return true
}

// Page applies offset/limit to a slice already sorted newest first and
// reports whether more matches remain past the page.
func Page(matches []*entry.Entry, limit, offset int) ([]*entry.Entry, bool) {
	if offset >= len(matches) {
		return nil, false
	}
	page := matches[offset:]
	hasMore := false
	if limit > 0 && len(page) > limit {
		page = page[:limit]
		hasMore = true
	}
	return page, hasMore
}
