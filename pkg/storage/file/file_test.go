package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/storage"
)

func newDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := New(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, dir
}

func testEntry(id, typ string, ts time.Time) *entry.Entry {
	return &entry.Entry{
		ID:         id,
		Type:       typ,
		FamilyHash: entry.FamilyHash(typ, nil),
		Content:    map[string]any{"id": id},
		Tags:       []string{},
		Timestamp:  ts,
		Sequence:   1,
	}
}

func TestStoreAndFindByID(t *testing.T) {
	d, dir := newDriver(t)
	ctx := context.Background()

	e := testEntry("e1", entry.TypeRequest, time.Now().UTC())
	require.NoError(t, d.Store(ctx, e))

	got, err := d.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	// One file per entry in its shard dir, plus the index file.
	assert.FileExists(t, filepath.Join(dir, shard("e1"), "e1.json"))
	assert.FileExists(t, filepath.Join(dir, "index.json"))
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, d.Store(ctx, testEntry("e1", entry.TypeJob, time.Now().UTC())))
	require.NoError(t, d.Close())

	reopened, err := New(Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
}

func TestFind_PrunesMissingFiles(t *testing.T) {
	d, dir := newDriver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, d.StoreBatch(ctx, []*entry.Entry{
		testEntry("kept", entry.TypeRequest, now),
		testEntry("orphan", entry.TypeRequest, now.Add(-time.Minute)),
	}))

	// Simulate a file deleted out from under the index.
	require.NoError(t, os.Remove(filepath.Join(dir, shard("orphan"), "orphan.json")))

	res, err := d.Find(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "kept", res.Entries[0].ID)

	// The orphaned index record is gone for good.
	_, err = d.FindByID(ctx, "orphan")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFind_FilterAndPagination(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 15; i++ {
		e := testEntry(fmt.Sprintf("e%02d", i), entry.TypeQuery, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, d.Store(ctx, e))
	}

	res, err := d.Find(ctx, storage.Filter{Type: entry.TypeQuery, Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 10)
	assert.Equal(t, 15, res.Total)
	assert.False(t, res.HasMore)

	// Newest first within the page.
	assert.Equal(t, "e09", res.Entries[0].ID)
}

func TestFind_TagFilterUsesIndex(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()

	tagged := testEntry("tagged", entry.TypeRequest, time.Now().UTC())
	tagged.Tags = []string{"critical", "slow"}
	require.NoError(t, d.StoreBatch(ctx, []*entry.Entry{
		tagged,
		testEntry("plain", entry.TypeRequest, time.Now().UTC()),
	}))

	res, err := d.Find(ctx, storage.Filter{Tags: []string{"critical"}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "tagged", res.Entries[0].ID)
}

func TestPrune(t *testing.T) {
	d, dir := newDriver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, d.StoreBatch(ctx, []*entry.Entry{
		testEntry("stale", entry.TypeCache, now.Add(-48*time.Hour)),
		testEntry("fresh", entry.TypeCache, now),
	}))

	removed, err := d.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, filepath.Join(dir, shard("stale"), "stale.json"))
	_, err = d.FindByID(ctx, "fresh")
	assert.NoError(t, err)
}

func TestDeleteAndClear(t *testing.T) {
	d, dir := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Store(ctx, testEntry("e1", entry.TypeRequest, time.Now().UTC())))
	require.NoError(t, d.Delete(ctx, "e1"))
	assert.NoFileExists(t, filepath.Join(dir, shard("e1"), "e1.json"))
	require.NoError(t, d.Delete(ctx, "e1"))

	require.NoError(t, d.Store(ctx, testEntry("e2", entry.TypeRequest, time.Now().UTC())))
	require.NoError(t, d.Clear(ctx))
	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
}

func TestStats(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, d.StoreBatch(ctx, []*entry.Entry{
		testEntry("r1", entry.TypeRequest, now.Add(-time.Hour)),
		testEntry("j1", entry.TypeJob, now),
	}))

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.EntriesByType[entry.TypeRequest])
	require.NotNil(t, stats.OldestEntry)
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func TestHealthCheck(t *testing.T) {
	d, dir := newDriver(t)

	require.NoError(t, d.HealthCheck(context.Background()))
	assert.NoFileExists(t, filepath.Join(dir, ".healthcheck"))
}
