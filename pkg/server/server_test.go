package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensview/lensview/pkg/config"
	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/pipeline"
	"github.com/lensview/lensview/pkg/sampling"
	"github.com/lensview/lensview/pkg/storage"
	"github.com/lensview/lensview/pkg/storage/memory"
)

// newTestServer wires a memory-backed coordinator with batching disabled so
// every recorded entry is visible immediately.
func newTestServer(t *testing.T) (*Server, *storage.Coordinator) {
	t.Helper()

	coord := storage.NewCoordinator(storage.CoordinatorConfig{Primary: "memory"})
	coord.Register("memory", memory.New(memory.Config{}))

	reg := prometheus.NewRegistry()
	sampler := sampling.New(sampling.Config{BaseRate: 100, MinRate: 100, MaxRate: 100})
	cfg := pipeline.DefaultConfig()
	cfg.BatchingEnabled = false
	pipe := pipeline.New(coord, sampler, pipeline.NewMetrics(reg), cfg)

	srv := New(config.Default().Server, coord, pipe, nil, NewHub(), reg)
	return srv, coord
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRecordAndFetchEntry(t *testing.T) {
	srv, coord := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{
		Type:    entry.TypeRequest,
		Content: map[string]any{"path": "/checkout", "method": "POST"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	result, err := coord.Find(context.Background(), storage.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	id := result.Entries[0].ID

	got := get(t, srv.Handler(), "/v1/entries/"+id)
	require.Equal(t, http.StatusOK, got.Code)

	var fetched entry.Entry
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &fetched))
	assert.Equal(t, entry.TypeRequest, fetched.Type)
	assert.NotEmpty(t, fetched.FamilyHash)
}

func TestRecordRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/entries", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordRejectsInvalidEntry(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Content: map[string]any{"a": 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchIngestReportsCounts(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/entries/batch", []entry.Entry{
		{Type: entry.TypeQuery},
		{Type: entry.TypeJob},
		{}, // invalid
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
}

func TestFindEntriesFiltersByType(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeQuery})
	}
	postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeJob})

	rec := get(t, srv.Handler(), "/v1/entries?type=query&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var result storage.FindResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Entries, 2)
	assert.True(t, result.HasMore)
}

func TestFindEntriesRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/v1/entries?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv.Handler(), "/v1/entries?from=yesterday").Code)
}

func TestGetMissingEntryIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/v1/entries/nope").Code)
}

func TestDeleteEntry(t *testing.T) {
	srv, coord := newTestServer(t)

	postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeCache})
	result, err := coord.Find(context.Background(), storage.Filter{})
	require.NoError(t, err)
	id := result.Entries[0].ID

	req := httptest.NewRequest(http.MethodDelete, "/v1/entries/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/v1/entries/"+id).Code)
}

func TestClearWipesStorage(t *testing.T) {
	srv, coord := newTestServer(t)

	postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeJob})

	rec := postJSON(t, srv.Handler(), "/v1/clear", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	result, err := coord.Find(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Zero(t, result.Total)
}

func TestPruneByAge(t *testing.T) {
	srv, coord := newTestServer(t)

	old := &entry.Entry{
		ID:        "old",
		Type:      entry.TypeRequest,
		Timestamp: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, coord.Store(context.Background(), old))
	postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeRequest})

	rec := postJSON(t, srv.Handler(), "/v1/prune?hours=24", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pruned":1}`, rec.Body.String())
}

func TestHealthReportsDrivers(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Primary)
	assert.True(t, health.Drivers["memory"])
}

func TestSwapPrimaryRejectsUnknownDriver(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/storage/primary", swapRequest{Driver: "ghost"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSwapPrimaryPromotesRegisteredDriver(t *testing.T) {
	srv, coord := newTestServer(t)
	coord.Register("spare", memory.New(memory.Config{}))

	rec := postJSON(t, srv.Handler(), "/v1/storage/primary", swapRequest{Driver: "spare"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spare", coord.Primary())
}

func TestMetricsEndpointExposed(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{Type: entry.TypeQuery})

	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lensview_entries_received_total")
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		postJSON(t, srv.Handler(), "/v1/entries", entry.Entry{
			Type:    entry.TypeQuery,
			Content: map[string]any{"sql": fmt.Sprintf("select %d", i)},
		})
	}

	rec := get(t, srv.Handler(), "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 5, stats.TotalEntries)
	assert.Equal(t, 5, stats.EntriesByType[entry.TypeQuery])
}
