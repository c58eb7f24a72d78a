package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/storage"
)

type recordingServer struct {
	mu       sync.Mutex
	paths    []string
	batches  [][]*entry.Entry
	status   int
	lastAuth string
}

func (rs *recordingServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.paths = append(rs.paths, r.Method+" "+r.URL.Path)
		rs.lastAuth = r.Header.Get("Authorization")

		if r.URL.Path == "/v1/entries/batch" {
			var batch []*entry.Entry
			json.NewDecoder(r.Body).Decode(&batch)
			rs.batches = append(rs.batches, batch)
		}

		status := rs.status
		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		w.Write([]byte("{}"))
	})
}

func newClientAndServer(t *testing.T, rs *recordingServer, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(rs.handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestRecordPostsEntry(t *testing.T) {
	rs := &recordingServer{}
	c := newClientAndServer(t, rs)

	err := c.Record(context.Background(), &entry.Entry{Type: entry.TypeRequest})
	require.NoError(t, err)
	assert.Equal(t, []string{"POST /v1/entries"}, rs.paths)
}

func TestAPIKeySentAsBearer(t *testing.T) {
	rs := &recordingServer{}
	c := newClientAndServer(t, rs, WithAPIKey("sk-123"))

	require.NoError(t, c.Record(context.Background(), &entry.Entry{Type: entry.TypeJob}))
	assert.Equal(t, "Bearer sk-123", rs.lastAuth)
}

func TestServerErrorSurface(t *testing.T) {
	rs := &recordingServer{status: http.StatusInternalServerError}
	c := newClientAndServer(t, rs)

	err := c.Record(context.Background(), &entry.Entry{Type: entry.TypeCache})
	assert.Error(t, err)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	rs := &recordingServer{}
	c := newClientAndServer(t, rs)

	require.NoError(t, c.RecordBatch(context.Background(), nil))
	assert.Empty(t, rs.paths)
}

func TestFindBuildsQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(storage.FindResult{Total: 0})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Find(context.Background(), storage.Filter{
		Type:  entry.TypeQuery,
		Tags:  []string{"slow"},
		Limit: 5,
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "type=query")
	assert.Contains(t, gotQuery, "tag=slow")
	assert.Contains(t, gotQuery, "limit=5")
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	rs := &recordingServer{}
	c := newClientAndServer(t, rs)

	b := NewBatcher(c, BatcherConfig{MaxBatchSize: 2, FlushEvery: time.Hour})

	b.Add(&entry.Entry{Type: entry.TypeQuery})
	b.Add(&entry.Entry{Type: entry.TypeQuery})

	require.Eventually(t, func() bool {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return len(rs.batches) == 1
	}, time.Second, 10*time.Millisecond)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Len(t, rs.batches[0], 2)
}

func TestBatcherStopShipsRemainder(t *testing.T) {
	rs := &recordingServer{}
	c := newClientAndServer(t, rs)

	b := NewBatcher(c, BatcherConfig{MaxBatchSize: 100, FlushEvery: time.Hour})
	b.Start(context.Background())

	b.Add(&entry.Entry{Type: entry.TypeJob})
	require.NoError(t, b.Stop())

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.batches, 1)
	assert.Len(t, rs.batches[0], 1)
}
