package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/httpx"
	"github.com/lensview/lensview/pkg/storage"
)

var startTime = time.Now()

// maxBodyBytes caps request bodies on the ingest endpoints.
const maxBodyBytes = 10 << 20

// ingestResponse reports what happened to submitted entries. Rejected
// counts validation failures only; storage problems are invisible to
// producers.
type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected,omitempty"`
}

// handleRecordEntry accepts a single entry.
func (s *Server) handleRecordEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var e entry.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.pipeline.Record(r.Context(), &e); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, ingestResponse{Accepted: 1})
}

// handleRecordBatch accepts a batch of entries sharing one batch id.
func (s *Server) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var entries []*entry.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(entries) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "empty batch")
		return
	}

	accepted, rejected := s.pipeline.RecordBatch(r.Context(), entries)
	httpx.RespondJSON(w, http.StatusAccepted, ingestResponse{Accepted: accepted, Rejected: rejected})
}

// handleFindEntries lists entries newest first with optional filters.
func (s *Server) handleFindEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.store.Find(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// handleGetEntry fetches one entry by id.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	e, err := s.store.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, "entry not found")
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, e)
}

// handleDeleteEntry removes one entry by id.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, "entry not found")
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats reports storage usage.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// handlePrune deletes entries older than the requested horizon.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	olderThan := time.Now().Add(-time.Duration(hours) * time.Hour)
	pruned, err := s.store.Prune(r.Context(), olderThan)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

// handleClear wipes all stored entries.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthResponse combines driver and pipeline health.
type healthResponse struct {
	Status      string          `json:"status"`
	Uptime      string          `json:"uptime"`
	Primary     string          `json:"primary"`
	Drivers     map[string]bool `json:"drivers"`
	Pipeline    any             `json:"pipeline"`
	LiveClients int             `json:"live_clients"`
}

// handleHealth reports overall service health. Degraded when any driver is
// down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	drivers := s.store.Health()

	status := "healthy"
	code := http.StatusOK
	for _, ok := range drivers {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	httpx.RespondJSON(w, code, healthResponse{
		Status:      status,
		Uptime:      time.Since(startTime).String(),
		Primary:     s.store.Primary(),
		Drivers:     drivers,
		Pipeline:    s.pipeline.Status(),
		LiveClients: s.hub.ClientCount(),
	})
}

// swapRequest names the driver to promote.
type swapRequest struct {
	Driver string `json:"driver"`
}

// handleSwapPrimary promotes a registered healthy driver to primary.
func (s *Server) handleSwapPrimary(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Driver == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "body must name a driver")
		return
	}

	if err := s.store.SwapPrimary(req.Driver); err != nil {
		httpx.RespondError(w, http.StatusConflict, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"primary": req.Driver})
}

// handleRetentionStats reports in-memory collection counters.
func (s *Server) handleRetentionStats(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		httpx.RespondJSON(w, http.StatusOK, []any{})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.retention.Stats())
}

// filterFromQuery builds a storage filter from request query parameters.
func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		Type: q.Get("type"),
		Tags: q["tag"],
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.DateFrom = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.DateTo = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}
