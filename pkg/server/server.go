// Package server exposes the HTTP API: ingestion, querying, storage
// administration, health and the websocket live feed.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lensview/lensview/pkg/config"
	"github.com/lensview/lensview/pkg/pipeline"
	"github.com/lensview/lensview/pkg/retention"
	"github.com/lensview/lensview/pkg/storage"
)

// Server wires the HTTP routes to the pipeline and storage coordinator.
type Server struct {
	store     *storage.Coordinator
	pipeline  *pipeline.Pipeline
	retention *retention.Manager
	hub       *Hub
	logger    *slog.Logger

	httpServer *http.Server
}

// New assembles the server. The retention manager may be nil.
func New(cfg config.ServerConfig, store *storage.Coordinator, pipe *pipeline.Pipeline, rm *retention.Manager, hub *Hub, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		store:     store,
		pipeline:  pipe,
		retention: rm,
		hub:       hub,
		logger:    slog.Default().With("component", "server"),
	}

	router := mux.NewRouter()
	s.routes(router, gatherer)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return s
}

func (s *Server) routes(router *mux.Router, gatherer prometheus.Gatherer) {
	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/entries", s.handleRecordEntry).Methods(http.MethodPost)
	api.HandleFunc("/entries/batch", s.handleRecordBatch).Methods(http.MethodPost)
	api.HandleFunc("/entries", s.handleFindEntries).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id}", s.handleGetEntry).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id}", s.handleDeleteEntry).Methods(http.MethodDelete)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/retention", s.handleRetentionStats).Methods(http.MethodGet)
	api.HandleFunc("/prune", s.handlePrune).Methods(http.MethodPost)
	api.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/storage/primary", s.handleSwapPrimary).Methods(http.MethodPost)

	api.HandleFunc("/live", s.hub.HandleLive).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests, then
// disconnects live-feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
