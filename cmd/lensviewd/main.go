// Command lensviewd runs the lensview telemetry service: HTTP ingest and
// query API, adaptive sampling, batched storage with fallback, retention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/lensview/lensview/pkg/config"
	"github.com/lensview/lensview/pkg/entry"
	"github.com/lensview/lensview/pkg/pipeline"
	"github.com/lensview/lensview/pkg/retention"
	"github.com/lensview/lensview/pkg/sampling"
	"github.com/lensview/lensview/pkg/server"
	"github.com/lensview/lensview/pkg/storage"
	badgerstore "github.com/lensview/lensview/pkg/storage/badger"
	"github.com/lensview/lensview/pkg/storage/file"
	"github.com/lensview/lensview/pkg/storage/memory"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default().With("component", "main")

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Storage: primary driver plus optional fallback behind a coordinator.
	coord := storage.NewCoordinator(storage.CoordinatorConfig{
		Primary:  cfg.Storage.Driver,
		Fallback: cfg.Storage.Fallback,
	})
	for _, name := range driverNames(cfg.Storage) {
		driver, err := buildDriver(name, cfg.Storage)
		if err != nil {
			return fmt.Errorf("build %s driver: %w", name, err)
		}
		coord.Register(name, driver)
	}
	coord.Start()
	logger.Info("storage ready", "primary", cfg.Storage.Driver, "fallback", cfg.Storage.Fallback)

	// Sampler.
	sampler := sampling.New(samplerConfig(cfg.Sampler))

	// Metrics registry, with the standard process/go collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pipeline.
	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.BatchingEnabled = cfg.Storage.Batch.Enabled
	if cfg.Storage.Batch.Size > 0 {
		pipeCfg.DefaultBatchSize = cfg.Storage.Batch.Size
	}
	if cfg.Storage.Batch.FlushInterval > 0 {
		pipeCfg.DefaultFlushInterval = cfg.Storage.Batch.FlushInterval.Std()
	}
	if cfg.Retry.Limit > 0 {
		pipeCfg.RetryQueueLimit = cfg.Retry.Limit
	}
	if cfg.Retry.Batch > 0 {
		pipeCfg.RetryBatchLimit = cfg.Retry.Batch
	}
	if cfg.Retry.Interval > 0 {
		pipeCfg.RetryInterval = cfg.Retry.Interval.Std()
	}
	if cfg.Retry.MaxAttempts > 0 {
		pipeCfg.MaxRetryAttempts = cfg.Retry.MaxAttempts
	}
	if len(cfg.Queues) > 0 {
		pipeCfg.QueueOverrides = make(map[string]pipeline.QueueConfig, len(cfg.Queues))
		for key, qc := range cfg.Queues {
			pipeCfg.QueueOverrides[key] = pipeline.QueueConfig{
				BatchSize:     qc.BatchSize,
				FlushInterval: qc.FlushInterval.Std(),
			}
		}
	}
	pipe := pipeline.New(coord, sampler, pipeline.NewMetrics(registry), pipeCfg)

	// Live feed: every admitted entry fans out to websocket clients.
	hub := server.NewHub()
	pipe.Subscribe(hub.Publish)

	// Retention: a bounded in-memory window of recent entries backing the
	// live dashboard, swept on schedule and under memory pressure.
	rm := retention.NewManager(retention.ManagerConfig{
		MemoryLimitMB: cfg.Retention.MemoryLimitMB,
		UsageInterval: cfg.Retention.UsageInterval.Std(),
		SweepSchedule: cfg.Retention.SweepSchedule,
	})
	recent, err := retention.NewCollection[*entry.Entry]("recent_entries", retention.Policy{
		MaxSize:  1000,
		MaxAge:   time.Duration(cfg.Storage.Retention.Hours) * time.Hour,
		Strategy: retention.FIFO,
		Enabled:  true,
	})
	if err != nil {
		return err
	}
	rm.Register("recent_entries", recent)
	pipe.Subscribe(recent.Add)

	pipe.Start()
	if err := rm.Start(); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}

	srv := server.New(cfg.Server, coord, pipe, rm, hub, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Order matters: stop accepting requests, flush the pipeline,
		// halt retention, then close storage.
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := pipe.Stop(sctx); err != nil {
			logger.Warn("pipeline stop", "error", err)
		}
		rm.Stop()
		coord.Stop()
		return coord.Close()
	})

	return g.Wait()
}

// driverNames lists the drivers to register: the primary plus fallback.
func driverNames(cfg config.StorageConfig) []string {
	names := []string{cfg.Driver}
	if cfg.Fallback != "" && cfg.Fallback != cfg.Driver {
		names = append(names, cfg.Fallback)
	}
	return names
}

// buildDriver constructs one storage driver by name.
func buildDriver(name string, cfg config.StorageConfig) (storage.Driver, error) {
	switch name {
	case config.DriverMemory:
		return memory.New(memory.Config{MaxEntries: cfg.Retention.MaxEntries}), nil
	case config.DriverFile:
		return file.New(file.Config{Dir: filepath.Join(cfg.DataDir, "entries")})
	case config.DriverBadger:
		return badgerstore.New(badgerstore.Config{
			Path: filepath.Join(cfg.DataDir, "badger"),
			TTL:  time.Duration(cfg.Retention.Hours) * time.Hour,
		})
	}
	return nil, fmt.Errorf("unknown storage driver %q", name)
}

// samplerConfig maps the YAML sampler block onto the sampler package.
func samplerConfig(sc config.SamplerConfig) sampling.Config {
	rules := make([]sampling.Rule, 0, len(sc.Rules)+1)
	for _, r := range sc.Rules {
		rules = append(rules, sampling.Rule{
			PathPattern: r.PathPattern,
			Method:      r.Method,
			Rate:        r.Rate,
			Priority:    r.Priority,
			Conditions:  r.Conditions,
		})
	}
	// Health-check traffic gets its own built-in rule so probes cannot
	// flood storage. Rate 0 (the default) suppresses them entirely.
	rules = append(rules, sampling.Rule{
		PathPattern: "/health",
		Rate:        sc.HealthCheckSampleRate,
		Priority:    100,
	})
	return sampling.Config{
		BaseRate:        sc.BaseRate,
		ErrorMultiplier: sc.ErrorMultiplier,
		MinRate:         sc.MinRate,
		MaxRate:         sc.MaxRate,
		LoadBased:       sc.LoadBased,
		Adaptive:        sc.Adaptive,
		Rules:           rules,
	}
}
