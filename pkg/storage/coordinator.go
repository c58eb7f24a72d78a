package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lensview/lensview/pkg/entry"
)

// DefaultHealthCheckInterval is how often the coordinator probes its drivers.
const DefaultHealthCheckInterval = 30 * time.Second

// CoordinatorConfig selects the primary and optional fallback driver by
// registered name.
type CoordinatorConfig struct {
	Primary             string
	Fallback            string
	HealthCheckInterval time.Duration
}

// Coordinator owns a named set of drivers and executes every storage
// operation with fallback-on-failure semantics: try the primary, and if it
// fails try the fallback once. When both fail the original primary error is
// what surfaces, since that is the failure an operator needs to see.
type Coordinator struct {
	mu       sync.RWMutex
	drivers  map[string]Driver
	primary  string
	fallback string
	health   map[string]bool

	interval time.Duration
	logger   *slog.Logger

	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewCoordinator creates a coordinator. Drivers are attached with Register
// before Start is called.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &Coordinator{
		drivers:  make(map[string]Driver),
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		health:   make(map[string]bool),
		interval: interval,
		logger:   slog.Default().With("component", "storage.coordinator"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register attaches a driver under a name. Registering twice replaces the
// previous driver without closing it.
func (c *Coordinator) Register(name string, d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[name] = d
	c.health[name] = true
}

// Start launches the periodic health check loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.healthLoop()
}

// Stop halts the health loop. It does not close drivers; use Close.
func (c *Coordinator) Stop() {
	c.once.Do(func() {
		close(c.stop)
		c.mu.RLock()
		started := c.started
		c.mu.RUnlock()
		if started {
			<-c.done
		}
	})
}

// Close stops the health loop and closes every registered driver, returning
// the first close error encountered.
func (c *Coordinator) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, d := range c.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close driver %s: %w", name, err)
		}
	}
	return firstErr
}

// Health returns the latest health probe result per driver name.
func (c *Coordinator) Health() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]bool, len(c.health))
	for name, ok := range c.health {
		out[name] = ok
	}
	return out
}

// Primary returns the name of the current primary driver.
func (c *Coordinator) Primary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// SwapPrimary hot-swaps the primary to another registered driver. The target
// must have passed its most recent health probe.
func (c *Coordinator) SwapPrimary(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.drivers[name]; !ok {
		return fmt.Errorf("driver %q not registered", name)
	}
	if !c.health[name] {
		return fmt.Errorf("driver %q is unhealthy", name)
	}
	old := c.primary
	c.primary = name
	c.logger.Info("primary driver swapped", "from", old, "to", name)
	return nil
}

// Store persists one entry via primary-then-fallback.
func (c *Coordinator) Store(ctx context.Context, e *entry.Entry) error {
	_, err := execute(c, "store", func(d Driver) (struct{}, error) {
		return struct{}{}, d.Store(ctx, e)
	})
	return err
}

// StoreBatch persists a batch via primary-then-fallback.
func (c *Coordinator) StoreBatch(ctx context.Context, entries []*entry.Entry) error {
	_, err := execute(c, "store_batch", func(d Driver) (struct{}, error) {
		return struct{}{}, d.StoreBatch(ctx, entries)
	})
	return err
}

// Find queries via primary-then-fallback.
func (c *Coordinator) Find(ctx context.Context, f Filter) (*FindResult, error) {
	return execute(c, "find", func(d Driver) (*FindResult, error) {
		return d.Find(ctx, f)
	})
}

// FindByID queries a single entry via primary-then-fallback.
func (c *Coordinator) FindByID(ctx context.Context, id string) (*entry.Entry, error) {
	return execute(c, "find_by_id", func(d Driver) (*entry.Entry, error) {
		return d.FindByID(ctx, id)
	})
}

// Delete removes one entry via primary-then-fallback.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	_, err := execute(c, "delete", func(d Driver) (struct{}, error) {
		return struct{}{}, d.Delete(ctx, id)
	})
	return err
}

// Clear removes every entry via primary-then-fallback.
func (c *Coordinator) Clear(ctx context.Context) error {
	_, err := execute(c, "clear", func(d Driver) (struct{}, error) {
		return struct{}{}, d.Clear(ctx)
	})
	return err
}

// Prune removes aged entries via primary-then-fallback.
func (c *Coordinator) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	return execute(c, "prune", func(d Driver) (int, error) {
		return d.Prune(ctx, olderThan)
	})
}

// Stats computes aggregate statistics via primary-then-fallback.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	return execute(c, "stats", func(d Driver) (*Stats, error) {
		return d.Stats(ctx)
	})
}

// execute runs op against the primary and, on failure, the fallback. A
// fallback success wins; a fallback failure surfaces the primary's error.
func execute[T any](c *Coordinator, name string, op func(Driver) (T, error)) (T, error) {
	var zero T

	primary, fallback, primaryName, fallbackName := c.current()
	if primary == nil {
		return zero, fmt.Errorf("primary driver %q not registered", primaryName)
	}

	result, primaryErr := op(primary)
	if primaryErr == nil {
		return result, nil
	}
	// FindByID misses are results, not driver failures.
	if errors.Is(primaryErr, ErrNotFound) {
		return zero, primaryErr
	}

	if fallback == nil {
		return zero, primaryErr
	}

	c.logger.Warn("primary driver failed, trying fallback",
		"operation", name,
		"primary", primaryName,
		"fallback", fallbackName,
		"error", primaryErr,
	)

	result, fallbackErr := op(fallback)
	if fallbackErr == nil {
		return result, nil
	}

	c.logger.Error("fallback driver failed",
		"operation", name,
		"fallback", fallbackName,
		"error", fallbackErr,
	)
	return zero, primaryErr
}

func (c *Coordinator) current() (primary, fallback Driver, primaryName, fallbackName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drivers[c.primary], c.drivers[c.fallback], c.primary, c.fallback
}

func (c *Coordinator) healthLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.CheckHealth(context.Background())
		}
	}
}

// CheckHealth probes every registered driver once and updates the health
// map. Drivers implementing HealthChecker are probed directly; the rest get
// a Stats call as a liveness probe.
func (c *Coordinator) CheckHealth(ctx context.Context) {
	c.mu.RLock()
	drivers := make(map[string]Driver, len(c.drivers))
	for name, d := range c.drivers {
		drivers[name] = d
	}
	c.mu.RUnlock()

	results := make(map[string]bool, len(drivers))
	for name, d := range drivers {
		var err error
		if hc, ok := d.(HealthChecker); ok {
			err = hc.HealthCheck(ctx)
		} else {
			_, err = d.Stats(ctx)
		}
		results[name] = err == nil
		if err != nil {
			c.logger.Warn("driver health check failed", "driver", name, "error", err)
		}
	}

	c.mu.Lock()
	for name, ok := range results {
		c.health[name] = ok
	}
	c.mu.Unlock()
}
