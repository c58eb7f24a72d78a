package retention

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// collection is the strategy-agnostic view the manager keeps of every
// registered Collection[T].
type collection interface {
	Enforce()
	Len() int
	SizeBytes() int
	Stats() CollectionStats
}

// ManagerConfig tunes the background enforcement loops.
type ManagerConfig struct {
	// MemoryLimitMB is the heap budget; exceeding 80% of it forces a
	// cleanup across all collections. Zero disables the memory monitor.
	MemoryLimitMB int
	// UsageInterval is how often heap usage is recomputed.
	UsageInterval time.Duration
	// SweepSchedule is the cron expression for the full policy sweep.
	SweepSchedule string
}

// DefaultManagerConfig returns the manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MemoryLimitMB: 512,
		UsageInterval: 30 * time.Second,
		SweepSchedule: "@every 5m",
	}
}

// Manager owns the registered collections and runs two background jobs: a
// short-interval memory pressure check and a cron-scheduled full sweep.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	cron   *cron.Cron

	mu          sync.Mutex
	collections map[string]collection
	started     bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a retention manager. Register collections before
// Start.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.UsageInterval <= 0 {
		cfg.UsageInterval = 30 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 5m"
	}
	return &Manager{
		cfg:         cfg,
		logger:      slog.Default().With("component", "retention"),
		collections: make(map[string]collection),
	}
}

// Register adds a collection under a unique name. Registering the same
// name twice replaces the previous collection.
func (m *Manager) Register(name string, c collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = c
}

// Start launches the usage monitor and the cron sweep.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, m.Sweep); err != nil {
		return err
	}
	m.cron.Start()

	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.usageLoop()

	m.started = true
	return nil
}

// Stop halts both background jobs and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	<-m.cron.Stop().Done()
	m.wg.Wait()
}

// Sweep enforces every collection's policy once.
func (m *Manager) Sweep() {
	for _, c := range m.snapshot() {
		c.Enforce()
	}
}

// Stats reports every collection's counters.
func (m *Manager) Stats() []CollectionStats {
	cols := m.snapshot()
	out := make([]CollectionStats, 0, len(cols))
	for _, c := range cols {
		out = append(out, c.Stats())
	}
	return out
}

func (m *Manager) snapshot() []collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c)
	}
	return out
}

// usageLoop watches heap usage and forces a sweep when memory pressure
// crosses 80% of the configured budget.
func (m *Manager) usageLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.UsageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.cfg.MemoryLimitMB <= 0 {
				continue
			}
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			usedMB := float64(ms.HeapAlloc) / (1 << 20)
			util := usedMB / float64(m.cfg.MemoryLimitMB)
			if util > 0.8 {
				m.logger.Warn("memory pressure, forcing retention sweep",
					"heap_mb", int(usedMB), "limit_mb", m.cfg.MemoryLimitMB)
				m.Sweep()
			}
		}
	}
}
