// Package config loads the lensview configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names accepted by storage.driver / storage.fallback.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBadger = "badger"
)

// driverAliases maps legacy driver names onto the backends that serve
// them. Both name an external store this service embeds via badger.
var driverAliases = map[string]string{
	"database": DriverBadger,
	"redis":    DriverBadger,
}

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig          `yaml:"storage"`
	Queues    map[string]QueueConfig `yaml:"queues"`
	Retry     RetryConfig            `yaml:"retry"`
	Sampler   SamplerConfig          `yaml:"sampler"`
	Retention RetentionConfig        `yaml:"retention"`
	Server    ServerConfig           `yaml:"server"`
}

// StorageConfig selects and tunes the storage drivers.
type StorageConfig struct {
	// Driver is the primary backend: memory, file or badger.
	Driver string `yaml:"driver"`
	// Fallback optionally names a second driver used when the primary
	// fails. Empty disables fallback.
	Fallback string `yaml:"fallback"`
	// DataDir roots the file and badger drivers.
	DataDir string `yaml:"data_dir"`

	Batch     BatchConfig            `yaml:"batch"`
	Retention StorageRetentionConfig `yaml:"retention"`
}

// BatchConfig tunes pipeline batching.
type BatchConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Size          int      `yaml:"size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// StorageRetentionConfig bounds stored entries.
type StorageRetentionConfig struct {
	Hours      int `yaml:"hours"`
	MaxEntries int `yaml:"max_entries"`
}

// QueueConfig overrides one queue's batching policy.
type QueueConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// RetryConfig bounds the pipeline retry queue.
type RetryConfig struct {
	Limit       int      `yaml:"limit"`
	Batch       int      `yaml:"batch"`
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// SamplerConfig tunes the adaptive sampler.
type SamplerConfig struct {
	BaseRate        float64      `yaml:"base_rate"`
	ErrorMultiplier float64      `yaml:"error_multiplier"`
	MinRate         float64      `yaml:"min_rate"`
	MaxRate         float64      `yaml:"max_rate"`
	LoadBased       bool         `yaml:"load_based"`
	Adaptive        bool         `yaml:"adaptive"`
	Rules           []SampleRule `yaml:"rules"`

	// HealthCheckSampleRate applies to paths under /health, realized as a
	// built-in high-priority rule. 0 suppresses health-check entries.
	HealthCheckSampleRate float64 `yaml:"health_check_sample_rate"`
}

// SampleRule is one path/method sampling rule.
type SampleRule struct {
	PathPattern string            `yaml:"path_pattern"`
	Method      string            `yaml:"method"`
	Rate        float64           `yaml:"rate"`
	Priority    int               `yaml:"priority"`
	Conditions  map[string]string `yaml:"conditions"`
}

// RetentionConfig tunes the in-memory retention manager.
type RetentionConfig struct {
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
	UsageInterval Duration `yaml:"usage_interval"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver:  DriverBadger,
			DataDir: "./data/lensview",
			Batch: BatchConfig{
				Enabled:       true,
				Size:          10,
				FlushInterval: Duration(5 * time.Second),
			},
			Retention: StorageRetentionConfig{
				Hours:      24,
				MaxEntries: 100000,
			},
		},
		Retry: RetryConfig{
			Limit:       1000,
			Batch:       20,
			Interval:    Duration(30 * time.Second),
			MaxAttempts: 3,
		},
		Sampler: SamplerConfig{
			BaseRate:        100,
			ErrorMultiplier: 2,
			MinRate:         1,
			MaxRate:         100,
			LoadBased:       true,
			Adaptive:        true,
		},
		Retention: RetentionConfig{
			MemoryLimitMB: 512,
			UsageInterval: Duration(30 * time.Second),
			SweepSchedule: "@every 5m",
		},
		Server: ServerConfig{
			Addr:         ":8844",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. An empty path returns defaults + env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if canonical, ok := driverAliases[cfg.Storage.Driver]; ok {
		cfg.Storage.Driver = canonical
	}
	if canonical, ok := driverAliases[cfg.Storage.Fallback]; ok {
		cfg.Storage.Fallback = canonical
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func applyEnv(cfg *Config) {
	if dir := os.Getenv("LENSVIEW_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if addr := os.Getenv("LENSVIEW_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverFile, DriverBadger:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Storage.Fallback {
	case "", DriverMemory, DriverFile, DriverBadger:
	default:
		return fmt.Errorf("config: unknown fallback driver %q", c.Storage.Fallback)
	}
	if c.Storage.Fallback == c.Storage.Driver {
		return fmt.Errorf("config: fallback driver must differ from primary %q", c.Storage.Driver)
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: data_dir required for %s driver", c.Storage.Driver)
	}
	if c.Storage.Retention.Hours < 0 {
		return fmt.Errorf("config: retention hours must not be negative")
	}
	if c.Sampler.BaseRate < 0 || c.Sampler.BaseRate > 100 {
		return fmt.Errorf("config: sampler base_rate must be in [0,100], got %v", c.Sampler.BaseRate)
	}
	if c.Sampler.MinRate > c.Sampler.MaxRate {
		return fmt.Errorf("config: sampler min_rate %v exceeds max_rate %v", c.Sampler.MinRate, c.Sampler.MaxRate)
	}
	for _, rule := range c.Sampler.Rules {
		if rule.Rate < 0 || rule.Rate > 100 {
			return fmt.Errorf("config: sampler rule %q rate must be in [0,100], got %v", rule.PathPattern, rule.Rate)
		}
	}
	if c.Sampler.HealthCheckSampleRate < 0 || c.Sampler.HealthCheckSampleRate > 100 {
		return fmt.Errorf("config: sampler health_check_sample_rate must be in [0,100], got %v", c.Sampler.HealthCheckSampleRate)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server addr required")
	}
	return nil
}
