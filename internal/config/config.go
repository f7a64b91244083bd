// config.go - Daemon configuration: yaml file, env overrides, validation.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml carries strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full daemon configuration.
type Config struct {
	// LogLevel is a zerolog level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Listen is the metrics/health HTTP address.
	Listen string `yaml:"listen"`
	// Backend selects the proving backend: transcript or groth16.
	Backend string `yaml:"backend"`
	// KeyDir holds generated proving keys for the groth16 backend.
	KeyDir string `yaml:"key_dir"`
	// Origins lists the origin ledgers this process serves.
	Origins []uint32 `yaml:"origins"`

	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Tree      TreeConfig      `yaml:"tree"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Withdraw  WithdrawConfig  `yaml:"withdraw"`
	Lease     LeaseConfig     `yaml:"lease"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// StorageConfig selects and parameterizes the store backend.
type StorageConfig struct {
	// Driver is postgres or memory.
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string, ignored by the memory driver.
	DSN string `yaml:"dsn"`
}

// SyncConfig parameterizes event log synchronization.
type SyncConfig struct {
	Interval     Duration `yaml:"interval"`
	SpanBlocks   uint64   `yaml:"span_blocks"`
	ReorgOverlap uint64   `yaml:"reorg_overlap"`
	MaxSpans     int      `yaml:"max_spans"`
	ScanBatch    int      `yaml:"scan_batch"`
}

// TreeConfig parameterizes the per-origin transfer trees.
type TreeConfig struct {
	Height        int   `yaml:"height"`
	SnapshotEvery int64 `yaml:"snapshot_every"`
	IngestBatch   int   `yaml:"ingest_batch"`
	// RetainUpdates is the retained-history window in leaves; states
	// older than that may be pruned. 0 keeps everything.
	RetainUpdates int64 `yaml:"retain_updates"`
}

// PipelineConfig parameterizes the root proof pipeline.
type PipelineConfig struct {
	Interval      Duration `yaml:"interval"`
	CompileBatch  int      `yaml:"compile_batch"`
	SubmitRetries uint64   `yaml:"submit_retries"`
}

// AggregateConfig parameterizes cross-origin aggregation.
type AggregateConfig struct {
	Interval   Duration `yaml:"interval"`
	Height     int      `yaml:"height"`
	StaleAfter Duration `yaml:"stale_after"`
}

// WithdrawConfig parameterizes withdrawal proof assembly.
type WithdrawConfig struct {
	MaxBatch int `yaml:"max_batch"`
}

// LeaseConfig parameterizes cross-worker leases.
type LeaseConfig struct {
	TTL Duration `yaml:"ttl"`
}

// WorkerConfig parameterizes job scheduling.
type WorkerConfig struct {
	MaxConcurrentOrigins int `yaml:"max_concurrent_origins"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   ":9571",
		Backend:  "transcript",
		KeyDir:   "keys",
		Origins:  []uint32{0},
		Storage:  StorageConfig{Driver: "memory"},
		Sync: SyncConfig{
			Interval:     Duration(15 * time.Second),
			SpanBlocks:   2000,
			ReorgOverlap: 16,
			ScanBatch:    512,
		},
		Tree: TreeConfig{
			Height:        32,
			SnapshotEvery: 256,
			IngestBatch:   512,
		},
		Pipeline: PipelineConfig{
			Interval:      Duration(30 * time.Second),
			CompileBatch:  256,
			SubmitRetries: 5,
		},
		Aggregate: AggregateConfig{
			Interval:   Duration(time.Minute),
			Height:     6,
			StaleAfter: Duration(10 * time.Minute),
		},
		Withdraw: WithdrawConfig{MaxBatch: 16},
		Lease:    LeaseConfig{TTL: Duration(time.Minute)},
		Worker:   WorkerConfig{MaxConcurrentOrigins: 4},
	}
}

// Load reads the configuration file, writing the default one first if the
// path does not exist. File values overlay the defaults, environment
// variables overlay the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if err := Save(cfg, path); err != nil {
		return nil, fmt.Errorf("config: write default: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VEILCASH_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("VEILCASH_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VEILCASH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "transcript", "groth16":
	default:
		return fmt.Errorf("config: backend must be transcript or groth16, got %q", c.Backend)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if len(c.Origins) == 0 {
		return fmt.Errorf("config: origins must not be empty")
	}
	if c.Sync.SpanBlocks == 0 {
		return fmt.Errorf("config: sync.span_blocks must be positive")
	}
	if c.Sync.ScanBatch <= 0 {
		return fmt.Errorf("config: sync.scan_batch must be positive")
	}
	if c.Tree.Height <= 0 || c.Tree.Height > 32 {
		return fmt.Errorf("config: tree.height must be between 1 and 32")
	}
	if c.Tree.SnapshotEvery <= 0 {
		return fmt.Errorf("config: tree.snapshot_every must be positive")
	}
	if c.Tree.IngestBatch <= 0 {
		return fmt.Errorf("config: tree.ingest_batch must be positive")
	}
	if c.Tree.RetainUpdates < 0 {
		return fmt.Errorf("config: tree.retain_updates must not be negative")
	}
	if c.Pipeline.CompileBatch <= 0 {
		return fmt.Errorf("config: pipeline.compile_batch must be positive")
	}
	if c.Aggregate.Height <= 0 || c.Aggregate.Height > 16 {
		return fmt.Errorf("config: aggregate.height must be between 1 and 16")
	}
	slots := uint32(1) << uint(c.Aggregate.Height)
	for _, origin := range c.Origins {
		if origin >= slots {
			return fmt.Errorf("config: origin %d does not fit %d aggregation slots", origin, slots)
		}
	}
	if c.Withdraw.MaxBatch <= 0 {
		return fmt.Errorf("config: withdraw.max_batch must be positive")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("config: lease.ttl must be positive")
	}
	if c.Worker.MaxConcurrentOrigins <= 0 {
		return fmt.Errorf("config: worker.max_concurrent_origins must be positive")
	}
	return nil
}
