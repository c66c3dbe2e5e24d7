// Package config loads the tqm configuration from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "github.com/goccy/go-yaml"

	"github.com/Swind/go-task-queue-manager/core"
)

// Config mirrors tqm.toml / tqm.yaml.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Queues    []QueueConfig   `toml:"queues" yaml:"queues"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Trace     TraceConfig     `toml:"trace" yaml:"trace"`
	Workload  WorkloadConfig  `toml:"workload" yaml:"workload"`
}

type SchedulerConfig struct {
	WorkBatchSize   int `toml:"work_batch_size" yaml:"work_batch_size"`
	HistoryCapacity int `toml:"history_capacity" yaml:"history_capacity"`
}

// QueueConfig declares one queue created at startup. Domain is "real" or
// "virtual".
type QueueConfig struct {
	Name              string `toml:"name" yaml:"name"`
	Priority          string `toml:"priority" yaml:"priority"`
	Domain            string `toml:"domain" yaml:"domain"`
	MonitorQuiescence bool   `toml:"monitor_quiescence" yaml:"monitor_quiescence"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // text or json
}

type MetricsConfig struct {
	Enabled      bool          `toml:"enabled" yaml:"enabled"`
	Listen       string        `toml:"listen" yaml:"listen"`
	Namespace    string        `toml:"namespace" yaml:"namespace"`
	PollInterval time.Duration `toml:"poll_interval" yaml:"poll_interval"`
}

type TraceConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Path      string `toml:"path" yaml:"path"`
	BatchSize int    `toml:"batch_size" yaml:"batch_size"`
}

// WorkloadConfig drives the demo producers of `tqm run`.
type WorkloadConfig struct {
	Producers        int           `toml:"producers" yaml:"producers"`
	TasksPerProducer int           `toml:"tasks_per_producer" yaml:"tasks_per_producer"`
	FibN             int           `toml:"fib_n" yaml:"fib_n"`
	MaxDelay         time.Duration `toml:"max_delay" yaml:"max_delay"`
}

const (
	DomainReal    = "real"
	DomainVirtual = "virtual"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			WorkBatchSize:   core.DefaultWorkBatchSize,
			HistoryCapacity: 100,
		},
		Queues: []QueueConfig{
			{Name: "input", Priority: "high", Domain: DomainReal},
			{Name: "loading", Priority: "normal", Domain: DomainReal, MonitorQuiescence: true},
			{Name: "idle", Priority: "best_effort", Domain: DomainReal},
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:9464",
			Namespace:    "taskqueue",
			PollInterval: time.Second,
		},
		Trace: TraceConfig{
			Path:      "tqm-traces.db",
			BatchSize: 64,
		},
		Workload: WorkloadConfig{
			Producers:        4,
			TasksPerProducer: 50,
			FibN:             20,
			MaxDelay:         50 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// The format follows the extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// Queues listed in the file replace the default set rather than merging
	// into it element by element.
	defaults := cfg.Queues
	cfg.Queues = nil
	if err := decode(path, data, &cfg); err != nil {
		return Default(), err
	}
	if cfg.Queues == nil {
		cfg.Queues = defaults
	}
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// clamp replaces out-of-range values with defaults.
func (c *Config) clamp() {
	def := Default()
	if c.Scheduler.WorkBatchSize <= 0 {
		c.Scheduler.WorkBatchSize = def.Scheduler.WorkBatchSize
	}
	if c.Scheduler.HistoryCapacity <= 0 {
		c.Scheduler.HistoryCapacity = def.Scheduler.HistoryCapacity
	}
	for i := range c.Queues {
		if c.Queues[i].Domain == "" {
			c.Queues[i].Domain = DomainReal
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
	if c.Metrics.PollInterval <= 0 {
		c.Metrics.PollInterval = def.Metrics.PollInterval
	}
	if c.Trace.BatchSize <= 0 {
		c.Trace.BatchSize = def.Trace.BatchSize
	}
	if c.Workload.Producers <= 0 {
		c.Workload.Producers = 1
	}
	if c.Workload.TasksPerProducer < 0 {
		c.Workload.TasksPerProducer = 0
	}
	if c.Workload.FibN < 0 {
		c.Workload.FibN = 0
	}
	if c.Workload.FibN > 35 {
		c.Workload.FibN = 35
	}
	if c.Workload.MaxDelay < 0 {
		c.Workload.MaxDelay = 0
	}
}

// Validate checks the values that cannot be clamped.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue without a name")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
		if _, err := core.ParseQueuePriority(q.Priority); err != nil {
			return fmt.Errorf("queue %q: %w", q.Name, err)
		}
		if q.Domain != DomainReal && q.Domain != DomainVirtual {
			return fmt.Errorf("queue %q: unknown time domain %q", q.Name, q.Domain)
		}
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("trace enabled without a path")
	}
	return nil
}

// QueueSpec converts q into a core.QueueSpec. Virtual queues get domain; real
// queues keep the manager's RealTimeDomain.
func (q QueueConfig) QueueSpec(virtual core.TimeDomain) (core.QueueSpec, error) {
	p, err := core.ParseQueuePriority(q.Priority)
	if err != nil {
		return core.QueueSpec{}, err
	}
	spec := core.QueueSpec{Name: q.Name, Priority: p, MonitorQuiescence: q.MonitorQuiescence}
	if q.Domain == DomainVirtual {
		spec.TimeDomain = virtual
	}
	return spec, nil
}

// ManagerConfig returns the scheduler part of a core.ManagerConfig. The
// remaining fields are defaulted by the manager and share logger.
func (c Config) ManagerConfig(logger core.Logger) core.ManagerConfig {
	return core.ManagerConfig{
		WorkBatchSize:   c.Scheduler.WorkBatchSize,
		HistoryCapacity: c.Scheduler.HistoryCapacity,
		Logger:          logger,
	}
}

// NewLogger builds the logger described by the log section.
func (c Config) NewLogger() core.Logger {
	if strings.EqualFold(c.Log.Format, "json") {
		return core.NewJSONLogger(os.Stderr, c.Log.Level)
	}
	return core.NewTextLogger(os.Stderr, c.Log.Level)
}
