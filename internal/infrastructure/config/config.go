package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all runtime configuration.
type Config struct {
	Runtime   RuntimeConfig   `toml:"runtime" yaml:"runtime"`
	RCU       RCUConfig       `toml:"rcu" yaml:"rcu"`
	Dataspace DataspaceConfig `toml:"dataspace" yaml:"dataspace"`
	Debug     DebugConfig     `toml:"debug" yaml:"debug"`
	Logging   LogConfig       `toml:"logging" yaml:"logging"`
	Bench     BenchConfig     `toml:"bench" yaml:"bench"`
}

// RuntimeConfig describes the machine and the capability space.
type RuntimeConfig struct {
	CPUs int `envconfig:"NRE_CPUS" toml:"cpus" yaml:"cpus"`
	// FirstSel is the first selector handed out by the allocator. Selectors
	// below it are reserved for objects set up at boot.
	FirstSel uint64 `envconfig:"NRE_FIRST_SEL" toml:"first_sel" yaml:"first_sel"`
	// CapSpaceSize is the selector ceiling of the process.
	CapSpaceSize uint64 `envconfig:"NRE_CAP_SPACE_SIZE" toml:"cap_space_size" yaml:"cap_space_size"`
}

// RCUConfig holds reclamation settings.
type RCUConfig struct {
	Readers       int      `envconfig:"NRE_RCU_READERS" toml:"readers" yaml:"readers"`
	SweepInterval Duration `envconfig:"NRE_RCU_SWEEP_INTERVAL" toml:"sweep_interval" yaml:"sweep_interval"`
	// StallWarnInterval limits how often a stalled grace period is reported.
	StallWarnInterval Duration `envconfig:"NRE_RCU_STALL_WARN" toml:"stall_warn_interval" yaml:"stall_warn_interval"`
}

// DataspaceConfig holds data space manager settings.
type DataspaceConfig struct {
	Regions int `envconfig:"NRE_DS_REGIONS" toml:"regions" yaml:"regions"`
}

// DebugConfig holds debug HTTP server configuration.
type DebugConfig struct {
	Enabled bool   `envconfig:"NRE_DEBUG" toml:"enabled" yaml:"enabled"`
	Addr    string `envconfig:"NRE_DEBUG_ADDR" toml:"addr" yaml:"addr"`
	// RequestsPerSecond and Burst limit every client of the debug server.
	RequestsPerSecond int `envconfig:"NRE_DEBUG_RPS" toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int `envconfig:"NRE_DEBUG_BURST" toml:"burst" yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development" yaml:"development"`
}

// BenchConfig drives the ping benchmark of the nre command.
type BenchConfig struct {
	Calls   int `envconfig:"NRE_BENCH_CALLS" toml:"calls" yaml:"calls"`
	Clients int `envconfig:"NRE_BENCH_CLIENTS" toml:"clients" yaml:"clients"`
}

// Duration is a time.Duration that reads "50ms" style strings from every source.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load builds the configuration from defaults, then the optional boot file at
// path (TOML or YAML by extension), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the defaults.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the values the runtime cannot work without.
func (c *Config) Validate() error {
	switch {
	case c.Runtime.CPUs <= 0:
		return fmt.Errorf("config: cpus must be positive, got %d", c.Runtime.CPUs)
	case c.Runtime.FirstSel >= c.Runtime.CapSpaceSize:
		return fmt.Errorf("config: first selector %#x beyond capability space size %#x",
			c.Runtime.FirstSel, c.Runtime.CapSpaceSize)
	case c.RCU.Readers <= 0:
		return fmt.Errorf("config: rcu readers must be positive, got %d", c.RCU.Readers)
	case c.RCU.SweepInterval <= 0:
		return fmt.Errorf("config: rcu sweep interval must be positive, got %s", c.RCU.SweepInterval.Std())
	case c.Dataspace.Regions <= 0:
		return fmt.Errorf("config: dataspace regions must be positive, got %d", c.Dataspace.Regions)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			CPUs:         4,
			FirstSel:     0x100,
			CapSpaceSize: 1 << 16,
		},
		RCU: RCUConfig{
			Readers:           64,
			SweepInterval:     Duration(50 * time.Millisecond),
			StallWarnInterval: Duration(time.Second),
		},
		Dataspace: DataspaceConfig{
			Regions: 256,
		},
		Debug: DebugConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:8090",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Bench: BenchConfig{
			Calls:   10000,
			Clients: 1,
		},
	}
}
