// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinHistoryCapacity = 10
	MaxHistoryCapacity = 600

	minInterval = 100 * time.Millisecond
	maxInterval = 60 * time.Second
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "500ms", "2s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all monitor configuration.
type Config struct {
	Sampling  SamplingConfig  `yaml:"sampling"`
	Processes ProcessesConfig `yaml:"processes"`
	Units     UnitsConfig     `yaml:"units"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Drives    DrivesConfig    `yaml:"drives"`
	Network   NetworkConfig   `yaml:"network"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SamplingConfig controls the tick driver and history buffers.
type SamplingConfig struct {
	Interval        Duration `yaml:"interval"`
	HistoryCapacity int      `yaml:"history_capacity"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	StaleAfter      int      `yaml:"stale_after"`
	RemoveAfter     int      `yaml:"remove_after"`
}

// ProcessesConfig controls enumeration and app grouping.
type ProcessesConfig struct {
	NormalizeCPU      bool     `yaml:"normalize_cpu"`
	AppCgroupRoots    []string `yaml:"app_cgroup_roots"`
	DesktopDirs       []string `yaml:"desktop_dirs"`
	SkipKernelThreads bool     `yaml:"skip_kernel_threads"`
}

// UnitsConfig selects the unit-prefix policy.
type UnitsConfig struct {
	Base string `yaml:"base"`
}

// BridgeConfig holds privileged helper connection settings.
type BridgeConfig struct {
	Socket           string   `yaml:"socket"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
	ReadRetries      int      `yaml:"read_retries"`
}

// DrivesConfig holds block device settings.
type DrivesConfig struct {
	SkipVirtual bool `yaml:"skip_virtual"`
}

// NetworkConfig holds network interface settings.
type NetworkConfig struct {
	SkipLoopback bool `yaml:"skip_loopback"`
}

// APIConfig holds the presentation adapter listeners. Empty disables a
// listener. Process actions are served only on the Unix socket.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Socket string `yaml:"socket"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Sampling: SamplingConfig{
			Interval:        Duration{time.Second},
			HistoryCapacity: 120,
			ReadTimeout:     Duration{2 * time.Second},
			StaleAfter:      3,
			RemoveAfter:     10,
		},
		Processes: ProcessesConfig{
			NormalizeCPU:      true,
			SkipKernelThreads: true,
		},
		Units: UnitsConfig{
			Base: "decimal",
		},
		Bridge: BridgeConfig{
			Socket:           "/run/resmon/helper.sock",
			Timeout:          Duration{2 * time.Second},
			FailureThreshold: 5,
			ReadRetries:      2,
		},
		Drives: DrivesConfig{
			SkipVirtual: true,
		},
		Network: NetworkConfig{
			SkipLoopback: true,
		},
		API: APIConfig{
			Listen: "127.0.0.1:9137",
			Socket: defaultAPISocket(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.clamp()

	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	Interval  time.Duration
	Socket    string
	Listen    string
	APISocket string
	LogLevel  string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(cfg)

	if cli.Interval > 0 {
		cfg.Sampling.Interval = Duration{cli.Interval}
	}
	if cli.Socket != "" {
		cfg.Bridge.Socket = cli.Socket
	}
	if cli.Listen != "" {
		cfg.API.Listen = cli.Listen
	}
	if cli.APISocket != "" {
		cfg.API.Socket = cli.APISocket
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	cfg.clamp()
	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies RESMON_* environment variable overrides.
// Malformed numeric values are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESMON_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sampling.Interval = Duration{d}
		}
	}
	if v := os.Getenv("RESMON_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sampling.HistoryCapacity = n
		}
	}
	if v := os.Getenv("RESMON_UNITS"); v != "" {
		cfg.Units.Base = strings.ToLower(v)
	}
	if v := os.Getenv("RESMON_NORMALIZE_CPU"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Processes.NormalizeCPU = b
		}
	}
	if v := os.Getenv("RESMON_BRIDGE_SOCKET"); v != "" {
		cfg.Bridge.Socket = v
	}
	if v, ok := os.LookupEnv("RESMON_API_LISTEN"); ok {
		cfg.API.Listen = v
	}
	if v, ok := os.LookupEnv("RESMON_API_SOCKET"); ok {
		cfg.API.Socket = v
	}
	if v := os.Getenv("RESMON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// clamp bounds the history capacity to the supported range.
func (c *Config) clamp() {
	c.Sampling.HistoryCapacity = ClampCapacity(c.Sampling.HistoryCapacity)
}

// ClampCapacity bounds n to [MinHistoryCapacity, MaxHistoryCapacity].
func ClampCapacity(n int) int {
	if n < MinHistoryCapacity {
		return MinHistoryCapacity
	}
	if n > MaxHistoryCapacity {
		return MaxHistoryCapacity
	}
	return n
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	iv := c.Sampling.Interval.Duration
	if iv < minInterval || iv > maxInterval {
		return fmt.Errorf("sampling interval %s out of range [%s, %s]", iv, minInterval, maxInterval)
	}
	if c.Sampling.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("sampling read_timeout must be positive")
	}
	if c.Bridge.Timeout.Duration <= 0 {
		return fmt.Errorf("bridge timeout must be positive")
	}
	if c.Sampling.StaleAfter < 1 || c.Sampling.RemoveAfter < c.Sampling.StaleAfter {
		return fmt.Errorf("sampling thresholds invalid: stale_after=%d remove_after=%d",
			c.Sampling.StaleAfter, c.Sampling.RemoveAfter)
	}
	switch c.Units.Base {
	case "decimal", "binary":
	default:
		return fmt.Errorf("units base must be decimal or binary (got: %s)", c.Units.Base)
	}
	if c.Bridge.FailureThreshold < 1 {
		return fmt.Errorf("bridge failure_threshold must be at least 1")
	}
	if c.Bridge.ReadRetries < 0 {
		return fmt.Errorf("bridge read_retries must not be negative")
	}
	if c.API.Socket != "" && !filepath.IsAbs(c.API.Socket) {
		return fmt.Errorf("api socket must be an absolute path (got: %s)", c.API.Socket)
	}
	return nil
}
