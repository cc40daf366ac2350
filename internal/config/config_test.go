package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLayered_CLIOverridesEverything(t *testing.T) {
	embedded := []byte("sampling:\n  interval: 3s\nbridge:\n  socket: /embedded.sock\n")
	t.Setenv("RESMON_INTERVAL", "2s")
	t.Setenv("RESMON_BRIDGE_SOCKET", "/env.sock")
	cli := CLIOverrides{Interval: 500 * time.Millisecond, Socket: "/cli.sock"}

	cfg, err := LoadLayered(cli, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.Interval.Duration != 500*time.Millisecond {
		t.Errorf("Interval = %v, want CLI override", cfg.Sampling.Interval.Duration)
	}
	if cfg.Bridge.Socket != "/cli.sock" {
		t.Errorf("Socket = %q, want CLI override", cfg.Bridge.Socket)
	}
}

func TestLoadLayered_EnvOverridesEmbed(t *testing.T) {
	embedded := []byte("sampling:\n  interval: 3s\nunits:\n  base: decimal\n")
	t.Setenv("RESMON_INTERVAL", "2s")
	t.Setenv("RESMON_UNITS", "BINARY")

	cfg, err := LoadLayered(CLIOverrides{}, embedded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.Interval.Duration != 2*time.Second {
		t.Errorf("Interval = %v, want env override", cfg.Sampling.Interval.Duration)
	}
	if cfg.Units.Base != "binary" {
		t.Errorf("Units = %q, want binary", cfg.Units.Base)
	}
}

func TestLoadLayered_FileOverridesEmbed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sampling:\n  history_capacity: 300\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadLayered(CLIOverrides{}, []byte("sampling:\n  history_capacity: 50\n"), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.HistoryCapacity != 300 {
		t.Errorf("HistoryCapacity = %d, want 300", cfg.Sampling.HistoryCapacity)
	}
}

func TestLoadLayered_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.Interval.Duration != time.Second {
		t.Errorf("Interval = %v, want 1s default", cfg.Sampling.Interval.Duration)
	}
	if !cfg.Processes.NormalizeCPU {
		t.Error("NormalizeCPU should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadLayered_APISocket(t *testing.T) {
	runtime := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtime)

	cfg, err := LoadLayered(CLIOverrides{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(runtime, "resmon", "api.sock"); cfg.API.Socket != want {
		t.Errorf("Socket = %q, want %q", cfg.API.Socket, want)
	}

	t.Setenv("RESMON_API_SOCKET", "")
	if cfg, _ = LoadLayered(CLIOverrides{}, nil, ""); cfg.API.Socket != "" {
		t.Errorf("Socket = %q, want disabled by empty env", cfg.API.Socket)
	}

	cfg, _ = LoadLayered(CLIOverrides{APISocket: "/run/user/1000/other.sock"}, nil, "")
	if cfg.API.Socket != "/run/user/1000/other.sock" {
		t.Errorf("Socket = %q, want CLI override", cfg.API.Socket)
	}
}

func TestLoadFromBytes_ClampsCapacity(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"sampling:\n  history_capacity: 1\n", MinHistoryCapacity},
		{"sampling:\n  history_capacity: 5000\n", MaxHistoryCapacity},
		{"sampling:\n  history_capacity: 60\n", 60},
	}
	for _, tt := range tests {
		cfg, err := LoadFromBytes([]byte(tt.in))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Sampling.HistoryCapacity != tt.want {
			t.Errorf("capacity from %q = %d, want %d", tt.in, cfg.Sampling.HistoryCapacity, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"interval too short", func(c *Config) { c.Sampling.Interval = Duration{time.Millisecond} }, true},
		{"interval too long", func(c *Config) { c.Sampling.Interval = Duration{time.Hour} }, true},
		{"bad units", func(c *Config) { c.Units.Base = "metric" }, true},
		{"zero timeout", func(c *Config) { c.Bridge.Timeout = Duration{} }, true},
		{"remove before stale", func(c *Config) { c.Sampling.RemoveAfter = 1 }, true},
		{"negative retries", func(c *Config) { c.Bridge.ReadRetries = -1 }, true},
		{"relative api socket", func(c *Config) { c.API.Socket = "resmon/api.sock" }, true},
		{"no api socket", func(c *Config) { c.API.Socket = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteConfig_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Sampling.Interval = Duration{5 * time.Second}

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Sampling.Interval.Duration != 5*time.Second {
		t.Errorf("round-tripped interval = %v, want 5s", loaded.Sampling.Interval.Duration)
	}
}
