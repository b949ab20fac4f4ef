package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meltsec/meltscan/internal/logging"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
	if cfg.Scan.Timeout != 2*time.Second {
		t.Errorf("Scan.Timeout = %v, want %v", cfg.Scan.Timeout, 2*time.Second)
	}
	if cfg.Scan.Concurrency != 50 {
		t.Errorf("Scan.Concurrency = %d, want 50", cfg.Scan.Concurrency)
	}
	if cfg.Scan.TCPMode != "connect" {
		t.Errorf("Scan.TCPMode = %q, want %q", cfg.Scan.TCPMode, "connect")
	}
	if !cfg.Scan.TCP || cfg.Scan.UDP {
		t.Errorf("default protocols = tcp:%v udp:%v, want tcp only", cfg.Scan.TCP, cfg.Scan.UDP)
	}
	if cfg.UseSYN() {
		t.Error("UseSYN() = true for connect mode")
	}
	if cfg.Store.Enabled {
		t.Error("store should be disabled by default")
	}
	if got := cfg.APIAddress(); got != "127.0.0.1:8080" {
		t.Errorf("APIAddress() = %q, want %q", got, "127.0.0.1:8080")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "valid yaml config",
			setup: func(t *testing.T) string {
				content := []byte(`
scan:
  default_ports: "1-1024"
  tcp: true
  udp: true
  tcp_mode: syn
  timeout: 500ms
  concurrency: 100
logging:
  level: debug
  format: json
`)
				path := filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(path, content, 0o600); err != nil {
					t.Fatal(err)
				}
				return path
			},
			check: func(t *testing.T, c *Config) {
				if c.Scan.DefaultPorts != "1-1024" {
					t.Errorf("DefaultPorts = %q, want %q", c.Scan.DefaultPorts, "1-1024")
				}
				if !c.UseSYN() {
					t.Error("UseSYN() = false, want true")
				}
				if c.Scan.Timeout != 500*time.Millisecond {
					t.Errorf("Timeout = %v, want 500ms", c.Scan.Timeout)
				}
				if c.Scan.Concurrency != 100 {
					t.Errorf("Concurrency = %d, want 100", c.Scan.Concurrency)
				}
				if c.Logging.Level != logging.LevelDebug {
					t.Errorf("Logging.Level = %q, want debug", c.Logging.Level)
				}
				// Untouched sections keep their defaults.
				if c.API.Port != 8080 {
					t.Errorf("API.Port = %d, want default 8080", c.API.Port)
				}
			},
		},
		{
			name: "valid json config",
			setup: func(t *testing.T) string {
				content := []byte(`{"scan": {"default_ports": "80,443", "tcp": true, "tcp_mode": "connect", "timeout": 1000000000, "concurrency": 10}}`)
				path := filepath.Join(t.TempDir(), "config.json")
				if err := os.WriteFile(path, content, 0o600); err != nil {
					t.Fatal(err)
				}
				return path
			},
			check: func(t *testing.T, c *Config) {
				if c.Scan.DefaultPorts != "80,443" {
					t.Errorf("DefaultPorts = %q, want %q", c.Scan.DefaultPorts, "80,443")
				}
			},
		},
		{
			name: "invalid yaml syntax",
			setup: func(t *testing.T) string {
				content := []byte("scan:\n  timeout: [not a duration\n")
				path := filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(path, content, 0o600); err != nil {
					t.Fatal(err)
				}
				return path
			},
			wantErr: true,
		},
		{
			name: "validation failure surfaces",
			setup: func(t *testing.T) string {
				content := []byte("scan:\n  concurrency: 0\n")
				path := filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(path, content, 0o600); err != nil {
					t.Fatal(err)
				}
				return path
			},
			wantErr: true,
		},
		{
			name: "nonexistent file returns defaults",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing.yaml")
			},
			check: func(t *testing.T, c *Config) {
				if c.Scan.Concurrency != 50 {
					t.Errorf("Concurrency = %d, want default 50", c.Scan.Concurrency)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t)

			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "default config",
			mutate: func(_ *Config) {},
		},
		{
			name:    "concurrency above cap",
			mutate:  func(c *Config) { c.Scan.Concurrency = 501 },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid tcp mode",
			mutate:  func(c *Config) { c.Scan.TCPMode = "xmas" },
			wantErr: true,
		},
		{
			name: "no protocol enabled",
			mutate: func(c *Config) {
				c.Scan.TCP = false
				c.Scan.UDP = false
			},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name: "store enabled without host",
			mutate: func(c *Config) {
				c.Store.Enabled = true
				c.Store.Database.Host = ""
			},
			wantErr: true,
		},
		{
			name:    "auth enabled without keys",
			mutate:  func(c *Config) { c.API.AuthEnabled = true },
			wantErr: true,
		},
		{
			name:    "api port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name: "duplicate profile names",
			mutate: func(c *Config) {
				c.Profiles = []ProfileConfig{
					{Name: "web", Ports: "80,443", TCP: true},
					{Name: "web", Ports: "8080", TCP: true},
				}
			},
			wantErr: true,
		},
		{
			name: "profile missing ports",
			mutate: func(c *Config) {
				c.Profiles = []ProfileConfig{{Name: "empty", TCP: true}}
			},
			wantErr: true,
		},
		{
			name: "scheduled scan missing schedule",
			mutate: func(c *Config) {
				c.Scheduler.Jobs = []ScheduledScan{
					{Name: "nightly", Targets: "10.0.0.0/24", Ports: "1-1024", TCP: true},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scan.DefaultPorts = "21-25,80"
	cfg.Scan.TCPMode = "syn"
	cfg.Profiles = []ProfileConfig{
		{Name: "web", Description: "HTTP surface", Ports: "80,443,8080", TCP: true},
	}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Scan.DefaultPorts != cfg.Scan.DefaultPorts {
		t.Errorf("DefaultPorts = %q, want %q", loaded.Scan.DefaultPorts, cfg.Scan.DefaultPorts)
	}
	if !loaded.UseSYN() {
		t.Error("UseSYN() lost in round trip")
	}
	if len(loaded.Profiles) != 1 || loaded.Profiles[0].Name != "web" {
		t.Errorf("Profiles = %+v, want the saved web profile", loaded.Profiles)
	}
}
