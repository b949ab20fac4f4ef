// Package config provides YAML configuration for meltscan. Configuration is
// layered: Default() supplies working values, Load() merges an optional file
// on top, and Validate() rejects anything the scanner cannot run with.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/store"
)

// File permissions for config directories and files.
const (
	configDirPerm  = 0o750
	configFilePerm = 0o600
)

// Config represents the complete meltscan configuration.
type Config struct {
	// Scan defaults applied when flags don't override them
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Discovery sweep settings
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Scan history persistence
	Store StoreConfig `yaml:"store" json:"store"`

	// API server settings (serve mode)
	API APIConfig `yaml:"api" json:"api"`

	// Recurring scans (serve mode)
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// User-defined scan presets, merged with the built-ins
	Profiles []ProfileConfig `yaml:"profiles" json:"profiles" validate:"dive"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// ScanConfig holds default scan parameters.
type ScanConfig struct {
	// Default port expression used when --ports is omitted
	DefaultPorts string `yaml:"default_ports" json:"default_ports" validate:"omitempty,max=1000"`

	// Probe TCP ports by default
	TCP bool `yaml:"tcp" json:"tcp"`

	// Probe UDP ports by default
	UDP bool `yaml:"udp" json:"udp"`

	// TCP probe mode (connect or syn)
	TCPMode string `yaml:"tcp_mode" json:"tcp_mode" validate:"oneof=connect syn"`

	// Per-probe timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Worker pool size
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"min=1,max=500"`
}

// DiscoveryConfig holds host discovery sweep settings.
type DiscoveryConfig struct {
	// TCP ports probed to decide whether a host is alive
	Ports []int `yaml:"ports" json:"ports" validate:"dive,min=1,max=65535"`

	// Per-host connect timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Maximum in-flight host probes
	Concurrency int64 `yaml:"concurrency" json:"concurrency" validate:"min=1,max=4096"`

	// Resolve PTR records for alive hosts
	ResolvePTR bool `yaml:"resolve_ptr" json:"resolve_ptr"`

	// DNS server for PTR lookups (host:port); empty uses the system resolver
	DNSServer string `yaml:"dns_server" json:"dns_server"`

	// How long resolved names stay cached
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// StoreConfig holds scan history persistence settings.
type StoreConfig struct {
	// Enable writing sessions and results to PostgreSQL
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Connection settings
	Database store.Config `yaml:"database" json:"database"`
}

// APIConfig holds API server settings for serve mode.
type APIConfig struct {
	// Enable the API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	Host string `yaml:"host" json:"host"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// Per-request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Require API keys on mutating endpoints
	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled"`

	// Accepted API keys, bcrypt-hashed
	APIKeys []string `yaml:"api_keys" json:"api_keys"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enable CORS headers
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Allowed origins
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// Allowed methods
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`

	// Allowed headers
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// SchedulerConfig holds recurring scan settings.
type SchedulerConfig struct {
	// Enable the scheduler in serve mode
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Recurring scan definitions
	Jobs []ScheduledScan `yaml:"jobs" json:"jobs" validate:"dive"`
}

// ScheduledScan defines one recurring scan.
type ScheduledScan struct {
	// Job name, used in logs and metrics
	Name string `yaml:"name" json:"name" validate:"required,max=100"`

	// Standard five-field cron expression
	Schedule string `yaml:"schedule" json:"schedule" validate:"required"`

	// Target expression (hosts, CIDRs)
	Targets string `yaml:"targets" json:"targets" validate:"required"`

	// Port expression
	Ports string `yaml:"ports" json:"ports" validate:"required"`

	// Probe TCP ports
	TCP bool `yaml:"tcp" json:"tcp"`

	// Probe UDP ports
	UDP bool `yaml:"udp" json:"udp"`

	// Use SYN probes for TCP
	UseSYN bool `yaml:"syn" json:"syn"`

	// Per-probe timeout; zero uses the scan default
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ProfileConfig defines a user scan preset.
type ProfileConfig struct {
	// Preset name, selected with --preset
	Name string `yaml:"name" json:"name" validate:"required,max=100"`

	// Human-readable description
	Description string `yaml:"description" json:"description" validate:"omitempty,max=255"`

	// Port expression
	Ports string `yaml:"ports" json:"ports" validate:"required,max=1000"`

	// Probe TCP ports
	TCP bool `yaml:"tcp" json:"tcp"`

	// Probe UDP ports
	UDP bool `yaml:"udp" json:"udp"`

	// Use SYN probes for TCP
	UseSYN bool `yaml:"syn" json:"syn"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			DefaultPorts: "22,80,443,53,3389,139,445",
			TCP:          true,
			UDP:          false,
			TCPMode:      "connect",
			Timeout:      2 * time.Second,
			Concurrency:  50,
		},
		Discovery: DiscoveryConfig{
			Ports:       []int{22, 80, 443, 445, 3389},
			Timeout:     1 * time.Second,
			Concurrency: 128,
			ResolvePTR:  true,
			DNSServer:   "",
			CacheTTL:    5 * time.Minute,
		},
		Store: StoreConfig{
			Enabled:  false,
			Database: store.DefaultConfig(),
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: 30 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			AuthEnabled:    false,
			APIKeys:        nil,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Jobs:    nil,
		},
		Profiles: nil,
		Logging:  logging.DefaultConfig(),
	}
}

// Load loads configuration from a file, merged over defaults. A missing file
// is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// YAML is a superset of JSON, so one parser covers both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves the configuration to a file as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return fmt.Errorf("invalid configuration field %s: failed %s constraint", f.Namespace(), f.Tag())
		}
		return err
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if !c.Scan.TCP && !c.Scan.UDP {
		return fmt.Errorf("at least one of scan.tcp or scan.udp must be enabled")
	}

	if c.Store.Enabled {
		if c.Store.Database.Host == "" {
			return fmt.Errorf("store database host is required")
		}
		if c.Store.Database.Database == "" {
			return fmt.Errorf("store database name is required")
		}
		if c.Store.Database.Username == "" {
			return fmt.Errorf("store database username is required")
		}
	}

	if c.API.Enabled && c.API.Host == "" {
		return fmt.Errorf("API listen address is required when the API is enabled")
	}
	if c.API.AuthEnabled && len(c.API.APIKeys) == 0 {
		return fmt.Errorf("API auth is enabled but no API keys are configured")
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i := range c.Profiles {
		name := c.Profiles[i].Name
		if seen[name] {
			return fmt.Errorf("duplicate profile name: %s", name)
		}
		seen[name] = true
	}

	return nil
}

// UseSYN reports whether the default TCP mode is half-open.
func (c *Config) UseSYN() bool {
	return c.Scan.TCPMode == "syn"
}

// APIAddress returns the full API listen address.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsStoreEnabled returns true if scan history persistence is enabled.
func (c *Config) IsStoreEnabled() bool {
	return c.Store.Enabled
}
