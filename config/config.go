// Package config provides configuration loading and management for DorkOS.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the complete DorkOS configuration (spec §6).
type Config struct {
	Port       int    `toml:"port"`
	Boundary   string `toml:"boundary"`
	DefaultCwd string `toml:"defaultCwd"`
	LogLevel   string `toml:"logLevel"`

	Pulse  PulseConfig  `toml:"pulse"`
	Relay  RelayConfig  `toml:"relay"`
	Mesh   MeshConfig   `toml:"mesh"`
	Tunnel TunnelConfig `toml:"tunnel"`
}

// PulseConfig configures the cron scheduler subsystem.
type PulseConfig struct {
	Enabled           bool   `toml:"enabled"`
	MaxConcurrentRuns int    `toml:"maxConcurrentRuns"`
	RetentionCount    int    `toml:"retentionCount"`
	Timezone          string `toml:"timezone"`
}

// RelayConfig configures the pub/sub bus subsystem.
type RelayConfig struct {
	Enabled          bool  `toml:"enabled"`
	DefaultMaxHops   int   `toml:"defaultMaxHops"`
	DefaultTTLMs     int64 `toml:"defaultTtlMs"`
	DefaultCallBudget int  `toml:"defaultCallBudget"`
}

// MeshConfig configures the agent registry subsystem.
type MeshConfig struct {
	Enabled   bool     `toml:"enabled"`
	ScanRoots []string `toml:"scanRoots"`
	MaxDepth  int      `toml:"maxDepth"`
}

// TunnelConfig is reserved for the external tunnel helper; DorkOS's core
// never reads it, it only round-trips it through the config file and the
// /api/config surface.
type TunnelConfig struct {
	Enabled  bool   `toml:"enabled"`
	Hostname string `toml:"hostname"`
}

// Features collapses the three subsystem flags into a single record read by
// the gateway, per spec §9 ("Feature flags scattered across UI hooks").
type Features struct {
	Pulse bool
	Relay bool
	Mesh  bool
}

// Features returns the subsystem enable flags.
func (c *Config) Features() Features {
	return Features{Pulse: c.Pulse.Enabled, Relay: c.Relay.Enabled, Mesh: c.Mesh.Enabled}
}

// DefaultConfig returns a Config with the defaults listed in spec §5/§6.
func DefaultConfig() *Config {
	return &Config{
		Port:       4242,
		Boundary:   "",
		DefaultCwd: "",
		LogLevel:   "info",
		Pulse: PulseConfig{
			Enabled:           true,
			MaxConcurrentRuns: 8,
			RetentionCount:    50,
			Timezone:          "",
		},
		Relay: RelayConfig{
			Enabled:           true,
			DefaultMaxHops:    8,
			DefaultTTLMs:      300_000,
			DefaultCallBudget: 10,
		},
		Mesh: MeshConfig{
			Enabled:   true,
			ScanRoots: nil,
			MaxDepth:  4,
		},
	}
}

var validLogLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true,
}

// Validate checks that the configuration is structurally sound.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		return fmt.Errorf("logLevel must be one of fatal|error|warn|info|debug|trace")
	}
	if c.Pulse.MaxConcurrentRuns < 0 {
		return fmt.Errorf("pulse.maxConcurrentRuns must be >= 0")
	}
	if c.Relay.DefaultMaxHops < 0 {
		return fmt.Errorf("relay.defaultMaxHops must be >= 0")
	}
	if c.Mesh.MaxDepth < 0 {
		return fmt.Errorf("mesh.maxDepth must be >= 0")
	}
	return nil
}

// LoadFromFile loads configuration from a TOML file, starting from defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration to a TOML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Merge overlays non-zero fields of other onto c (other takes precedence).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.Boundary != "" {
		c.Boundary = other.Boundary
	}
	if other.DefaultCwd != "" {
		c.DefaultCwd = other.DefaultCwd
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Pulse.MaxConcurrentRuns != 0 {
		c.Pulse.MaxConcurrentRuns = other.Pulse.MaxConcurrentRuns
	}
	if other.Pulse.RetentionCount != 0 {
		c.Pulse.RetentionCount = other.Pulse.RetentionCount
	}
	if other.Pulse.Timezone != "" {
		c.Pulse.Timezone = other.Pulse.Timezone
	}
	c.Pulse.Enabled = other.Pulse.Enabled || c.Pulse.Enabled
	c.Relay.Enabled = other.Relay.Enabled || c.Relay.Enabled
	c.Mesh.Enabled = other.Mesh.Enabled || c.Mesh.Enabled
	if other.Relay.DefaultMaxHops != 0 {
		c.Relay.DefaultMaxHops = other.Relay.DefaultMaxHops
	}
	if other.Relay.DefaultTTLMs != 0 {
		c.Relay.DefaultTTLMs = other.Relay.DefaultTTLMs
	}
	if other.Relay.DefaultCallBudget != 0 {
		c.Relay.DefaultCallBudget = other.Relay.DefaultCallBudget
	}
	if len(other.Mesh.ScanRoots) > 0 {
		c.Mesh.ScanRoots = other.Mesh.ScanRoots
	}
	if other.Mesh.MaxDepth != 0 {
		c.Mesh.MaxDepth = other.Mesh.MaxDepth
	}
	c.Tunnel.Enabled = other.Tunnel.Enabled || c.Tunnel.Enabled
	if other.Tunnel.Hostname != "" {
		c.Tunnel.Hostname = other.Tunnel.Hostname
	}
}

// Patch applies a partial update, validating the merged result before
// committing it — a failed validation leaves c untouched (SPEC_FULL.md
// "Config hot-patch").
func (c *Config) Patch(patch *Config) error {
	candidate := *c
	candidate.Merge(patch)
	if err := candidate.Validate(); err != nil {
		return err
	}
	*c = candidate
	return nil
}
