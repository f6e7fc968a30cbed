package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 4242 {
		t.Errorf("expected default port 4242, got %d", cfg.Port)
	}
	if !cfg.Pulse.Enabled || !cfg.Relay.Enabled || !cfg.Mesh.Enabled {
		t.Error("expected all subsystems enabled by default")
	}
	if cfg.Pulse.MaxConcurrentRuns != 8 {
		t.Errorf("expected default maxConcurrentRuns 8, got %d", cfg.Pulse.MaxConcurrentRuns)
	}
	if cfg.Relay.DefaultTTLMs != 300_000 {
		t.Errorf("expected default ttl 300000ms, got %d", cfg.Relay.DefaultTTLMs)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"bad port low", func(c *Config) { c.Port = 0 }, true},
		{"bad port high", func(c *Config) { c.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"negative max concurrent runs", func(c *Config) { c.Pulse.MaxConcurrentRuns = -1 }, true},
		{"negative max hops", func(c *Config) { c.Relay.DefaultMaxHops = -1 }, true},
		{"negative max depth", func(c *Config) { c.Mesh.MaxDepth = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
port = 9000
boundary = "/test/path"
logLevel = "debug"

[pulse]
enabled = true
maxConcurrentRuns = 16
retentionCount = 25

[relay]
enabled = false
defaultMaxHops = 12

[mesh]
enabled = true
scanRoots = ["/a", "/b"]
maxDepth = 3
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Boundary != "/test/path" {
		t.Errorf("expected boundary /test/path, got %s", cfg.Boundary)
	}
	if cfg.Pulse.MaxConcurrentRuns != 16 {
		t.Errorf("expected maxConcurrentRuns 16, got %d", cfg.Pulse.MaxConcurrentRuns)
	}
	if cfg.Relay.Enabled {
		t.Error("expected relay disabled")
	}
	if len(cfg.Mesh.ScanRoots) != 2 {
		t.Errorf("expected 2 scan roots, got %d", len(cfg.Mesh.ScanRoots))
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Port:     9001,
		Boundary: "/override/path",
	}

	base.Merge(override)

	if base.Port != 9001 {
		t.Errorf("expected port 9001, got %d", base.Port)
	}
	if base.Boundary != "/override/path" {
		t.Errorf("expected boundary /override/path, got %s", base.Boundary)
	}
	// Pulse config should remain default since override left it zero-valued.
	if base.Pulse.MaxConcurrentRuns != 8 {
		t.Errorf("expected maxConcurrentRuns to remain default, got %d", base.Pulse.MaxConcurrentRuns)
	}
}

func TestConfigPatchRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Patch(&Config{Port: -1})
	if err == nil {
		t.Fatal("expected Patch to reject invalid port")
	}
	if cfg.Port != 4242 {
		t.Errorf("expected config untouched after failed patch, got port %d", cfg.Port)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.toml")

	cfg := DefaultConfig()
	cfg.Port = 5050

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Port != 5050 {
		t.Errorf("expected port 5050, got %d", loaded.Port)
	}
}
