package config

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "dorkos.toml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/dorkos"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.toml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/dorkos/config.toml)
// 3. Project config (dorkos.toml in current or parent directories)
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", slog.String("path", userConfigPath))
		cfg.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", slog.String("path", projectConfigPath))
			cfg.Merge(projectConfig)
		} else {
			l.logger.Warn("failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no project config found")
	}

	if cfg.Boundary == "" {
		if gitRoot := l.detectGitRoot(); gitRoot != "" {
			cfg.Boundary = gitRoot
			l.logger.Debug("auto-detected boundary from git root", slog.String("path", gitRoot))
		} else if cwd, err := os.Getwd(); err == nil {
			cfg.Boundary = cwd
			l.logger.Debug("using current directory as boundary", slog.String("path", cwd))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig creates the user config file with defaults if absent.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	if err := cfg.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("created default user config", slog.String("path", userConfigPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func (l *Loader) detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
