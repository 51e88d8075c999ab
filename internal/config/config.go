package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/glimpsedev/glimpse/internal/session"
	"github.com/glimpsedev/glimpse/internal/trmnl"
)

// Config captures everything Glimpse needs at startup.
type Config struct {
	Environment   session.Environment
	SessionCookie string
	// APIKey, when set, acts like manual key entry on startup and bypasses
	// device discovery.
	APIKey string

	ProductionHost  string
	DevelopmentHost string

	StateDir string
	LogPath  string
}

const (
	defaultConfigPath = "~/.config/glimpse/config.toml"
	defaultStateDir   = "~/.local/state/glimpse"
)

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return defaultConfigPath
}

// Load reads the TOML config, falling back to defaults when the file is
// missing, then applies GLIMPSE_* environment overrides. A .env file, when
// present, is expected to have been loaded into the environment by the
// caller before Load runs.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:     session.EnvProduction,
		ProductionHost:  trmnl.DefaultProductionHost,
		DevelopmentHost: trmnl.DefaultDevelopmentHost,
		StateDir:        defaultStateDir,
	}

	data, err := os.ReadFile(resolved)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		var raw struct {
			Environment   string `toml:"environment"`
			SessionCookie string `toml:"session_cookie"`
			APIKey        string `toml:"api_key"`
			StateDir      string `toml:"state_dir"`
			LogPath       string `toml:"log_path"`
			Hosts         struct {
				Production  string `toml:"production"`
				Development string `toml:"development"`
			} `toml:"hosts"`
		}
		if err := toml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		if env := strings.TrimSpace(raw.Environment); env != "" {
			cfg.Environment = session.Environment(env)
		}
		cfg.SessionCookie = strings.TrimSpace(raw.SessionCookie)
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
		if dir := strings.TrimSpace(raw.StateDir); dir != "" {
			cfg.StateDir = dir
		}
		cfg.LogPath = strings.TrimSpace(raw.LogPath)
		if host := strings.TrimSpace(raw.Hosts.Production); host != "" {
			cfg.ProductionHost = host
		}
		if host := strings.TrimSpace(raw.Hosts.Development); host != "" {
			cfg.DevelopmentHost = host
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	cfg.StateDir = mustExpand(cfg.StateDir)
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.StateDir, "glimpse.log")
	} else {
		cfg.LogPath = mustExpand(cfg.LogPath)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := getenv("GLIMPSE_ENV"); v != "" {
		cfg.Environment = session.Environment(v)
	}
	if v := getenv("GLIMPSE_SESSION_COOKIE"); v != "" {
		cfg.SessionCookie = v
	}
	if v := getenv("GLIMPSE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := getenv("GLIMPSE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (c Config) validate() error {
	switch c.Environment {
	case session.EnvDevelopment, session.EnvProduction:
	default:
		return fmt.Errorf("environment %q is not one of development, production", c.Environment)
	}
	return nil
}

// Host resolves the API base URL for the configured environment.
func (c Config) Host() string {
	if c.Environment == session.EnvDevelopment {
		return c.DevelopmentHost
	}
	return c.ProductionHost
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
