// Package config resolves the effective runtime configuration (§6):
// built-in defaults, overlaid by an optional YAML file at
// ${TE_FRAMEWORK_DIR}/config.yaml, overlaid by environment variables, which
// always win. Grounded on the teacher's internal/config/wing.go YAML
// load/save pattern.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	defaultShellMax = 5
	defaultRunMode  = "broadcast"
	configFileName  = "config.yaml"
)

// Config is the resolved set of knobs listed in §6's environment variable
// table, plus the handful of paths derived from them.
type Config struct {
	FrameworkDir string `yaml:"-"`
	ShellMax     int    `yaml:"shell_max,omitempty"`
	ShellToken   string `yaml:"shell_token,omitempty"`
	RunMode      string `yaml:"run_mode,omitempty"`
}

// Load resolves FrameworkDir first (it determines where config.yaml itself
// lives), applies any config.yaml overlay found there, then lets the
// matching environment variables override every field.
func Load() (*Config, error) {
	dir, err := defaultFrameworkDir()
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("TE_FRAMEWORK_DIR"); v != "" {
		dir = v
	}

	cfg := &Config{
		FrameworkDir: dir,
		ShellMax:     defaultShellMax,
		RunMode:      defaultRunMode,
	}

	if overlay, err := loadOverlay(filepath.Join(dir, configFileName)); err == nil && overlay != nil {
		if overlay.ShellMax != 0 {
			cfg.ShellMax = overlay.ShellMax
		}
		if overlay.ShellToken != "" {
			cfg.ShellToken = overlay.ShellToken
		}
		if overlay.RunMode != "" {
			cfg.RunMode = overlay.RunMode
		}
	}

	if v := os.Getenv("TE_FRAMEWORK_SHELL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ShellMax = n
		}
	}
	if v := os.Getenv("TE_FRAMEWORK_SHELL_TOKEN"); v != "" {
		cfg.ShellToken = v
	}
	if v := os.Getenv("TE_RUN_MODE"); v != "" {
		cfg.RunMode = v
	}

	return cfg, nil
}

func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, err
	}
	return overlay, nil
}

// Save persists the overlay fields (not FrameworkDir, which is positional)
// to ${FrameworkDir}/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.FrameworkDir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.FrameworkDir, configFileName), data, 0o600)
}

// BindHost implements the TE_RUN_MODE → listen address mapping (§6).
func (c *Config) BindHost() string {
	if c.RunMode == "local" {
		return "127.0.0.1"
	}
	return "0.0.0.0"
}

func defaultFrameworkDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "te_framework"), nil
}
