package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TE_FRAMEWORK_DIR", "")
	t.Setenv("TE_FRAMEWORK_SHELL_MAX", "")
	t.Setenv("TE_FRAMEWORK_SHELL_TOKEN", "")
	t.Setenv("TE_RUN_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ShellMax != defaultShellMax {
		t.Errorf("ShellMax = %d, want %d", cfg.ShellMax, defaultShellMax)
	}
	if cfg.RunMode != defaultRunMode {
		t.Errorf("RunMode = %q, want %q", cfg.RunMode, defaultRunMode)
	}
	if cfg.BindHost() != "0.0.0.0" {
		t.Errorf("BindHost() = %q, want 0.0.0.0", cfg.BindHost())
	}
}

func TestLoadEnvOverridesOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TE_FRAMEWORK_DIR", dir)
	t.Setenv("TE_FRAMEWORK_SHELL_TOKEN", "")

	overlay := &Config{ShellMax: 2, RunMode: "local"}
	data, err := yaml.Marshal(overlay)
	if err != nil {
		t.Fatalf("marshal overlay: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFileName), data, 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("TE_FRAMEWORK_SHELL_MAX", "9")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ShellMax != 9 {
		t.Errorf("env should win: ShellMax = %d, want 9", cfg.ShellMax)
	}
	if cfg.RunMode != "local" {
		t.Errorf("overlay should apply where env is unset: RunMode = %q, want local", cfg.RunMode)
	}
	if cfg.BindHost() != "127.0.0.1" {
		t.Errorf("BindHost() = %q, want 127.0.0.1", cfg.BindHost())
	}
}

func TestLoadMissingOverlayIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TE_FRAMEWORK_DIR", dir)
	if _, err := Load(); err != nil {
		t.Fatalf("Load with no config.yaml present: %v", err)
	}
}
