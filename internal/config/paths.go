package config

import (
	"os"
	"path/filepath"
)

// sharedStateDir is where the state store and jobs journal live — outside
// FrameworkDir, shared across run IDs and framework shell metadata (§6:
// "~/.cache/termux_extensions").
func sharedStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "termux_extensions"), nil
}

// StateStorePath returns the path to the key/value document (§4.D).
func StateStorePath() (string, error) {
	dir, err := sharedStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state_store.json"), nil
}

// JobsJournalPath returns the path to the job registry's journal (§4.G).
func JobsJournalPath() (string, error) {
	dir, err := sharedStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jobs.json"), nil
}

// MetaDir and LogsDir are the FrameworkDir-relative directories §6
// documents for framework shell state (the run_id file beside them is
// written by the supervisor package).
func MetaDir(frameworkDir string) string { return filepath.Join(frameworkDir, "meta") }
func LogsDir(frameworkDir string) string { return filepath.Join(frameworkDir, "logs") }

// EnsureDirs creates every directory Load's caller will need before the
// managers that own them start writing.
func EnsureDirs(cfg *Config) error {
	dir, err := sharedStateDir()
	if err != nil {
		return err
	}
	for _, d := range []string{cfg.FrameworkDir, MetaDir(cfg.FrameworkDir), LogsDir(cfg.FrameworkDir), dir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
