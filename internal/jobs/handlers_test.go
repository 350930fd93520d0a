package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termux-extensions/te-framework/internal/pathsafe"
)

func TestBulkCopyCopiesAndReportsByteProgress(t *testing.T) {
	home := t.TempDir()
	sb := pathsafe.New(home)

	srcDir := filepath.Join(home, "src")
	destDir := filepath.Join(home, "dest")
	if err := os.MkdirAll(srcDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello world"), 0o600); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, 2)
	RegisterBuiltins(m, sb)

	j, err := m.Submit("bulk_copy", map[string]any{
		"sources":     []any{filepath.Join(srcDir, "a.txt")},
		"destination": destDir,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}
	if done.Progress == nil || done.Progress.Completed != done.Progress.Total {
		t.Fatalf("progress = %+v, want completed == total", done.Progress)
	}

	copied, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(copied) != "hello world" {
		t.Fatalf("copied content = %q, want %q", copied, "hello world")
	}
	if _, err := os.Stat(filepath.Join(srcDir, "a.txt")); err != nil {
		t.Fatalf("source should still exist after bulk_copy: %v", err)
	}
}

func TestBulkMoveRemovesSource(t *testing.T) {
	home := t.TempDir()
	sb := pathsafe.New(home)

	srcDir := filepath.Join(home, "src")
	destDir := filepath.Join(home, "dest")
	os.MkdirAll(srcDir, 0o700)
	os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("move me"), 0o600)

	m := newTestManager(t, 2)
	RegisterBuiltins(m, sb)

	j, err := m.Submit("bulk_move", map[string]any{
		"sources":     []any{filepath.Join(srcDir, "a.txt")},
		"destination": destDir,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusSucceeded {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("source should be gone after bulk_move, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "a.txt")); err != nil {
		t.Fatalf("destination should exist: %v", err)
	}
}

func TestBulkCopySourceOutsideHomeRejected(t *testing.T) {
	home := t.TempDir()
	sb := pathsafe.New(home)

	m := newTestManager(t, 2)
	RegisterBuiltins(m, sb)

	j, err := m.Submit("bulk_copy", map[string]any{
		"sources":     []any{"/etc/passwd"},
		"destination": filepath.Join(home, "dest"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
}
