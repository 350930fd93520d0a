package fwshell

import (
	"log/slog"
	"testing"
	"time"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
)

func newTestManager(t *testing.T, maxShells int) *Manager {
	t.Helper()
	dir := t.TempDir()
	sb := pathsafe.New(dir)
	m, err := NewManager(dir, "run_test", maxShells, sb, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for shell %s to reach status %s", id, want)
	return Record{}
}

func TestSpawnListStop(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)

	rec, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}, Label: "t1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Fatalf("status = %s, want running", rec.Status)
	}
	if rec.PID <= 0 {
		t.Fatalf("pid = %d, want positive", rec.PID)
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}

	got, err := m.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("Get status = %s, want running", got.Status)
	}

	stopped, err := m.Action(rec.ID, ActionStop)
	if err != nil {
		t.Fatalf("Action(stop): %v", err)
	}
	if stopped.Status != StatusExited {
		t.Fatalf("status after stop = %s, want exited", stopped.Status)
	}
	if stopped.ExitCode == nil || *stopped.ExitCode != -15 {
		t.Fatalf("exit code = %v, want -15 (SIGTERM)", stopped.ExitCode)
	}
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	_, err := m.Spawn(SpawnOptions{Command: nil})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	if apierr.As(err).Kind != apierr.InvalidArgument {
		t.Fatalf("kind = %v, want EInvalidArgument", apierr.As(err).Kind)
	}
}

func TestSpawnCapReached(t *testing.T) {
	m := newTestManager(t, 1)
	_, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	_, err = m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}})
	if err == nil {
		t.Fatal("expected EConflict for second spawn over cap")
	}
	if apierr.As(err).Kind != apierr.Conflict {
		t.Fatalf("kind = %v, want EConflict", apierr.As(err).Kind)
	}
}

func TestRemoveIsIdempotentAtSystemLevel(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	rec, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := m.Remove(rec.ID, true); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	err = m.Remove(rec.ID, true)
	if err == nil {
		t.Fatal("expected ENotFound on second Remove")
	}
	if apierr.As(err).Kind != apierr.NotFound {
		t.Fatalf("kind = %v, want ENotFound", apierr.As(err).Kind)
	}
}

func TestActionStopOnExitedShellIsNoop(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	rec, err := m.Spawn(SpawnOptions{Command: []string{"sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	exited := waitForStatus(t, m, rec.ID, StatusExited, 2*time.Second)
	if exited.ExitCode == nil || *exited.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", exited.ExitCode)
	}

	again, err := m.Action(rec.ID, ActionStop)
	if err != nil {
		t.Fatalf("Action(stop) on exited shell: %v", err)
	}
	if again.Status != StatusExited {
		t.Fatalf("status = %s, want still exited (no-op)", again.Status)
	}
}

func TestCwdOutsideHomeRejected(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	_, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "1"}, Cwd: "/etc"})
	if err == nil {
		t.Fatal("expected EPathEscape")
	}
	if apierr.As(err).Kind != apierr.PathEscape {
		t.Fatalf("kind = %v, want EPathEscape", apierr.As(err).Kind)
	}
}

func TestTailLogsCapturesOutput(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	rec, err := m.Spawn(SpawnOptions{Command: []string{"sh", "-c", "echo hello-stdout"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForStatus(t, m, rec.ID, StatusExited, 2*time.Second)

	logs, err := m.TailLogs(rec.ID, 10)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	found := false
	for _, line := range logs.Stdout {
		if line == "hello-stdout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stdout tail = %v, want to contain hello-stdout", logs.Stdout)
	}
}

func TestSweepMarksDeadProcessExited(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	rec, err := m.Spawn(SpawnOptions{Command: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForStatus(t, m, rec.ID, StatusExited, 2*time.Second)
	m.Sweep()

	got, err := m.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExited {
		t.Fatalf("status = %s, want exited", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", got.ExitCode)
	}
}

func TestShutdownRemovesRunRecords(t *testing.T) {
	m := newTestManager(t, DefaultMaxShells)
	if _, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := m.Spawn(SpawnOptions{Command: []string{"sleep", "60"}}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	m.Shutdown()

	if len(m.List()) != 0 {
		t.Fatalf("List() after shutdown = %v, want empty", m.List())
	}
}
