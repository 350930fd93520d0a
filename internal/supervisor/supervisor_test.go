package supervisor

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/termux-extensions/te-framework/internal/fwshell"
	"github.com/termux-extensions/te-framework/internal/jobs"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
)

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	sb := pathsafe.New(dir)

	fwMgr, err := fwshell.NewManager(dir, "boot", fwshell.DefaultMaxShells, sb, slog.Default())
	if err != nil {
		t.Fatalf("fwshell.NewManager: %v", err)
	}
	ptyMgr, err := ptyshell.NewManager(dir, "boot", 5, sb, slog.Default(), []string{"sh"})
	if err != nil {
		t.Fatalf("ptyshell.NewManager: %v", err)
	}
	jobMgr, err := jobs.NewManager(filepath.Join(dir, "jobs.json"), jobs.DefaultWorkers, slog.Default())
	if err != nil {
		t.Fatalf("jobs.NewManager: %v", err)
	}
	t.Cleanup(jobMgr.Shutdown)

	sup, err := New(dir, slog.Default(), fwMgr, ptyMgr, jobMgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup, dir
}

func TestRunIDPersistedToFile(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	runID := sup.RunID()
	if runID == "" {
		t.Fatal("expected non-empty run id")
	}

	data, err := os.ReadFile(runIDPath(dir))
	if err != nil {
		t.Fatalf("read run_id file: %v", err)
	}
	if got := string(data); got != runID+"\n" {
		t.Fatalf("run_id file = %q, want %q", got, runID+"\n")
	}
}

func TestRunIDEnvOverrideWins(t *testing.T) {
	dir := t.TempDir()
	sb := pathsafe.New(dir)
	fwMgr, _ := fwshell.NewManager(dir, "boot", fwshell.DefaultMaxShells, sb, slog.Default())
	ptyMgr, _ := ptyshell.NewManager(dir, "boot", 5, sb, slog.Default(), []string{"sh"})
	jobMgr, _ := jobs.NewManager(filepath.Join(dir, "jobs.json"), jobs.DefaultWorkers, slog.Default())
	t.Cleanup(jobMgr.Shutdown)

	t.Setenv(RunIDEnvOverride, "run_fixed_test")
	sup, err := New(dir, slog.Default(), fwMgr, ptyMgr, jobMgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.RunID() != "run_fixed_test" {
		t.Fatalf("run id = %s, want run_fixed_test", sup.RunID())
	}
}

func TestBindIsIdempotentWithoutRebindFunc(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.NoteInitialBind("127.0.0.1", 8080)

	result, err := sup.Bind("127.0.0.1")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if result.Changed {
		t.Fatal("expected no-op bind to report unchanged")
	}
	if result.Port != 8080 {
		t.Fatalf("port = %d, want 8080", result.Port)
	}
}

func TestBindInvokesRebindFuncOnChange(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.NoteInitialBind("127.0.0.1", 8080)

	calledWith := ""
	sup.SetRebindFunc(func(host string) (int, error) {
		calledWith = host
		return 8080, nil
	})

	result, err := sup.Bind("0.0.0.0")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !result.Changed || calledWith != "0.0.0.0" {
		t.Fatalf("result = %+v, calledWith = %q", result, calledWith)
	}
}

func TestMetricsReflectsShellCounts(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	m := sup.Metrics()
	if m.RunID != sup.RunID() {
		t.Fatalf("metrics run id = %s, want %s", m.RunID, sup.RunID())
	}
	if m.FrameworkShells.NumShells != 0 || m.InteractiveSessions.Total != 0 {
		t.Fatalf("expected empty metrics on fresh supervisor, got %+v", m)
	}
}

func TestShutdownCompletesWithinBudget(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.Shutdown() // no running shells/jobs: should return promptly
}
