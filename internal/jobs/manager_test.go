package jobs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

func newTestManager(t *testing.T, workers int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	m, err := NewManager(path, workers, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string, timeout time.Duration) Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return Job{}
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	m := newTestManager(t, 2)
	_, err := m.Submit("nonexistent", nil)
	if err == nil || apierr.As(err).Kind != apierr.InvalidArgument {
		t.Fatalf("err = %v, want EInvalidArgument", err)
	}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	m := newTestManager(t, 2)
	m.RegisterHandler("echo", func(jc Context) (any, error) {
		jc.ReportProgress(1, 1, "unit")
		return jc.Params()["msg"], nil
	})

	j, err := m.Submit("echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("status = %s, want pending", j.Status)
	}

	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", done.Status)
	}
	if done.Result != "hi" {
		t.Fatalf("result = %v, want hi", done.Result)
	}
	if done.Progress == nil || done.Progress.Completed != 1 {
		t.Fatalf("progress = %+v, want completed=1", done.Progress)
	}
}

func TestHandlerErrorMarksJobFailed(t *testing.T) {
	m := newTestManager(t, 2)
	m.RegisterHandler("boom", func(jc Context) (any, error) {
		return nil, apierr.New(apierr.Internal, "kaboom")
	})

	j, err := m.Submit("boom", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.Error == "" {
		t.Fatal("expected non-empty error")
	}
}

func TestHandlerPanicIsolatedAsFailure(t *testing.T) {
	m := newTestManager(t, 2)
	m.RegisterHandler("panicky", func(jc Context) (any, error) {
		panic("handler exploded")
	})

	j, err := m.Submit("panicky", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}

	// The worker pool itself must survive the panic.
	m.RegisterHandler("after-panic", func(jc Context) (any, error) { return "ok", nil })
	j2, err := m.Submit("after-panic", nil)
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	done2 := waitTerminal(t, m, j2.ID, 2*time.Second)
	if done2.Status != StatusSucceeded {
		t.Fatalf("status after panic recovery = %s, want succeeded", done2.Status)
	}
}

func TestCancelStopsRunningHandler(t *testing.T) {
	m := newTestManager(t, 2)
	started := make(chan struct{})
	m.RegisterHandler("slow", func(jc Context) (any, error) {
		close(started)
		select {
		case <-jc.CancelToken():
			return nil, nil
		case <-time.After(5 * time.Second):
			return "too slow", nil
		}
	})

	j, err := m.Submit("slow", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if _, err := m.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	done := waitTerminal(t, m, j.ID, 2*time.Second)
	if done.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	m := newTestManager(t, 2)
	m.RegisterHandler("fast", func(jc Context) (any, error) { return "done", nil })

	j, err := m.Submit("fast", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitTerminal(t, m, j.ID, 2*time.Second)

	again, err := m.Cancel(done.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if again.Status != StatusSucceeded {
		t.Fatalf("status = %s, want still succeeded", again.Status)
	}
}

func TestRemoveRejectsNonTerminal(t *testing.T) {
	m := newTestManager(t, 2)
	started := make(chan struct{})
	release := make(chan struct{})
	m.RegisterHandler("blocking", func(jc Context) (any, error) {
		close(started)
		<-release
		return "ok", nil
	})

	j, err := m.Submit("blocking", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	err = m.Remove(j.ID)
	if err == nil || apierr.As(err).Kind != apierr.Conflict {
		t.Fatalf("err = %v, want EConflict", err)
	}
	close(release)
	waitTerminal(t, m, j.ID, 2*time.Second)
	if err := m.Remove(j.ID); err != nil {
		t.Fatalf("Remove after terminal: %v", err)
	}
}

func TestStartupRecoveryFailsInterruptedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	m1, err := NewManager(path, 2, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m1.RegisterHandler("stuck", func(jc Context) (any, error) {
		<-jc.CancelToken()
		return nil, nil
	})
	j, err := m1.Submit("stuck", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Wait for it to actually reach running, then simulate a crash: the
	// journal on disk still says "running" with no graceful shutdown.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m1.Get(j.ID)
		if got.Status == StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m2, err := NewManager(path, 2, nil)
	if err != nil {
		t.Fatalf("reopen NewManager: %v", err)
	}
	t.Cleanup(m2.Shutdown)

	got, err := m2.Get(j.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "interrupted by restart" {
		t.Fatalf("got = %+v, want failed/interrupted by restart", got)
	}
}
