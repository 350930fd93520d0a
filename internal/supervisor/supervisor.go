// Package supervisor implements the Supervisor/Runtime component (§4.H):
// run-id lifecycle, autostart re-spawn at boot, runtime metrics, the
// bind-address hot-switch, and the cascading shutdown sequence.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termux-extensions/te-framework/internal/fwshell"
	"github.com/termux-extensions/te-framework/internal/jobs"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
)

// RunIDEnvOverride lets a caller pin the run ID instead of generating one
// (useful for tests and for operators restarting into a known identity).
const RunIDEnvOverride = "TE_RUN_ID"

// FrameworkShellMetrics is the §4.H "framework_shells" sub-object.
type FrameworkShellMetrics struct {
	NumShells  int    `json:"num_shells"`
	NumRunning int    `json:"num_running"`
	MemoryRSS  uint64 `json:"memory_rss"`
}

// InteractiveSessionMetrics is the §4.H "interactive_sessions" sub-object:
// total PTY shells known versus those stamped with the current run ID.
type InteractiveSessionMetrics struct {
	Total       int `json:"total"`
	MatchingRun int `json:"matching_run"`
}

// Metrics is the snapshot returned by runtime.metrics() (§4.H).
type Metrics struct {
	RunID               string                    `json:"run_id"`
	SupervisorPID       int                       `json:"supervisor_pid"`
	AppPID              int                       `json:"app_pid"`
	UptimeSecs          float64                   `json:"uptime"`
	FrameworkShells     FrameworkShellMetrics     `json:"framework_shells"`
	InteractiveSessions InteractiveSessionMetrics `json:"interactive_sessions"`
}

// BindResult is returned by Bind — always the listener's effective state,
// whether or not a change was needed (§4.H: "idempotent ... return current
// bind").
type BindResult struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Changed bool   `json:"changed"`
}

// Supervisor owns the run identity and coordinates the shutdown cascade
// across every subsystem (§4.H: "runtime.shutdown(): fan out stop to all
// subsystems").
type Supervisor struct {
	mu   sync.Mutex
	dir  string
	log  *slog.Logger

	runID       string
	previousRun string
	startedAt   time.Time

	fwMgr  *fwshell.Manager
	ptyMgr *ptyshell.Manager
	jobMgr *jobs.Manager

	boundHost string
	boundPort int
	rebind    func(host string) (port int, err error)
}

// New takes the run ID from TE_RUN_ID or generates a fresh one, writes it
// to dir (remembering the ID found there as the previous run), and wires
// the three subsystem managers it supervises.
func New(dir string, log *slog.Logger, fwMgr *fwshell.Manager, ptyMgr *ptyshell.Manager, jobMgr *jobs.Manager) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}

	previous, _ := readRunID(dir)

	runID := os.Getenv(RunIDEnvOverride)
	if runID == "" {
		runID = generateRunID()
	}
	if err := writeRunID(dir, runID); err != nil {
		return nil, err
	}

	return &Supervisor{
		dir:         dir,
		log:         log,
		runID:       runID,
		previousRun: previous,
		startedAt:   time.Now(),
		fwMgr:       fwMgr,
		ptyMgr:      ptyMgr,
		jobMgr:      jobMgr,
	}, nil
}

func generateRunID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("run_%d_%s", time.Now().UnixMilli(), hex)
}

func runIDPath(dir string) string { return filepath.Join(dir, "run_id") }

func readRunID(dir string) (string, error) {
	data, err := os.ReadFile(runIDPath(dir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeRunID(dir, runID string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(runIDPath(dir), []byte(runID+"\n"), 0o600)
}

// RunID returns the identity this process is currently running under.
func (s *Supervisor) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Autostart re-spawns every framework/PTY shell that was marked autostart
// under the previous run, keeping its ID and stamping the current run ID —
// resolving the "restart_policy vs. ephemeral records" open question (see
// DESIGN.md). Prior-run records without autostart are left as they are;
// nothing removes them from the managers or from disk. Because Shutdown
// removes every current-run record, autostart ones included, candidates
// exist only when the previous run ended without completing its shutdown.
func (s *Supervisor) Autostart() {
	s.mu.Lock()
	previous := s.previousRun
	s.mu.Unlock()
	if previous == "" || previous == s.RunID() {
		return
	}

	for _, rec := range s.fwMgr.AutostartCandidates(previous) {
		if _, err := s.fwMgr.Respawn(rec); err != nil {
			s.log.Warn("supervisor: autostart framework shell failed", "id", rec.ID, "error", err)
		}
	}
	for _, rec := range s.ptyMgr.AutostartCandidates(previous) {
		if _, err := s.ptyMgr.Respawn(rec); err != nil {
			s.log.Warn("supervisor: autostart pty shell failed", "id", rec.ID, "error", err)
		}
	}
}

// SetRebindFunc wires the function that actually swaps the HTTP listener
// (owned by the httpapi server) to the new host, returning the port it
// ended up bound to. Called once during wiring, before Bind is ever used.
func (s *Supervisor) SetRebindFunc(fn func(host string) (port int, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebind = fn
}

// Bind switches the HTTP listener between 127.0.0.1 and 0.0.0.0 without
// restarting any subsystem (§4.H). Idempotent: if host already matches
// the current bind, it is a no-op that returns the current state.
func (s *Supervisor) Bind(host string) (BindResult, error) {
	s.mu.Lock()
	current := s.boundHost
	rebind := s.rebind
	s.mu.Unlock()

	if host == current {
		s.mu.Lock()
		port := s.boundPort
		s.mu.Unlock()
		return BindResult{Host: host, Port: port, Changed: false}, nil
	}
	if rebind == nil {
		return BindResult{}, fmt.Errorf("supervisor: no rebind function configured")
	}

	port, err := rebind(host)
	if err != nil {
		return BindResult{}, err
	}

	s.mu.Lock()
	s.boundHost = host
	s.boundPort = port
	s.mu.Unlock()
	return BindResult{Host: host, Port: port, Changed: true}, nil
}

// NoteInitialBind records the listener's initial bind address without
// going through the rebind callback (used once at startup).
func (s *Supervisor) NoteInitialBind(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundHost = host
	s.boundPort = port
}

// Metrics returns a point-in-time snapshot of runtime state (§4.H).
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	runID := s.runID
	started := s.startedAt
	s.mu.Unlock()

	fwRecords := s.fwMgr.List()
	numRunning := 0
	var rss uint64
	for _, r := range fwRecords {
		if r.Status == fwshell.StatusRunning {
			numRunning++
			if stats, err := s.fwMgr.Stats(r.ID); err == nil && stats.RSSBytes != nil {
				rss += *stats.RSSBytes
			}
		}
	}

	ptyRecords := s.ptyMgr.List()
	matchingRun := 0
	for _, r := range ptyRecords {
		if r.RunID == runID {
			matchingRun++
		}
	}

	return Metrics{
		RunID:         runID,
		SupervisorPID: os.Getpid(),
		AppPID:        os.Getpid(),
		UptimeSecs:    time.Since(started).Seconds(),
		FrameworkShells: FrameworkShellMetrics{
			NumShells:  len(fwRecords),
			NumRunning: numRunning,
			MemoryRSS:  rss,
		},
		InteractiveSessions: InteractiveSessionMetrics{
			Total:       len(ptyRecords),
			MatchingRun: matchingRun,
		},
	}
}

// shutdownBudget bounds the cascading shutdown before subsystems are cut
// off regardless of outstanding work (§4.H: "... wait ≤ 5 s").
const shutdownBudget = 5 * time.Second

// Shutdown fans stop out to every subsystem in the order specified by
// §4.H: PTY shells first (SIGHUP), then framework shells (SIGTERM then
// SIGKILL), then outstanding jobs are cancelled, all within a 5s budget.
func (s *Supervisor) Shutdown() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ptyMgr.Shutdown()
		s.fwMgr.Shutdown()
		s.jobMgr.Shutdown()
	}()

	select {
	case <-done:
	case <-time.After(shutdownBudget):
		s.log.Warn("supervisor: shutdown budget exceeded, exiting anyway")
	}
}
