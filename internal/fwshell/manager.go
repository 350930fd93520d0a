package fwshell

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/jsonstore"
	"github.com/termux-extensions/te-framework/internal/logtail"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
)

// DefaultMaxShells is the default cap on concurrent running shells (§6).
const DefaultMaxShells = 5

const (
	stopGrace        = 3 * time.Second
	backoffInitial   = 500 * time.Millisecond
	backoffMax       = 30 * time.Second
	healthyResetTime = 60 * time.Second
)

// entry is the runtime-only bookkeeping for one supervised shell. It is
// never serialized; Record is the persisted half. All fields are guarded
// by the owning Manager's mu, never accessed unlocked.
type entry struct {
	rec    Record
	cmd    *exec.Cmd
	stdout *logtail.Writer
	stderr *logtail.Writer
	done   chan struct{}

	stopRequested bool // explicit stop/kill/remove: suppresses auto-restart
	backoff       time.Duration
	startedAt     time.Time
	restartTimer  *time.Timer
}

// Manager supervises a set of headless background processes (§4.E).
type Manager struct {
	mu        sync.Mutex
	entries   map[string]*entry
	dir       string
	maxShells int
	runID     string
	sandbox   *pathsafe.Sandbox
	log       *slog.Logger
}

func metaDir(dir string) string { return filepath.Join(dir, "meta") }
func logsDir(dir string) string { return filepath.Join(dir, "logs") }

// NewManager creates a manager rooted at dir (${TE_FRAMEWORK_DIR}),
// reloading any metadata left by a previous run.
func NewManager(dir, runID string, maxShells int, sandbox *pathsafe.Sandbox, log *slog.Logger) (*Manager, error) {
	if maxShells <= 0 {
		maxShells = DefaultMaxShells
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		entries:   make(map[string]*entry),
		dir:       dir,
		maxShells: maxShells,
		runID:     runID,
		sandbox:   sandbox,
		log:       log,
	}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadExisting() error {
	dirEntries, err := os.ReadDir(metaDir(m.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apierr.Wrap(apierr.IO, err, "read meta dir")
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		var rec Record
		ok, err := jsonstore.ReadInto(filepath.Join(metaDir(m.dir), id, "meta.json"), &rec)
		if err != nil || !ok {
			continue // forgotten/corrupt shell: skipped, so it is never tracked
		}
		m.entries[id] = &entry{rec: rec, done: make(chan struct{})}
	}
	return nil
}

func generateID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex)
}

func (m *Manager) runningCount() int {
	n := 0
	for _, e := range m.entries {
		if e.rec.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Spawn validates and launches a new headless background process.
func (m *Manager) Spawn(opts SpawnOptions) (Record, error) {
	if len(opts.Command) == 0 {
		return Record{}, apierr.New(apierr.InvalidArgument, "command must be a non-empty list of strings")
	}
	for _, tok := range opts.Command {
		if tok == "" {
			return Record{}, apierr.New(apierr.InvalidArgument, "command arguments must be non-empty strings")
		}
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.sandbox.Home()
	} else {
		resolved, err := m.sandbox.Resolve(cwd, "")
		if err != nil {
			return Record{}, err
		}
		cwd = resolved
	}

	policy := opts.RestartPolicy
	if policy == "" {
		policy = RestartNever
	}

	m.mu.Lock()
	if m.runningCount() >= m.maxShells {
		m.mu.Unlock()
		return Record{}, apierr.New(apierr.Conflict, "shell cap reached (%d running)", m.maxShells)
	}

	id := generateID("fs")
	now := time.Now().Unix()
	rec := Record{
		ID:            id,
		Command:       append([]string(nil), opts.Command...),
		Cwd:           cwd,
		Env:           opts.Env,
		Label:         opts.Label,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		UsesPTY:       false,
		Autostart:     opts.Autostart,
		RestartPolicy: policy,
		RunID:         m.runID,
	}
	e := &entry{rec: rec, done: make(chan struct{}), backoff: backoffInitial}
	m.entries[id] = e
	m.mu.Unlock()

	if err := m.launch(e); err != nil {
		m.mu.Lock()
		e.rec.Status = StatusError
		e.rec.Error = err.Error()
		e.rec.UpdatedAt = time.Now().Unix()
		rec = e.rec.Clone()
		m.mu.Unlock()
		m.persist(e)
		return rec, apierr.Wrap(apierr.SpawnFailed, err, "spawn %s", id)
	}

	m.mu.Lock()
	rec = e.rec.Clone()
	m.mu.Unlock()
	return rec, nil
}

// launch actually starts (or restarts) the OS process for e, which must
// already have rec populated (ID/Command/Cwd/Env/Label/etc). Sets up log
// files, spawns the child detached into its own session, and starts the
// background wait-for-exit goroutine.
func (m *Manager) launch(e *entry) error {
	m.mu.Lock()
	id := e.rec.ID
	command := append([]string(nil), e.rec.Command...)
	cwd := e.rec.Cwd
	env := e.rec.Env
	stdout := e.stdout
	stderr := e.stderr
	m.mu.Unlock()

	dir := filepath.Join(metaDir(m.dir), id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apierr.Wrap(apierr.IO, err, "create meta dir for %s", id)
	}
	if err := os.MkdirAll(logsDir(m.dir), 0o700); err != nil {
		return apierr.Wrap(apierr.IO, err, "create logs dir")
	}

	if stdout == nil {
		w, err := logtail.Open(filepath.Join(logsDir(m.dir), id+".stdout.log"))
		if err != nil {
			return err
		}
		stdout = w
	}
	if stderr == nil {
		w, err := logtail.Open(filepath.Join(logsDir(m.dir), id+".stderr.log"))
		if err != nil {
			return err
		}
		stderr = w
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Env = overlayEnv(os.Environ(), env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Detach into its own process group/session so the shell survives the
	// supervisor's own restart.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	e.stdout = stdout
	e.stderr = stderr
	e.cmd = cmd
	e.done = make(chan struct{})
	e.startedAt = time.Now()
	e.stopRequested = false
	e.rec.PID = cmd.Process.Pid
	e.rec.Status = StatusRunning
	e.rec.ExitCode = nil
	e.rec.Error = ""
	e.rec.UpdatedAt = time.Now().Unix()
	e.rec.RunID = m.runID
	m.persist(e)
	m.mu.Unlock()

	go m.watch(e)
	return nil
}

// watch waits for the child to exit, records the outcome, and applies the
// restart policy.
func (m *Manager) watch(e *entry) {
	err := e.cmd.Wait()

	m.mu.Lock()
	exitCode := exitCodeFromError(err)
	e.rec.ExitCode = &exitCode
	e.rec.Status = terminalStatus(err)
	if err != nil && e.rec.Status == StatusError {
		e.rec.Error = err.Error()
	}
	e.rec.UpdatedAt = time.Now().Unix()
	stopRequested := e.stopRequested
	close(e.done)
	m.persist(e)
	m.mu.Unlock()

	if stopRequested {
		return
	}
	m.maybeRestart(e, exitCode)
}

func (m *Manager) maybeRestart(e *entry, exitCode int) {
	m.mu.Lock()
	policy := e.rec.RestartPolicy
	removed := m.entries[e.rec.ID] == nil
	m.mu.Unlock()
	if removed {
		return
	}

	shouldRestart := policy == RestartAlways || (policy == RestartOnFailure && exitCode != 0)
	if !shouldRestart {
		return
	}

	m.mu.Lock()
	if time.Since(e.startedAt) >= healthyResetTime {
		e.backoff = backoffInitial
	} else if e.backoff == 0 {
		e.backoff = backoffInitial
	} else {
		e.backoff *= 2
		if e.backoff > backoffMax {
			e.backoff = backoffMax
		}
	}
	delay := e.backoff
	e.restartTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.entries[e.rec.ID] == nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := m.launch(e); err != nil {
			m.log.Warn("fwshell: auto-restart failed", "id", e.rec.ID, "error", err)
		}
	})
	m.mu.Unlock()
}

func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

func terminalStatus(err error) Status {
	if err == nil {
		return StatusExited
	}
	if _, ok := err.(*exec.ExitError); ok {
		return StatusExited
	}
	return StatusError
}

// persist writes e.rec's metadata to disk. Caller must hold m.mu (or be
// certain e is not concurrently mutated).
func (m *Manager) persist(e *entry) {
	path := filepath.Join(metaDir(m.dir), e.rec.ID, "meta.json")
	if err := jsonstore.WriteAtomic(path, e.rec); err != nil {
		m.log.Error("fwshell: persist metadata failed", "id", e.rec.ID, "error", err)
	}
}

// List returns a snapshot of every known record.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.rec.Clone())
	}
	return out
}

// Get returns one record by ID.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Record{}, apierr.New(apierr.NotFound, "shell %s not found", id)
	}
	return e.rec.Clone(), nil
}

// TailLogs returns the last n lines of stdout/stderr for id.
func (m *Manager) TailLogs(id string, n int) (LogTail, error) {
	m.mu.Lock()
	_, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return LogTail{}, apierr.New(apierr.NotFound, "shell %s not found", id)
	}

	stdout, err := logtail.TailLines(filepath.Join(logsDir(m.dir), id+".stdout.log"), n)
	if err != nil {
		return LogTail{}, err
	}
	stderr, err := logtail.TailLines(filepath.Join(logsDir(m.dir), id+".stderr.log"), n)
	if err != nil {
		return LogTail{}, err
	}
	return LogTail{Stdout: stdout, Stderr: stderr}, nil
}

// Action applies stop/kill/restart to a shell (§4.E).
func (m *Manager) Action(id string, action Action) (Record, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, apierr.New(apierr.NotFound, "shell %s not found", id)
	}

	switch action {
	case ActionStop:
		m.stop(e)
	case ActionKill:
		m.kill(e)
	case ActionRestart:
		m.stop(e)
		m.mu.Lock()
		e.rec.Status = StatusPending
		m.mu.Unlock()
		if err := m.launch(e); err != nil {
			m.mu.Lock()
			e.rec.Status = StatusError
			e.rec.Error = err.Error()
			rec := e.rec.Clone()
			m.mu.Unlock()
			m.persist(e)
			return rec, apierr.Wrap(apierr.SpawnFailed, err, "restart %s", id)
		}
	default:
		return Record{}, apierr.New(apierr.InvalidArgument, "unknown action %q", action)
	}

	m.mu.Lock()
	rec := e.rec.Clone()
	m.mu.Unlock()
	return rec, nil
}

// stop sends SIGTERM, waits up to stopGrace, then escalates to SIGKILL. A
// no-op (returning the current record) if the shell has already exited.
func (m *Manager) stop(e *entry) {
	m.mu.Lock()
	cmd := e.cmd
	done := e.done
	alreadyExited := e.rec.Status != StatusRunning
	e.stopRequested = true
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	m.mu.Unlock()

	if alreadyExited || cmd == nil || cmd.Process == nil {
		return
	}

	signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(stopGrace):
	}
	signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	<-done
}

func (m *Manager) kill(e *entry) {
	m.mu.Lock()
	cmd := e.cmd
	done := e.done
	alreadyExited := e.rec.Status != StatusRunning
	e.stopRequested = true
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	m.mu.Unlock()

	if alreadyExited || cmd == nil || cmd.Process == nil {
		return
	}
	signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	<-done
}

// Remove deletes a shell's metadata and logs. If force is set and the shell
// is alive, it is stopped first.
func (m *Manager) Remove(id string, force bool) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, "shell %s not found", id)
	}

	m.mu.Lock()
	running := e.rec.Status == StatusRunning
	m.mu.Unlock()
	if running {
		if !force {
			return apierr.New(apierr.Conflict, "shell %s is still running (use force)", id)
		}
		m.stop(e)
	}

	m.mu.Lock()
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.stopRequested = true
	stdout, stderr := e.stdout, e.stderr
	delete(m.entries, id)
	m.mu.Unlock()

	if stdout != nil {
		stdout.Close()
	}
	if stderr != nil {
		stderr.Close()
	}

	if err := os.RemoveAll(filepath.Join(metaDir(m.dir), id)); err != nil {
		return apierr.Wrap(apierr.IO, err, "remove meta for %s", id)
	}
	if err := jsonstore.Remove(filepath.Join(logsDir(m.dir), id+".stdout.log")); err != nil {
		return err
	}
	if err := jsonstore.Remove(filepath.Join(logsDir(m.dir), id+".stderr.log")); err != nil {
		return err
	}
	return nil
}

// Sweep reconciles status for every record by probing liveness of its PID
// and prunes shells whose metadata has gone missing from disk.
func (m *Manager) Sweep() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		e, ok := m.entries[id]
		m.mu.Unlock()
		if !ok {
			continue
		}

		if _, err := os.Stat(filepath.Join(metaDir(m.dir), id, "meta.json")); os.IsNotExist(err) {
			m.mu.Lock()
			delete(m.entries, id)
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		status := e.rec.Status
		pid := e.rec.PID
		m.mu.Unlock()
		if status != StatusRunning {
			continue
		}
		if !pidAlive(pid) {
			m.mu.Lock()
			e.rec.Status = StatusExited
			e.rec.UpdatedAt = time.Now().Unix()
			m.persist(e)
			m.mu.Unlock()
		}
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// signalGroup signals the entire process group rooted at pid, not just the
// direct child — the shell is spawned with Setsid (its own session), so pid
// is also its process group ID, and unix.Kill accepts the negative-pid group
// form. This reaches grandchildren a plain cmd.Process.Signal would miss.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil {
		unix.Kill(pid, sig)
	}
}

// Shutdown stops and removes every record owned by the current run.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.rec.RunID == m.runID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Remove(id, true); err != nil {
			m.log.Warn("fwshell: shutdown remove failed", "id", id, "error", err)
		}
	}
}

// Stats returns a best-effort resource snapshot for id.
func (m *Manager) Stats(id string) (Stats, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Stats{}, apierr.New(apierr.NotFound, "shell %s not found", id)
	}
	m.mu.Lock()
	pid := e.rec.PID
	status := e.rec.Status
	startedAt := e.startedAt
	m.mu.Unlock()

	if status != StatusRunning {
		return Stats{Alive: false}, nil
	}
	stats, err := readProcStats(pid, startedAt)
	if err == nil && stats.RSSBytes != nil {
		m.log.Debug("fwshell: stats", "id", id, "pid", pid, "rss", humanize.Bytes(*stats.RSSBytes))
	}
	return stats, err
}

// AutostartCandidates returns every record from a previous run whose
// Autostart flag is set, in the ephemeral-per-run design described in
// SPEC_FULL.md §9: these are the records the supervisor re-spawns once at
// startup. Prior-run records without Autostart are not pruned by the
// manager; they stay listed and on disk until removed.
func (m *Manager) AutostartCandidates(previousRunID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, e := range m.entries {
		if e.rec.RunID == previousRunID && e.rec.Autostart {
			out = append(out, e.rec.Clone())
		}
	}
	return out
}

// Respawn re-launches a previously persisted record (used for autostart)
// under the current run ID, preserving its ID/command/cwd/env.
func (m *Manager) Respawn(rec Record) (Record, error) {
	m.mu.Lock()
	rec.Status = StatusPending
	rec.RunID = m.runID
	e := &entry{rec: rec, done: make(chan struct{}), backoff: backoffInitial}
	m.entries[rec.ID] = e
	m.mu.Unlock()

	if err := m.launch(e); err != nil {
		return Record{}, apierr.Wrap(apierr.SpawnFailed, err, "respawn %s", rec.ID)
	}
	m.mu.Lock()
	out := e.rec.Clone()
	m.mu.Unlock()
	return out, nil
}
