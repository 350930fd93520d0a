package ptyshell

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

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/jsonstore"
	"github.com/termux-extensions/te-framework/internal/logtail"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
)

const (
	stopGrace        = 3 * time.Second
	backoffInitial   = 500 * time.Millisecond
	backoffMax       = 30 * time.Second
	healthyResetTime = 60 * time.Second

	// writeQueueChunks bounds the per-PTY input queue; write() blocks the
	// caller up to writeTimeout trying to enqueue, then fails (§4.F).
	writeQueueChunks = 256
	writeTimeout     = 100 * time.Millisecond

	readChunkSize = 4096 // §4.F: reader copies master→sinks in chunks ≤ 4KiB
)

// entry is the runtime-only bookkeeping for one PTY shell. All fields are
// guarded by the owning Manager's mu, never accessed unlocked.
type entry struct {
	rec     Record
	cmd     *exec.Cmd
	ptmx    *os.File
	logw    *logtail.Writer
	fanout  *logtail.Fanout
	writeCh chan []byte
	done    chan struct{}

	stopRequested bool
	backoff       time.Duration
	startedAt     time.Time
	restartTimer  *time.Timer
}

// Manager supervises a set of PTY-backed interactive shells (§4.F).
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry
	dir        string
	maxShells  int
	runID      string
	sandbox    *pathsafe.Sandbox
	log        *slog.Logger
	loginShell []string
}

func metaDir(dir string) string { return filepath.Join(dir, "meta") }
func logsDir(dir string) string { return filepath.Join(dir, "logs") }

// NewManager creates a manager rooted at dir, reloading any metadata left
// by a previous run. loginShell is the default command used by spawn_pty
// when the caller does not specify one.
func NewManager(dir, runID string, maxShells int, sandbox *pathsafe.Sandbox, log *slog.Logger, loginShell []string) (*Manager, error) {
	if maxShells <= 0 {
		maxShells = 5
	}
	if log == nil {
		log = slog.Default()
	}
	if len(loginShell) == 0 {
		loginShell = []string{defaultShellPath(), "-l"}
	}
	m := &Manager{
		entries:    make(map[string]*entry),
		dir:        dir,
		maxShells:  maxShells,
		runID:      runID,
		sandbox:    sandbox,
		log:        log,
		loginShell: loginShell,
	}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

func defaultShellPath() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// detectTerminalSize falls back to the supervisor process's own controlling
// terminal (if any) before DefaultCols/DefaultRows, the same probe the
// teacher's interactive `wt egg` client does before attaching a PTY.
func detectTerminalSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	return DefaultCols, DefaultRows
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
			continue
		}
		m.entries[id] = &entry{rec: rec, done: make(chan struct{}), fanout: logtail.NewFanout()}
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

// Spawn validates and launches a new interactive PTY shell.
func (m *Manager) Spawn(opts SpawnOptions) (Record, error) {
	command := opts.Command
	if len(command) == 0 {
		command = m.loginShell
	}
	for _, tok := range command {
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

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 || rows <= 0 {
		detCols, detRows := detectTerminalSize()
		if cols <= 0 {
			cols = detCols
		}
		if rows <= 0 {
			rows = detRows
		}
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

	id := generateID("pty")
	now := time.Now().Unix()
	rec := Record{
		ID:            id,
		Command:       append([]string(nil), command...),
		Cwd:           cwd,
		Env:           opts.Env,
		Label:         opts.Label,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		UsesPTY:       true,
		Autostart:     opts.Autostart,
		RestartPolicy: policy,
		RunID:         m.runID,
		Cols:          cols,
		Rows:          rows,
	}
	e := &entry{rec: rec, done: make(chan struct{}), backoff: backoffInitial, fanout: logtail.NewFanout()}
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
		return rec, apierr.Wrap(apierr.SpawnFailed, err, "spawn_pty %s", id)
	}

	m.mu.Lock()
	rec = e.rec.Clone()
	m.mu.Unlock()
	return rec, nil
}

func (m *Manager) launch(e *entry) error {
	m.mu.Lock()
	id := e.rec.ID
	command := append([]string(nil), e.rec.Command...)
	cwd := e.rec.Cwd
	env := e.rec.Env
	cols, rows := e.rec.Cols, e.rec.Rows
	logw := e.logw
	m.mu.Unlock()

	dir := filepath.Join(metaDir(m.dir), id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apierr.Wrap(apierr.IO, err, "create meta dir for %s", id)
	}
	if err := os.MkdirAll(logsDir(m.dir), 0o700); err != nil {
		return apierr.Wrap(apierr.IO, err, "create logs dir")
	}
	if logw == nil {
		w, err := logtail.Open(filepath.Join(logsDir(m.dir), id+".log"))
		if err != nil {
			return err
		}
		logw = w
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Env = overlayEnv(os.Environ(), env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return err
	}

	writeCh := make(chan []byte, writeQueueChunks)

	m.mu.Lock()
	e.logw = logw
	e.cmd = cmd
	e.ptmx = ptmx
	e.writeCh = writeCh
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

	go m.readLoop(e, ptmx, writeCh)
	go m.watch(e)
	return nil
}

// readLoop is the single reader goroutine for this PTY (§4.F concurrency
// contract): it copies master output to the log file and fan-out buffer,
// and is also the one writer that serializes input onto the master so the
// two directions never race on the same fd. Resize does not go through
// this loop: it calls pty.Setsize on the master from the caller's goroutine.
func (m *Manager) readLoop(e *entry, ptmx *os.File, writeCh <-chan []byte) {
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				m.mu.Lock()
				logw := e.logw
				fanout := e.fanout
				m.mu.Unlock()
				if logw != nil {
					logw.Write(chunk)
				}
				if fanout != nil {
					fanout.Publish(chunk)
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-writeCh:
			if !ok {
				return
			}
			ptmx.Write(data)
		case <-readErr:
			return
		}
	}
}

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
	if e.writeCh != nil {
		close(e.writeCh)
		e.writeCh = nil
	}
	if e.fanout != nil {
		e.fanout.CloseAll()
	}
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
			m.log.Warn("ptyshell: auto-restart failed", "id", e.rec.ID, "error", err)
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

func (m *Manager) persist(e *entry) {
	path := filepath.Join(metaDir(m.dir), e.rec.ID, "meta.json")
	if err := jsonstore.WriteAtomic(path, e.rec); err != nil {
		m.log.Error("ptyshell: persist metadata failed", "id", e.rec.ID, "error", err)
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
		return Record{}, apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}
	return e.rec.Clone(), nil
}

// Write enqueues bytes to the PTY master (§4.F). If the input queue is
// full it blocks up to writeTimeout before failing with EIO — the write
// path never silently drops input.
func (m *Manager) Write(id string, data []byte) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}
	if e.rec.Status != StatusRunning || e.writeCh == nil {
		m.mu.Unlock()
		return apierr.New(apierr.Conflict, "pty shell %s is not running", id)
	}
	ch := e.writeCh
	m.mu.Unlock()

	select {
	case ch <- data:
		return nil
	case <-time.After(writeTimeout):
		return apierr.New(apierr.IO, "pty shell %s input queue full", id)
	}
}

// Resize applies TIOCSWINSZ (via pty.Setsize) and persists the new window
// size on the record (§4.F).
func (m *Manager) Resize(id string, cols, rows int) (Record, error) {
	if cols <= 0 || rows <= 0 {
		return Record{}, apierr.New(apierr.InvalidArgument, "cols/rows must be positive")
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}
	if e.rec.Status != StatusRunning || e.ptmx == nil {
		m.mu.Unlock()
		return Record{}, apierr.New(apierr.Conflict, "pty shell %s is not running", id)
	}
	ptmx := e.ptmx
	m.mu.Unlock()

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return Record{}, apierr.Wrap(apierr.IO, err, "resize %s", id)
	}

	m.mu.Lock()
	e.rec.Cols = cols
	e.rec.Rows = rows
	e.rec.UpdatedAt = time.Now().Unix()
	m.persist(e)
	rec := e.rec.Clone()
	m.mu.Unlock()
	return rec, nil
}

// Subscribe registers a new live output subscriber (§4.F). The caller
// receives no replay on this channel; a caller that wants history also
// reads TailLogs. The /terminal/ws handler subscribes first and then sends
// the tail, so replayed and live bytes may overlap.
func (m *Manager) Subscribe(id string) (*logtail.Subscription, <-chan []byte, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}
	sub, ch := e.fanout.Subscribe()
	return sub, ch, nil
}

// Unsubscribe is idempotent.
func (m *Manager) Unsubscribe(id string, sub *logtail.Subscription) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.fanout.Unsubscribe(sub)
}

// TailLogs returns the last n lines of this PTY's combined output log.
func (m *Manager) TailLogs(id string, n int) (LogTail, error) {
	m.mu.Lock()
	_, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return LogTail{}, apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}
	lines, err := logtail.TailLines(filepath.Join(logsDir(m.dir), id+".log"), n)
	if err != nil {
		return LogTail{}, err
	}
	return LogTail{Output: lines}, nil
}

// Action applies stop/kill/restart to a PTY shell (§4.F inherits §4.E).
func (m *Manager) Action(id string, action Action) (Record, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, apierr.New(apierr.NotFound, "pty shell %s not found", id)
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

// stop sends SIGHUP (the natural signal for a controlling terminal going
// away), waits up to stopGrace, then escalates to SIGKILL.
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

	cmd.Process.Signal(syscall.SIGHUP)
	select {
	case <-done:
		return
	case <-time.After(stopGrace):
	}
	cmd.Process.Signal(syscall.SIGKILL)
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
	cmd.Process.Signal(syscall.SIGKILL)
	<-done
}

// Remove deletes a PTY shell's metadata and log. Only permitted once the
// shell is terminal unless force is set.
func (m *Manager) Remove(id string, force bool) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, "pty shell %s not found", id)
	}

	m.mu.Lock()
	running := e.rec.Status == StatusRunning
	m.mu.Unlock()
	if running {
		if !force {
			return apierr.New(apierr.Conflict, "pty shell %s is still running (use force)", id)
		}
		m.stop(e)
	}

	m.mu.Lock()
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
	e.stopRequested = true
	logw := e.logw
	ptmx := e.ptmx
	fanout := e.fanout
	delete(m.entries, id)
	m.mu.Unlock()

	if fanout != nil {
		fanout.CloseAll()
	}
	if ptmx != nil {
		ptmx.Close()
	}
	if logw != nil {
		logw.Close()
	}

	if err := os.RemoveAll(filepath.Join(metaDir(m.dir), id)); err != nil {
		return apierr.Wrap(apierr.IO, err, "remove meta for %s", id)
	}
	if err := jsonstore.Remove(filepath.Join(logsDir(m.dir), id+".log")); err != nil {
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

// Shutdown stops and removes every record owned by the current run,
// signalling SIGHUP first per runtime.shutdown()'s ordering (§4.H: PTY
// shells are torn down before framework shells).
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
			m.log.Warn("ptyshell: shutdown remove failed", "id", id, "error", err)
		}
	}
}

// AutostartCandidates returns every record from a previous run whose
// Autostart flag is set, re-spawned once by the supervisor at startup.
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

// Respawn re-launches a previously persisted record under the current
// run ID, preserving its ID/command/cwd/env/window size.
func (m *Manager) Respawn(rec Record) (Record, error) {
	m.mu.Lock()
	rec.Status = StatusPending
	rec.RunID = m.runID
	e := &entry{rec: rec, done: make(chan struct{}), backoff: backoffInitial, fanout: logtail.NewFanout()}
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
