// Package ptyshell implements the PTY Shell Service (§4.F): interactive
// shells attached to a pseudo-terminal, fanned out to any number of
// concurrent subscribers with bounded per-subscriber queues.
package ptyshell

import "github.com/termux-extensions/te-framework/internal/fwshell"

// Status and RestartPolicy reuse the Framework Shell Manager's vocabulary
// (§4.F "extends §4.E").
type Status = fwshell.Status
type RestartPolicy = fwshell.RestartPolicy

const (
	StatusPending = fwshell.StatusPending
	StatusRunning = fwshell.StatusRunning
	StatusExited  = fwshell.StatusExited
	StatusError   = fwshell.StatusError
)

const (
	RestartNever     = fwshell.RestartNever
	RestartOnFailure = fwshell.RestartOnFailure
	RestartAlways    = fwshell.RestartAlways
)

// DefaultCols and DefaultRows are the initial PTY window size when the
// caller does not specify one (§4.F).
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Record is the persisted shape of a PtyShellRecord (§3): every field of
// FrameworkShellRecord plus the terminal's current window size. The PTY
// master itself and the subscriber fan-out are runtime-only and live in
// the manager's in-memory entry.
type Record struct {
	ID            string            `json:"id"`
	Command       []string          `json:"command"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env,omitempty"`
	Label         string            `json:"label,omitempty"`
	PID           int               `json:"pid,omitempty"`
	Status        Status            `json:"status"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
	UsesPTY       bool              `json:"uses_pty"`
	Autostart     bool              `json:"autostart,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy,omitempty"`
	RunID         string            `json:"run_id"`
	Error         string            `json:"error,omitempty"`
	Cols          int               `json:"cols"`
	Rows          int               `json:"rows"`
}

func (r Record) Clone() Record {
	clone := r
	if r.Command != nil {
		clone.Command = append([]string(nil), r.Command...)
	}
	if r.Env != nil {
		clone.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			clone.Env[k] = v
		}
	}
	if r.ExitCode != nil {
		ec := *r.ExitCode
		clone.ExitCode = &ec
	}
	return clone
}

// SpawnOptions is the input to Spawn. An empty Command defaults to the
// caller's login shell run as an interactive login shell (§4.F).
type SpawnOptions struct {
	Command       []string
	Cwd           string
	Env           map[string]string
	Label         string
	Cols          int
	Rows          int
	Autostart     bool
	RestartPolicy RestartPolicy
}

// Action mirrors fwshell's lifecycle verbs (§4.F "inherit §4.E semantics").
type Action = fwshell.Action

const (
	ActionStop    = fwshell.ActionStop
	ActionKill    = fwshell.ActionKill
	ActionRestart = fwshell.ActionRestart
)

// LogTail is the tail-on-reconnect snapshot (§4.F reconnect semantics): a
// PTY has no separate stderr stream, so only Output is populated.
type LogTail struct {
	Output []string `json:"output"`
}
