// Package fwshell implements the Framework Shell Manager (§4.E): spawn,
// supervise, and report on long-running headless background processes with
// persistent metadata and rotating log capture.
package fwshell

// Status is the lifecycle state of a supervised shell.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusError   Status = "error"
)

// RestartPolicy controls whether a shell is automatically re-spawned after
// it exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Record is the persisted shape of a FrameworkShellRecord (§3). Runtime-only
// fields (the live process handle, log writers, PTY master) are never part
// of this struct — they live in the manager's in-memory entry instead.
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
}

// Clone returns a deep-enough copy of r safe to hand to callers outside the
// manager's lock.
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

// SpawnOptions is the input to Spawn.
type SpawnOptions struct {
	Command       []string
	Cwd           string
	Env           map[string]string
	Label         string
	Autostart     bool
	RestartPolicy RestartPolicy
}

// Action is one of the mutating lifecycle verbs accepted by Manager.Action.
type Action string

const (
	ActionStop    Action = "stop"
	ActionKill    Action = "kill"
	ActionRestart Action = "restart"
)

// Stats is the best-effort resource snapshot for a running shell (§4.E).
type Stats struct {
	Alive      bool    `json:"alive"`
	UptimeSecs float64 `json:"uptime_seconds"`
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
	RSSBytes   *uint64  `json:"rss_bytes,omitempty"`
	Threads    *int     `json:"threads,omitempty"`
}

// LogTail is the {stdout[], stderr[]} pair returned by TailLogs.
type LogTail struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}
