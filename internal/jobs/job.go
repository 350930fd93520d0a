// Package jobs implements the Job Registry (§4.G): a process-wide mapping
// from job ID to Job, a handler registry keyed by job type, and a
// fixed-size worker pool that runs handlers concurrently with progress
// reporting, cancellation, and a persistent journal.
package jobs

// Status is the lifecycle state of a Job. pending/running are transient;
// the other three are sticky terminal states (§3 invariants).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress is the optional {completed, total, unit} triple (§3).
type Progress struct {
	Completed int64  `json:"completed"`
	Total     int64  `json:"total,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// Job is the persisted record for one submitted task (§3).
type Job struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Params          map[string]any `json:"params"`
	Status          Status         `json:"status"`
	Message         string         `json:"message,omitempty"`
	Progress        *Progress      `json:"progress,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
	StartedAt       int64          `json:"started_at,omitempty"`
	EndedAt         int64          `json:"ended_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
}

func (j Job) Clone() Job {
	clone := j
	if j.Params != nil {
		clone.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			clone.Params[k] = v
		}
	}
	if j.Progress != nil {
		p := *j.Progress
		clone.Progress = &p
	}
	return clone
}

// HandlerFunc is the signature every registered job type implements. It
// returns the job's result payload, or an error that fails the job.
type HandlerFunc func(ctx Context) (result any, err error)

// Context is what a HandlerFunc sees (§4.G).
type Context interface {
	JobID() string
	Params() map[string]any
	ReportProgress(completed, total int64, unit string)
	SetMessage(text string)
	CheckCancelled() bool
	CancelToken() <-chan struct{}
}
