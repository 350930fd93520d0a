package jobs

import (
	"sync"
	"sync/atomic"
)

// jobContext is the Context a running handler observes. Progress/message
// updates flow back through onProgress/onMessage, which the Manager wires to its own
// locked mutation + persist path so every transition is journaled (§4.G).
type jobContext struct {
	id         string
	params     map[string]any
	cancelCh   chan struct{}
	cancelOnce sync.Once
	cancelled  atomic.Bool

	onProgress func(completed, total int64, unit string)
	onMessage  func(text string)
}

func newJobContext(id string, params map[string]any, onProgress func(int64, int64, string), onMessage func(string)) *jobContext {
	return &jobContext{
		id:         id,
		params:     params,
		cancelCh:   make(chan struct{}),
		onProgress: onProgress,
		onMessage:  onMessage,
	}
}

func (c *jobContext) JobID() string               { return c.id }
func (c *jobContext) Params() map[string]any       { return c.params }
func (c *jobContext) CancelToken() <-chan struct{} { return c.cancelCh }
func (c *jobContext) CheckCancelled() bool         { return c.cancelled.Load() }

func (c *jobContext) ReportProgress(completed, total int64, unit string) {
	if c.onProgress != nil {
		c.onProgress(completed, total, unit)
	}
}

func (c *jobContext) SetMessage(text string) {
	if c.onMessage != nil {
		c.onMessage(text)
	}
}

// requestCancel fires the cancel token exactly once and flips the
// check_cancelled flag; safe to call multiple times.
func (c *jobContext) requestCancel() {
	c.cancelled.Store(true)
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}
