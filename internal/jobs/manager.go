package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/jsonstore"
)

// DefaultWorkers is the default fixed-size worker pool size (§4.G).
const DefaultWorkers = 4

// submitRateLimit and submitBurst bound how fast new jobs can be admitted,
// a soft guard against a UI bug or retry loop hammering Submit — the pool
// still enforces the hard worker cap independently.
const (
	submitRateLimit = 20 // jobs/sec
	submitBurst     = 40
)

// journal is the on-disk shape of jobs.json: a single JSON document
// holding every known job, keyed by ID (§4.G persistence).
type journal struct {
	Jobs map[string]*Job `json:"jobs"`
}

type runningJob struct {
	ctx    *jobContext
	cancel context.CancelFunc
}

// Manager is the process-wide job registry and scheduler.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	running  map[string]*runningJob
	handlers map[string]HandlerFunc
	path     string
	log      *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	queue   chan string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewManager creates a registry journaling to path, with a worker pool of
// the given size (0 defaults to DefaultWorkers). On startup, any job left
// in pending/running by a prior run is forced to failed (§4.G).
func NewManager(path string, workers int, log *slog.Logger) (*Manager, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}

	var doc journal
	ok, err := jsonstore.ReadInto(path, &doc)
	if err != nil {
		return nil, err
	}
	if !ok || doc.Jobs == nil {
		doc.Jobs = make(map[string]*Job)
	}

	now := time.Now().Unix()
	for _, j := range doc.Jobs {
		if j.Status == StatusPending || j.Status == StatusRunning {
			j.Status = StatusFailed
			j.Error = "interrupted by restart"
			j.UpdatedAt = now
			j.EndedAt = now
		}
	}

	m := &Manager{
		jobs:     doc.Jobs,
		running:  make(map[string]*runningJob),
		handlers: make(map[string]HandlerFunc),
		path:     path,
		log:      log,
		sem:      semaphore.NewWeighted(int64(workers)),
		limiter:  rate.NewLimiter(rate.Limit(submitRateLimit), submitBurst),
		queue:    make(chan string, 4096),
	}
	if err := m.persistLocked(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.dispatch(ctx)

	return m, nil
}

// RegisterHandler binds a job type to the function that executes it.
func (m *Manager) RegisterHandler(jobType string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = fn
}

func generateID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), hex)
}

// Submit creates a new pending job and enqueues it for execution.
func (m *Manager) Submit(jobType string, params map[string]any) (Job, error) {
	if !m.limiter.Allow() {
		return Job{}, apierr.New(apierr.Conflict, "job submission rate exceeded, retry shortly")
	}

	m.mu.Lock()
	if _, ok := m.handlers[jobType]; !ok {
		m.mu.Unlock()
		return Job{}, apierr.New(apierr.InvalidArgument, "unknown job type %q", jobType)
	}

	now := time.Now().Unix()
	j := &Job{
		ID:        generateID(),
		Type:      jobType,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[j.ID] = j
	err := m.persistLocked()
	out := j.Clone()
	m.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	m.queue <- j.ID
	return out, nil
}

// List returns a snapshot of every known job.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// Get returns one job by ID.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, apierr.New(apierr.NotFound, "job %s not found", id)
	}
	return j.Clone(), nil
}

// Cancel requests cancellation. A no-op once the job is terminal (§3, §4.G).
func (m *Manager) Cancel(id string) (Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, apierr.New(apierr.NotFound, "job %s not found", id)
	}
	if j.Status.Terminal() {
		out := j.Clone()
		m.mu.Unlock()
		return out, nil
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().Unix()
	running := m.running[id]
	err := m.persistLocked()
	out := j.Clone()
	m.mu.Unlock()
	if running != nil {
		running.ctx.requestCancel()
	}
	return out, err
}

// Remove deletes a job's record. Only permitted once terminal (§4.G).
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apierr.New(apierr.NotFound, "job %s not found", id)
	}
	if !j.Status.Terminal() {
		return apierr.New(apierr.Conflict, "job %s is not terminal", id)
	}
	delete(m.jobs, id)
	return m.persistLocked()
}

// Shutdown stops accepting new work and cancels every in-flight job,
// waiting for the worker pool to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, r := range m.running {
		r.ctx.requestCancel()
	}
	m.mu.Unlock()
	m.cancel()
	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) persistLocked() error {
	return jsonstore.WriteAtomic(m.path, journal{Jobs: m.jobs})
}

// dispatch is the scheduler loop: it pulls pending job IDs off the queue
// and spawns a goroutine per job gated by the semaphore, which is what
// bounds concurrent handler execution to the configured pool size (§4.G:
// "a fixed-size worker pool ... processes pending jobs FIFO").
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for id := range m.queue {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return // shutting down
		}
		m.wg.Add(1)
		go func(id string) {
			defer m.wg.Done()
			defer m.sem.Release(1)
			m.runJob(ctx, id)
		}(id)
	}
}

func (m *Manager) runJob(ctx context.Context, id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	handler := m.handlers[j.Type]
	if j.CancelRequested {
		j.Status = StatusCancelled
		j.Message = "cancelled before start"
		now := time.Now().Unix()
		j.UpdatedAt, j.EndedAt = now, now
		m.persistLocked()
		m.mu.Unlock()
		return
	}

	now := time.Now().Unix()
	j.Status = StatusRunning
	j.StartedAt = now
	j.UpdatedAt = now
	m.persistLocked()

	jc := newJobContext(id, j.Params,
		func(completed, total int64, unit string) { m.updateProgress(id, completed, total, unit) },
		func(text string) { m.updateMessage(id, text) },
	)
	m.running[id] = &runningJob{ctx: jc}
	m.mu.Unlock()

	result, err := m.invokeHandler(handler, jc)

	m.mu.Lock()
	delete(m.running, id)
	j, ok = m.jobs[id]
	if ok {
		now := time.Now().Unix()
		j.UpdatedAt = now
		j.EndedAt = now
		switch {
		case jc.CheckCancelled():
			j.Status = StatusCancelled
			if j.Message == "" {
				j.Message = "cancelled"
			}
		case err != nil:
			j.Status = StatusFailed
			j.Error = err.Error()
		default:
			j.Status = StatusSucceeded
			j.Result = result
		}
		m.persistLocked()
	}
	m.mu.Unlock()
}

// invokeHandler isolates a handler panic from the worker goroutine pool,
// converting it into a failed job instead of crashing the process (§4.G).
func (m *Manager) invokeHandler(handler HandlerFunc, jc *jobContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(jc)
}

func (m *Manager) updateProgress(id string, completed, total int64, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.Progress = &Progress{Completed: completed, Total: total, Unit: unit}
	j.UpdatedAt = time.Now().Unix()
	m.persistLocked()
}

func (m *Manager) updateMessage(id string, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return
	}
	j.Message = text
	j.UpdatedAt = time.Now().Unix()
	m.persistLocked()
}
