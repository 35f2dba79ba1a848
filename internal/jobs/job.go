// Package jobs runs pipeline passes in the background, one at a time.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusy is returned when a job is started while another one is running.
var ErrBusy = errors.New("another job is running")

// Status represents the status of a background job
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Kind names the pass a job runs.
type Kind string

const (
	KindSweep     Kind = "sweep"
	KindSync      Kind = "sync"
	KindIngest    Kind = "ingest"
	KindReprocess Kind = "reprocess"
	KindFollowUp  Kind = "followup"
)

// Func is the work of a job. Its result is reported as the job result.
type Func func(ctx context.Context) (interface{}, error)

// Job represents a background pass
type Job struct {
	ID          string
	Kind        Kind
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Result      interface{}
	Error       string

	cancelFunc context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
}

func (j *Job) finish(result interface{}, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.CompletedAt = time.Now()
	j.Result = result
	switch {
	case j.Status == StatusCancelled:
	case err != nil:
		j.Status = StatusError
		j.Error = err.Error()
	default:
		j.Status = StatusCompleted
	}
	close(j.done)
}

// Cancel cancels the job
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == StatusRunning {
		j.Status = StatusCancelled
		if j.cancelFunc != nil {
			j.cancelFunc()
		}
	}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Running reports whether the job is still in flight.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == StatusRunning
}

// Snapshot is a point-in-time copy of a job, safe to serialize
type Snapshot struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Status      Status      `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Snapshot returns the job data for JSON serialization
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:        j.ID,
		Kind:      j.Kind,
		Status:    j.Status,
		StartedAt: j.StartedAt,
		Result:    j.Result,
		Error:     j.Error,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// Manager runs at most one job at a time
type Manager struct {
	jobs   map[string]*Job
	active *Job
	mu     sync.RWMutex
}

// NewManager creates a new job manager
func NewManager() *Manager {
	return &Manager{
		jobs: make(map[string]*Job),
	}
}

// Start runs fn in the background. It returns ErrBusy while another job is running.
func (m *Manager) Start(kind Kind, fn Func) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.Running() {
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	m.jobs[job.ID] = job
	m.active = job

	go func() {
		defer cancel()
		log := zap.L().With(zap.String("job_id", job.ID), zap.String("kind", string(kind)))
		log.Info("job started")

		result, err := run(ctx, fn)
		job.finish(result, err)

		if err != nil {
			log.Error("job failed", zap.Error(err))
		} else {
			log.Info("job completed", zap.Duration("took", time.Since(job.StartedAt)))
		}
	}()

	return job, nil
}

// run converts a panic in fn into an error so the manager never stays busy.
func run(ctx context.Context, fn Func) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("job panicked")
			zap.L().Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return fn(ctx)
}

// Get returns a job by ID, or nil if not found
func (m *Manager) Get(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.jobs[id]
}

// GetActive returns the currently running job, or nil if none
func (m *Manager) GetActive() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active != nil && m.active.Running() {
		return m.active
	}
	return nil
}

// Cleanup removes finished jobs older than the specified duration
func (m *Manager) Cleanup(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		snap := job.Snapshot()
		if snap.Status != StatusRunning && snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}
