// Package jobs tracks asynchronous pipeline runs started through the service.
package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateID is returned by Create when the id is taken.
	ErrDuplicateID = errors.New("job id already exists")

	// ErrNotRunning is returned when cancelling a job that already finished.
	ErrNotRunning = errors.New("job is not running")
)

// Kind names the pipeline stage a job runs.
type Kind string

const (
	KindDiscovery    Kind = "discovery"
	KindOptimization Kind = "optimization"
	KindAllocation   Kind = "allocation"
	KindWalkForward  Kind = "walkforward"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is a tracked run. Result holds the stage's result document once done.
type Job struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Status     Status          `json:"status"`
	Progress   *types.Progress `json:"progress,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Repository stores jobs. Implementations must be safe for concurrent use and
// hand out copies so callers never share mutable state.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the stored job atomically and returns the new copy.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*Job, error)
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*Job)}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return ErrDuplicateID
	}
	r.jobs[job.ID] = job.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := job.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	r.jobs[id] = working
	return working.clone(), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.clone())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
