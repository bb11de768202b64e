package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Work is the body of a job. report may be called any number of times.
type Work func(ctx context.Context, report func(types.Progress)) (any, error)

// Event types.
const (
	EventStarted  = "job_started"
	EventProgress = "job_progress"
	EventFinished = "job_finished"
)

// Event is emitted on every job transition and progress report.
type Event struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}

// Runner starts jobs in the background and keeps their cancel functions.
type Runner struct {
	logger *zap.Logger
	repo   Repository
	notify func(Event)

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner. notify may be nil.
func NewRunner(logger *zap.Logger, repo Repository, notify func(Event)) *Runner {
	if notify == nil {
		notify = func(Event) {}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger,
		repo:    repo,
		notify:  notify,
		baseCtx: ctx,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Repository returns the backing repository.
func (r *Runner) Repository() Repository {
	return r.repo
}

// Start registers a job and runs work on its own goroutine.
func (r *Runner) Start(kind Kind, work Work) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Create(r.baseCtx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.mu.Unlock()

	r.notify(Event{Type: EventStarted, Job: job.clone()})
	r.logger.Info("job started", zap.String("id", job.ID), zap.String("kind", string(kind)))

	r.wg.Add(1)
	go r.run(ctx, job.ID, work)
	return job, nil
}

func (r *Runner) run(ctx context.Context, id string, work Work) {
	defer r.wg.Done()
	done := observability.JobStarted()
	defer done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[id]; ok {
			cancel()
			delete(r.cancels, id)
		}
		r.mu.Unlock()
	}()

	report := func(p types.Progress) {
		job, err := r.repo.Update(context.Background(), id, func(j *Job) error {
			if j.Progress != nil && p.Done < j.Progress.Done {
				return nil
			}
			j.Progress = &p
			return nil
		})
		if err == nil {
			r.notify(Event{Type: EventProgress, Job: job})
		}
	}

	result, err := r.safeRun(ctx, work, report)

	job, uerr := r.repo.Update(context.Background(), id, func(j *Job) error {
		finished := time.Now()
		j.FinishedAt = &finished
		j.Result = result
		switch {
		case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
			j.Status = StatusCancelled
		case err != nil:
			j.Status = StatusFailed
			j.Error = err.Error()
		default:
			j.Status = StatusSucceeded
		}
		return nil
	})
	if uerr != nil {
		r.logger.Error("failed to record job result", zap.String("id", id), zap.Error(uerr))
		return
	}

	r.logger.Info("job finished",
		zap.String("id", id),
		zap.String("status", string(job.Status)),
		zap.String("error", job.Error),
	)
	r.notify(Event{Type: EventFinished, Job: job})
}

func (r *Runner) safeRun(ctx context.Context, work Work, report func(types.Progress)) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return work(ctx, report)
}

// Cancel requests cancellation of a running job.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if _, err := r.repo.Get(r.baseCtx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// Wait blocks until every started job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all running jobs and waits for them, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
