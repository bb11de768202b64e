package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func TestMemoryRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	now := time.Now()
	require.NoError(t, repo.Create(ctx, &Job{ID: "a", Kind: KindDiscovery, Status: StatusRunning, CreatedAt: now}))
	require.NoError(t, repo.Create(ctx, &Job{ID: "b", Kind: KindAllocation, Status: StatusRunning, CreatedAt: now.Add(time.Second)}))
	assert.ErrorIs(t, repo.Create(ctx, &Job{ID: "a"}), ErrDuplicateID)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	got.Status = StatusFailed
	again, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status, "returned jobs are copies")

	updated, err := repo.Update(ctx, "a", func(j *Job) error {
		j.Status = StatusSucceeded
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, updated.Status)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, "a", func(j *Job) error {
		j.Status = StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)
	kept, _ := repo.Get(ctx, "a")
	assert.Equal(t, StatusSucceeded, kept.Status, "failed update leaves job unchanged")

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "a"), ErrNotFound)
	_, err = repo.Update(ctx, "a", func(*Job) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func TestRunnerSucceeds(t *testing.T) {
	log := &eventLog{}
	runner := NewRunner(zap.NewNop(), NewMemoryRepository(), log.add)

	job, err := runner.Start(KindOptimization, func(ctx context.Context, report func(types.Progress)) (any, error) {
		report(types.NewProgress(2, 1, time.Second, nil))
		report(types.NewProgress(2, 2, 2*time.Second, nil))
		return map[string]int{"trials": 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	runner.Wait()

	final, err := runner.Repository().Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	require.NotNil(t, final.Progress)
	assert.Equal(t, 2, final.Progress.Done)
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, map[string]int{"trials": 2}, final.Result)

	assert.Equal(t, []string{EventStarted, EventProgress, EventProgress, EventFinished}, log.types())
	assert.ErrorIs(t, runner.Cancel(job.ID), ErrNotRunning)
	assert.ErrorIs(t, runner.Cancel("missing"), ErrNotFound)
}

func TestRunnerFailureAndPanic(t *testing.T) {
	runner := NewRunner(zap.NewNop(), NewMemoryRepository(), nil)

	failed, err := runner.Start(KindDiscovery, func(context.Context, func(types.Progress)) (any, error) {
		return nil, errors.New("no data")
	})
	require.NoError(t, err)
	panicked, err := runner.Start(KindDiscovery, func(context.Context, func(types.Progress)) (any, error) {
		panic("bad state")
	})
	require.NoError(t, err)
	runner.Wait()

	ctx := context.Background()
	f, _ := runner.Repository().Get(ctx, failed.ID)
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, "no data", f.Error)

	p, _ := runner.Repository().Get(ctx, panicked.ID)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Contains(t, p.Error, "bad state")
}

func TestRunnerCancel(t *testing.T) {
	runner := NewRunner(zap.NewNop(), NewMemoryRepository(), nil)

	started := make(chan struct{})
	job, err := runner.Start(KindOptimization, func(ctx context.Context, _ func(types.Progress)) (any, error) {
		close(started)
		<-ctx.Done()
		return "partial", nil
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, runner.Cancel(job.ID))
	runner.Wait()

	final, _ := runner.Repository().Get(context.Background(), job.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, "partial", final.Result)
	assert.True(t, final.Status.Terminal())
}

func TestRunnerShutdown(t *testing.T) {
	runner := NewRunner(zap.NewNop(), NewMemoryRepository(), nil)
	for i := 0; i < 3; i++ {
		_, err := runner.Start(KindDiscovery, func(ctx context.Context, _ func(types.Progress)) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))

	list, _ := runner.Repository().List(context.Background())
	for _, j := range list {
		assert.Equal(t, StatusCancelled, j.Status)
	}
}
