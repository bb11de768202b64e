// Package workers provides a bounded worker pool for backtest executions and
// search trials.
package workers

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Future resolves when its task has finished, failed, panicked or been dropped.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has been resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task is resolved and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool manages a fixed set of worker goroutines reading from a bounded queue.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	queue    chan job
	wg       sync.WaitGroup
	inflight sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Per-task timeout; 0 disables it
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns a pool sized to the machine with no task timeout.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		TaskTimeout:     0,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// MaxBoundedWorkers caps the worker count of a bounded pool.
const MaxBoundedWorkers = 1024

// BoundedPoolConfig returns a config with n workers, clamped to
// [1, MaxBoundedWorkers].
func BoundedPoolConfig(name string, n int) *PoolConfig {
	cfg := DefaultPoolConfig(name)
	n = max(1, min(n, MaxBoundedWorkers))
	cfg.NumWorkers = n
	cfg.QueueSize = n
	return cfg
}

// PoolMetrics tracks pool performance
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	TasksTimeout   atomic.Int64
	TasksDropped   atomic.Int64
	PanicRecovered atomic.Int64

	latencies  []int64
	latencyIdx int
	filled     int

	startTime time.Time
}

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies: make([]int64, 4096),
		startTime: time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = d.Nanoseconds()
	m.latencyIdx = (m.latencyIdx + 1) % len(m.latencies)
	if m.filled < len(m.latencies) {
		m.filled++
	}
}

// P99Latency returns the 99th percentile latency of recent tasks.
func (m *PoolMetrics) P99Latency() time.Duration {
	m.mu.Lock()
	sorted := make([]int64, m.filled)
	copy(sorted, m.latencies[:m.filled])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Stats returns current metrics
func (m *PoolMetrics) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		TasksFailed:    m.TasksFailed.Load(),
		TasksTimeout:   m.TasksTimeout.Load(),
		TasksDropped:   m.TasksDropped.Load(),
		PanicRecovered: m.PanicRecovered.Load(),
		P99Latency:     m.P99Latency(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	TasksDropped   int64         `json:"tasks_dropped"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:  logger,
		config:  config,
		queue:   make(chan job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: NewPoolMetrics(),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) work(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.execute(logger, j)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, j job) {
	defer p.inflight.Done()

	if err := j.ctx.Err(); err != nil {
		p.metrics.TasksDropped.Add(1)
		j.future.resolve(err)
		return
	}

	start := time.Now()
	ctx := j.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.metrics.PanicRecovered.Add(1)
					logger.Error("worker recovered from panic", zap.Any("panic", r))
					done <- &PanicError{Recovered: r}
				}
			}()
		}
		done <- j.task.Execute(ctx)
	}()

	var err error
	if p.config.TaskTimeout > 0 {
		select {
		case err = <-done:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				p.metrics.TasksTimeout.Add(1)
				logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
				err = ErrTaskTimeout
			} else {
				err = <-done
			}
		}
	} else {
		err = <-done
	}

	p.metrics.RecordLatency(time.Since(start))
	if err != nil {
		p.metrics.TasksFailed.Add(1)
		logger.Debug("task failed", zap.Error(err))
	} else {
		p.metrics.TasksCompleted.Add(1)
	}
	j.future.resolve(err)
}

// Submit enqueues task, blocking while the queue is full. It returns an error
// without enqueueing when ctx is done or the pool is stopped.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := newFuture()
	p.inflight.Add(1)
	select {
	case p.queue <- job{ctx: ctx, task: task, future: f}:
		p.metrics.TasksSubmitted.Add(1)
		return f, nil
	case <-ctx.Done():
		p.inflight.Done()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		p.inflight.Done()
		return nil, ErrPoolStopped
	}
}

// TrySubmit enqueues task without blocking.
func (p *Pool) TrySubmit(ctx context.Context, task Task) (*Future, error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}

	f := newFuture()
	p.inflight.Add(1)
	select {
	case p.queue <- job{ctx: ctx, task: task, future: f}:
		p.metrics.TasksSubmitted.Add(1)
		return f, nil
	default:
		p.inflight.Done()
		return nil, ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(ctx context.Context, fn func(ctx context.Context) error) (*Future, error) {
	return p.Submit(ctx, TaskFunc(fn))
}

// Wait blocks until every submitted task has been resolved.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

// Stop shuts the workers down. Tasks still queued are resolved with ErrPoolStopped.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Debug("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}

	for {
		select {
		case j := <-p.queue:
			p.metrics.TasksDropped.Add(1)
			j.future.resolve(ErrPoolStopped)
			p.inflight.Done()
		default:
			return nil
		}
	}
}

// Workers returns the configured number of workers.
func (p *Pool) Workers() int {
	return p.config.NumWorkers
}

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.queue)
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.Stats()
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
	ErrTaskTimeout     = &PoolError{Message: "task timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return "panic recovered"
}
