package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Enqueue failure modes. Callers are expected to fall back to doing the
// work inline when the queue cannot take the task.
var (
	ErrNotStarted = errors.New("jobs: queue not started")
	ErrQueueFull  = errors.New("jobs: queue full")
)

// Task is one unit of background work.
type Task struct {
	ID         string
	Kind       string
	Payload    interface{}
	EnqueuedAt time.Time
}

// HandlerFunc consumes a task. A non-nil error triggers a retry after the
// configured backoff, up to MaxAttempts tries in total.
type HandlerFunc func(context.Context, Task) error

// Options tune the worker pool.
type Options struct {
	Workers     int
	Depth       int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// Queue dispatches tasks to a fixed pool of worker goroutines over a
// bounded channel. Enqueue never blocks: a full buffer is reported to the
// caller instead of stalling the request path.
type Queue struct {
	name    string
	handler HandlerFunc
	opts    Options
	logger  *zap.Logger

	tasks   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewQueue builds a queue that feeds tasks to handler.
func NewQueue(name string, handler HandlerFunc, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Depth <= 0 {
		opts.Depth = opts.Workers * 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		name:    name,
		handler: handler,
		opts:    opts,
		logger:  logger,
		tasks:   make(chan Task, opts.Depth),
	}
}

// Start launches the workers. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.opts.Workers))
}

// Stop cancels the workers and waits for them to exit. Tasks still in the
// buffer are abandoned; callers needing durability write inline on Enqueue
// failure instead.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("queue stopped", zap.String("queue", q.name))
}

// Enqueue offers a task to the pool without blocking.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	started := q.started
	ctx := q.ctx
	q.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return ErrNotStarted
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.process(task)
		}
	}
}

// process runs the handler with in-worker retries. The retry loop holds the
// worker rather than re-enqueueing, so a failing task cannot starve newer
// ones of buffer space.
func (q *Queue) process(task Task) {
	for attempt := 1; ; attempt++ {
		err := q.handler(q.ctx, task)
		if err == nil {
			return
		}
		if attempt >= q.opts.MaxAttempts {
			q.logger.Error("task dropped after retries",
				zap.String("queue", q.name),
				zap.String("task_id", task.ID),
				zap.String("kind", task.Kind),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		q.logger.Warn("task failed, backing off",
			zap.String("queue", q.name),
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(q.opts.Backoff)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
