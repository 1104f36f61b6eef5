/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"container/list"
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// Task is a unit of work executed by the Queue.
// The passed context is canceled when the task times out or the admitting context is done.
type Task func(ctx context.Context) (interface{}, error)

// Opts represents options for the Queue.
type Opts struct {
	// MaxPending limits the number of tasks waiting for a free slot.
	// Zero means the pending sequence is unbounded.
	MaxPending int

	// TaskTimeout limits how long a single task may run. Zero disables the timeout.
	TaskTimeout time.Duration

	// MetricsCollector is used for collecting queue metrics.
	MetricsCollector MetricsCollector

	// Logger is used for reporting panics and timeouts of tasks.
	Logger log.FieldLogger
}

// Stats is a snapshot of the queue state.
type Stats struct {
	Limit   int
	Running int
	Pending int
}

// Queue is a FIFO admission gate that runs at most limit tasks at the same time.
type Queue struct {
	limit       int
	maxPending  int
	taskTimeout time.Duration
	metrics     MetricsCollector
	logger      log.FieldLogger

	mu       sync.Mutex
	pending  *list.List
	running  int
	shutdown bool
	idle     chan struct{}
}

type entry struct {
	ctx        context.Context
	task       Task
	future     *Future
	admittedAt time.Time
	elem       *list.Element
	stopWatch  func() bool
}

// New creates a new Queue that runs at most limit tasks concurrently.
func New(limit int, opts Opts) (*Queue, error) {
	if limit <= 0 {
		return nil, newConfigurationError("limit should be positive, got %d", limit)
	}
	if opts.MaxPending < 0 {
		return nil, newConfigurationError("max pending should not be negative, got %d", opts.MaxPending)
	}
	if opts.TaskTimeout < 0 {
		return nil, newConfigurationError("task timeout should not be negative, got %s", opts.TaskTimeout)
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Queue{
		limit:       limit,
		maxPending:  opts.MaxPending,
		taskTimeout: opts.TaskTimeout,
		metrics:     opts.MetricsCollector,
		logger:      opts.Logger,
		pending:     list.New(),
		idle:        make(chan struct{}),
	}, nil
}

// Admit enqueues the task and returns a Future for its outcome.
// The task is started immediately if a slot is free, otherwise it waits behind earlier admissions.
// ErrQueueFull is returned if MaxPending is reached. After Shutdown the returned Future is already
// settled with ErrShuttingDown. If ctx is done while the task is still pending, the task is dropped
// and the Future settles with ctx.Err().
func (q *Queue) Admit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, errors.New("task must not be nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		q.metrics.IncRejections(RejectionReasonShuttingDown)
		return newSettledFuture(nil, ErrShuttingDown), nil
	}
	if err := ctx.Err(); err != nil {
		q.metrics.IncRejections(RejectionReasonCanceled)
		return newSettledFuture(nil, err), nil
	}
	if q.maxPending > 0 && q.pending.Len() >= q.maxPending {
		q.metrics.IncRejections(RejectionReasonQueueFull)
		return nil, ErrQueueFull
	}

	e := &entry{ctx: ctx, task: task, future: newFuture(), admittedAt: time.Now()}
	e.elem = q.pending.PushBack(e)
	e.stopWatch = context.AfterFunc(ctx, func() { q.drop(e) })
	q.dispatch()
	return e.future, nil
}

// Ready reports whether Admit would accept a task right now: it returns ErrShuttingDown
// or ErrQueueFull otherwise. Nothing is enqueued, so a later Admit may still be rejected.
func (q *Queue) Ready() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return ErrShuttingDown
	}
	if q.maxPending > 0 && q.pending.Len() >= q.maxPending {
		return ErrQueueFull
	}
	return nil
}

// Stats returns the current state of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Limit: q.limit, Running: q.running, Pending: q.pending.Len()}
}

// Shutdown stops accepting new tasks and settles all pending ones with ErrShuttingDown.
// It waits until running tasks finish or ctx is done. It's safe to call Shutdown more than once.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.shutdown {
		q.shutdown = true
		for q.pending.Len() > 0 {
			e := q.popPending()
			e.future.settle(nil, ErrShuttingDown)
			q.metrics.IncRejections(RejectionReasonShuttingDown)
		}
		q.metrics.SetPending(0)
		if q.running == 0 {
			close(q.idle)
		}
	}
	q.mu.Unlock()

	select {
	case <-q.idle:
		return nil
	default:
	}
	select {
	case <-q.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch starts pending tasks while there are free slots. Must be called with q.mu held.
func (q *Queue) dispatch() {
	for q.running < q.limit && q.pending.Len() > 0 {
		e := q.popPending()
		if err := e.ctx.Err(); err != nil {
			e.future.settle(nil, err)
			q.metrics.IncRejections(RejectionReasonCanceled)
			continue
		}
		q.running++
		q.metrics.ObserveWaitDuration(time.Since(e.admittedAt))
		go q.execute(e)
	}
	q.metrics.SetPending(q.pending.Len())
	q.metrics.SetRunning(q.running)
}

// popPending removes the head of the pending sequence. Must be called with q.mu held.
func (q *Queue) popPending() *entry {
	e := q.pending.Remove(q.pending.Front()).(*entry)
	e.elem = nil
	e.stopWatch()
	return e
}

// drop removes the entry from the pending sequence after its admitting context is done.
func (q *Queue) drop(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem == nil {
		return
	}
	q.pending.Remove(e.elem)
	e.elem = nil
	e.future.settle(nil, e.ctx.Err())
	q.metrics.IncRejections(RejectionReasonCanceled)
	q.metrics.SetPending(q.pending.Len())
}

func (q *Queue) execute(e *entry) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	var timer *time.Timer
	if q.taskTimeout > 0 {
		timer = time.AfterFunc(q.taskTimeout, func() {
			if e.future.settle(nil, ErrTimeout) {
				q.metrics.IncRejections(RejectionReasonTimeout)
				q.logger.Warn("admission task timed out, abandoning it", log.Duration("timeout", q.taskTimeout))
			}
			cancel()
		})
	}

	value, err := q.call(ctx, e.task)
	if timer != nil {
		timer.Stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	e.future.settle(value, err)
	q.dispatch()
	if q.shutdown && q.running == 0 {
		close(q.idle)
	}
}

func (q *Queue) call(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			panicErr := &PanicError{Value: p, Stack: debug.Stack()}
			q.logger.Error("admission task panicked", log.Any("panic", p), log.Bytes("stack", panicErr.Stack))
			value, err = nil, panicErr
		}
	}()
	return task(ctx)
}

// Do admits fn into the queue and waits for its outcome.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	future, err := q.Admit(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	value, err := future.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	return value.(T), nil
}
