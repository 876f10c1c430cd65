// Package loop provides the single logical thread that owns the messaging
// state of one process group.
//
// Port tables and the context registry are never locked. Every mutation runs
// either as a task on a Loop or on the goroutine that drives RunUntilIdle.
// Other goroutines (broker transports, the runtime's cleanup goroutine, other
// process groups) hand work over with Post, which is safe for concurrent use.
package loop

import (
	"context"
	"sync"

	"github.com/baaaht/portmux/pkg/types"
)

// Task is a unit of work executed on the loop
type Task func()

// Loop is a FIFO task queue drained by a single goroutine
type Loop struct {
	mu      sync.Mutex
	tasks   []Task
	wake    chan struct{}
	closed  bool
	running bool
	stats   Stats
}

// Stats contains loop statistics
type Stats struct {
	Posted   int64 `json:"posted"`
	Executed int64 `json:"executed"`
	Pending  int   `json:"pending"`
}

// New creates an empty loop
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post queues a task. Tasks run in the order they were posted. Posting to a
// closed loop is an error; the task is discarded.
func (l *Loop) Post(task Task) error {
	if task == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "task cannot be nil")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "loop is closed")
	}
	l.tasks = append(l.tasks, task)
	l.stats.Posted++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the oldest task, or returns nil when the queue is empty
func (l *Loop) next() Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	l.stats.Executed++
	return task
}

// RunUntilIdle runs queued tasks, including tasks posted while running, until
// the queue is empty. It returns the number of tasks executed. It must not be
// called concurrently with Run.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for task := l.next(); task != nil; task = l.next() {
		task()
		n++
	}
	return n
}

// Run drains the queue until ctx is done or the loop is closed. Tasks still
// queued at Close are executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "loop is already running")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.RunUntilIdle()

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			l.RunUntilIdle()
			return nil
		}

		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "loop canceled", ctx.Err())
		case <-l.wake:
		}
	}
}

// Idle reports whether no task is queued
func (l *Loop) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) == 0
}

// Close stops accepting tasks and wakes a running loop so it can exit
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "loop already closed")
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns loop statistics
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.stats
	stats.Pending = len(l.tasks)
	return stats
}
