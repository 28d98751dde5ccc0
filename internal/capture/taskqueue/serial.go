// Package taskqueue provides a single-goroutine FIFO executor. Each recording
// session owns one for its file I/O and the coordinator owns one for UI-safe
// callback delivery.
package taskqueue

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

// Task is a unit of work executed on the queue goroutine.
type Task func()

// Serial runs tasks one at a time, strictly in enqueue order. Enqueue never
// blocks: the backlog is unbounded so producers on latency-sensitive
// goroutines are never stalled by a slow consumer.
type Serial struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     []Task
	closed    bool
	highWater int

	done chan struct{}
}

// NewSerial starts a queue goroutine.
func NewSerial(name string, logger *slog.Logger) *Serial {
	q := &Serial{
		name:   name,
		logger: util.ComponentLogger(logger, "taskqueue").With("queue", name),
		tasks:  make([]Task, 0, 64),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Enqueue appends a task. It returns false once the queue is closed.
func (q *Serial) Enqueue(task Task) bool {
	if task == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	if n := len(q.tasks); n > q.highWater {
		q.highWater = n
		if n%256 == 0 {
			q.logger.Warn("Task backlog growing", "pending", n)
		}
	}
	q.cond.Signal()
	return true
}

// Close stops accepting tasks. Already queued tasks still run; Done is
// closed after the last one finishes. Close is idempotent.
func (q *Serial) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Done is closed once the queue is closed and drained.
func (q *Serial) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of tasks waiting to run.
func (q *Serial) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// HighWater returns the largest backlog observed.
func (q *Serial) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

func (q *Serial) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			q.logger.Debug("Task queue drained")
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

// run executes one task; a panic is logged and does not kill the queue.
func (q *Serial) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Task panicked", "error", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
