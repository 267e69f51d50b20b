package eventqueue

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("event queue is full")

const (
	DefaultMaxConcurrent = 10
	DefaultMaxQueueSize  = 10000
)

// Task is one unit of admitted work.
type Task func() error

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Running   int
	Queued    int
	Processed uint64
	Failed    uint64
}

// Observer receives counter changes. Implementations must not block.
type Observer interface {
	QueueChanged(name string, running, queued int)
	TaskDone(name string, failed bool)
}

type item struct {
	task Task
	done chan error
}

// Queue runs tasks FIFO with at most maxConcurrent in flight.
type Queue struct {
	name          string
	maxConcurrent int
	maxQueueSize  int
	logger        *zap.Logger
	observer      Observer

	mu        sync.Mutex
	pending   []item
	running   int
	processed uint64
	failed    uint64
}

// New builds a queue. Non-positive limits fall back to the defaults.
func New(name string, maxConcurrent, maxQueueSize int, observer Observer, logger *zap.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		name:          name,
		maxConcurrent: maxConcurrent,
		maxQueueSize:  maxQueueSize,
		logger:        logger,
		observer:      observer,
	}
}

// Submit admits task or rejects it with ErrQueueFull. The returned channel
// receives the task's error (nil on success) exactly once.
func (q *Queue) Submit(task Task) (<-chan error, error) {
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}
	done := make(chan error, 1)

	q.mu.Lock()
	if len(q.pending) >= q.maxQueueSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	q.pending = append(q.pending, item{task: task, done: done})
	q.mu.Unlock()

	q.pump()
	return done, nil
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Running:   q.running,
		Queued:    len(q.pending),
		Processed: q.processed,
		Failed:    q.failed,
	}
}

func (q *Queue) pump() {
	q.mu.Lock()
	var start []item
	for q.running < q.maxConcurrent && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.running++
		start = append(start, next)
	}
	running, queued := q.running, len(q.pending)
	q.mu.Unlock()

	q.notifyChanged(running, queued)
	for _, it := range start {
		go q.run(it)
	}
}

func (q *Queue) run(it item) {
	err := q.invoke(it.task)

	q.mu.Lock()
	q.running--
	if err != nil {
		q.failed++
	} else {
		q.processed++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("queued task failed", zap.String("queue", q.name), zap.Error(err))
	}
	if q.observer != nil {
		q.observer.TaskDone(q.name, err != nil)
	}
	it.done <- err
	q.pump()
}

func (q *Queue) invoke(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task()
}

func (q *Queue) notifyChanged(running, queued int) {
	if q.observer != nil {
		q.observer.QueueChanged(q.name, running, queued)
	}
}
