package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultPoolWorkers = 5

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskFinished
	taskCanceled
)

// Task is a handle to one delayed Pool task.
type Task struct {
	pool  *Pool
	id    uint64
	name  string
	fn    TaskFunc
	timer *time.Timer
	state taskState
}

// Name returns the label the task was scheduled with.
func (t *Task) Name() string {
	return t.name
}

// Cancel prevents the task from running. It reports false when the task has
// already started, finished, or been canceled.
func (t *Task) Cancel() bool {
	pool := t.pool

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if t.state != taskPending {
		return false
	}
	t.state = taskCanceled
	t.timer.Stop()
	delete(pool.pending, t.id)
	pool.signalDrainedLocked()

	return true
}

// PendingTask is a task that was withdrawn by ShutdownNow before it ran.
type PendingTask struct {
	Name string
	Run  TaskFunc
}

// Pool runs delayed tasks with bounded concurrency.
type Pool struct {
	name   string
	logger *slog.Logger
	slots  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Task
	active  int
	closed  bool
	drained chan struct{}
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	resolved := resolveOptions("pool", opts)
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		name:    resolved.name,
		logger:  resolved.logger,
		slots:   make(chan struct{}, resolved.workers),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*Task),
		drained: make(chan struct{}),
	}
}

// Schedule runs fn after delay on one of the pool's slots.
func (p *Pool) Schedule(name string, delay time.Duration, fn TaskFunc) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("%s schedule %s: nil task", p.name, name)
	}
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%s schedule %s: %w", p.name, name, ErrClosed)
	}

	p.nextID++
	task := &Task{
		pool: p,
		id:   p.nextID,
		name: name,
		fn:   fn,
	}
	p.pending[task.id] = task
	task.timer = time.AfterFunc(delay, func() {
		p.fire(task)
	})

	return task, nil
}

// Pending reports how many tasks are waiting for their delay to elapse.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// Shutdown stops accepting tasks and waits up to timeout for scheduled and
// running tasks to complete. It reports whether the pool drained in time.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.signalDrainedLocked()
	drained := p.drained
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		p.cancel()
		return true
	case <-timer.C:
		return false
	}
}

// ShutdownNow withdraws every task that has not started, cancels the context
// of running tasks, and waits for them to return. The withdrawn tasks are
// returned so the caller can run them inline.
func (p *Pool) ShutdownNow() []PendingTask {
	p.mu.Lock()
	p.closed = true
	withdrawn := make([]*Task, 0, len(p.pending))
	for id, task := range p.pending {
		task.state = taskCanceled
		task.timer.Stop()
		withdrawn = append(withdrawn, task)
		delete(p.pending, id)
	}
	p.signalDrainedLocked()
	drained := p.drained
	p.mu.Unlock()

	p.cancel()
	<-drained

	slices.SortFunc(withdrawn, func(a, b *Task) int {
		return cmp.Compare(a.id, b.id)
	})
	tasks := make([]PendingTask, 0, len(withdrawn))
	for _, task := range withdrawn {
		tasks = append(tasks, PendingTask{Name: task.name, Run: task.fn})
	}

	return tasks
}

func (p *Pool) fire(task *Task) {
	p.mu.Lock()
	if task.state != taskPending {
		p.mu.Unlock()
		return
	}
	task.state = taskRunning
	delete(p.pending, task.id)
	p.active++
	p.mu.Unlock()

	acquired := false
	select {
	case p.slots <- struct{}{}:
		acquired = true
	case <-p.ctx.Done():
	}

	runGuarded(p.ctx, p.logger, p.name, task.name, task.fn)

	if acquired {
		<-p.slots
	}

	p.mu.Lock()
	task.state = taskFinished
	p.active--
	p.signalDrainedLocked()
	p.mu.Unlock()
}

// signalDrainedLocked closes drained once the pool is closed and idle.
func (p *Pool) signalDrainedLocked() {
	if !p.closed || len(p.pending) > 0 || p.active > 0 {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}
