package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sequencer runs every submitted task on one goroutine, in due-time order.
//
// State owned by Sequencer tasks needs no locking as long as it is only
// touched from inside tasks.
type Sequencer struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   delayedQueue
	nextSeq uint64
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSequencer creates a Sequencer and starts its worker.
func NewSequencer(opts ...Option) *Sequencer {
	resolved := resolveOptions("sequencer", opts)
	ctx, cancel := context.WithCancel(context.Background())

	sequencer := &Sequencer{
		name:   resolved.name,
		logger: resolved.logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sequencer.run()

	return sequencer
}

// Execute queues fn to run as soon as the worker is free.
func (s *Sequencer) Execute(name string, fn TaskFunc) error {
	return s.Schedule(name, 0, fn)
}

// Schedule queues fn to run once delay has elapsed.
func (s *Sequencer) Schedule(name string, delay time.Duration, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("%s schedule %s: nil task", s.name, name)
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s schedule %s: %w", s.name, name, ErrClosed)
	}
	s.nextSeq++
	heap.Push(&s.queue, &delayedTask{
		name: name,
		due:  time.Now().Add(delay),
		seq:  s.nextSeq,
		fn:   fn,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return nil
}

// Pending reports how many tasks are waiting to run.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Close rejects new tasks, drops queued ones, and waits for the running task
// to finish or ctx to expire.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		dropped := s.queue.Len()
		s.queue = nil
		if dropped > 0 {
			s.logger.WarnContext(ctx, "sequencer closed with queued tasks", "scheduler", s.name, "dropped", dropped)
		}
	}
	s.mu.Unlock()
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s: %w", s.name, ctx.Err())
	}
}

func (s *Sequencer) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		task, wait, ok := s.next()
		if !ok {
			return
		}
		if task != nil {
			runGuarded(s.ctx, s.logger, s.name, task.name, task.fn)
			continue
		}

		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-s.ctx.Done():
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-fire:
		}
	}
}

// next pops the first due task, or reports how long to wait for one.
// A zero wait with no task means the queue is empty.
func (s *Sequencer) next() (*delayedTask, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, false
	}
	if s.queue.Len() == 0 {
		return nil, 0, true
	}

	head := s.queue[0]
	wait := time.Until(head.due)
	if wait > 0 {
		return nil, wait, true
	}

	return heap.Pop(&s.queue).(*delayedTask), 0, true
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

type delayedTask struct {
	name string
	due  time.Time
	seq  uint64
	fn   TaskFunc
}

// delayedQueue orders tasks by due time, then by submission order.
type delayedQueue []*delayedTask

func (q delayedQueue) Len() int { return len(q) }

func (q delayedQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q delayedQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayedQueue) Push(x any) { *q = append(*q, x.(*delayedTask)) }

func (q *delayedQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]

	return last
}
