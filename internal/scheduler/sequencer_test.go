package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func closeSequencer(t *testing.T, sequencer *Sequencer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sequencer.Close(ctx); err != nil {
		t.Fatalf("close sequencer: %v", err)
	}
}

func TestSequencerRunsTasksInDueOrder(t *testing.T) {
	t.Parallel()

	sequencer := NewSequencer()
	defer closeSequencer(t, sequencer)

	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	record := func(label string) TaskFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, label)
			if len(order) == 4 {
				close(done)
			}
			mu.Unlock()
			return nil
		}
	}

	if err := sequencer.Schedule("late", 60*time.Millisecond, record("late")); err != nil {
		t.Fatalf("schedule late: %v", err)
	}
	if err := sequencer.Schedule("middle", 30*time.Millisecond, record("middle")); err != nil {
		t.Fatalf("schedule middle: %v", err)
	}
	if err := sequencer.Execute("first", record("first")); err != nil {
		t.Fatalf("execute first: %v", err)
	}
	if err := sequencer.Execute("second", record("second")); err != nil {
		t.Fatalf("execute second: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "middle", "late"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSequencerSurvivesFailingTasks(t *testing.T) {
	t.Parallel()

	sequencer := NewSequencer()
	defer closeSequencer(t, sequencer)

	if err := sequencer.Execute("panics", func(context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("execute panicking task: %v", err)
	}
	if err := sequencer.Execute("fails", func(context.Context) error {
		return errors.New("audit log unavailable")
	}); err != nil {
		t.Fatalf("execute failing task: %v", err)
	}

	ran := make(chan struct{})
	if err := sequencer.Execute("after", func(context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("execute follow-up task: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive failing tasks")
	}
}

func TestSequencerRunsTasksSerially(t *testing.T) {
	t.Parallel()

	sequencer := NewSequencer()
	defer closeSequencer(t, sequencer)

	const tasks = 50
	counter := 0
	var wg sync.WaitGroup
	wg.Add(tasks)
	for idx := 0; idx < tasks; idx++ {
		if err := sequencer.Execute("increment", func(context.Context) error {
			defer wg.Done()
			counter++
			return nil
		}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	wg.Wait()

	finished := make(chan int, 1)
	if err := sequencer.Execute("read", func(context.Context) error {
		finished <- counter
		return nil
	}); err != nil {
		t.Fatalf("execute read: %v", err)
	}
	if got := <-finished; got != tasks {
		t.Fatalf("counter = %d, want %d", got, tasks)
	}
}

func TestSequencerRejectsAfterClose(t *testing.T) {
	t.Parallel()

	sequencer := NewSequencer()
	if err := sequencer.Schedule("never", time.Hour, func(context.Context) error {
		t.Error("dropped task ran")
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := sequencer.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	closeSequencer(t, sequencer)

	err := sequencer.Execute("late", func(context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Execute after close error = %v, want ErrClosed", err)
	}
	if got := sequencer.Pending(); got != 0 {
		t.Fatalf("Pending() after close = %d, want 0", got)
	}
}

func TestSequencerRejectsNilTask(t *testing.T) {
	t.Parallel()

	sequencer := NewSequencer()
	defer closeSequencer(t, sequencer)

	if err := sequencer.Execute("nil", nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}
