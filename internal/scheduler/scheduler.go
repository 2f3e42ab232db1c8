// Package scheduler provides the two task facilities the moderation modules run on:
// a single-worker Sequencer that totally orders correlation work, and a bounded
// Pool of delayed tasks that can be canceled and force-drained.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrClosed indicates that a scheduler no longer accepts tasks.
var ErrClosed = errors.New("scheduler: closed")

// TaskFunc is one unit of scheduled work.
type TaskFunc func(ctx context.Context) error

// Option mutates scheduler construction.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	name    string
	workers int
}

// WithLogger configures the logger used to report failed tasks.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithName labels the scheduler in logs.
func WithName(name string) Option {
	return func(opts *options) {
		if name != "" {
			opts.name = name
		}
	}
}

// WithWorkers bounds how many Pool tasks run at once. Ignored by Sequencer.
func WithWorkers(workers int) Option {
	return func(opts *options) {
		if workers > 0 {
			opts.workers = workers
		}
	}
}

func resolveOptions(defaultName string, opts []Option) options {
	resolved := options{
		logger:  slog.Default(),
		name:    defaultName,
		workers: defaultPoolWorkers,
	}
	for _, option := range opts {
		option(&resolved)
	}

	return resolved
}

// guard runs fn and converts panics into returned errors tagged with scope.
func guard(ctx context.Context, scope string, fn TaskFunc) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

// runGuarded executes fn through guard and logs any failure, so the hosting
// goroutine always survives the task.
func runGuarded(ctx context.Context, logger *slog.Logger, scheduler string, task string, fn TaskFunc) {
	if err := guard(ctx, scheduler+" task "+task, fn); err != nil {
		logger.ErrorContext(ctx, "scheduled task failed",
			"scheduler", scheduler,
			"task", task,
			"error", err,
		)
	}
}
