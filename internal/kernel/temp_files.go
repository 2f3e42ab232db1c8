package kernel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"modwarden/pkg/warden"
)

// TempFiles collects files whose removal failed and retries them once at shutdown.
type TempFiles struct {
	logger *slog.Logger

	mu    sync.Mutex
	paths []string
}

var _ warden.TempFileCleaner = (*TempFiles)(nil)

// NewTempFiles creates an empty cleaner.
func NewTempFiles(logger *slog.Logger) *TempFiles {
	if logger == nil {
		logger = slog.Default()
	}

	return &TempFiles{logger: logger}
}

// Defer schedules path for removal at shutdown.
func (t *TempFiles) Defer(path string) {
	if path == "" {
		return
	}

	t.mu.Lock()
	t.paths = append(t.paths, path)
	t.mu.Unlock()
}

// Pending returns the number of deferred files.
func (t *TempFiles) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.paths)
}

// Drain removes every deferred file. Files already gone count as removed.
func (t *TempFiles) Drain(ctx context.Context) error {
	t.mu.Lock()
	paths := t.paths
	t.paths = nil
	t.mu.Unlock()

	var drainErr error
	for _, path := range paths {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		t.logger.ErrorContext(ctx, "deferred temp file removal failed", "path", path, "error", err)
		drainErr = errors.Join(drainErr, fmt.Errorf("remove %s: %w", path, err))
	}

	return drainErr
}
