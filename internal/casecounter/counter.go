// Package casecounter hands out per-tenant, monotonically increasing case
// numbers and keeps the last used number durable.
package casecounter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"modwarden/internal/metrics"
	"modwarden/pkg/warden"
)

// UnavailableLabel is rendered when a case number could not be allocated.
const UnavailableLabel = "failed retrieving case number"

// Store persists the last used number of each tenant.
type Store interface {
	// Load returns the last used number, or 0 when the tenant has none.
	Load(ctx context.Context, tenantID string) (int64, error)
	// Save durably records value as the last used number of tenantID.
	Save(ctx context.Context, tenantID string, value int64) error
}

// Option mutates counter configuration.
type Option func(*Counter)

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(counter *Counter) {
		if logger != nil {
			counter.logger = logger
		}
	}
}

// WithMetrics records allocation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(counter *Counter) {
		counter.metrics = m
	}
}

// Counter allocates case numbers on top of a Store.
//
// A number is bumped in memory first and rolled back when persisting fails, so
// a failed allocation never leaves a gap.
type Counter struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	last map[string]int64
}

var _ warden.CaseNumbers = (*Counter)(nil)

// New creates a counter over store.
func New(store Store, options ...Option) (*Counter, error) {
	if store == nil {
		return nil, fmt.Errorf("new case counter: nil store")
	}

	counter := &Counter{
		store:  store,
		logger: slog.Default(),
		last:   make(map[string]int64),
	}
	for _, option := range options {
		option(counter)
	}

	return counter, nil
}

// Next allocates the next case number of tenantID.
func (c *Counter) Next(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("next case number: empty tenant id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous, err := c.lastLocked(ctx, tenantID)
	if err != nil {
		c.metrics.CaseNumberAllocated(false)
		c.logger.ErrorContext(ctx, "case number load failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return 0, fmt.Errorf("next case number for tenant %s: %w: %w", tenantID, warden.ErrCasePersist, err)
	}
	next := previous + 1
	c.last[tenantID] = next
	if err := c.store.Save(ctx, tenantID, next); err != nil {
		c.last[tenantID] = previous
		c.metrics.CaseNumberAllocated(false)
		c.logger.ErrorContext(ctx, "case number persist failed",
			"tenant_id", tenantID,
			"case_number", next,
			"error", err,
		)
		return 0, fmt.Errorf("next case number for tenant %s: %w: %w", tenantID, warden.ErrCasePersist, err)
	}
	c.metrics.CaseNumberAllocated(true)

	return next, nil
}

// Reset sets the counter of tenantID back to zero. Persist failures are logged only.
func (c *Counter) Reset(ctx context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last[tenantID] = 0
	if err := c.store.Save(ctx, tenantID, 0); err != nil {
		c.logger.ErrorContext(ctx, "case number reset persist failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return
	}
	c.logger.InfoContext(ctx, "case numbers reset", "tenant_id", tenantID)
}

// Label allocates a case number and renders it for a log record.
func (c *Counter) Label(ctx context.Context, tenantID string) string {
	next, err := c.Next(ctx, tenantID)
	if err != nil {
		return UnavailableLabel
	}

	return strconv.FormatInt(next, 10)
}

// lastLocked returns the cached value, loading it from the store on first use.
// Nothing is cached when the load fails, so the next call retries it.
func (c *Counter) lastLocked(ctx context.Context, tenantID string) (int64, error) {
	if value, ok := c.last[tenantID]; ok {
		return value, nil
	}

	value, err := c.store.Load(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load last case number: %w", err)
	}
	c.last[tenantID] = value

	return value, nil
}
