package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"modwarden/internal/metrics"
	"modwarden/pkg/warden"
)

// BusConfig holds the defaults applied to subscriptions that leave a field
// unset, plus where asynchronous failures go.
type BusConfig struct {
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	// Report receives handler failures and dropped events. Nil discards them.
	Report  func(ctx context.Context, scope string, err error)
	Metrics *metrics.Metrics
}

// EventBus hands driver events to module subscriptions. Each subscription has
// its own queue and workers.
type EventBus struct {
	cfg BusConfig

	mu     sync.RWMutex
	seq    int64
	closed bool
	subs   []*subscription
}

// NewEventBus creates a bus with the given subscription defaults.
func NewEventBus(cfg BusConfig) *EventBus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSubscriptionBuffer
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSubscriptionWorker
	}

	return &EventBus{cfg: cfg}
}

// Publish validates event and queues it for every interested subscription.
// Drops and closed subscriptions are reported, not returned.
func (b *EventBus) Publish(ctx context.Context, event *warden.Event) error {
	if event == nil {
		return fmt.Errorf("publish: %w: nil event", warden.ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}

	targets, err := b.interested(event)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}

	var failed []error
	for _, sub := range targets {
		err := sub.offer(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, warden.ErrEventDropped), errors.Is(err, warden.ErrSubscriptionClosed):
			b.cfg.Metrics.EventDropped(sub.spec.Name, string(event.Kind))
			b.report(ctx, sub.spec.Name, fmt.Errorf("event %s of tenant %s: %w", event.ID, event.Tenant.ID, err))
		default:
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("publish %s: %w", event.Kind, errors.Join(failed...))
	}

	return nil
}

// Subscribe starts a consumer for events matching interest.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest warden.InterestSet,
	spec warden.SubscriptionSpec,
	handler warden.EventHandler,
) (warden.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, errBusClosed)
	}
	b.seq++
	spec = b.withDefaults(spec, b.seq)
	switch spec.Backpressure {
	case warden.BackpressureDropNewest, warden.BackpressureBlock:
	default:
		return nil, fmt.Errorf("subscribe %s: %w: backpressure %q", spec.Name, warden.ErrInvalidSubscription, spec.Backpressure)
	}

	sub := startSubscription(b, interest, spec, handler)
	b.subs = append(b.subs, sub)

	return sub, nil
}

// Close stops every subscription. Events still queued are discarded.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}

	return nil
}

var errBusClosed = errors.New("bus closed")

func (b *EventBus) interested(event *warden.Event) ([]*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, errBusClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}

	return targets, nil
}

func (b *EventBus) withDefaults(spec warden.SubscriptionSpec, seq int64) warden.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", seq)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.cfg.Buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.cfg.Workers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.cfg.HandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = warden.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) remove(ctx context.Context, target *subscription) error {
	b.mu.Lock()
	idx := slices.Index(b.subs, target)
	if idx >= 0 {
		b.subs = slices.Delete(b.subs, idx, idx+1)
	}
	b.mu.Unlock()

	if idx < 0 {
		return nil
	}
	if err := target.stop(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", target.spec.Name, err)
	}

	return nil
}

func (b *EventBus) report(ctx context.Context, scope string, err error) {
	if b.cfg.Report != nil {
		b.cfg.Report(ctx, scope, err)
	}
}

// subscription is one consumer: a bounded queue drained by spec.Workers
// goroutines until stop cancels them.
type subscription struct {
	bus      *EventBus
	interest warden.InterestSet
	spec     warden.SubscriptionSpec
	handler  warden.EventHandler
	queue    chan *warden.Event

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	stopped chan struct{}
}

func startSubscription(
	bus *EventBus,
	interest warden.InterestSet,
	spec warden.SubscriptionSpec,
	handler warden.EventHandler,
) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		bus:      bus,
		interest: warden.InterestSet{Kinds: slices.Clone(interest.Kinds)},
		spec:     spec,
		handler:  handler,
		queue:    make(chan *warden.Event, spec.Buffer),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	for worker := range spec.Workers {
		sub.workers.Go(func() {
			sub.consume(worker)
		})
	}
	go func() {
		sub.workers.Wait()
		close(sub.stopped)
	}()

	return sub
}

func (s *subscription) Name() string {
	return s.spec.Name
}

// Close removes the subscription from its bus and waits for its workers.
func (s *subscription) Close(ctx context.Context) error {
	return s.bus.remove(ctx, s)
}

func (s *subscription) offer(ctx context.Context, event *warden.Event) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, warden.ErrSubscriptionClosed)
	}

	if s.spec.Backpressure == warden.BackpressureDropNewest {
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, warden.ErrEventDropped)
		}
	}

	select {
	case s.queue <- event:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, warden.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
	}
}

func (s *subscription) consume(worker int) {
	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, worker)
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.deliver(scope, event); err != nil {
				s.bus.cfg.Metrics.HandlerFailed(s.spec.Name)
				s.bus.report(s.ctx, s.spec.Name, err)
			}
		}
	}
}

// deliver runs the handler under the subscription timeout and panic guard.
func (s *subscription) deliver(scope string, event *warden.Event) error {
	ctx := s.ctx
	if s.spec.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.spec.HandlerTimeout)
		defer cancel()
	}

	if err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	}); err != nil {
		return fmt.Errorf("handle %s of tenant %s: %w", event.Kind, event.Tenant.ID, err)
	}

	return nil
}

// stop cancels the workers and waits for them until ctx ends.
func (s *subscription) stop(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
