package warden

import (
	"context"
	"slices"
	"time"
)

// BackpressurePolicy decides what a full subscription queue does with a new event.
// Audit handlers block: a dropped deletion is a deletion nobody logs.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureBlock holds the publisher until there is room or its context ends.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures a single consumer subscription.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	EventSink
	// Subscribe registers a handler for events matching interest.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}

// InterestSet selects events by kind. An empty set matches every event.
type InterestSet struct {
	Kinds []EventKind
}

// Matches reports whether an event satisfies the interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	return len(i.Kinds) == 0 || slices.Contains(i.Kinds, event.Kind)
}
