package warden

import (
	"context"
	"fmt"
)

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink accepts events for dispatching into the kernel.
type EventSink interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event *Event) error
}

// ModuleRuntime provides kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous event handler owned by the module.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
}

// ModuleHandler binds one event interest to a handler.
type ModuleHandler struct {
	// Name labels the handler subscription.
	Name string
	// Interest selects the events delivered to Handler.
	Interest InterestSet
	// Subscription tunes queueing for the handler.
	Subscription SubscriptionSpec
	// Handler processes matching events.
	Handler EventHandler
}

// ModuleSpec declares what a module consumes and what it needs.
type ModuleSpec struct {
	// Handlers are subscribed by the kernel after OnRegister succeeds.
	Handlers []ModuleHandler
	// RequiredServices must be resolvable before registration proceeds.
	RequiredServices []string
}

// Validate ensures declarative module definitions are coherent.
func (s ModuleSpec) Validate() error {
	seen := make(map[string]struct{}, len(s.Handlers))
	for idx, handler := range s.Handlers {
		if handler.Handler == nil {
			return fmt.Errorf("module handler %d: nil handler", idx)
		}
		if handler.Name == "" {
			continue
		}
		if _, exists := seen[handler.Name]; exists {
			return fmt.Errorf("module handler %d: duplicate name %s", idx, handler.Name)
		}
		seen[handler.Name] = struct{}{}
	}

	return nil
}

// Module is a lifecycle-aware plugin contract.
//
// Handlers can run on multiple workers, so modules must be concurrency-safe.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// Spec returns declarative handler and dependency metadata.
	Spec() ModuleSpec
	// OnStart is called when the kernel begins runtime execution.
	OnStart(ctx context.Context) error
	// OnShutdown is called during orderly shutdown.
	OnShutdown(ctx context.Context) error
}

// ModuleRegistrar is implemented by modules that resolve services at registration.
type ModuleRegistrar interface {
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
}

// Driver adapts an external platform into events.
type Driver interface {
	// Name returns a stable driver identifier.
	Name() string
	// Start consumes external updates and publishes events.
	// It should return only after context cancellation or fatal error.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown stops external resources that are not tied to Start context alone.
	Shutdown(ctx context.Context) error
}
