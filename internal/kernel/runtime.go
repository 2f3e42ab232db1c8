package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"modwarden/pkg/warden"
)

// moduleRecord stores module metadata and subscriptions managed by the kernel.
type moduleRecord struct {
	name          string
	module        warden.Module
	subscriptions []warden.Subscription
	subMu         sync.Mutex
}

func (m *moduleRecord) addSubscription(subscription warden.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions. Repeated calls are no-ops.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel-owned implementation of warden.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   warden.ServiceRegistry
	bus        warden.EventBus
	record     *moduleRecord
}

func (r *moduleRuntime) Services() warden.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription, closed when the module shuts down.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest warden.InterestSet,
	spec warden.SubscriptionSpec,
	handler warden.EventHandler,
) (warden.Subscription, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription", r.moduleName)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	r.record.addSubscription(subscription)

	return subscription, nil
}
