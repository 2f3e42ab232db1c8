// Package kernel owns the process lifecycle: it registers modules and drivers,
// runs the event bus between them, and shuts everything down in reverse order.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"modwarden/pkg/warden"

	"golang.org/x/sync/errgroup"
)

// Kernel orchestrates modules, drivers, and the event bus.
type Kernel struct {
	cfg config

	bus       *EventBus
	services  *ServiceRegistry
	tempFiles *TempFiles

	// modules and drivers keep registration order; shutdown walks them backwards.
	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []warden.Driver

	runMu   sync.Mutex
	running bool
}

// New creates a kernel. The temp file cleaner is registered as a service up front.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	kernelRuntime := &Kernel{
		cfg: cfg,
		bus: NewEventBus(BusConfig{
			Buffer:         cfg.subscriptionBuffer,
			Workers:        cfg.subscriptionWorker,
			HandlerTimeout: cfg.handlerTimeout,
			Report:         cfg.onAsyncError,
			Metrics:        cfg.metrics,
		}),
		services:  NewServiceRegistry(),
		tempFiles: NewTempFiles(cfg.logger),
	}
	if err := kernelRuntime.services.Register(warden.ServiceTempFiles, kernelRuntime.tempFiles); err != nil {
		cfg.onAsyncError(context.Background(), "register temp file service", err)
	}

	return kernelRuntime
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() warden.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() warden.ServiceRegistry {
	return k.services
}

// TempFiles exposes the deferred file cleaner drained at shutdown.
func (k *Kernel) TempFiles() *TempFiles {
	return k.tempFiles
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule validates a module, runs its optional OnRegister hook, and
// subscribes its declared handlers. A failed registration leaves no trace.
func (k *Kernel) RegisterModule(ctx context.Context, module warden.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	moduleSpec := module.Spec()
	if err := moduleSpec.Validate(); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if err := k.validateRequiredServices(moduleSpec.RequiredServices); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{name: name, module: module}

	k.mu.Lock()
	if slices.ContainsFunc(k.modules, func(existing *moduleRecord) bool { return existing.name == name }) {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, warden.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(warden.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.rollbackModuleRegistration(ctx, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	if err := k.registerDeclaredHandlers(hookCtx, name, runtime, moduleSpec.Handlers); err != nil {
		k.rollbackModuleRegistration(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"handlers", len(moduleSpec.Handlers),
	)

	return nil
}

// RegisterDriver registers a platform driver.
func (k *Kernel) RegisterDriver(driver warden.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.ContainsFunc(k.drivers, func(existing warden.Driver) bool { return existing.Name() == name }) {
		return fmt.Errorf("register driver %s: %w", name, warden.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts modules, runs drivers, and blocks until cancellation, a fatal
// driver error, or every driver returning on its own.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	runErr := k.runDrivers(ctx)
	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdownAll(ctx))
}

func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

func (k *Kernel) snapshotModules() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules)
}

func (k *Kernel) snapshotDrivers() []warden.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.drivers)
}

func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.snapshotModules() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// runDrivers starts every driver and returns once ctx ends, a driver fails,
// or all drivers have returned. Drivers still running after that get the
// shutdown timeout to exit.
func (k *Kernel) runDrivers(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, driver := range k.snapshotDrivers() {
		group.Go(func() error {
			err := runSafely("driver "+driver.Name()+" Start", func() error {
				return driver.Start(groupCtx, k.bus)
			})
			if err == nil || isContextCancellation(err) {
				return nil
			}
			return fmt.Errorf("run driver %s: %w", driver.Name(), err)
		})
	}

	finished := make(chan error, 1)
	go func() {
		finished <- group.Wait()
	}()

	select {
	case err := <-finished:
		return err
	case <-groupCtx.Done():
	}

	select {
	case err := <-finished:
		if err != nil {
			return err
		}
		return ctx.Err()
	case <-time.After(k.cfg.shutdownTimeout):
		k.cfg.logger.Warn("drivers did not stop before shutdown timeout",
			"timeout", k.cfg.shutdownTimeout,
		)
		return ctx.Err()
	}
}

// shutdownAll tears down drivers, modules, the bus and pending temp files in a
// bounded window. It detaches from ctx so cleanup still runs after cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	shutdownErr := errors.Join(
		k.shutdownDrivers(shutdownCtx),
		k.shutdownModules(shutdownCtx),
		k.bus.Close(shutdownCtx),
		k.tempFiles.Drain(shutdownCtx),
	)
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownDrivers executes driver Shutdown in reverse registration order.
func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	var shutdownErr error
	for _, driver := range slices.Backward(k.snapshotDrivers()) {
		err := runSafely("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}

	return shutdownErr
}

// shutdownModules closes module subscriptions and invokes OnShutdown in reverse order.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	var shutdownErr error
	for _, record := range slices.Backward(k.snapshotModules()) {
		if err := record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	return shutdownErr
}

// rollbackModuleRegistration removes a partially registered module.
func (k *Kernel) rollbackModuleRegistration(ctx context.Context, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback_module_registration", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules = slices.DeleteFunc(k.modules, func(existing *moduleRecord) bool {
		return existing == record
	})
}

func (k *Kernel) validateRequiredServices(required []string) error {
	for _, serviceName := range required {
		if _, err := k.services.Resolve(serviceName); err != nil {
			return fmt.Errorf("required service %s: %w", serviceName, err)
		}
	}

	return nil
}

func (k *Kernel) registerDeclaredHandlers(
	ctx context.Context,
	moduleName string,
	runtime *moduleRuntime,
	handlers []warden.ModuleHandler,
) error {
	for idx, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = declared.Name
		}
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", moduleName, idx+1)
		}
		if _, err := runtime.Subscribe(ctx, declared.Interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("register handler %s: %w", spec.Name, err)
		}
	}

	return nil
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
