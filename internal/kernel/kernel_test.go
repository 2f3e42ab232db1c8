package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"modwarden/pkg/warden"
)

// TestRegisterModuleRequiredServices verifies dependency validation before OnRegister.
func TestRegisterModuleRequiredServices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		registerLog bool
		wantErr     error
	}{
		{
			name:        "missing required service fails",
			registerLog: false,
			wantErr:     warden.ErrServiceNotFound,
		},
		{
			name:        "present required service succeeds",
			registerLog: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			t.Cleanup(func() {
				_ = kernelRuntime.EventBus().Close(context.Background())
			})
			if testCase.registerLog {
				if err := kernelRuntime.RegisterService(warden.ServiceAuditLog, struct{}{}); err != nil {
					t.Fatalf("register audit log service failed: %v", err)
				}
			}

			module := &stubModule{
				name: "needs-audit-log",
				spec: warden.ModuleSpec{RequiredServices: []string{warden.ServiceAuditLog}},
			}
			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("register error = %v, want %v", err, testCase.wantErr)
				}
				if module.registered.Load() != 0 {
					t.Fatal("OnRegister ran despite missing dependency")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

// TestKernelRunCallsModuleLifecycle verifies lifecycle hook execution during run/shutdown.
func TestKernelRunCallsModuleLifecycle(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()

	module := &stubModule{name: "lifecycle"}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	driver := &stubDriver{name: "stub-driver"}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	if module.registered.Load() == 0 {
		t.Fatal("module OnRegister was not called")
	}
	if module.started.Load() == 0 {
		t.Fatal("module OnStart was not called")
	}
	if module.shutdown.Load() == 0 {
		t.Fatal("module OnShutdown was not called")
	}
	if driver.started.Load() == 0 {
		t.Fatal("driver Start was not called")
	}
	if driver.stopped.Load() == 0 {
		t.Fatal("driver Shutdown was not called")
	}
}

// TestKernelRunReturnsFatalDriverError verifies that a failing driver ends the run.
func TestKernelRunReturnsFatalDriverError(t *testing.T) {
	t.Parallel()

	kernelRuntime := New(WithShutdownTimeout(time.Second))
	failure := errors.New("session revoked")
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "broken", startErr: failure}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	err := kernelRuntime.Run(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("run error = %v, want %v", err, failure)
	}
}

// TestKernelRunEndsWhenDriversReturn verifies a run whose drivers all finish cleanly shuts down.
func TestKernelRunEndsWhenDriversReturn(t *testing.T) {
	t.Parallel()

	kernelRuntime := New(WithShutdownTimeout(time.Second))
	first := &stubDriver{name: "backfill", oneShot: true}
	second := &stubDriver{name: "import", oneShot: true}
	for _, driver := range []*stubDriver{first, second} {
		if err := kernelRuntime.RegisterDriver(driver); err != nil {
			t.Fatalf("register driver failed: %v", err)
		}
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(context.Background())
	}()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit after drivers returned")
	}
	if first.stopped.Load() != 1 || second.stopped.Load() != 1 {
		t.Fatalf("driver shutdowns = %d/%d, want 1/1", first.stopped.Load(), second.stopped.Load())
	}
}

// TestKernelDriverPublishesIntoModules verifies driver events reach declared handlers.
func TestKernelDriverPublishesIntoModules(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()

	handled := make(chan string, 1)
	module := &stubModule{
		name: "declarative",
		spec: warden.ModuleSpec{
			Handlers: []warden.ModuleHandler{
				{
					Name: "deletions",
					Interest: warden.InterestSet{
						Kinds: []warden.EventKind{warden.EventKindMessageDeleted},
					},
					Subscription: warden.SubscriptionSpec{Buffer: 1, Workers: 1},
					Handler: func(_ context.Context, event *warden.Event) error {
						handled <- event.ID
						return nil
					},
				},
			},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	driver := &stubDriver{
		name: "publisher",
		publish: []*warden.Event{
			newTestEvent("ignored", warden.EventKindMessageCreated),
			newTestEvent("e1", warden.EventKindMessageDeleted),
		},
	}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	select {
	case id := <-handled:
		if id != "e1" {
			t.Fatalf("handled event id = %s, want e1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for declarative handler")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}
}

// TestRegisterModuleRollsBackFailedRegistration verifies imperative subscriptions are
// closed and the name freed when OnRegister fails.
func TestRegisterModuleRollsBackFailedRegistration(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	var subscription warden.Subscription
	failing := &stubModule{
		name: "flaky",
		onRegister: func(ctx context.Context, runtime warden.ModuleRuntime) error {
			sub, err := runtime.Subscribe(ctx, warden.InterestSet{}, warden.SubscriptionSpec{Name: "flaky-all"},
				func(context.Context, *warden.Event) error { return nil })
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			subscription = sub
			return errors.New("store unavailable")
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), failing); err == nil {
		t.Fatal("expected module registration error")
	}
	if subscription == nil {
		t.Fatal("subscription was not created")
	}

	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "flaky"}); err != nil {
		t.Fatalf("re-register after rollback failed: %v", err)
	}
}

// TestRegisterModuleSpecValidation verifies declarative spec validation failures.
func TestRegisterModuleSpecValidation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *warden.Event) error { return nil }
	tests := []struct {
		name       string
		module     warden.Module
		wantErrSub string
	}{
		{
			name:       "nil handler",
			module:     &stubModule{name: "nil-handler", spec: warden.ModuleSpec{Handlers: []warden.ModuleHandler{{Name: "x"}}}},
			wantErrSub: "nil handler",
		},
		{
			name: "duplicate handler name",
			module: &stubModule{name: "dup", spec: warden.ModuleSpec{Handlers: []warden.ModuleHandler{
				{Name: "same", Handler: noop},
				{Name: "same", Handler: noop},
			}}},
			wantErrSub: "duplicate name same",
		},
		{
			name:       "empty module name",
			module:     &stubModule{},
			wantErrSub: "empty module name",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			err := kernelRuntime.RegisterModule(context.Background(), testCase.module)
			if err == nil {
				t.Fatal("expected module registration error")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

// TestRegisterDuplicates verifies duplicate module and driver names are rejected.
func TestRegisterDuplicates(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "auditlog"}); err != nil {
		t.Fatalf("register module failed: %v", err)
	}
	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "auditlog"}); !errors.Is(err, warden.ErrModuleAlreadyRegistered) {
		t.Fatalf("duplicate module error = %v, want ErrModuleAlreadyRegistered", err)
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "tg"}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "tg"}); !errors.Is(err, warden.ErrDriverAlreadyRegistered) {
		t.Fatalf("duplicate driver error = %v, want ErrDriverAlreadyRegistered", err)
	}
}

// TestKernelDrainsDeferredTempFiles verifies the temp file service is emptied at shutdown.
func TestKernelDrainsDeferredTempFiles(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	cleaner, err := warden.ResolveAs[warden.TempFileCleaner](kernelRuntime.Services(), warden.ServiceTempFiles)
	if err != nil {
		t.Fatalf("resolve temp file service: %v", err)
	}

	path := filepath.Join(t.TempDir(), "transcript.txt")
	if err := os.WriteFile(path, []byte("left over"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	cleaner.Defer(path)
	cleaner.Defer(filepath.Join(t.TempDir(), "already-gone.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := kernelRuntime.Run(ctx); err != nil {
		t.Fatalf("kernel run failed: %v", err)
	}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat after shutdown error = %v, want not exist", err)
	}
	if got := kernelRuntime.TempFiles().Pending(); got != 0 {
		t.Fatalf("Pending() = %d, want 0", got)
	}
}

type stubModule struct {
	name string
	spec warden.ModuleSpec

	onRegister func(ctx context.Context, runtime warden.ModuleRuntime) error

	registered atomic.Int32
	started    atomic.Int32
	shutdown   atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() warden.ModuleSpec {
	return m.spec
}

func (m *stubModule) OnRegister(ctx context.Context, runtime warden.ModuleRuntime) error {
	m.registered.Add(1)
	if m.onRegister != nil {
		return m.onRegister(ctx, runtime)
	}

	return nil
}

func (m *stubModule) OnStart(_ context.Context) error {
	m.started.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(_ context.Context) error {
	m.shutdown.Add(1)
	return nil
}

type stubDriver struct {
	name     string
	publish  []*warden.Event
	startErr error
	oneShot  bool

	started atomic.Int32
	stopped atomic.Int32
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, sink warden.EventSink) error {
	d.started.Add(1)
	if d.startErr != nil {
		return d.startErr
	}
	for _, event := range d.publish {
		if err := sink.Publish(ctx, event); err != nil {
			return err
		}
	}
	if d.oneShot {
		return nil
	}
	<-ctx.Done()
	return nil
}

func (d *stubDriver) Shutdown(_ context.Context) error {
	d.stopped.Add(1)
	return nil
}
