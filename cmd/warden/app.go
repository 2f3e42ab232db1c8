package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modwarden/internal/casecounter"
	"modwarden/internal/driver"
	"modwarden/internal/kernel"
	"modwarden/internal/metrics"
	"modwarden/modules/auditlog"
	"modwarden/modules/slowmode"
	"modwarden/pkg/warden"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	metricsPath              = "/metrics"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "warden",
		Usage: "moderation audit bot for Telegram supergroups",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the JSON config file",
				EnvVars: []string{envConfigFile},
			},
		},
		Action: runBot,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "connect the drivers and start logging",
				Action: runBot,
			},
			casesCommand(),
		},
	}
}

func runBot(cctx *cli.Context) error {
	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}
	cfg, err := loadConfig(cctx.String("config"), registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(promRegistry)

	kernelRuntime := buildKernelRuntime(logger, appMetrics, cfg)
	if err := kernelRuntime.RegisterService(warden.ServiceLogger, logger); err != nil {
		return fmt.Errorf("register logger service: %w", err)
	}

	drivers, ports, err := buildDriverRuntime(ctx, logger, cfg, registry)
	if err != nil {
		return err
	}
	if err := ports.Register(kernelRuntime.Services()); err != nil {
		return fmt.Errorf("register driver ports: %w", err)
	}

	counter, closeStore, err := buildCaseCounter(ctx, logger, appMetrics, cfg.cases)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := kernelRuntime.RegisterService(warden.ServiceCaseCounter, warden.CaseNumbers(counter)); err != nil {
		return fmt.Errorf("register case counter service: %w", err)
	}

	if err := registerRuntimeModules(ctx, kernelRuntime, appMetrics, cfg); err != nil {
		return err
	}
	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}

	return runGroup(ctx, logger, kernelRuntime, cfg.metricsAddr, promRegistry)
}

// runGroup runs the kernel and, when configured, the metrics endpoint. The
// endpoint stops once the kernel returns.
func runGroup(
	ctx context.Context,
	logger *slog.Logger,
	kernelRuntime *kernel.Kernel,
	metricsAddr string,
	gatherer prometheus.Gatherer,
) error {
	group, groupCtx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(groupCtx)
	defer cancel()

	group.Go(func() error {
		defer cancel()
		if err := kernelRuntime.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})
	if metricsAddr != "" {
		listener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("listen metrics %s: %w", metricsAddr, err), group.Wait())
		}
		logger.InfoContext(ctx, "metrics endpoint listening", "addr", listener.Addr().String())
		group.Go(func() error {
			return serveMetrics(runCtx, listener, gatherer)
		})
	}

	return group.Wait()
}

func serveMetrics(ctx context.Context, listener net.Listener, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler(gatherer))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}

	return nil
}

func buildKernelRuntime(logger *slog.Logger, appMetrics *metrics.Metrics, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithMetrics(appMetrics),
	)
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) ([]warden.Driver, driver.Ports, error) {
	if registry == nil {
		return nil, driver.Ports{}, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return nil, driver.Ports{}, fmt.Errorf("build drivers: %w", err)
	}
	ports, err := driver.SelectPorts(runtimes)
	if err != nil {
		return nil, driver.Ports{}, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]warden.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	return drivers, ports, nil
}

// buildCaseCounter opens the configured store. The returned close func is
// always safe to call.
func buildCaseCounter(
	ctx context.Context,
	logger *slog.Logger,
	appMetrics *metrics.Metrics,
	cfg casesConfig,
) (*casecounter.Counter, func(), error) {
	var (
		store     casecounter.Store
		closeFunc = func() {}
	)
	switch cfg.backend {
	case casesBackendRedis:
		redisStore, err := casecounter.NewRedisStore(ctx, cfg.redisURL)
		if err != nil {
			return nil, closeFunc, fmt.Errorf("open case store: %w", err)
		}
		store = redisStore
		closeFunc = func() {
			if err := redisStore.Close(); err != nil {
				logger.Warn("close case store failed", "backend", cfg.backend, "error", err)
			}
		}
	case casesBackendFile, "":
		fileStore, err := casecounter.NewFileStore(cfg.file)
		if err != nil {
			return nil, closeFunc, fmt.Errorf("open case store: %w", err)
		}
		store = fileStore
	default:
		return nil, closeFunc, fmt.Errorf("open case store: unsupported backend %q", cfg.backend)
	}

	counter, err := casecounter.New(store,
		casecounter.WithLogger(logger),
		casecounter.WithMetrics(appMetrics),
	)
	if err != nil {
		closeFunc()
		return nil, func() {}, fmt.Errorf("new case counter: %w", err)
	}

	return counter, closeFunc, nil
}

func auditOptions(appMetrics *metrics.Metrics, cfg auditConfig) []auditlog.Option {
	options := []auditlog.Option{
		auditlog.WithMetrics(appMetrics),
		auditlog.WithCommandPrefix(cfg.commandPrefix),
		auditlog.WithMessageCacheSize(cfg.messageCacheSize),
		auditlog.WithAttachmentVaultSize(cfg.attachmentVaultSize),
		auditlog.WithDefaultSettings(cfg.defaults),
		auditlog.WithTenantSettings(cfg.tenants),
	}
	if cfg.correlationDelay > 0 {
		options = append(options, auditlog.WithCorrelationDelay(cfg.correlationDelay))
	}
	if cfg.rateLimit > 0 && cfg.rateLimit != rate.Inf {
		options = append(options, auditlog.WithAuditRate(cfg.rateLimit, cfg.rateBurst))
	}

	return options
}

func slowModeOptions(appMetrics *metrics.Metrics, cfg slowModeConfig) []slowmode.Option {
	options := []slowmode.Option{
		slowmode.WithMetrics(appMetrics),
		slowmode.WithPoolWorkers(cfg.poolWorkers),
		slowmode.WithChannels(cfg.channels...),
	}
	if cfg.shutdownTimeout > 0 {
		options = append(options, slowmode.WithShutdownTimeout(cfg.shutdownTimeout))
	}

	return options
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	appMetrics *metrics.Metrics,
	cfg appConfig,
) error {
	auditModule := auditlog.New(auditOptions(appMetrics, cfg.audit)...)
	if err := kernelRuntime.RegisterModule(ctx, auditModule); err != nil {
		return fmt.Errorf("register %s module: %w", auditModule.Name(), err)
	}
	slowModeModule := slowmode.New(slowModeOptions(appMetrics, cfg.slowMode)...)
	if err := kernelRuntime.RegisterModule(ctx, slowModeModule); err != nil {
		return fmt.Errorf("register %s module: %w", slowModeModule.Name(), err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []warden.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
