package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modwarden/pkg/warden"
)

const defaultPublishTimeout = 2 * time.Second

type driverConfig struct {
	name           string
	publishTimeout time.Duration
	report   func(context.Context, error)
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives every update that was decoded or published
// unsuccessfully.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.report = handler
		}
	}
}

// Driver publishes supergroup activity as warden events.
type Driver struct {
	cfg     driverConfig
	source  UpdateSource
	decoder Decoder
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		report:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
	}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start consumes Telegram updates and publishes them as warden events until
// the session ends.
func (d *Driver) Start(ctx context.Context, sink warden.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		return d.publish(updateCtx, update, sink)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("start telegram driver: %w", err)
	}
}

// publish reports and skips updates that cannot be decoded or delivered. Only
// a publish cut short by the session ending stops the source.
func (d *Driver) publish(ctx context.Context, update Update, sink warden.EventSink) error {
	var event *warden.Event
	err := recoverPanic("decode "+string(update.Type)+" update", func() error {
		var decodeErr error
		event, decodeErr = d.decoder.Decode(ctx, update)
		return decodeErr
	})
	if err != nil {
		d.cfg.report(ctx, err)
		return nil
	}
	if event.Platform == "" {
		event.Platform = DriverPlatform
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()
	if err := sink.Publish(publishCtx, event); err != nil {
		err = fmt.Errorf("publish %s event for %s: %w", event.Kind, update.Type, err)
		if ctx.Err() != nil {
			return err
		}
		d.cfg.report(ctx, err)
	}

	return nil
}

// Shutdown is a no-op; the session ends with the Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}
