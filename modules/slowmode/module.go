// Package slowmode mutes members who post too fast in a slowed channel and
// restores their previous send permission once the mute elapses.
package slowmode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modwarden/internal/metrics"
	"modwarden/pkg/warden"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// ModuleName is the stable module identifier.
	ModuleName = "slowmode"

	// DefaultThreshold is the message count that triggers a mute.
	DefaultThreshold = 3
	// DefaultWindow is how long a member's count lives after the first message.
	DefaultWindow = 5 * time.Second
	// DefaultMute is how long a member stays muted.
	DefaultMute = 5 * time.Second

	defaultPoolWorkers     = 5
	defaultShutdownTimeout = 6 * time.Second
)

// ErrInvalidSettings indicates non-positive slow mode settings.
var ErrInvalidSettings = errors.New("slowmode: invalid settings")

// ChannelSettings enables slow mode for one channel at start.
type ChannelSettings struct {
	Channel  warden.ChannelRef
	Settings warden.SlowModeSettings
}

// Option mutates slow mode module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
			module.loggerInjected = true
		}
	}
}

// WithMetrics records mutes and active channels.
func WithMetrics(m *metrics.Metrics) Option {
	return func(module *Module) {
		module.metrics = m
	}
}

// WithPoolWorkers bounds concurrent forget and unmute tasks per channel.
func WithPoolWorkers(workers int) Option {
	return func(module *Module) {
		if workers > 0 {
			module.poolWorkers = workers
		}
	}
}

// WithShutdownTimeout sets how long Disable waits for pending unmutes before
// running them immediately.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(module *Module) {
		if timeout >= 0 {
			module.shutdownTimeout = timeout
		}
	}
}

// WithChannels enables slow mode on the given channels when the module starts.
func WithChannels(channels ...ChannelSettings) Option {
	return func(module *Module) {
		module.initial = append(module.initial, channels...)
	}
}

// Module throttles members per slowed channel.
type Module struct {
	logger          *slog.Logger
	loggerInjected  bool
	metrics         *metrics.Metrics
	poolWorkers     int
	shutdownTimeout time.Duration
	initial         []ChannelSettings

	editor warden.PermissionEditor
	active *xsync.MapOf[warden.ChannelRef, *channel]
}

var _ warden.SlowModeController = (*Module)(nil)

// New creates a slow mode module with no slowed channels.
func New(options ...Option) *Module {
	module := &Module{
		logger:          slog.Default(),
		poolWorkers:     defaultPoolWorkers,
		shutdownTimeout: defaultShutdownTimeout,
		active:          xsync.NewMapOf[warden.ChannelRef, *channel](),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return ModuleName
}

// Spec declares the message handler and the permission dependency.
func (m *Module) Spec() warden.ModuleSpec {
	return warden.ModuleSpec{
		Handlers: []warden.ModuleHandler{
			{
				Name: "slowmode-messages",
				Interest: warden.InterestSet{Kinds: []warden.EventKind{
					warden.EventKindMessageCreated,
				}},
				Subscription: warden.SubscriptionSpec{
					Workers:      4,
					Backpressure: warden.BackpressureBlock,
				},
				Handler: m.handleMessage,
			},
		},
		RequiredServices: []string{warden.ServicePermissionEditor},
	}
}

// OnRegister resolves the permission editor and exposes the module as the
// slow mode controller.
func (m *Module) OnRegister(_ context.Context, runtime warden.ModuleRuntime) error {
	services := runtime.Services()
	if !m.loggerInjected {
		logger, err := warden.ResolveAs[*slog.Logger](services, warden.ServiceLogger)
		switch {
		case err == nil:
			m.logger = logger
		case errors.Is(err, warden.ErrServiceNotFound):
		default:
			return fmt.Errorf("slowmode resolve logger: %w", err)
		}
	}

	editor, err := warden.ResolveAs[warden.PermissionEditor](services, warden.ServicePermissionEditor)
	if err != nil {
		return fmt.Errorf("slowmode resolve permission editor: %w", err)
	}
	m.editor = editor

	if err := services.Register(warden.ServiceSlowMode, warden.SlowModeController(m)); err != nil {
		return fmt.Errorf("slowmode register service: %w", err)
	}

	return nil
}

// OnStart enables the configured channels.
func (m *Module) OnStart(ctx context.Context) error {
	for _, configured := range m.initial {
		if _, err := m.Enable(ctx, configured.Channel, configured.Settings); err != nil {
			return fmt.Errorf("slowmode start: %w", err)
		}
	}

	return nil
}

// OnShutdown disables every channel, releasing every muted member.
func (m *Module) OnShutdown(ctx context.Context) error {
	refs := make([]warden.ChannelRef, 0, m.active.Size())
	m.active.Range(func(ref warden.ChannelRef, _ *channel) bool {
		refs = append(refs, ref)
		return true
	})
	for _, ref := range refs {
		m.Disable(ctx, ref)
	}

	return nil
}

// Enable starts throttling a channel. Zero settings take the defaults.
func (m *Module) Enable(ctx context.Context, ref warden.ChannelRef, settings warden.SlowModeSettings) (bool, error) {
	if m.editor == nil {
		return false, fmt.Errorf("enable slow mode in %s: module not registered", ref.ChannelID)
	}
	resolved, err := resolveSettings(settings)
	if err != nil {
		return false, fmt.Errorf("enable slow mode in %s: %w", ref.ChannelID, err)
	}

	_, loaded := m.active.LoadOrCompute(ref, func() *channel {
		return newChannel(ref, resolved, m.editor, m.poolWorkers, m.logger, m.metrics)
	})
	if loaded {
		return false, nil
	}
	m.metrics.SlowModeChannelEnabled()
	m.logger.InfoContext(ctx, "slowmode enabled",
		"tenant_id", ref.TenantID,
		"channel_id", ref.ChannelID,
		"threshold", resolved.Threshold,
		"window", resolved.Window,
		"mute", resolved.Mute,
	)

	return true, nil
}

// Disable stops throttling a channel and unmutes everyone it muted.
func (m *Module) Disable(ctx context.Context, ref warden.ChannelRef) bool {
	slowed, ok := m.active.LoadAndDelete(ref)
	if !ok {
		return false
	}
	slowed.close(ctx, m.shutdownTimeout)
	m.metrics.SlowModeChannelDisabled()
	m.logger.InfoContext(ctx, "slowmode disabled",
		"tenant_id", ref.TenantID,
		"channel_id", ref.ChannelID,
	)

	return true
}

func (m *Module) handleMessage(ctx context.Context, event *warden.Event) error {
	if event.Message == nil {
		return nil
	}
	author := event.Message.Author
	if author.IsBot || author.CanManageMessages {
		return nil
	}

	slowed, ok := m.active.Load(warden.ChannelRef{TenantID: event.Tenant.ID, ChannelID: event.Channel.ID})
	if !ok {
		return nil
	}
	slowed.observe(ctx, author.ID)

	return nil
}

func resolveSettings(settings warden.SlowModeSettings) (warden.SlowModeSettings, error) {
	if settings.Threshold == 0 {
		settings.Threshold = DefaultThreshold
	}
	if settings.Window == 0 {
		settings.Window = DefaultWindow
	}
	if settings.Mute == 0 {
		settings.Mute = DefaultMute
	}
	if settings.Threshold < 0 || settings.Window < 0 || settings.Mute < 0 {
		return warden.SlowModeSettings{}, fmt.Errorf("%w: threshold %d window %s mute %s",
			ErrInvalidSettings, settings.Threshold, settings.Window, settings.Mute)
	}

	return settings, nil
}
