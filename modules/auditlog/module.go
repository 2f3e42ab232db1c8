package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modwarden/internal/attachmentvault"
	"modwarden/internal/messagecache"
	"modwarden/internal/metrics"
	"modwarden/internal/scheduler"
	"modwarden/pkg/warden"

	"golang.org/x/time/rate"
)

const (
	// ModuleName is the stable module identifier.
	ModuleName = "auditlog"

	defaultCorrelationDelay = time.Second
	defaultAuditScanLimit   = 5
	defaultAuditRate        = rate.Limit(2)
	defaultAuditBurst       = 5
	defaultUploadTimeout    = 2 * time.Minute
)

// Option mutates audit log module configuration.
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

// WithMessageCacheSize sets how many recent messages are kept.
func WithMessageCacheSize(size int) Option {
	return func(module *Module) {
		if size > 0 {
			module.cacheSize = size
		}
	}
}

// WithAttachmentVaultSize sets how many attachment copies are kept.
func WithAttachmentVaultSize(size int) Option {
	return func(module *Module) {
		if size > 0 {
			module.vaultSize = size
		}
	}
}

// WithCommandPrefix sets the prefix of bot commands, which are never recorded.
func WithCommandPrefix(prefix string) Option {
	return func(module *Module) {
		if prefix != "" {
			module.commandPrefix = prefix
		}
	}
}

// WithCorrelationDelay sets how long the audit trail is given to catch up
// before a removal is attributed.
func WithCorrelationDelay(delay time.Duration) Option {
	return func(module *Module) {
		if delay >= 0 {
			module.correlationDelay = delay
		}
	}
}

// WithAuditRate throttles audit trail reads across all tenants.
func WithAuditRate(limit rate.Limit, burst int) Option {
	return func(module *Module) {
		if limit > 0 && burst > 0 {
			module.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithDefaultSettings sets the settings of tenants without an explicit entry.
func WithDefaultSettings(settings TenantSettings) Option {
	return func(module *Module) {
		module.defaults = cloneSettings(settings)
	}
}

// WithTenantSettings sets per-tenant settings.
func WithTenantSettings(settings map[string]TenantSettings) Option {
	return func(module *Module) {
		module.tenants = make(map[string]TenantSettings, len(settings))
		for tenantID, tenantSettings := range settings {
			module.tenants[tenantID] = cloneSettings(tenantSettings)
		}
	}
}

// WithMetrics records cache, vault and attribution metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(module *Module) {
		module.metrics = m
	}
}

// WithClock overrides the time source used in records.
func WithClock(clock func() time.Time) Option {
	return func(module *Module) {
		if clock != nil {
			module.clock = clock
		}
	}
}

// WithTempDir sets where bulk deletion transcripts are written.
func WithTempDir(dir string) Option {
	return func(module *Module) {
		module.tempDir = dir
	}
}

// Module records messages and logs deletions, edits, bans, kicks and unbans.
type Module struct {
	logger           *slog.Logger
	loggerInjected   bool
	metrics          *metrics.Metrics
	cacheSize        int
	vaultSize        int
	commandPrefix    string
	correlationDelay time.Duration
	scanLimit        int
	limiter          *rate.Limiter
	defaults         TenantSettings
	tenants          map[string]TenantSettings
	clock            func() time.Time
	tempDir          string

	auditLog  warden.AuditLog
	sink      warden.LogSink
	identity  warden.Identity
	cases     warden.CaseNumbers
	tempFiles warden.TempFileCleaner

	cache     *messagecache.Cache
	vault     *attachmentvault.Vault
	sequencer *scheduler.Sequencer

	uploadCtx     context.Context
	cancelUploads context.CancelFunc
	uploads       sync.WaitGroup

	// Only touched from Sequencer tasks.
	selfID        string
	deleteCursors map[string]warden.AuditLogEntry
	kickCursors   map[string]string
}

// New creates an audit log module. Storage is built in OnRegister once the
// platform services are known.
func New(options ...Option) *Module {
	module := &Module{
		logger:           slog.Default(),
		cacheSize:        messagecache.DefaultCapacity,
		vaultSize:        attachmentvault.DefaultCapacity,
		commandPrefix:    messagecache.DefaultCommandPrefix,
		correlationDelay: defaultCorrelationDelay,
		scanLimit:        defaultAuditScanLimit,
		limiter:          rate.NewLimiter(defaultAuditRate, defaultAuditBurst),
		defaults:         DefaultTenantSettings(),
		tenants:          make(map[string]TenantSettings),
		clock:            time.Now,
		deleteCursors:    make(map[string]warden.AuditLogEntry),
		kickCursors:      make(map[string]string),
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

// Spec subscribes intake and removals separately.
func (m *Module) Spec() warden.ModuleSpec {
	return warden.ModuleSpec{
		Handlers: []warden.ModuleHandler{
			{
				Name: "auditlog-intake",
				Interest: warden.InterestSet{Kinds: []warden.EventKind{
					warden.EventKindMessageCreated,
					warden.EventKindMessageEdited,
				}},
				Subscription: warden.SubscriptionSpec{
					Workers:      4,
					Backpressure: warden.BackpressureBlock,
				},
				Handler: m.handleEvent,
			},
			{
				Name: "auditlog-removals",
				Interest: warden.InterestSet{Kinds: []warden.EventKind{
					warden.EventKindMessageDeleted,
					warden.EventKindMessagesPurged,
					warden.EventKindMemberBanned,
					warden.EventKindMemberUnbanned,
					warden.EventKindMemberLeft,
				}},
				Subscription: warden.SubscriptionSpec{
					Workers:      2,
					Backpressure: warden.BackpressureBlock,
				},
				Handler: m.handleEvent,
			},
		},
		RequiredServices: []string{
			warden.ServiceAuditLog,
			warden.ServiceAttachmentStore,
			warden.ServiceLogSink,
			warden.ServiceCaseCounter,
		},
	}
}

// OnRegister resolves platform services and builds the message cache,
// attachment vault and correlation sequencer.
func (m *Module) OnRegister(_ context.Context, runtime warden.ModuleRuntime) error {
	services := runtime.Services()
	if !m.loggerInjected {
		logger, err := warden.ResolveAs[*slog.Logger](services, warden.ServiceLogger)
		switch {
		case err == nil:
			m.logger = logger
		case errors.Is(err, warden.ErrServiceNotFound):
		default:
			return fmt.Errorf("auditlog resolve logger: %w", err)
		}
	}

	var err error
	if m.auditLog, err = warden.ResolveAs[warden.AuditLog](services, warden.ServiceAuditLog); err != nil {
		return fmt.Errorf("auditlog resolve audit log: %w", err)
	}
	store, err := warden.ResolveAs[warden.AttachmentStore](services, warden.ServiceAttachmentStore)
	if err != nil {
		return fmt.Errorf("auditlog resolve attachment store: %w", err)
	}
	if m.sink, err = warden.ResolveAs[warden.LogSink](services, warden.ServiceLogSink); err != nil {
		return fmt.Errorf("auditlog resolve log sink: %w", err)
	}
	if m.cases, err = warden.ResolveAs[warden.CaseNumbers](services, warden.ServiceCaseCounter); err != nil {
		return fmt.Errorf("auditlog resolve case counter: %w", err)
	}
	m.identity, err = warden.ResolveAs[warden.Identity](services, warden.ServiceIdentity)
	if err != nil && !errors.Is(err, warden.ErrServiceNotFound) {
		return fmt.Errorf("auditlog resolve identity: %w", err)
	}
	m.tempFiles, err = warden.ResolveAs[warden.TempFileCleaner](services, warden.ServiceTempFiles)
	if err != nil && !errors.Is(err, warden.ErrServiceNotFound) {
		return fmt.Errorf("auditlog resolve temp files: %w", err)
	}

	m.vault, err = attachmentvault.New(store,
		attachmentvault.WithCapacity(m.vaultSize),
		attachmentvault.WithLogger(m.logger),
		attachmentvault.WithMetrics(m.metrics),
	)
	if err != nil {
		return fmt.Errorf("auditlog build attachment vault: %w", err)
	}
	m.cache, err = messagecache.New(
		messagecache.WithCapacity(m.cacheSize),
		messagecache.WithCommandPrefix(m.commandPrefix),
		messagecache.WithMetrics(m.metrics),
		messagecache.WithEvictFunc(func(ctx context.Context, message warden.CachedMessage) {
			m.vault.Evict(ctx, message.Key())
		}),
	)
	if err != nil {
		return fmt.Errorf("auditlog build message cache: %w", err)
	}
	m.sequencer = scheduler.NewSequencer(
		scheduler.WithName("auditlog-sequencer"),
		scheduler.WithLogger(m.logger),
	)
	m.uploadCtx, m.cancelUploads = context.WithCancel(context.Background())

	return nil
}

// OnStart learns the bot's own account so its actions are not logged twice.
func (m *Module) OnStart(ctx context.Context) error {
	if m.identity != nil {
		if err := m.sequencer.Execute("remember-self", func(taskCtx context.Context) error {
			m.rememberSelf(taskCtx)
			return nil
		}); err != nil {
			return fmt.Errorf("auditlog start: %w", err)
		}
	}

	m.logger.InfoContext(ctx,
		"auditlog module started",
		"module", m.Name(),
		"message_cache_size", m.cacheSize,
		"attachment_vault_size", m.vaultSize,
		"correlation_delay", m.correlationDelay,
	)

	return nil
}

// OnShutdown drops queued correlations, waits for running uploads and removes
// every attachment copy.
func (m *Module) OnShutdown(ctx context.Context) error {
	var shutdownErr error
	if m.sequencer != nil {
		if err := m.sequencer.Close(ctx); err != nil {
			shutdownErr = fmt.Errorf("auditlog close sequencer: %w", err)
		}
	}
	if m.cancelUploads != nil {
		m.waitUploads(ctx)
	}
	if m.vault != nil {
		purged := m.vault.PurgeAll(ctx)
		m.logger.InfoContext(ctx, "auditlog attachment copies purged", "chains", purged)
	}
	if m.cache != nil {
		m.cache.Purge()
	}

	return shutdownErr
}

func (m *Module) settingsFor(tenantID string) TenantSettings {
	if settings, ok := m.tenants[tenantID]; ok {
		return settings
	}

	return m.defaults
}

func (m *Module) handleEvent(ctx context.Context, event *warden.Event) error {
	settings := m.settingsFor(event.Tenant.ID)
	if settings.excludes(event.Channel.ID) {
		return nil
	}

	switch event.Kind {
	case warden.EventKindMessageCreated:
		return m.handleMessageCreated(ctx, event)
	case warden.EventKindMessageEdited:
		return m.handleMessageEdited(ctx, event, settings)
	case warden.EventKindMessageDeleted:
		if !settings.LogMessageDelete {
			return nil
		}
		return m.handleMessageDeleted(ctx, event)
	case warden.EventKindMessagesPurged:
		if !settings.LogMessageDelete {
			return nil
		}
		return m.handleMessagesPurged(ctx, event)
	case warden.EventKindMemberBanned:
		if !settings.LogMemberBan {
			return nil
		}
		return m.scheduleMemberCorrelation(ctx, event, m.correlateBan)
	case warden.EventKindMemberUnbanned:
		if !settings.LogMemberBan {
			return nil
		}
		return m.scheduleMemberCorrelation(ctx, event, m.correlateUnban)
	case warden.EventKindMemberLeft:
		if !settings.LogMemberLeave {
			return nil
		}
		return m.scheduleMemberCorrelation(ctx, event, m.correlateLeave)
	default:
		return nil
	}
}

func (m *Module) handleMessageCreated(ctx context.Context, event *warden.Event) error {
	snapshot, ok := warden.SnapshotMessage(event)
	if !ok {
		return nil
	}
	if !m.cache.Record(ctx, snapshot) {
		return nil
	}
	if len(snapshot.Attachments) > 0 {
		reservation := m.vault.Reserve(ctx, snapshot.Key(), snapshot.Attachments)
		m.uploads.Add(1)
		go func() {
			defer m.uploads.Done()

			uploadCtx, cancel := context.WithTimeout(m.uploadCtx, defaultUploadTimeout)
			defer cancel()
			reservation.Upload(uploadCtx)
		}()
	}

	return nil
}

// waitUploads waits for background uploads, canceling them once ctx ends.
func (m *Module) waitUploads(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.uploads.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.WarnContext(ctx, "auditlog canceling attachment uploads at shutdown")
		m.cancelUploads()
		<-done
	}
	m.cancelUploads()
}

func (m *Module) handleMessageEdited(ctx context.Context, event *warden.Event, settings TenantSettings) error {
	key := warden.MessageKey{TenantID: event.Tenant.ID, MessageID: event.Message.ID}
	previous, ok := m.cache.Update(key, event.Message.Text)
	if !ok || !settings.LogMessageUpdate || previous.Text == event.Message.Text {
		return nil
	}

	m.emit(ctx, m.editRecord(event.Channel, previous), nil)

	return nil
}

func (m *Module) handleMessageDeleted(ctx context.Context, event *warden.Event) error {
	key := warden.MessageKey{TenantID: event.Tenant.ID, MessageID: event.Deletion.MessageIDs[0]}
	message, ok := m.cache.Lookup(key, true)
	if !ok {
		if err := m.sequencer.Execute("refresh-delete-cursor", func(taskCtx context.Context) error {
			m.refreshDeleteCursor(taskCtx, key.TenantID)
			return nil
		}); err != nil {
			return fmt.Errorf("auditlog schedule cursor refresh: %w", err)
		}
		return nil
	}
	attachments := m.vault.Retrieve(key)
	channel := event.Channel

	if err := m.sequencer.Schedule("correlate-delete", m.correlationDelay, func(taskCtx context.Context) error {
		entry, found := m.correlateDelete(taskCtx, message)
		if found && m.isSelf(taskCtx, entry.ActorID) {
			return nil
		}
		var moderator *warden.AuditLogEntry
		if found {
			moderator = &entry
		}
		m.emit(taskCtx, m.deleteRecord(channel, message, attachments, moderator), nil)
		return nil
	}); err != nil {
		return fmt.Errorf("auditlog schedule deletion %s: %w", key.MessageID, err)
	}

	return nil
}

// scheduleMemberCorrelation runs correlate on the Sequencer after the audit delay.
func (m *Module) scheduleMemberCorrelation(
	ctx context.Context,
	event *warden.Event,
	correlate func(ctx context.Context, tenantID string, member warden.Actor),
) error {
	tenantID := event.Tenant.ID
	member := *event.Member
	if err := m.sequencer.Schedule("correlate-"+string(event.Kind), m.correlationDelay, func(taskCtx context.Context) error {
		correlate(taskCtx, tenantID, member)
		return nil
	}); err != nil {
		return fmt.Errorf("auditlog schedule %s for member %s: %w", event.Kind, member.ID, err)
	}

	return nil
}

// isSelf reports whether actorID is the bot account. The account is looked
// up again until the platform can name it. Sequencer only.
func (m *Module) isSelf(ctx context.Context, actorID string) bool {
	if m.selfID == "" && m.identity != nil {
		m.rememberSelf(ctx)
	}

	return m.selfID != "" && actorID == m.selfID
}

// rememberSelf caches the bot account id. Sequencer only.
func (m *Module) rememberSelf(ctx context.Context) {
	self, err := m.identity.Self(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "auditlog could not resolve own account", "error", err)
		return
	}
	m.selfID = self.ID
}

// emit hands a record to the sink. Sink failures are logged and dropped.
func (m *Module) emit(ctx context.Context, record warden.LogRecord, file *warden.LogFile) bool {
	if err := m.sink.Log(ctx, record, file); err != nil {
		m.logger.WarnContext(ctx, "auditlog record delivery failed",
			"tenant_id", record.TenantID,
			"title", record.Title,
			"error", err,
		)
		return false
	}

	return true
}
