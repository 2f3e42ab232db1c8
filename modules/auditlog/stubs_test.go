package auditlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"modwarden/pkg/warden"
)

const (
	testTenant = "tenant-1"
	testSelfID = "bot-1"
)

var testNow = time.Date(2024, time.March, 2, 10, 30, 0, 0, time.UTC)

type moduleRuntimeStub struct {
	registry warden.ServiceRegistry
}

func (s moduleRuntimeStub) Services() warden.ServiceRegistry {
	return s.registry
}

func (moduleRuntimeStub) Subscribe(
	context.Context,
	warden.InterestSet,
	warden.SubscriptionSpec,
	warden.EventHandler,
) (warden.Subscription, error) {
	return nil, nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (s serviceRegistryStub) Register(string, any) error {
	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, warden.ErrServiceNotFound
	}

	return value, nil
}

type auditLogStub struct {
	mu      sync.Mutex
	entries map[warden.AuditAction][]warden.AuditLogEntry
	err     error
	calls   int
}

func newAuditLogStub() *auditLogStub {
	return &auditLogStub{entries: make(map[warden.AuditAction][]warden.AuditLogEntry)}
}

func (s *auditLogStub) set(action warden.AuditAction, entries ...warden.AuditLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[action] = entries
}

func (s *auditLogStub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *auditLogStub) List(_ context.Context, _ string, action warden.AuditAction, limit int) ([]warden.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	entries := s.entries[action]
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return append([]warden.AuditLogEntry(nil), entries...), nil
}

type attachmentStoreStub struct {
	mu      sync.Mutex
	deleted []string
	// gate, when set, holds every upload until it is closed.
	gate chan struct{}
}

func (s *attachmentStoreStub) Upload(ctx context.Context, request warden.UploadRequest) (warden.Proxy, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return warden.Proxy{}, ctx.Err()
		}
	}
	name := request.Attachment.FileName
	return warden.Proxy{ID: "proxy-" + name, FileName: name, URL: "https://holding.example/" + name}, nil
}

func (s *attachmentStoreStub) Delete(_ context.Context, proxy warden.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted = append(s.deleted, proxy.ID)
	return nil
}

func (s *attachmentStoreStub) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.deleted...)
}

type sinkStub struct {
	mu      sync.Mutex
	records []warden.LogRecord
	files   []string
	paths   []string
	err     error
}

// Log reads the attached file before returning, as real sinks must.
func (s *sinkStub) Log(_ context.Context, record warden.LogRecord, file *warden.LogFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		if file != nil {
			s.paths = append(s.paths, file.Path)
		}
		return s.err
	}

	s.records = append(s.records, record)
	if file != nil {
		content, err := os.ReadFile(file.Path)
		if err != nil {
			return fmt.Errorf("read log file: %w", err)
		}
		s.files = append(s.files, string(content))
		s.paths = append(s.paths, file.Path)
	}

	return nil
}

func (s *sinkStub) snapshot() []warden.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]warden.LogRecord(nil), s.records...)
}

type identityStub struct {
	self warden.Actor
	err  error
}

func (s identityStub) Self(context.Context) (warden.Actor, error) {
	return s.self, s.err
}

type caseNumbersStub struct {
	mu   sync.Mutex
	next int64
}

func (s *caseNumbersStub) Next(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	return s.next, nil
}

func (s *caseNumbersStub) Reset(context.Context, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next = 0
}

func (s *caseNumbersStub) Label(ctx context.Context, tenantID string) string {
	next, _ := s.Next(ctx, tenantID)
	return fmt.Sprintf("%d", next)
}

type tempFilesStub struct {
	mu    sync.Mutex
	paths []string
}

func (s *tempFilesStub) Defer(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths = append(s.paths, path)
}

type fixture struct {
	auditLog *auditLogStub
	store    *attachmentStoreStub
	sink     *sinkStub
	cases    *caseNumbersStub
	module   *Module
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	f := &fixture{
		auditLog: newAuditLogStub(),
		store:    &attachmentStoreStub{},
		sink:     &sinkStub{},
		cases:    &caseNumbersStub{},
	}
	defaults := []Option{
		WithCorrelationDelay(0),
		WithClock(func() time.Time { return testNow }),
		WithTempDir(t.TempDir()),
	}
	f.module = New(append(defaults, options...)...)

	runtime := moduleRuntimeStub{registry: serviceRegistryStub{values: map[string]any{
		warden.ServiceAuditLog:        warden.AuditLog(f.auditLog),
		warden.ServiceAttachmentStore: warden.AttachmentStore(f.store),
		warden.ServiceLogSink:         warden.LogSink(f.sink),
		warden.ServiceCaseCounter:     warden.CaseNumbers(f.cases),
		warden.ServiceIdentity:        warden.Identity(identityStub{self: warden.Actor{ID: testSelfID, IsBot: true}}),
		warden.ServiceTempFiles:       warden.TempFileCleaner(&tempFilesStub{}),
	}}}
	if err := f.module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}
	if err := f.module.OnStart(context.Background()); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}
	t.Cleanup(func() {
		if err := f.module.OnShutdown(context.Background()); err != nil {
			t.Errorf("OnShutdown failed: %v", err)
		}
	})

	return f
}

// awaitUploads waits for every background attachment upload started so far.
func (f *fixture) awaitUploads(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		f.module.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attachment uploads did not finish")
	}
}

// settle waits until every task queued on the sequencer so far has run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	if err := f.module.sequencer.Execute("test-barrier", func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("queue barrier: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sequencer did not drain")
	}
}

func (f *fixture) handle(t *testing.T, event *warden.Event) {
	t.Helper()

	if err := event.Validate(); err != nil {
		t.Fatalf("invalid test event: %v", err)
	}
	if err := f.module.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent(%s) failed: %v", event.Kind, err)
	}
}

var errAuditUnavailable = errors.New("audit trail unavailable")

func author(id string) warden.Actor {
	return warden.Actor{ID: id, DisplayName: "Member " + id}
}

func createdEvent(channelID string, messageID string, from warden.Actor, text string, attachments ...warden.Attachment) *warden.Event {
	return &warden.Event{
		ID:      "created-" + messageID,
		Kind:    warden.EventKindMessageCreated,
		Tenant:  warden.Tenant{ID: testTenant},
		Channel: warden.Channel{ID: channelID, Name: channelID},
		Message: &warden.Message{
			ID:          messageID,
			Author:      from,
			Text:        text,
			Attachments: attachments,
		},
	}
}

func editedEvent(channelID string, messageID string, from warden.Actor, text string) *warden.Event {
	event := createdEvent(channelID, messageID, from, text)
	event.ID = "edited-" + messageID
	event.Kind = warden.EventKindMessageEdited

	return event
}

func deletedEvent(channelID string, messageIDs ...string) *warden.Event {
	kind := warden.EventKindMessageDeleted
	if len(messageIDs) > 1 {
		kind = warden.EventKindMessagesPurged
	}

	return &warden.Event{
		ID:       "deleted-" + messageIDs[0],
		Kind:     kind,
		Tenant:   warden.Tenant{ID: testTenant},
		Channel:  warden.Channel{ID: channelID, Name: channelID},
		Deletion: &warden.Deletion{MessageIDs: messageIDs},
	}
}

func memberEvent(kind warden.EventKind, member warden.Actor) *warden.Event {
	return &warden.Event{
		ID:     string(kind) + "-" + member.ID,
		Kind:   kind,
		Tenant: warden.Tenant{ID: testTenant},
		Member: &member,
	}
}

func fieldValue(record warden.LogRecord, name string) (string, bool) {
	for _, field := range record.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}

	return "", false
}
