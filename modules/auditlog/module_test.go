package auditlog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"modwarden/internal/attachmentvault"
	"modwarden/pkg/warden"

	"github.com/google/go-cmp/cmp"
)

// TestDeletionAttributionFollowsRepeatCount verifies that a folded audit entry
// whose count moved is attributed, and that an unchanged count is not.
func TestDeletionAttributionFollowsRepeatCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	member := author("u1")
	moderatorEntry := warden.AuditLogEntry{
		ID:        "a1",
		TargetID:  member.ID,
		ActorID:   "mod-1",
		ActorName: "Moderator One",
		Action:    warden.AuditActionMessageDelete,
		Count:     3,
		Reason:    "spam",
	}

	// An unexplained deletion pins the cursor at count 3.
	f.auditLog.set(warden.AuditActionMessageDelete, moderatorEntry)
	f.handle(t, deletedEvent("general", "uncached"))
	f.settle(t)

	f.handle(t, createdEvent("general", "m1", member, "buy cheap things"))
	moderatorEntry.Count = 4
	f.auditLog.set(warden.AuditActionMessageDelete, moderatorEntry)
	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	f.handle(t, createdEvent("general", "m2", member, "oops typo"))
	f.handle(t, deletedEvent("general", "m2"))
	f.settle(t)

	records := f.sink.snapshot()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	attributed := records[0]
	if attributed.Channel != warden.LogChannelModerator {
		t.Fatalf("first record channel = %s, want %s", attributed.Channel, warden.LogChannelModerator)
	}
	if got, _ := fieldValue(attributed, "Deleted by"); got != "Moderator One" {
		t.Fatalf("Deleted by = %q, want %q", got, "Moderator One")
	}
	if got, _ := fieldValue(attributed, "Reason"); got != "spam" {
		t.Fatalf("Reason = %q, want spam", got)
	}
	if attributed.Description != "Old message was:\nbuy cheap things" {
		t.Fatalf("description = %q", attributed.Description)
	}

	unattributed := records[1]
	if unattributed.Channel != warden.LogChannelUser {
		t.Fatalf("second record channel = %s, want %s", unattributed.Channel, warden.LogChannelUser)
	}
	if _, ok := fieldValue(unattributed, "Deleted by"); ok {
		t.Fatal("author deletion must not name a moderator")
	}
}

// TestDeletionWithoutCursorAttributesMatchingTarget verifies attribution on a
// fresh tenant that has never observed the audit trail.
func TestDeletionWithoutCursorAttributesMatchingTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	member := author("u2")
	f.auditLog.set(warden.AuditActionMessageDelete,
		warden.AuditLogEntry{ID: "other", TargetID: "someone-else", ActorID: "mod-2", Count: 1},
		warden.AuditLogEntry{ID: "mine", TargetID: member.ID, ActorID: "mod-1", Count: 1},
	)

	f.handle(t, createdEvent("general", "m1", member, "hello"))
	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	records := f.sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got, _ := fieldValue(records[0], "Deleted by"); got != "mod-1" {
		t.Fatalf("Deleted by = %q, want mod-1", got)
	}
	if got, _ := fieldValue(records[0], "Reason"); got != noReason {
		t.Fatalf("Reason = %q, want %q", got, noReason)
	}
}

// TestDeletionBySelfIsNotLogged verifies removals performed by the bot itself stay silent.
func TestDeletionBySelfIsNotLogged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	member := author("u1")
	f.auditLog.set(warden.AuditActionMessageDelete,
		warden.AuditLogEntry{ID: "a1", TargetID: member.ID, ActorID: testSelfID, Count: 1},
	)

	f.handle(t, createdEvent("general", "m1", member, "spam spam"))
	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	if got := len(f.sink.snapshot()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

// TestDeletionAuditFailureLogsUnattributed verifies audit read errors degrade to an unknown moderator.
func TestDeletionAuditFailureLogsUnattributed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.auditLog.fail(errAuditUnavailable)

	f.handle(t, createdEvent("general", "m1", author("u1"), "text"))
	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	records := f.sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Channel != warden.LogChannelUser {
		t.Fatalf("channel = %s, want %s", records[0].Channel, warden.LogChannelUser)
	}
	if _, ok := f.module.deleteCursors[testTenant]; ok {
		t.Fatal("cursor advanced despite failed audit read")
	}
}

// TestDeletionListsAttachments verifies recovered attachment links are attached to the record.
func TestDeletionListsAttachments(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, createdEvent("general", "m1", author("u1"), "look",
		warden.Attachment{ID: "f1", FileName: "cat.png", Size: 1024},
		warden.Attachment{ID: "f2", FileName: "huge.mov", Size: 64 << 20},
	))
	f.awaitUploads(t)
	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	records := f.sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	listing, ok := fieldValue(records[0], "Attachment(s)")
	if !ok {
		t.Fatal("missing Attachment(s) field")
	}
	if !strings.HasPrefix(listing, "[cat.png](https://holding.example/cat.png)\n") {
		t.Fatalf("listing = %q", listing)
	}
	if strings.Count(listing, "\n") != 2 {
		t.Fatalf("listing lines = %q, want two", listing)
	}
}

// TestBulkDeletionTranscript verifies the transcript lists exactly the recovered
// messages and that the temp file is gone afterwards.
func TestBulkDeletionTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, createdEvent("general", "m1", author("u1"), "first"))
	f.handle(t, createdEvent("general", "m2", author("u2"), "second",
		warden.Attachment{ID: "f1", FileName: "doc.pdf", Size: 2048},
	))
	f.handle(t, createdEvent("general", "m3", author("u1"), "third"))
	f.awaitUploads(t)
	f.handle(t, deletedEvent("general", "m1", "m2", "m3", "never-seen"))

	records := f.sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if got, _ := fieldValue(records[0], "Amount of deleted messages"); got != "3" {
		t.Fatalf("amount = %q, want 3", got)
	}

	f.sink.mu.Lock()
	transcript, path := f.sink.files[0], f.sink.paths[0]
	f.sink.mu.Unlock()

	want := "Deleted messages in #general\n\n" +
		"Member u1:\nfirst\n\n" +
		"Member u2:\nsecond\nAttachment(s):\n[doc.pdf](https://holding.example/doc.pdf)\n\n" +
		"Member u1:\nthird\n\n" +
		"Logged on " + testNow.Format(transcriptTimeLayout)
	if diff := cmp.Diff(want, transcript); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat transcript error = %v, want not exist", err)
	}
	if got := f.module.cache.Len(); got != 0 {
		t.Fatalf("cache len = %d, want 0 after consumption", got)
	}
}

// TestBulkDeletionTranscriptRemovedWhenDeliveryFails verifies a transcript the
// sink rejected does not stay on disk.
func TestBulkDeletionTranscriptRemovedWhenDeliveryFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sink.err = errors.New("log chat unavailable")
	f.handle(t, createdEvent("general", "m1", author("u1"), "first"))
	f.handle(t, createdEvent("general", "m2", author("u2"), "second"))
	f.handle(t, deletedEvent("general", "m1", "m2"))

	f.sink.mu.Lock()
	paths := append([]string(nil), f.sink.paths...)
	f.sink.mu.Unlock()
	if len(paths) != 1 {
		t.Fatalf("delivery attempts with a file = %d, want 1", len(paths))
	}
	if _, err := os.Stat(paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat transcript error = %v, want not exist", err)
	}
}

// TestIntakeDoesNotWaitForUploads verifies a slow attachment copy neither holds
// up message intake nor outlives the message it belonged to.
func TestIntakeDoesNotWaitForUploads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.gate = make(chan struct{})
	released := false
	release := func() {
		if !released {
			released = true
			close(f.store.gate)
		}
	}
	t.Cleanup(release)

	handled := make(chan error, 1)
	go func() {
		handled <- f.module.handleEvent(context.Background(), createdEvent("general", "m1", author("u1"), "look",
			warden.Attachment{ID: "f1", FileName: "cat.png", Size: 1024},
		))
	}()
	select {
	case err := <-handled:
		if err != nil {
			t.Fatalf("handleEvent failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("intake blocked on the attachment upload")
	}

	f.handle(t, deletedEvent("general", "m1"))
	f.settle(t)

	records := f.sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	listing, ok := fieldValue(records[0], "Attachment(s)")
	if !ok {
		t.Fatal("missing Attachment(s) field")
	}
	if !strings.Contains(listing, attachmentvault.FailedLinkNotice) {
		t.Fatalf("listing = %q, want the failed copy notice", listing)
	}

	release()
	f.awaitUploads(t)
	if diff := cmp.Diff([]string{"proxy-cat.png"}, f.store.deletedIDs()); diff != "" {
		t.Fatalf("deleted proxies mismatch (-want +got):\n%s", diff)
	}
	if got := f.module.vault.Len(); got != 0 {
		t.Fatalf("vault links = %d, want 0", got)
	}
}

// TestBulkDeletionWithoutRecoveredMessages verifies nothing is logged when no content is known.
func TestBulkDeletionWithoutRecoveredMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handle(t, deletedEvent("general", "x1", "x2"))

	if got := len(f.sink.snapshot()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

// TestEditLogging verifies edit records honour tenant settings and cache presence.
func TestEditLogging(t *testing.T) {
	t.Parallel()

	disabled := DefaultTenantSettings()
	disabled.LogMessageUpdate = false

	tests := []struct {
		name       string
		options    []Option
		seed       bool
		wantRecord bool
	}{
		{name: "cached message is logged", seed: true, wantRecord: true},
		{name: "uncached message is ignored", seed: false, wantRecord: false},
		{
			name:       "disabled tenant is silent",
			options:    []Option{WithTenantSettings(map[string]TenantSettings{testTenant: disabled})},
			seed:       true,
			wantRecord: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, testCase.options...)
			member := author("u1")
			if testCase.seed {
				f.handle(t, createdEvent("general", "m1", member, "before"))
			}
			f.handle(t, editedEvent("general", "m1", member, "after"))

			records := f.sink.snapshot()
			if got := len(records) == 1; got != testCase.wantRecord {
				t.Fatalf("logged = %v, want %v", got, testCase.wantRecord)
			}
			if testCase.wantRecord && records[0].Description != "Old message was:\nbefore" {
				t.Fatalf("description = %q", records[0].Description)
			}
			if testCase.seed {
				cached, ok := f.module.cache.Lookup(warden.MessageKey{TenantID: testTenant, MessageID: "m1"}, false)
				if !ok || cached.Text != "after" {
					t.Fatalf("cached text = %q (%v), want after", cached.Text, ok)
				}
			}
		})
	}
}

// TestExcludedChannelIsIgnored verifies excluded channels are neither recorded nor logged.
func TestExcludedChannelIsIgnored(t *testing.T) {
	t.Parallel()

	settings := DefaultTenantSettings()
	settings.ExcludedChannels = []string{"staff"}
	f := newFixture(t, WithTenantSettings(map[string]TenantSettings{testTenant: settings}))

	f.handle(t, createdEvent("staff", "m1", author("u1"), "internal"))
	f.handle(t, deletedEvent("staff", "m1"))
	f.settle(t)

	if got := f.module.cache.Len(); got != 0 {
		t.Fatalf("cache len = %d, want 0", got)
	}
	if got := len(f.sink.snapshot()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

// TestMemberRemovalRecords verifies ban, kick, leave and unban records.
func TestMemberRemovalRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	member := author("u9")

	f.auditLog.set(warden.AuditActionMemberBan,
		warden.AuditLogEntry{ID: "b1", TargetID: member.ID, ActorID: "mod-1", Reason: "raid"},
	)
	f.handle(t, memberEvent(warden.EventKindMemberBanned, member))

	f.auditLog.set(warden.AuditActionMemberUnban,
		warden.AuditLogEntry{ID: "ub1", TargetID: member.ID, ActorID: "mod-2"},
	)
	f.handle(t, memberEvent(warden.EventKindMemberUnbanned, member))

	f.auditLog.set(warden.AuditActionMemberKick,
		warden.AuditLogEntry{ID: "k1", TargetID: member.ID, ActorID: "mod-1"},
	)
	f.handle(t, memberEvent(warden.EventKindMemberLeft, member))
	// The same kick entry must not explain a later voluntary leave.
	f.handle(t, memberEvent(warden.EventKindMemberLeft, member))
	f.settle(t)

	type summary struct {
		Title     string
		Channel   warden.LogChannelKind
		Case      string
		Moderator string
	}
	var got []summary
	for _, record := range f.sink.snapshot() {
		caseNumber, _ := fieldValue(record, "Case")
		moderator, _ := fieldValue(record, "Moderator")
		got = append(got, summary{Title: record.Title, Channel: record.Channel, Case: caseNumber, Moderator: moderator})
	}
	want := []summary{
		{Title: "User banned", Channel: warden.LogChannelModerator, Case: "1", Moderator: "mod-1"},
		{Title: "User ban revoked", Channel: warden.LogChannelModerator, Moderator: "mod-2"},
		{Title: "User kicked", Channel: warden.LogChannelModerator, Case: "2", Moderator: "mod-1"},
		{Title: "User left", Channel: warden.LogChannelUser},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

// TestMemberSettingsDisableLogging verifies ban and leave logging can be switched off.
func TestMemberSettingsDisableLogging(t *testing.T) {
	t.Parallel()

	settings := DefaultTenantSettings()
	settings.LogMemberBan = false
	settings.LogMemberLeave = false
	f := newFixture(t, WithDefaultSettings(settings))

	f.handle(t, memberEvent(warden.EventKindMemberBanned, author("u1")))
	f.handle(t, memberEvent(warden.EventKindMemberLeft, author("u1")))
	f.settle(t)

	if got := len(f.sink.snapshot()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

// TestAttribute verifies cursor-aware delete attribution.
func TestAttribute(t *testing.T) {
	t.Parallel()

	entry := func(id string, target string, count int) warden.AuditLogEntry {
		return warden.AuditLogEntry{ID: id, TargetID: target, ActorID: "mod-" + id, Count: count}
	}

	tests := []struct {
		name    string
		entries []warden.AuditLogEntry
		cursor  *warden.AuditLogEntry
		wantID  string
	}{
		{
			name:    "no cursor takes first matching target",
			entries: []warden.AuditLogEntry{entry("e2", "other", 1), entry("e1", "u1", 1)},
			wantID:  "e1",
		},
		{
			name:    "cursor entry with bumped count",
			entries: []warden.AuditLogEntry{entry("e1", "u1", 4)},
			cursor:  &warden.AuditLogEntry{ID: "e1", Count: 3},
			wantID:  "e1",
		},
		{
			name:    "cursor entry with same count",
			entries: []warden.AuditLogEntry{entry("e1", "u1", 3)},
			cursor:  &warden.AuditLogEntry{ID: "e1", Count: 3},
		},
		{
			name:    "entries past the cursor are not scanned",
			entries: []warden.AuditLogEntry{entry("e3", "other", 1), entry("e2", "other", 2), entry("e1", "u1", 1)},
			cursor:  &warden.AuditLogEntry{ID: "e2", Count: 2},
		},
		{
			name:    "newer entry before cursor",
			entries: []warden.AuditLogEntry{entry("e3", "u1", 1), entry("e2", "other", 2)},
			cursor:  &warden.AuditLogEntry{ID: "e2", Count: 2},
			wantID:  "e3",
		},
		{
			name:    "cursor entry with bumped count for another author",
			entries: []warden.AuditLogEntry{entry("e1", "other", 5)},
			cursor:  &warden.AuditLogEntry{ID: "e1", Count: 4},
		},
		{name: "empty audit trail"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, ok := attribute(testCase.entries, testCase.cursor, "u1")
			if ok != (testCase.wantID != "") {
				t.Fatalf("attributed = %v, want %v", ok, testCase.wantID != "")
			}
			if got.ID != testCase.wantID {
				t.Fatalf("attributed entry = %q, want %q", got.ID, testCase.wantID)
			}
		})
	}
}

// TestOnRegisterResolvesServices verifies required and optional service lookups.
func TestOnRegisterResolvesServices(t *testing.T) {
	t.Parallel()

	complete := func() map[string]any {
		return map[string]any{
			warden.ServiceAuditLog:        warden.AuditLog(newAuditLogStub()),
			warden.ServiceAttachmentStore: warden.AttachmentStore(&attachmentStoreStub{}),
			warden.ServiceLogSink:         warden.LogSink(&sinkStub{}),
			warden.ServiceCaseCounter:     warden.CaseNumbers(&caseNumbersStub{}),
		}
	}

	tests := []struct {
		name     string
		mutate   func(values map[string]any)
		wantErr  error
		wantFail bool
	}{
		{name: "required services only", mutate: func(map[string]any) {}},
		{
			name:   "logger resolved",
			mutate: func(values map[string]any) { values[warden.ServiceLogger] = slog.Default() },
		},
		{
			name:    "missing audit log",
			mutate:  func(values map[string]any) { delete(values, warden.ServiceAuditLog) },
			wantErr: warden.ErrServiceNotFound,
		},
		{
			name:    "missing log sink",
			mutate:  func(values map[string]any) { delete(values, warden.ServiceLogSink) },
			wantErr: warden.ErrServiceNotFound,
		},
		{
			name:     "logger with wrong type",
			mutate:   func(values map[string]any) { values[warden.ServiceLogger] = "not a logger" },
			wantFail: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			values := complete()
			testCase.mutate(values)
			module := New()
			err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: serviceRegistryStub{values: values}})
			if err == nil {
				t.Cleanup(func() { _ = module.OnShutdown(context.Background()) })
			}

			switch {
			case testCase.wantErr != nil:
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("OnRegister error = %v, want %v", err, testCase.wantErr)
				}
			case testCase.wantFail:
				if err == nil {
					t.Fatal("expected OnRegister error")
				}
			default:
				if err != nil {
					t.Fatalf("OnRegister failed: %v", err)
				}
			}
		})
	}
}
