package attachmentvault

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"modwarden/pkg/warden"

	"github.com/google/go-cmp/cmp"
)

type storeStub struct {
	mu       sync.Mutex
	next     int
	failing  map[string]bool
	uploaded []string
	deleted  []string
}

func (s *storeStub) Upload(_ context.Context, request warden.UploadRequest) (warden.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing[request.Attachment.FileName] {
		return warden.Proxy{}, errors.New("upload rejected")
	}
	s.next++
	id := fmt.Sprintf("proxy-%d", s.next)
	s.uploaded = append(s.uploaded, request.Attachment.FileName)

	return warden.Proxy{
		ID:       id,
		FileName: request.Attachment.FileName,
		URL:      "https://holding.example/" + request.Attachment.FileName,
	}, nil
}

func (s *storeStub) Delete(_ context.Context, proxy warden.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleted = append(s.deleted, proxy.FileName)
	return nil
}

func (s *storeStub) deletedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := append([]string(nil), s.deleted...)
	slices.Sort(names)
	return names
}

func newTestVault(t *testing.T, store warden.AttachmentStore, options ...Option) *Vault {
	t.Helper()

	vault, err := New(store, options...)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	return vault
}

func files(names ...string) []warden.Attachment {
	attachments := make([]warden.Attachment, 0, len(names))
	for _, name := range names {
		attachments = append(attachments, warden.Attachment{ID: name, FileName: name, Size: 1024})
	}

	return attachments
}

func key(id string) warden.MessageKey {
	return warden.MessageKey{TenantID: "tenant-1", MessageID: id}
}

func TestVaultRetrieveListsChainInOrderOnce(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t, &storeStub{})
	vault.Store(context.Background(), key("m1"), files("a.png", "b.txt", "c.zip"))

	want := "[a.png](https://holding.example/a.png)\n" +
		"[b.txt](https://holding.example/b.txt)\n" +
		"[c.zip](https://holding.example/c.zip)\n"
	if diff := cmp.Diff(want, vault.Retrieve(key("m1"))); diff != "" {
		t.Fatalf("Retrieve() mismatch (-want +got):\n%s", diff)
	}
	if got := vault.Retrieve(key("m1")); got != "" {
		t.Fatalf("second Retrieve() = %q, want empty", got)
	}
	if got := vault.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestVaultRetrieveRendersFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		attachments []warden.Attachment
		failing     map[string]bool
		want        string
	}{
		{
			name: "oversized attachment",
			attachments: []warden.Attachment{
				{FileName: "big.mov", Size: MaxAttachmentSize},
			},
			want: FailedLinkNotice + "\n",
		},
		{
			name:        "upload failure between successes",
			attachments: files("a.png", "broken.gif", "c.zip"),
			failing:     map[string]bool{"broken.gif": true},
			want: "[a.png](https://holding.example/a.png)\n" +
				FailedLinkNotice + "\n" +
				"[c.zip](https://holding.example/c.zip)\n",
		},
		{
			name: "just under the ceiling",
			attachments: []warden.Attachment{
				{FileName: "ok.mov", Size: MaxAttachmentSize - 1},
			},
			want: "[ok.mov](https://holding.example/ok.mov)\n",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			vault := newTestVault(t, &storeStub{failing: testCase.failing})
			vault.Store(context.Background(), key("m"), testCase.attachments)
			if diff := cmp.Diff(testCase.want, vault.Retrieve(key("m"))); diff != "" {
				t.Fatalf("Retrieve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVaultRetrieveUnknownMessage(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t, &storeStub{})
	if got := vault.Retrieve(key("never-stored")); got != "" {
		t.Fatalf("Retrieve() = %q, want empty", got)
	}
}

func TestVaultEvictDeletesWholeChain(t *testing.T) {
	t.Parallel()

	store := &storeStub{failing: map[string]bool{"broken": true}}
	vault := newTestVault(t, store)
	ctx := context.Background()
	vault.Store(ctx, key("m1"), files("a", "b", "broken", "c"))
	vault.Store(ctx, key("m2"), files("keep"))

	vault.Evict(ctx, key("m1"))
	vault.Evict(ctx, key("m1"))

	if diff := cmp.Diff([]string{"a", "b", "c"}, store.deletedNames()); diff != "" {
		t.Fatalf("deleted mismatch (-want +got):\n%s", diff)
	}
	if got := vault.Retrieve(key("m1")); got != "" {
		t.Fatalf("Retrieve(evicted) = %q, want empty", got)
	}
	if got := vault.Retrieve(key("m2")); !strings.Contains(got, "keep") {
		t.Fatalf("Retrieve(m2) = %q, want keep link", got)
	}
}

func TestVaultCapacityEvictsOldestChains(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	vault := newTestVault(t, store, WithCapacity(4))
	ctx := context.Background()

	vault.Store(ctx, key("m1"), files("m1-a", "m1-b"))
	vault.Store(ctx, key("m2"), files("m2-a"))
	vault.Store(ctx, key("m3"), files("m3-a", "m3-b"))

	if got := vault.Len(); got > 4 {
		t.Fatalf("Len() = %d exceeds capacity", got)
	}
	if diff := cmp.Diff([]string{"m1-a", "m1-b"}, store.deletedNames()); diff != "" {
		t.Fatalf("deleted mismatch (-want +got):\n%s", diff)
	}
	if got := vault.Retrieve(key("m1")); got != "" {
		t.Fatalf("Retrieve(m1) = %q, want empty after eviction", got)
	}
	if got := vault.Retrieve(key("m3")); !strings.Contains(got, "m3-b") {
		t.Fatalf("Retrieve(m3) = %q, want newest chain intact", got)
	}
}

func TestVaultStoreAppendsToExistingChain(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t, &storeStub{})
	ctx := context.Background()
	vault.Store(ctx, key("m1"), files("first"))
	vault.Store(ctx, key("m1"), files("second"))

	want := "[first](https://holding.example/first)\n[second](https://holding.example/second)\n"
	if diff := cmp.Diff(want, vault.Retrieve(key("m1"))); diff != "" {
		t.Fatalf("Retrieve() mismatch (-want +got):\n%s", diff)
	}
}

func TestVaultPurgeAll(t *testing.T) {
	t.Parallel()

	store := &storeStub{}
	vault := newTestVault(t, store)
	ctx := context.Background()
	vault.Store(ctx, key("m1"), files("a"))
	vault.Store(ctx, key("m2"), files("b", "c"))

	if got := vault.PurgeAll(ctx); got != 2 {
		t.Fatalf("PurgeAll() = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, store.deletedNames()); diff != "" {
		t.Fatalf("deleted mismatch (-want +got):\n%s", diff)
	}
	if got := vault.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestVaultReservationKeepsOrderAcrossStores(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t, &storeStub{})
	ctx := context.Background()
	first := vault.Reserve(ctx, key("m1"), files("first"))
	vault.Store(ctx, key("m1"), files("second"))
	first.Upload(ctx)

	want := "[first](https://holding.example/first)\n[second](https://holding.example/second)\n"
	if diff := cmp.Diff(want, vault.Retrieve(key("m1"))); diff != "" {
		t.Fatalf("Retrieve() mismatch (-want +got):\n%s", diff)
	}
}

func TestVaultUploadAfterConsumptionDeletesCopies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		consume func(t *testing.T, vault *Vault)
	}{
		{
			name: "retrieved while uploading",
			consume: func(t *testing.T, vault *Vault) {
				if got := vault.Retrieve(key("m1")); got != FailedLinkNotice+"\n"+FailedLinkNotice+"\n" {
					t.Fatalf("Retrieve() during upload = %q, want failed notices", got)
				}
			},
		},
		{
			name: "evicted while uploading",
			consume: func(t *testing.T, vault *Vault) {
				vault.Evict(context.Background(), key("m1"))
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store := &storeStub{}
			vault := newTestVault(t, store)
			ctx := context.Background()
			reservation := vault.Reserve(ctx, key("m1"), files("a", "b"))
			if got := vault.Len(); got != 2 {
				t.Fatalf("Len() after reserve = %d, want 2", got)
			}

			testCase.consume(t, vault)
			reservation.Upload(ctx)

			if diff := cmp.Diff([]string{"a", "b"}, store.deletedNames()); diff != "" {
				t.Fatalf("deleted mismatch (-want +got):\n%s", diff)
			}
			if got := vault.Len(); got != 0 {
				t.Fatalf("Len() = %d, want 0", got)
			}
			if got := vault.Retrieve(key("m1")); got != "" {
				t.Fatalf("Retrieve() after late upload = %q, want empty", got)
			}
		})
	}
}

func TestNewRejectsNilStore(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}
