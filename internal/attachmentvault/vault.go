// Package attachmentvault preserves copies of transient attachments by
// re-uploading them to a holding location, so they stay retrievable after the
// source message disappears.
package attachmentvault

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"modwarden/internal/metrics"
	"modwarden/pkg/warden"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCapacity is the maximum number of links held across all chains.
	DefaultCapacity = 500
	// MaxAttachmentSize is the platform upload ceiling; larger files are not copied.
	MaxAttachmentSize int64 = 8 << 20
	// FailedLinkNotice replaces a link whose copy could not be made.
	FailedLinkNotice = "The message either contained an attachment larger then 8MB and could not be uploaded again, or failed to create a proxy."

	defaultConcurrency = 4
)

// Option mutates vault configuration.
type Option func(*Vault)

// WithCapacity sets the maximum number of links held.
func WithCapacity(capacity int) Option {
	return func(vault *Vault) {
		if capacity > 0 {
			vault.capacity = capacity
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(vault *Vault) {
		if logger != nil {
			vault.logger = logger
		}
	}
}

// WithConcurrency bounds parallel uploads and deletions.
func WithConcurrency(limit int) Option {
	return func(vault *Vault) {
		if limit > 0 {
			vault.concurrency = limit
		}
	}
}

// WithMetrics records upload and deletion outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(vault *Vault) {
		vault.metrics = m
	}
}

// Link is one proxy copy in a chain.
type Link struct {
	Proxy warden.Proxy
	// FileName is the name of the source attachment.
	FileName string
	// Failed marks an attachment that could not be copied.
	Failed bool
}

type chain struct {
	key   warden.MessageKey
	links []Link
}

// Vault maps an original message to the ordered copies of its attachments.
type Vault struct {
	store       warden.AttachmentStore
	logger      *slog.Logger
	metrics     *metrics.Metrics
	capacity    int
	concurrency int

	mu     sync.Mutex
	order  *list.List
	chains map[warden.MessageKey]*list.Element
	size   int
}

// New creates a vault backed by store.
func New(store warden.AttachmentStore, options ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("new attachment vault: nil attachment store")
	}

	vault := &Vault{
		store:       store,
		logger:      slog.Default(),
		capacity:    DefaultCapacity,
		concurrency: defaultConcurrency,
		order:       list.New(),
		chains:      make(map[warden.MessageKey]*list.Element),
	}
	for _, option := range options {
		option(vault)
	}

	return vault, nil
}

// Store copies attachments of one message and appends the copies to its chain.
// Upload problems become failure markers and are never returned.
func (v *Vault) Store(ctx context.Context, key warden.MessageKey, attachments []warden.Attachment) {
	v.Reserve(ctx, key, attachments).Upload(ctx)
}

// Reservation holds the chain positions of attachments whose copies are not
// made yet. Until Upload fills them they render as failed copies.
type Reservation struct {
	vault       *Vault
	key         warden.MessageKey
	stored      *chain
	start       int
	attachments []warden.Attachment
}

// Reserve appends placeholder links for attachments to the chain of key
// without uploading anything. Retrieve or Evict may consume the chain before
// Upload runs; copies made after that are deleted again.
func (v *Vault) Reserve(ctx context.Context, key warden.MessageKey, attachments []warden.Attachment) *Reservation {
	reservation := &Reservation{vault: v, key: key, attachments: attachments}
	if len(attachments) == 0 {
		return reservation
	}

	placeholders := make([]Link, len(attachments))
	for idx, attachment := range attachments {
		placeholders[idx] = Link{FileName: attachment.FileName, Failed: true}
	}

	v.mu.Lock()
	element, exists := v.chains[key]
	if !exists {
		element = v.order.PushBack(&chain{key: key})
		v.chains[key] = element
	}
	reservation.stored = element.Value.(*chain)
	reservation.start = len(reservation.stored.links)
	reservation.stored.links = append(reservation.stored.links, placeholders...)
	v.size += len(placeholders)
	evicted := v.trimToCapacityLocked()
	size := v.size
	v.mu.Unlock()

	v.metrics.SetVaultLinks(size)
	for _, stale := range evicted {
		v.deleteLinks(ctx, stale)
	}

	return reservation
}

// Upload copies the reserved attachments and fills their links in order.
func (r *Reservation) Upload(ctx context.Context) {
	if r == nil || r.stored == nil {
		return
	}
	v := r.vault
	key := r.key

	links := make([]Link, len(r.attachments))
	group := errgroup.Group{}
	group.SetLimit(v.concurrency)
	for idx, attachment := range r.attachments {
		idx, attachment := idx, attachment
		links[idx] = Link{FileName: attachment.FileName, Failed: true}
		if attachment.Size >= MaxAttachmentSize {
			v.metrics.AttachmentUploaded("too_large")
			v.logger.WarnContext(ctx, "attachment above upload ceiling",
				"tenant_id", key.TenantID,
				"message_id", key.MessageID,
				"file_name", attachment.FileName,
				"size", attachment.Size,
			)
			continue
		}
		group.Go(func() error {
			proxy, err := v.store.Upload(ctx, warden.UploadRequest{
				TenantID:   key.TenantID,
				MessageID:  key.MessageID,
				Attachment: attachment,
			})
			if err != nil {
				v.metrics.AttachmentUploaded("failed")
				v.logger.InfoContext(ctx, "attachment proxy upload failed",
					"tenant_id", key.TenantID,
					"message_id", key.MessageID,
					"file_name", attachment.FileName,
					"error", err,
				)
				return nil
			}
			v.metrics.AttachmentUploaded("ok")
			links[idx] = Link{Proxy: proxy, FileName: attachment.FileName}
			return nil
		})
	}
	_ = group.Wait()

	v.mu.Lock()
	element, exists := v.chains[key]
	attached := exists && element.Value.(*chain) == r.stored
	if attached {
		copy(r.stored.links[r.start:], links)
	}
	v.mu.Unlock()

	if attached {
		return
	}
	v.logger.DebugContext(ctx, "attachment copies outlived their message",
		"tenant_id", key.TenantID,
		"message_id", key.MessageID,
	)
	v.deleteLinks(ctx, &chain{key: key, links: links})
}

// Retrieve consumes the chain of messageID and renders it as one line per
// copy. Failed copies render as FailedLinkNotice. Unknown ids yield "".
func (v *Vault) Retrieve(key warden.MessageKey) string {
	stored, ok := v.detach(key)
	if !ok {
		return ""
	}

	var builder strings.Builder
	for _, link := range stored.links {
		if link.Failed {
			builder.WriteString(FailedLinkNotice)
			builder.WriteString("\n")
			continue
		}
		fmt.Fprintf(&builder, "[%s](%s)\n", link.FileName, link.Proxy.URL)
	}

	return builder.String()
}

// Evict removes the chain of messageID and deletes every remote copy in it.
func (v *Vault) Evict(ctx context.Context, key warden.MessageKey) {
	stored, ok := v.detach(key)
	if !ok {
		return
	}
	v.deleteLinks(ctx, stored)
}

// PurgeAll evicts every chain. It is used on shutdown to clear the holding location.
func (v *Vault) PurgeAll(ctx context.Context) int {
	v.mu.Lock()
	chains := make([]*chain, 0, v.order.Len())
	for element := v.order.Front(); element != nil; element = element.Next() {
		chains = append(chains, element.Value.(*chain))
	}
	v.order.Init()
	v.chains = make(map[warden.MessageKey]*list.Element)
	v.size = 0
	v.mu.Unlock()

	v.metrics.SetVaultLinks(0)
	for _, stored := range chains {
		v.deleteLinks(ctx, stored)
	}

	return len(chains)
}

// Len returns the number of links held.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.size
}

func (v *Vault) detach(key warden.MessageKey) (*chain, bool) {
	v.mu.Lock()
	element, exists := v.chains[key]
	if !exists {
		v.mu.Unlock()
		return nil, false
	}
	stored := v.removeLocked(element)
	size := v.size
	v.mu.Unlock()

	v.metrics.SetVaultLinks(size)

	return stored, true
}

func (v *Vault) removeLocked(element *list.Element) *chain {
	stored := v.order.Remove(element).(*chain)
	delete(v.chains, stored.key)
	v.size -= len(stored.links)

	return stored
}

// trimToCapacityLocked detaches whole chains, oldest first, until the link
// count fits the capacity.
func (v *Vault) trimToCapacityLocked() []*chain {
	var evicted []*chain
	for v.size > v.capacity {
		oldest := v.order.Front()
		if oldest == nil {
			break
		}
		evicted = append(evicted, v.removeLocked(oldest))
	}

	return evicted
}

// deleteLinks removes the remote copies of a detached chain. Failed links have
// no copy and are skipped; deletion errors are logged, not retried.
func (v *Vault) deleteLinks(ctx context.Context, stored *chain) {
	group := errgroup.Group{}
	group.SetLimit(v.concurrency)
	for _, link := range stored.links {
		link := link
		if link.Failed || link.Proxy.ID == "" {
			continue
		}
		group.Go(func() error {
			err := v.store.Delete(ctx, link.Proxy)
			v.metrics.ProxyDeleted(err == nil)
			if err != nil {
				v.logger.WarnContext(ctx, "attachment proxy delete failed",
					"tenant_id", stored.key.TenantID,
					"message_id", stored.key.MessageID,
					"proxy_id", link.Proxy.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = group.Wait()
}
