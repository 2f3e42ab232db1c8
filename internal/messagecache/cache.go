// Package messagecache keeps a bounded, insertion-ordered window of recently
// seen messages so their content can be recovered after an edit or deletion.
package messagecache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"modwarden/internal/metrics"
	"modwarden/pkg/warden"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultCapacity is the number of messages kept before the oldest is evicted.
	DefaultCapacity = 1000
	// DefaultCommandPrefix marks bot commands, which are never recorded.
	DefaultCommandPrefix = "!"
)

// EvictFunc is called, outside the cache lock, for every capacity-evicted
// message that carried attachments.
type EvictFunc func(ctx context.Context, message warden.CachedMessage)

// Option mutates cache configuration.
type Option func(*Cache)

// WithCapacity sets the maximum number of resident messages.
func WithCapacity(capacity int) Option {
	return func(cache *Cache) {
		if capacity > 0 {
			cache.capacity = capacity
		}
	}
}

// WithCommandPrefix sets the prefix of messages that are never recorded.
func WithCommandPrefix(prefix string) Option {
	return func(cache *Cache) {
		if prefix != "" {
			cache.commandPrefix = prefix
		}
	}
}

// WithEvictFunc installs the hook run when a message with attachments is evicted.
func WithEvictFunc(fn EvictFunc) Option {
	return func(cache *Cache) {
		cache.onEvict = fn
	}
}

// WithMetrics records cache size and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cache *Cache) {
		cache.metrics = m
	}
}

// Cache stores recently seen messages keyed by tenant and message id.
//
// Overwriting or editing a message keeps its original insertion position;
// eviction is strictly oldest-inserted first.
type Cache struct {
	capacity      int
	commandPrefix string
	onEvict       EvictFunc
	metrics       *metrics.Metrics

	mu      sync.Mutex
	entries *simplelru.LRU[warden.MessageKey, *entry]
}

type entry struct {
	message warden.CachedMessage
}

// New creates an empty cache.
func New(options ...Option) (*Cache, error) {
	cache := &Cache{
		capacity:      DefaultCapacity,
		commandPrefix: DefaultCommandPrefix,
	}
	for _, option := range options {
		option(cache)
	}

	// The ring is only ever read through Peek, so its order stays the
	// insertion order rather than the access order.
	entries, err := simplelru.NewLRU[warden.MessageKey, *entry](cache.capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("new message cache: %w", err)
	}
	cache.entries = entries

	return cache, nil
}

// Recordable reports whether a message is worth keeping.
func (c *Cache) Recordable(message warden.CachedMessage) bool {
	if message.Author.IsBot {
		return false
	}

	return !strings.HasPrefix(message.Text, c.commandPrefix)
}

// Record inserts or overwrites a message. It reports whether the message was stored.
func (c *Cache) Record(ctx context.Context, message warden.CachedMessage) bool {
	if message.ID == "" || !c.Recordable(message) {
		return false
	}
	stored := cloneMessage(message)
	key := stored.Key()

	c.mu.Lock()
	if existing, ok := c.entries.Peek(key); ok {
		existing.message = stored
		c.mu.Unlock()
		return true
	}

	var (
		evicted    warden.CachedMessage
		hasEvicted bool
	)
	if c.entries.Len() >= c.capacity {
		if _, oldest, ok := c.entries.RemoveOldest(); ok {
			evicted = oldest.message
			hasEvicted = true
		}
	}
	c.entries.Add(key, &entry{message: stored})
	size := c.entries.Len()
	c.mu.Unlock()

	c.metrics.SetMessageCacheEntries(size)
	if hasEvicted {
		c.metrics.MessageCacheEvicted()
		if len(evicted.Attachments) > 0 && c.onEvict != nil {
			c.onEvict(ctx, evicted)
		}
	}

	return true
}

// Lookup returns a cached message. With consume set the entry is removed, so a
// deletion can be explained only once. Consumed entries never fire the evict hook.
func (c *Cache) Lookup(key warden.MessageKey, consume bool) (warden.CachedMessage, bool) {
	c.mu.Lock()
	stored, ok := c.entries.Peek(key)
	if ok && consume {
		c.entries.Remove(key)
	}
	size := c.entries.Len()
	c.mu.Unlock()

	if !ok {
		return warden.CachedMessage{}, false
	}
	if consume {
		c.metrics.SetMessageCacheEntries(size)
	}

	return cloneMessage(stored.message), true
}

// Update replaces the text of a cached message in place and returns the
// snapshot it replaced. Absent messages are left absent.
func (c *Cache) Update(key warden.MessageKey, text string) (warden.CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries.Peek(key)
	if !ok {
		return warden.CachedMessage{}, false
	}
	previous := cloneMessage(stored.message)
	stored.message.Text = text

	return previous, true
}

// Len returns the number of resident messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// Purge drops every message without firing the evict hook.
func (c *Cache) Purge() int {
	c.mu.Lock()
	count := c.entries.Len()
	c.entries.Purge()
	c.mu.Unlock()

	c.metrics.SetMessageCacheEntries(0)

	return count
}

func cloneMessage(message warden.CachedMessage) warden.CachedMessage {
	cloned := message
	if len(message.Attachments) > 0 {
		cloned.Attachments = append([]warden.Attachment(nil), message.Attachments...)
	}

	return cloned
}
