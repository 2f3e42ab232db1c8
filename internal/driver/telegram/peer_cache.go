package telegram

import (
	"sync"

	"github.com/gotd/td/tg"
)

type cachedChannel struct {
	title string
	input tg.InputChannel
}

// PeerCache stores Telegram access hashes discovered from inbound updates.
//
// The platform ports use it to turn neutral tenant and member ids back into
// Telegram input peers.
type PeerCache struct {
	mu       sync.RWMutex
	channels map[int64]cachedChannel
	users    map[int64]tg.InputUser
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		channels: make(map[int64]cachedChannel),
		users:    make(map[int64]tg.InputUser),
	}
}

// RememberEnvelope ingests entity data attached to one gotd update envelope.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, user := range envelope.usersByID {
		c.rememberUserLocked(user)
	}
	for id, chat := range envelope.chatsByID {
		if chat.channel == nil {
			continue
		}
		c.channels[id] = cachedChannel{title: chat.title, input: *chat.channel}
	}
}

// RememberEntities ingests users and chats returned by an RPC call.
func (c *PeerCache) RememberEntities(users []tg.UserClass, chats []tg.ChatClass) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, user := range indexGotdUsers(users) {
		c.rememberUserLocked(user)
	}
	for id, chat := range indexGotdChats(chats) {
		c.channels[id] = cachedChannel{title: chat.title, input: *chat.channel}
	}
}

func (c *PeerCache) rememberUserLocked(user *tg.User) {
	if user == nil {
		return
	}
	// Min users carry an access hash that is only valid with message context.
	if existing, ok := c.users[user.ID]; ok && user.Min && existing.AccessHash != 0 {
		return
	}
	c.users[user.ID] = *user.AsInput()
}

// Channel returns the input channel for a supergroup id.
func (c *PeerCache) Channel(id int64) (*tg.InputChannel, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.channels[id]
	if !ok {
		return nil, false
	}
	input := cached.input

	return &input, true
}

// Title returns the last seen title of a supergroup.
func (c *PeerCache) Title(id int64) string {
	if c == nil {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.channels[id].title
}

// User returns the input user for a user id.
func (c *PeerCache) User(id int64) (*tg.InputUser, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	user, ok := c.users[id]
	if !ok {
		return nil, false
	}

	return &user, true
}
