package warden

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral moderation-relevant event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when a new message is posted.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageEdited is emitted when an existing message is edited.
	EventKindMessageEdited EventKind = "message.edited"
	// EventKindMessageDeleted is emitted when a single message disappears.
	EventKindMessageDeleted EventKind = "message.deleted"
	// EventKindMessagesPurged is emitted when several messages are deleted in one action.
	EventKindMessagesPurged EventKind = "message.bulk_deleted"
	// EventKindMemberBanned is emitted when a member is banned from a tenant.
	EventKindMemberBanned EventKind = "member.banned"
	// EventKindMemberUnbanned is emitted when a ban is lifted.
	EventKindMemberUnbanned EventKind = "member.unbanned"
	// EventKindMemberLeft is emitted when a member leaves or is removed from a tenant.
	EventKindMemberLeft EventKind = "member.left"
)

// Platform identifies an external chat platform source.
type Platform string

const (
	// PlatformTelegram is Telegram.
	PlatformTelegram Platform = "telegram"
)

// Event is the envelope drivers publish and modules consume.
//
// Message, Deletion and Member are payload branches selected by Kind.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp for the event.
	OccurredAt time.Time
	// Platform identifies the upstream platform that produced the event.
	Platform Platform
	// Tenant identifies the community the event belongs to.
	Tenant Tenant
	// Channel identifies where the event happened.
	Channel Channel
	// Message carries content for created and edited events.
	Message *Message
	// Deletion carries the removed message ids for deleted and bulk-deleted events.
	Deletion *Deletion
	// Member carries the affected account for ban, unban and leave events.
	Member *Actor
}

// Tenant is an independent community served by the bot.
type Tenant struct {
	ID   string
	Name string
}

// Channel identifies one conversation inside a tenant.
type Channel struct {
	ID   string
	Name string
}

// Actor identifies a platform account.
type Actor struct {
	// ID is the stable account identifier on the source platform.
	ID string
	// Username is the platform handle when available.
	Username string
	// DisplayName is the human-readable name.
	DisplayName string
	// IsBot reports whether the account is automated.
	IsBot bool
	// CanManageMessages reports whether the account holds moderation rights in the channel.
	CanManageMessages bool
}

// Label renders an actor for log records.
func (a Actor) Label() string {
	switch {
	case a.DisplayName != "" && a.Username != "":
		return fmt.Sprintf("%s (@%s)", a.DisplayName, a.Username)
	case a.DisplayName != "":
		return a.DisplayName
	case a.Username != "":
		return "@" + a.Username
	default:
		return a.ID
	}
}

// Message holds message content with its attachments.
type Message struct {
	ID          string
	Author      Actor
	Text        string
	CreatedAt   time.Time
	Attachments []Attachment
}

// Attachment references a transient file attached to a message.
type Attachment struct {
	// ID is the platform file identifier.
	ID string
	// FileName is the original file name.
	FileName string
	// URL is the source retrieval location when the platform exposes one.
	URL string
	// MIMEType is the declared content type.
	MIMEType string
	// Size is the file size in bytes.
	Size int64
	// Locator carries platform-specific data needed to download the file.
	Locator any
}

// Deletion lists message ids removed by one platform action.
type Deletion struct {
	MessageIDs []string
}

// Validate checks that the envelope carries the payload its kind requires.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.Tenant.ID == "" {
		return fmt.Errorf("%w: %s missing tenant", ErrInvalidEvent, e.Kind)
	}

	switch e.Kind {
	case EventKindMessageCreated, EventKindMessageEdited:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: %s missing message", ErrInvalidEvent, e.Kind)
		}
	case EventKindMessageDeleted:
		if e.Deletion == nil || len(e.Deletion.MessageIDs) != 1 {
			return fmt.Errorf("%w: %s requires exactly one message id", ErrInvalidEvent, e.Kind)
		}
	case EventKindMessagesPurged:
		if e.Deletion == nil || len(e.Deletion.MessageIDs) == 0 {
			return fmt.Errorf("%w: %s missing message ids", ErrInvalidEvent, e.Kind)
		}
	case EventKindMemberBanned, EventKindMemberUnbanned, EventKindMemberLeft:
		if e.Member == nil || e.Member.ID == "" {
			return fmt.Errorf("%w: %s missing member", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// CachedMessage is the snapshot kept in the message cache.
type CachedMessage struct {
	ID          string
	TenantID    string
	Channel     Channel
	Author      Actor
	Text        string
	CreatedAt   time.Time
	Attachments []Attachment
}

// MessageKey identifies a message inside one tenant.
type MessageKey struct {
	TenantID  string
	MessageID string
}

// Key returns the tenant-scoped lookup key for the snapshot.
func (m CachedMessage) Key() MessageKey {
	return MessageKey{TenantID: m.TenantID, MessageID: m.ID}
}

// SnapshotMessage converts an inbound message event into a cache snapshot.
func SnapshotMessage(event *Event) (CachedMessage, bool) {
	if event == nil || event.Message == nil {
		return CachedMessage{}, false
	}

	return CachedMessage{
		ID:          event.Message.ID,
		TenantID:    event.Tenant.ID,
		Channel:     event.Channel,
		Author:      event.Message.Author,
		Text:        event.Message.Text,
		CreatedAt:   event.Message.CreatedAt,
		Attachments: append([]Attachment(nil), event.Message.Attachments...),
	}, true
}
