package telegram

import (
	"time"

	"github.com/gotd/td/tg"
)

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeMessage identifies new message updates.
	UpdateTypeMessage UpdateType = "message"
	// UpdateTypeEdit identifies edited message updates.
	UpdateTypeEdit UpdateType = "edit"
	// UpdateTypeDelete identifies deleted message updates, one or many ids.
	UpdateTypeDelete UpdateType = "delete"
	// UpdateTypeMemberBan identifies a member losing access through a ban.
	UpdateTypeMemberBan UpdateType = "member_ban"
	// UpdateTypeMemberUnban identifies a lifted ban.
	UpdateTypeMemberUnban UpdateType = "member_unban"
	// UpdateTypeMemberLeave identifies a member leaving or being removed.
	UpdateTypeMemberLeave UpdateType = "member_leave"
)

// Update is the Telegram adapter's internal DTO before neutral decoding.
type Update struct {
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	Message    *MessagePayload
	Delete     *DeletePayload
	Member     *ActorRef
}

// ChatRef identifies the supergroup an update belongs to.
type ChatRef struct {
	ID    string
	Title string
}

// ActorRef identifies a Telegram account.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
	// IsAdmin reports whether the account may delete messages in the chat.
	IsAdmin bool
}

// MessagePayload represents a Telegram message projection.
type MessagePayload struct {
	ID     string
	Author ActorRef
	Text   string
	Date   time.Time
	Media  []MediaPayload
}

// MediaPayload represents downloadable Telegram media.
type MediaPayload struct {
	ID        string
	MIMEType  string
	FileName  string
	SizeBytes int64
	// Location is the file location used to download the media again.
	Location tg.InputFileLocationClass
}

// DeletePayload lists message ids removed by one Telegram update.
type DeletePayload struct {
	MessageIDs []string
}
