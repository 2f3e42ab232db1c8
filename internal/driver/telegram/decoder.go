package telegram

import (
	"context"
	"fmt"
	"time"

	"modwarden/pkg/warden"

	"github.com/google/uuid"
)

// Decoder converts Telegram update DTOs into neutral events.
type Decoder interface {
	// Decode maps one adapter update into a validated event envelope.
	Decode(ctx context.Context, update Update) (*warden.Event, error)
}

// DefaultDecoder provides default Telegram-to-warden mappings.
type DefaultDecoder struct {
	newID func() string
	now   func() time.Time
}

// NewDefaultDecoder creates a decoder that stamps events with random UUIDs.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Decode converts a Telegram update into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*warden.Event, error) {
	event := d.newBaseEvent(update)

	switch update.Type {
	case UpdateTypeMessage, UpdateTypeEdit:
		event.Kind = warden.EventKindMessageCreated
		if update.Type == UpdateTypeEdit {
			event.Kind = warden.EventKindMessageEdited
		}
		message, err := decodeMessage(update.Message)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", update.Type, err)
		}
		event.Message = message
	case UpdateTypeDelete:
		if update.Delete == nil {
			return nil, fmt.Errorf("decode delete: missing delete payload")
		}
		event.Kind = warden.EventKindMessageDeleted
		if len(update.Delete.MessageIDs) > 1 {
			event.Kind = warden.EventKindMessagesPurged
		}
		event.Deletion = &warden.Deletion{
			MessageIDs: append([]string(nil), update.Delete.MessageIDs...),
		}
	case UpdateTypeMemberBan, UpdateTypeMemberUnban, UpdateTypeMemberLeave:
		if update.Member == nil {
			return nil, fmt.Errorf("decode %s: missing member payload", update.Type)
		}
		event.Kind = memberKind(update.Type)
		member := mapActor(*update.Member)
		event.Member = &member
	default:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

// newBaseEvent builds the envelope fields shared by all update mappings.
// Telegram supergroups have a single message stream, so the chat is both the
// tenant and the channel.
func (d DefaultDecoder) newBaseEvent(update Update) *warden.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = d.clock().UTC()
	}
	newID := d.newID
	if newID == nil {
		newID = uuid.NewString
	}

	return &warden.Event{
		ID:         newID(),
		OccurredAt: occurredAt,
		Platform:   DriverPlatform,
		Tenant: warden.Tenant{
			ID:   update.Chat.ID,
			Name: update.Chat.Title,
		},
		Channel: warden.Channel{
			ID:   update.Chat.ID,
			Name: update.Chat.Title,
		},
	}
}

func (d DefaultDecoder) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}

	return d.now()
}

// decodeMessage maps a Telegram message payload into neutral message content.
func decodeMessage(payload *MessagePayload) (*warden.Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("missing message payload")
	}

	return &warden.Message{
		ID:          payload.ID,
		Author:      mapActor(payload.Author),
		Text:        payload.Text,
		CreatedAt:   payload.Date,
		Attachments: mapMedia(payload.Media),
	}, nil
}

func memberKind(updateType UpdateType) warden.EventKind {
	switch updateType {
	case UpdateTypeMemberBan:
		return warden.EventKindMemberBanned
	case UpdateTypeMemberUnban:
		return warden.EventKindMemberUnbanned
	default:
		return warden.EventKindMemberLeft
	}
}

// mapMedia converts media descriptors into attachments carrying their
// download location.
func mapMedia(media []MediaPayload) []warden.Attachment {
	if len(media) == 0 {
		return nil
	}

	mapped := make([]warden.Attachment, 0, len(media))
	for _, item := range media {
		mapped = append(mapped, warden.Attachment{
			ID:       item.ID,
			FileName: item.FileName,
			MIMEType: item.MIMEType,
			Size:     item.SizeBytes,
			Locator:  item.Location,
		})
	}

	return mapped
}

// mapActor converts adapter actor references to neutral actor values.
func mapActor(actor ActorRef) warden.Actor {
	return warden.Actor{
		ID:                actor.ID,
		Username:          actor.Username,
		DisplayName:       actor.DisplayName,
		IsBot:             actor.IsBot,
		CanManageMessages: actor.IsAdmin,
	}
}
