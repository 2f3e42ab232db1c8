package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

const defaultFeedBuffer = 1024

// UpdateFeed queues the supergroup updates the audit trail is built from.
// It is installed as the gotd update handler; everything else is dropped
// before it reaches the queue.
type UpdateFeed struct {
	queue chan any
	onGap func(ctx context.Context)
}

// NewUpdateFeed creates a feed holding at most buffer pending updates.
// onGap runs whenever Telegram reports that updates were lost; messages
// posted during a gap are never cached and their deletions cannot be
// recovered.
func NewUpdateFeed(buffer int, onGap func(ctx context.Context)) *UpdateFeed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if onGap == nil {
		onGap = func(context.Context) {}
	}

	return &UpdateFeed{
		queue: make(chan any, buffer),
		onGap: onGap,
	}
}

// Updates returns the queue consumed by the session source.
func (f *UpdateFeed) Updates(ctx context.Context) (<-chan any, error) {
	if ctx == nil {
		return nil, fmt.Errorf("update feed: nil context")
	}

	return f.queue, nil
}

// Handle splits one gotd container into audited updates and enqueues them,
// blocking while the queue is full.
func (f *UpdateFeed) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	if updates == nil {
		return fmt.Errorf("update feed: nil updates")
	}

	var batch []gotdUpdateEnvelope
	switch typed := updates.(type) {
	case *tg.Updates:
		batch = auditedBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdatesCombined:
		batch = auditedBatch(typed.Updates, typed.Date, typed.Users, typed.Chats)
	case *tg.UpdateShort:
		batch = auditedBatch([]tg.UpdateClass{typed.Update}, typed.Date, nil, nil)
	case *tg.UpdatesTooLong:
		f.onGap(ctx)
		return nil
	case *tg.UpdateShortMessage, *tg.UpdateShortChatMessage, *tg.UpdateShortSentMessage:
		// Private chats and basic groups.
		return nil
	default:
		return fmt.Errorf("update feed: unsupported container %s", updates.TypeName())
	}

	for _, envelope := range batch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("update feed enqueue %s: %w", envelope.updateClass, ctx.Err())
		case f.queue <- envelope:
		}
	}

	return nil
}

func auditedBatch(
	updates []tg.UpdateClass,
	date int,
	users []tg.UserClass,
	chats []tg.ChatClass,
) []gotdUpdateEnvelope {
	var (
		batch     []gotdUpdateEnvelope
		usersByID map[int64]*tg.User
		chatsByID map[int64]gotdChatInfo
	)
	for _, update := range updates {
		if !isAuditedUpdate(update) {
			continue
		}
		if batch == nil {
			usersByID = indexGotdUsers(users)
			chatsByID = indexGotdChats(chats)
		}
		batch = append(batch, gotdUpdateEnvelope{
			update:      update,
			occurredAt:  intToTimeUTC(date),
			usersByID:   usersByID,
			chatsByID:   chatsByID,
			updateClass: update.TypeName(),
		})
	}

	return batch
}

// isAuditedUpdate keeps posts, edits, deletions and membership changes of
// channels and supergroups. Deletions outside supergroups carry no chat and
// cannot be attributed.
func isAuditedUpdate(update tg.UpdateClass) bool {
	switch typed := update.(type) {
	case *tg.UpdateNewChannelMessage, *tg.UpdateEditChannelMessage, *tg.UpdateChannelParticipant:
		return true
	case *tg.UpdateDeleteChannelMessages:
		return len(typed.Messages) > 0
	default:
		return false
	}
}
