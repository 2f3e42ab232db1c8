package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func drainFeed(t *testing.T, feed *UpdateFeed, want int) []gotdUpdateEnvelope {
	t.Helper()

	updates, err := feed.Updates(context.Background())
	if err != nil {
		t.Fatalf("open feed failed: %v", err)
	}
	collected := make([]gotdUpdateEnvelope, 0, want)
	for len(collected) < want {
		select {
		case item := <-updates:
			envelope, ok := item.(gotdUpdateEnvelope)
			if !ok {
				t.Fatalf("item type = %T, want gotdUpdateEnvelope", item)
			}
			collected = append(collected, envelope)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d updates, want %d", len(collected), want)
		}
	}
	select {
	case item := <-updates:
		t.Fatalf("unexpected extra update %T", item)
	default:
	}

	return collected
}

func TestUpdateFeedKeepsAuditedUpdates(t *testing.T) {
	t.Parallel()

	feed := NewUpdateFeed(16, nil)
	author := &tg.User{ID: 42}
	author.SetFirstName("Alice")
	batch := &tg.Updates{
		Date:  1_700_000_010,
		Users: []tg.UserClass{author},
		Updates: []tg.UpdateClass{
			&tg.UpdateDeleteChannelMessages{ChannelID: 500, Messages: []int{101, 102}},
			&tg.UpdateDeleteMessages{Messages: []int{7}},
			&tg.UpdateDeleteChannelMessages{ChannelID: 500},
			&tg.UpdateUserTyping{UserID: 42},
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 9, PeerID: &tg.PeerChannel{ChannelID: 500}}},
			&tg.UpdateChannelParticipant{ChannelID: 500, UserID: 42},
		},
	}
	if err := feed.Handle(context.Background(), batch); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	collected := drainFeed(t, feed, 3)
	wantClasses := []string{
		(&tg.UpdateDeleteChannelMessages{}).TypeName(),
		(&tg.UpdateNewChannelMessage{}).TypeName(),
		(&tg.UpdateChannelParticipant{}).TypeName(),
	}
	for index, want := range wantClasses {
		if collected[index].updateClass != want {
			t.Fatalf("update[%d] class = %q, want %q", index, collected[index].updateClass, want)
		}
	}
	if got := collected[0].occurredAt; !got.Equal(time.Unix(1_700_000_010, 0)) {
		t.Fatalf("occurred at = %s, want batch date", got)
	}
	if _, ok := collected[0].usersByID[42]; !ok {
		t.Fatal("expected batch users to be indexed")
	}
}

func TestUpdateFeedDropsPrivateTraffic(t *testing.T) {
	t.Parallel()

	feed := NewUpdateFeed(4, nil)
	containers := []tg.UpdatesClass{
		&tg.UpdateShortMessage{ID: 1, UserID: 42, Message: "hi"},
		&tg.UpdateShortChatMessage{ID: 2, FromID: 42, ChatID: 10, Message: "hi"},
		&tg.UpdateShort{Update: &tg.UpdateNewMessage{Message: &tg.Message{ID: 3}}},
	}
	for _, container := range containers {
		if err := feed.Handle(context.Background(), container); err != nil {
			t.Fatalf("handle %s failed: %v", container.TypeName(), err)
		}
	}
	drainFeed(t, feed, 0)
}

func TestUpdateFeedShortChannelUpdate(t *testing.T) {
	t.Parallel()

	feed := NewUpdateFeed(4, nil)
	if err := feed.Handle(context.Background(), &tg.UpdateShort{
		Date:   1_700_000_000,
		Update: &tg.UpdateDeleteChannelMessages{ChannelID: 500, Messages: []int{4}},
	}); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	collected := drainFeed(t, feed, 1)
	if _, ok := collected[0].update.(*tg.UpdateDeleteChannelMessages); !ok {
		t.Fatalf("update type = %T, want *tg.UpdateDeleteChannelMessages", collected[0].update)
	}
}

func TestUpdateFeedReportsGaps(t *testing.T) {
	t.Parallel()

	gaps := 0
	feed := NewUpdateFeed(4, func(context.Context) { gaps++ })
	if err := feed.Handle(context.Background(), &tg.UpdatesTooLong{}); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if gaps != 1 {
		t.Fatalf("gaps = %d, want 1", gaps)
	}
	drainFeed(t, feed, 0)
}

func TestUpdateFeedHonorsContext(t *testing.T) {
	t.Parallel()

	feed := NewUpdateFeed(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := feed.Handle(ctx, &tg.Updates{
		Updates: []tg.UpdateClass{
			&tg.UpdateDeleteChannelMessages{ChannelID: 1, Messages: []int{1}},
			&tg.UpdateDeleteChannelMessages{ChannelID: 1, Messages: []int{2}},
		},
	})
	if err == nil {
		t.Fatal("expected context error once the queue is full")
	}

	var nilCtx context.Context
	if _, err := feed.Updates(nilCtx); err == nil {
		t.Fatal("expected nil context error")
	}
}
