package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/gotd/td/tg"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultAdminCacheSize = 256
	defaultAdminCacheTTL  = 5 * time.Minute
	adminFetchLimit       = 200
)

// participantsLister is the slice of the Telegram API the directory needs.
type participantsLister interface {
	ChannelsGetParticipants(ctx context.Context, request *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)
}

// AdminDirectory caches which members may delete messages per supergroup.
type AdminDirectory struct {
	api    participantsLister
	peers  *PeerCache
	logger *slog.Logger
	cache  *expirable.LRU[int64, map[int64]struct{}]
}

// NewAdminDirectory creates a directory whose entries expire after ttl.
func NewAdminDirectory(api participantsLister, peers *PeerCache, logger *slog.Logger, ttl time.Duration) *AdminDirectory {
	if ttl <= 0 {
		ttl = defaultAdminCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AdminDirectory{
		api:    api,
		peers:  peers,
		logger: logger,
		cache:  expirable.NewLRU[int64, map[int64]struct{}](defaultAdminCacheSize, nil, ttl),
	}
}

// IsAdmin reports whether userID may delete messages in channelID. Lookup
// failures count as not privileged and are retried on the next message.
func (d *AdminDirectory) IsAdmin(ctx context.Context, channelID int64, userID int64) bool {
	admins, ok := d.cache.Get(channelID)
	if !ok {
		fetched, err := d.fetch(ctx, channelID)
		if err != nil {
			d.logger.WarnContext(ctx, "telegram admin lookup failed",
				"tenant_id", channelID,
				"error", err,
			)
			return false
		}
		d.cache.Add(channelID, fetched)
		admins = fetched
	}
	_, isAdmin := admins[userID]

	return isAdmin
}

func (d *AdminDirectory) fetch(ctx context.Context, channelID int64) (map[int64]struct{}, error) {
	channel, ok := d.peers.Channel(channelID)
	if !ok {
		return nil, errUnknownPeer("channel", channelID)
	}

	result, err := d.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: channel,
		Filter:  &tg.ChannelParticipantsAdmins{},
		Limit:   adminFetchLimit,
	})
	if err != nil {
		return nil, mapRPCError("get admins", err)
	}
	participants, ok := result.(*tg.ChannelsChannelParticipants)
	if !ok {
		return map[int64]struct{}{}, nil
	}
	d.peers.RememberEntities(participants.Users, participants.Chats)

	admins := make(map[int64]struct{}, len(participants.Participants))
	for _, participant := range participants.Participants {
		switch typed := participant.(type) {
		case *tg.ChannelParticipantCreator:
			admins[typed.UserID] = struct{}{}
		case *tg.ChannelParticipantAdmin:
			if typed.AdminRights.DeleteMessages {
				admins[typed.UserID] = struct{}{}
			}
		}
	}

	return admins, nil
}
