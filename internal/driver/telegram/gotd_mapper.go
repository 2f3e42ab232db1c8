package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

const gotdUnknownActorID = "unknown"

// AdminChecker reports whether a user may delete messages in a supergroup.
type AdminChecker interface {
	IsAdmin(ctx context.Context, channelID int64, userID int64) bool
}

// DefaultGotdUpdateMapper maps gotd updates into adapter DTO updates.
//
// Only supergroup traffic is accepted; basic groups and private chats have no
// admin log to attribute moderation against.
type DefaultGotdUpdateMapper struct {
	peerCache *PeerCache
	admins    AdminChecker
}

// GotdUpdateMapperOption mutates DefaultGotdUpdateMapper behavior.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache records entity-derived peers for the platform ports.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if cache != nil {
			mapper.peerCache = cache
		}
	}
}

// WithAdminChecker marks message authors holding delete rights.
func WithAdminChecker(checker AdminChecker) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if checker != nil {
			mapper.admins = checker
		}
	}
}

// NewDefaultGotdUpdateMapper creates the default gotd mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	mapper := DefaultGotdUpdateMapper{}
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map converts a gotd raw update value into an adapter update.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	select {
	case <-ctx.Done():
		return Update{}, false, fmt.Errorf("map gotd update context: %w", ctx.Err())
	default:
	}

	envelope, err := normalizeGotdRaw(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}
	if m.peerCache != nil {
		m.peerCache.RememberEnvelope(envelope)
	}

	switch update := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return m.mapNewMessage(ctx, update.Message, envelope)
	case *tg.UpdateNewChannelMessage:
		return m.mapNewMessage(ctx, update.Message, envelope)
	case *tg.UpdateEditMessage:
		return m.mapEditMessage(ctx, update.Message, envelope)
	case *tg.UpdateEditChannelMessage:
		return m.mapEditMessage(ctx, update.Message, envelope)
	case *tg.UpdateDeleteChannelMessages:
		return m.mapDeleteChannelMessages(update, envelope)
	case *tg.UpdateChannelParticipant:
		return m.mapChannelParticipant(update, envelope)
	default:
		return Update{}, false, nil
	}
}

func normalizeGotdRaw(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil update class")
		}
		return gotdUpdateEnvelope{
			update:      typed,
			occurredAt:  time.Now().UTC(),
			updateClass: typed.TypeName(),
		}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func (m DefaultGotdUpdateMapper) mapNewMessage(
	ctx context.Context,
	message tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	switch typed := message.(type) {
	case *tg.Message:
		return m.mapMessage(ctx, typed, envelope, UpdateTypeMessage)
	case *tg.MessageService:
		return m.mapServiceMessage(typed, envelope)
	default:
		return Update{}, false, nil
	}
}

func (m DefaultGotdUpdateMapper) mapEditMessage(
	ctx context.Context,
	message tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	typed, ok := message.(*tg.Message)
	if !ok {
		return Update{}, false, nil
	}

	return m.mapMessage(ctx, typed, envelope, UpdateTypeEdit)
}

func (m DefaultGotdUpdateMapper) mapMessage(
	ctx context.Context,
	message *tg.Message,
	envelope gotdUpdateEnvelope,
	updateType UpdateType,
) (Update, bool, error) {
	if message == nil {
		return Update{}, false, fmt.Errorf("map message: nil message")
	}
	channelID, ok := channelIDFromPeer(message.PeerID)
	if !ok {
		return Update{}, false, nil
	}

	author := resolveActorFromPeer(message.FromID, envelope)
	switch from := message.FromID.(type) {
	case *tg.PeerUser:
		author.IsAdmin = m.isAdmin(ctx, channelID, from.UserID)
	case nil:
		author = resolveActorFromPeer(message.PeerID, envelope)
		author.IsAdmin = true
	default:
		// Anonymous admins and linked channels post as a chat.
		author.IsAdmin = true
	}

	date := intToTimeUTC(message.Date)
	occurredAt := date
	if updateType == UpdateTypeEdit {
		if editDate, ok := message.GetEditDate(); ok {
			occurredAt = intToTimeUTC(editDate)
		}
	}
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}

	return Update{
		Type:       updateType,
		OccurredAt: occurredAt,
		Chat:       m.resolveChat(channelID, envelope),
		Message: &MessagePayload{
			ID:     strconv.Itoa(message.ID),
			Author: author,
			Text:   message.Message,
			Date:   date,
			Media:  mapMessageMedia(message.Media),
		},
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapServiceMessage(
	message *tg.MessageService,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	if message == nil {
		return Update{}, false, fmt.Errorf("map service message: nil message")
	}
	channelID, ok := channelIDFromPeer(message.PeerID)
	if !ok {
		return Update{}, false, nil
	}

	action, ok := message.Action.(*tg.MessageActionChatDeleteUser)
	if !ok {
		return Update{}, false, nil
	}
	occurredAt := intToTimeUTC(message.Date)
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}
	member := resolveActorByUserID(action.UserID, envelope)

	return Update{
		Type:       UpdateTypeMemberLeave,
		OccurredAt: occurredAt,
		Chat:       m.resolveChat(channelID, envelope),
		Member:     &member,
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapDeleteChannelMessages(
	update *tg.UpdateDeleteChannelMessages,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	if update == nil || len(update.Messages) == 0 {
		return Update{}, false, nil
	}

	ids := make([]string, 0, len(update.Messages))
	for _, id := range update.Messages {
		ids = append(ids, strconv.Itoa(id))
	}
	occurredAt := envelope.occurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Update{
		Type:       UpdateTypeDelete,
		OccurredAt: occurredAt,
		Chat:       m.resolveChat(update.ChannelID, envelope),
		Delete:     &DeletePayload{MessageIDs: ids},
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapChannelParticipant(
	update *tg.UpdateChannelParticipant,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	if update == nil {
		return Update{}, false, fmt.Errorf("map channel participant: nil update")
	}

	prev, prevExists := update.GetPrevParticipant()
	next, nextExists := update.GetNewParticipant()
	wasBanned := isBannedParticipant(prev)
	isBanned := isBannedParticipant(next)

	var updateType UpdateType
	switch {
	case !wasBanned && isBanned:
		updateType = UpdateTypeMemberBan
	case wasBanned && !isBanned:
		updateType = UpdateTypeMemberUnban
	case prevExists && isActiveParticipant(prev) && (!nextExists || !isActiveParticipant(next)):
		updateType = UpdateTypeMemberLeave
	default:
		return Update{}, false, nil
	}

	occurredAt := intToTimeUTC(update.Date)
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}
	member := resolveActorByUserID(update.UserID, envelope)

	return Update{
		Type:       updateType,
		OccurredAt: occurredAt,
		Chat:       m.resolveChat(update.ChannelID, envelope),
		Member:     &member,
	}, true, nil
}

func (m DefaultGotdUpdateMapper) isAdmin(ctx context.Context, channelID int64, userID int64) bool {
	if m.admins == nil {
		return false
	}

	return m.admins.IsAdmin(ctx, channelID, userID)
}

type gotdUpdateEnvelope struct {
	update      tg.UpdateClass
	occurredAt  time.Time
	usersByID   map[int64]*tg.User
	chatsByID   map[int64]gotdChatInfo
	updateClass string
}

type gotdChatInfo struct {
	title   string
	channel *tg.InputChannel
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	if len(users) == 0 {
		return nil
	}

	out := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		notEmpty, ok := user.AsNotEmpty()
		if !ok || notEmpty == nil {
			continue
		}
		out[notEmpty.ID] = notEmpty
	}

	return out
}

// indexGotdChats keeps channels and supergroups; basic groups are not addressable
// by the ports.
func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Channel:
			out[typed.ID] = gotdChatInfo{
				title:   typed.Title,
				channel: typed.AsInput(),
			}
		case *tg.ChannelForbidden:
			out[typed.ID] = gotdChatInfo{
				title: typed.Title,
				channel: &tg.InputChannel{
					ChannelID:  typed.ID,
					AccessHash: typed.AccessHash,
				},
			}
		}
	}

	return out
}

func channelIDFromPeer(peer tg.PeerClass) (int64, bool) {
	typed, ok := peer.(*tg.PeerChannel)
	if !ok || typed.ChannelID == 0 {
		return 0, false
	}

	return typed.ChannelID, true
}

// resolveChat names a supergroup from the update entities, falling back to
// titles seen earlier since deletions carry no entities.
func (m DefaultGotdUpdateMapper) resolveChat(channelID int64, envelope gotdUpdateEnvelope) ChatRef {
	title := envelope.chatsByID[channelID].title
	if title == "" && m.peerCache != nil {
		title = m.peerCache.Title(channelID)
	}

	return ChatRef{
		ID:    strconv.FormatInt(channelID, 10),
		Title: title,
	}
}

func resolveActorFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) ActorRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return resolveActorByUserID(typed.UserID, envelope)
	case *tg.PeerChannel:
		return ActorRef{
			ID:          strconv.FormatInt(typed.ChannelID, 10),
			DisplayName: envelope.chatsByID[typed.ChannelID].title,
		}
	default:
		return ActorRef{ID: gotdUnknownActorID}
	}
}

func resolveActorByUserID(userID int64, envelope gotdUpdateEnvelope) ActorRef {
	if userID == 0 {
		return ActorRef{ID: gotdUnknownActorID}
	}
	id := strconv.FormatInt(userID, 10)

	user, ok := envelope.usersByID[userID]
	if !ok || user == nil {
		return ActorRef{ID: id, DisplayName: id}
	}

	return actorFromUser(user)
}

func actorFromUser(user *tg.User) ActorRef {
	id := strconv.FormatInt(user.ID, 10)
	username, _ := user.GetUsername()
	firstName, _ := user.GetFirstName()
	lastName, _ := user.GetLastName()

	displayName := strings.TrimSpace(firstName + " " + lastName)
	if displayName == "" {
		displayName = username
	}
	if displayName == "" {
		displayName = id
	}

	return ActorRef{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		IsBot:       user.Bot,
	}
}

func mapMessageMedia(media tg.MessageMediaClass) []MediaPayload {
	switch typed := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := typed.GetPhoto()
		if !ok {
			return nil
		}
		return mapPhotoMedia(photo)
	case *tg.MessageMediaDocument:
		document, ok := typed.GetDocument()
		if !ok {
			return nil
		}
		return mapDocumentMedia(document)
	default:
		return nil
	}
}

func mapPhotoMedia(photo tg.PhotoClass) []MediaPayload {
	typed, ok := photo.(*tg.Photo)
	if !ok {
		return nil
	}
	sizeType, size := largestPhotoSize(typed.Sizes)
	if sizeType == "" {
		return nil
	}
	id := strconv.FormatInt(typed.ID, 10)

	return []MediaPayload{
		{
			ID:        id,
			MIMEType:  "image/jpeg",
			FileName:  "photo_" + id + ".jpg",
			SizeBytes: int64(size),
			Location: &tg.InputPhotoFileLocation{
				ID:            typed.ID,
				AccessHash:    typed.AccessHash,
				FileReference: typed.FileReference,
				ThumbSize:     sizeType,
			},
		},
	}
}

// largestPhotoSize picks the biggest downloadable rendition of a photo.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		bestType string
		bestSize int
	)
	for _, size := range sizes {
		var (
			sizeType string
			bytes    int
		)
		switch typed := size.(type) {
		case *tg.PhotoSize:
			sizeType, bytes = typed.Type, typed.Size
		case *tg.PhotoSizeProgressive:
			if len(typed.Sizes) == 0 {
				continue
			}
			sizeType, bytes = typed.Type, typed.Sizes[len(typed.Sizes)-1]
		default:
			continue
		}
		if bestType == "" || bytes > bestSize {
			bestType, bestSize = sizeType, bytes
		}
	}

	return bestType, bestSize
}

func mapDocumentMedia(document tg.DocumentClass) []MediaPayload {
	typed, ok := document.(*tg.Document)
	if !ok {
		return nil
	}
	id := strconv.FormatInt(typed.ID, 10)
	fileName := documentFileName(typed.Attributes)
	if fileName == "" {
		fileName = "file_" + id
	}

	return []MediaPayload{
		{
			ID:        id,
			MIMEType:  typed.MimeType,
			FileName:  fileName,
			SizeBytes: typed.Size,
			Location: &tg.InputDocumentFileLocation{
				ID:            typed.ID,
				AccessHash:    typed.AccessHash,
				FileReference: typed.FileReference,
			},
		},
	}
}

func documentFileName(attributes []tg.DocumentAttributeClass) string {
	for _, attribute := range attributes {
		typed, ok := attribute.(*tg.DocumentAttributeFilename)
		if !ok {
			continue
		}
		return typed.FileName
	}

	return ""
}

func intToTimeUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(value), 0).UTC()
}

// isBannedParticipant reports a participant removed from the group, as
// opposed to one merely restricted from sending.
func isBannedParticipant(participant tg.ChannelParticipantClass) bool {
	banned, ok := participant.(*tg.ChannelParticipantBanned)
	return ok && banned.BannedRights.ViewMessages
}

func isActiveParticipant(participant tg.ChannelParticipantClass) bool {
	switch typed := participant.(type) {
	case *tg.ChannelParticipant, *tg.ChannelParticipantSelf, *tg.ChannelParticipantAdmin, *tg.ChannelParticipantCreator:
		return true
	case *tg.ChannelParticipantBanned:
		return !typed.Left && !typed.BannedRights.ViewMessages
	default:
		return false
	}
}

func participantUserID(participant tg.ChannelParticipantClass) (int64, bool) {
	switch typed := participant.(type) {
	case *tg.ChannelParticipant:
		return typed.UserID, true
	case *tg.ChannelParticipantSelf:
		return typed.UserID, true
	case *tg.ChannelParticipantAdmin:
		return typed.UserID, true
	case *tg.ChannelParticipantCreator:
		return typed.UserID, true
	case *tg.ChannelParticipantBanned:
		return userIDFromPeer(typed.Peer)
	case *tg.ChannelParticipantLeft:
		return userIDFromPeer(typed.Peer)
	default:
		return 0, false
	}
}

func userIDFromPeer(peer tg.PeerClass) (int64, bool) {
	typed, ok := peer.(*tg.PeerUser)
	if !ok {
		return 0, false
	}

	return typed.UserID, true
}
