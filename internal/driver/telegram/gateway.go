package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"modwarden/pkg/warden"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	defaultUploadTimeout  = 2 * time.Minute
	maxAdminLogLimit      = 100
	defaultLogChatsKey    = "*"
)

var errGatewayNotReady = errors.New("telegram gateway: session not ready")

// LogChats names the chats that receive one tenant's records.
type LogChats struct {
	Moderator int64 `json:"moderator"`
	User      int64 `json:"user"`
}

// GatewayOption mutates gateway configuration.
type GatewayOption func(*gatewayConfig)

// WithGatewayTimeout bounds each short RPC call.
func WithGatewayTimeout(timeout time.Duration) GatewayOption {
	return func(cfg *gatewayConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithUploadTimeout bounds one attachment copy or log file upload.
func WithUploadTimeout(timeout time.Duration) GatewayOption {
	return func(cfg *gatewayConfig) {
		if timeout > 0 {
			cfg.uploadTimeout = timeout
		}
	}
}

// WithGatewayLogger configures structured logging for platform calls.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(cfg *gatewayConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithHoldingChat selects the supergroup that stores attachment copies.
func WithHoldingChat(chatID int64) GatewayOption {
	return func(cfg *gatewayConfig) {
		cfg.holdingChat = chatID
	}
}

// WithLogChats routes records per tenant id. The "*" key applies to tenants
// without their own entry.
func WithLogChats(chats map[string]LogChats) GatewayOption {
	return func(cfg *gatewayConfig) {
		cfg.logChats = make(map[string]LogChats, len(chats))
		for tenantID, target := range chats {
			cfg.logChats[tenantID] = target
		}
	}
}

type gatewayConfig struct {
	rpcTimeout    time.Duration
	uploadTimeout time.Duration
	logger        *slog.Logger
	holdingChat   int64
	logChats      map[string]LogChats
}

// Gateway adapts the moderation ports to Telegram RPC calls.
//
// It implements warden.AuditLog, warden.AttachmentStore,
// warden.PermissionEditor, warden.LogSink and warden.Identity.
type Gateway struct {
	cfg      gatewayConfig
	peers    *PeerCache
	telegram gatewayRPC

	mu   sync.RWMutex
	self *warden.Actor
}

func newGatewayWithRPC(rpc gatewayRPC, peers *PeerCache, options ...GatewayOption) (*Gateway, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram gateway: nil rpc")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram gateway: nil peer cache")
	}

	cfg := gatewayConfig{
		rpcTimeout:    defaultGatewayTimeout,
		uploadTimeout: defaultUploadTimeout,
		logger:        slog.Default(),
		logChats:      map[string]LogChats{},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Gateway{cfg: cfg, peers: peers, telegram: rpc}, nil
}

// Prepare resolves the own account and warms the peer cache with every chat
// the account belongs to. It runs once the session is authorized.
func (g *Gateway) Prepare(ctx context.Context) error {
	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()

	user, err := g.telegram.Self(rpcCtx)
	if err != nil {
		return fmt.Errorf("prepare gateway self: %w", mapRPCError("get self", err))
	}
	chats, err := g.telegram.AllChats(rpcCtx)
	if err != nil {
		return fmt.Errorf("prepare gateway chats: %w", mapRPCError("get chats", err))
	}
	g.peers.RememberEntities([]tg.UserClass{user}, chats)

	self := actorFromUser(user)
	g.mu.Lock()
	g.self = &warden.Actor{
		ID:          self.ID,
		Username:    self.Username,
		DisplayName: self.DisplayName,
		IsBot:       self.IsBot,
	}
	g.mu.Unlock()

	g.cfg.logger.InfoContext(ctx, "telegram gateway ready",
		"self_id", self.ID,
		"chat_count", len(chats),
	)

	return nil
}

// Self returns the account the session is authorized as.
func (g *Gateway) Self(ctx context.Context) (warden.Actor, error) {
	if err := ctx.Err(); err != nil {
		return warden.Actor{}, fmt.Errorf("self: %w", err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.self == nil {
		return warden.Actor{}, errGatewayNotReady
	}

	return *g.self, nil
}

// List reads the newest admin log events of one category.
func (g *Gateway) List(
	ctx context.Context,
	tenantID string,
	action warden.AuditAction,
	limit int,
) ([]warden.AuditLogEntry, error) {
	filter, err := adminLogFilter(action)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	channel, err := g.channel(tenantID)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	if limit <= 0 || limit > maxAdminLogLimit {
		limit = maxAdminLogLimit
	}

	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()

	result, err := g.telegram.AdminLog(rpcCtx, &tg.ChannelsGetAdminLogRequest{
		Channel:      channel,
		EventsFilter: filter,
		Limit:        limit,
	})
	if err != nil {
		return nil, mapRPCError("list audit log", err)
	}
	g.peers.RememberEntities(result.Users, result.Chats)

	users := indexGotdUsers(result.Users)
	entries := make([]warden.AuditLogEntry, 0, len(result.Events))
	for _, event := range result.Events {
		entry, ok := mapAdminLogEvent(event, action, users)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Upload copies one attachment into the holding chat.
func (g *Gateway) Upload(ctx context.Context, request warden.UploadRequest) (warden.Proxy, error) {
	location, ok := request.Attachment.Locator.(tg.InputFileLocationClass)
	if !ok || location == nil {
		return warden.Proxy{}, fmt.Errorf("upload %s: unsupported locator %T", request.Attachment.FileName, request.Attachment.Locator)
	}
	holding, err := g.holdingPeer()
	if err != nil {
		return warden.Proxy{}, fmt.Errorf("upload %s: %w", request.Attachment.FileName, err)
	}

	name := request.Attachment.FileName
	if name == "" {
		name = request.Attachment.ID
	}

	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.uploadTimeout)
	defer cancel()

	messageID, err := g.telegram.CopyFile(rpcCtx, holding, location, name, request.Attachment.MIMEType)
	if err != nil {
		return warden.Proxy{}, mapRPCError("upload "+name, err)
	}

	proxy := warden.Proxy{
		ID:       strconv.Itoa(messageID),
		FileName: name,
		URL:      proxyURL(g.cfg.holdingChat, messageID),
	}
	g.logCall(ctx, "upload",
		"tenant_id", request.TenantID,
		"message_id", request.MessageID,
		"proxy_id", proxy.ID,
	)

	return proxy, nil
}

// Delete removes an attachment copy from the holding chat.
func (g *Gateway) Delete(ctx context.Context, proxy warden.Proxy) error {
	messageID, err := strconv.Atoi(strings.TrimSpace(proxy.ID))
	if err != nil || messageID <= 0 {
		return fmt.Errorf("delete proxy: invalid id %q", proxy.ID)
	}
	holding, err := g.holdingPeer()
	if err != nil {
		return fmt.Errorf("delete proxy %s: %w", proxy.ID, err)
	}

	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()

	if err := g.telegram.DeleteMessages(rpcCtx, holding, messageID); err != nil {
		return mapRPCError("delete proxy "+proxy.ID, err)
	}

	return nil
}

// MemberSendOverride reports the send restriction a member carries.
func (g *Gateway) MemberSendOverride(
	ctx context.Context,
	channel warden.ChannelRef,
	memberID string,
) (warden.SendOverride, error) {
	input, user, err := g.member(channel, memberID)
	if err != nil {
		return warden.SendOverrideAbsent, fmt.Errorf("member send override: %w", err)
	}

	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()

	result, err := g.telegram.Participant(rpcCtx, &tg.ChannelsGetParticipantRequest{
		Channel:     input,
		Participant: user,
	})
	if err != nil {
		if tgerr.Is(err, "USER_NOT_PARTICIPANT") {
			return warden.SendOverrideAbsent, nil
		}
		return warden.SendOverrideAbsent, mapRPCError("member send override", err)
	}
	g.peers.RememberEntities(result.Users, result.Chats)

	return sendOverrideOf(result.Participant), nil
}

// SetMemberSendOverride applies a send restriction. Telegram has no explicit
// allow, so allow and neutral both clear the restriction.
func (g *Gateway) SetMemberSendOverride(
	ctx context.Context,
	channel warden.ChannelRef,
	memberID string,
	override warden.SendOverride,
) error {
	rights := tg.ChatBannedRights{}
	if override == warden.SendOverrideDeny {
		rights.SendMessages = true
	}

	if err := g.editBanned(ctx, channel, memberID, rights); err != nil {
		return fmt.Errorf("set member send override %s: %w", override, err)
	}
	g.logCall(ctx, "set_send_override",
		"tenant_id", channel.TenantID,
		"member_id", memberID,
		"override", override.String(),
	)

	return nil
}

// DeleteMemberOverride lifts every restriction of a member.
func (g *Gateway) DeleteMemberOverride(ctx context.Context, channel warden.ChannelRef, memberID string) error {
	if err := g.editBanned(ctx, channel, memberID, tg.ChatBannedRights{}); err != nil {
		return fmt.Errorf("delete member override: %w", err)
	}
	g.logCall(ctx, "delete_override",
		"tenant_id", channel.TenantID,
		"member_id", memberID,
	)

	return nil
}

// Log posts record to the tenant's log chat. A file follows the record as a
// document captioned with the record title.
func (g *Gateway) Log(ctx context.Context, record warden.LogRecord, file *warden.LogFile) error {
	peer, err := g.logPeer(record.TenantID, record.Channel)
	if err != nil {
		return fmt.Errorf("log record: %w", err)
	}

	text, entities := renderRecord(record)
	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()
	if err := g.telegram.SendText(rpcCtx, peer, text, entities); err != nil {
		return mapRPCError("log record", err)
	}

	if file == nil {
		return nil
	}

	uploadCtx, cancelUpload := g.withTimeout(ctx, g.cfg.uploadTimeout)
	defer cancelUpload()
	caption, captionEntities := renderCaption(record.Title)
	if err := g.telegram.SendFile(uploadCtx, peer, file.Path, file.Name, caption, captionEntities); err != nil {
		return mapRPCError("log file "+file.Name, err)
	}

	return nil
}

func (g *Gateway) editBanned(
	ctx context.Context,
	channel warden.ChannelRef,
	memberID string,
	rights tg.ChatBannedRights,
) error {
	input, user, err := g.member(channel, memberID)
	if err != nil {
		return err
	}

	rpcCtx, cancel := g.withTimeout(ctx, g.cfg.rpcTimeout)
	defer cancel()

	if err := g.telegram.EditBanned(rpcCtx, &tg.ChannelsEditBannedRequest{
		Channel:      input,
		Participant:  user,
		BannedRights: rights,
	}); err != nil {
		return mapRPCError("edit banned", err)
	}

	return nil
}

func (g *Gateway) channel(tenantID string) (*tg.InputChannel, error) {
	id, err := parsePeerID(tenantID)
	if err != nil {
		return nil, err
	}
	channel, ok := g.peers.Channel(id)
	if !ok {
		return nil, errUnknownPeer("channel", id)
	}

	return channel, nil
}

func (g *Gateway) member(channel warden.ChannelRef, memberID string) (*tg.InputChannel, *tg.InputPeerUser, error) {
	input, err := g.channel(channel.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	userID, err := parsePeerID(memberID)
	if err != nil {
		return nil, nil, err
	}
	user, ok := g.peers.User(userID)
	if !ok {
		return nil, nil, errUnknownPeer("user", userID)
	}

	return input, &tg.InputPeerUser{UserID: user.UserID, AccessHash: user.AccessHash}, nil
}

func (g *Gateway) holdingPeer() (tg.InputPeerClass, error) {
	if g.cfg.holdingChat == 0 {
		return nil, fmt.Errorf("%w: holding chat not configured", warden.ErrUnknownChannel)
	}

	return g.chatPeer(g.cfg.holdingChat)
}

func (g *Gateway) logPeer(tenantID string, kind warden.LogChannelKind) (tg.InputPeerClass, error) {
	target, ok := g.cfg.logChats[tenantID]
	if !ok {
		target, ok = g.cfg.logChats[defaultLogChatsKey]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no log chats for tenant %s", warden.ErrUnknownChannel, tenantID)
	}

	chatID := target.User
	if kind == warden.LogChannelModerator {
		chatID = target.Moderator
	}
	if chatID == 0 {
		return nil, fmt.Errorf("%w: no %s log chat for tenant %s", warden.ErrUnknownChannel, kind, tenantID)
	}

	return g.chatPeer(chatID)
}

func (g *Gateway) chatPeer(chatID int64) (tg.InputPeerClass, error) {
	channel, ok := g.peers.Channel(chatID)
	if !ok {
		return nil, errUnknownPeer("channel", chatID)
	}

	return &tg.InputPeerChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash}, nil
}

func (g *Gateway) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}

func (g *Gateway) logCall(ctx context.Context, operation string, attrs ...any) {
	values := make([]any, 0, 2+len(attrs))
	values = append(values, "operation", operation, "platform", DriverPlatform)
	values = append(values, attrs...)
	g.cfg.logger.DebugContext(ctx, "telegram gateway operation", values...)
}

func adminLogFilter(action warden.AuditAction) (tg.ChannelAdminLogEventsFilter, error) {
	switch action {
	case warden.AuditActionMessageDelete:
		return tg.ChannelAdminLogEventsFilter{Delete: true}, nil
	case warden.AuditActionMemberBan, warden.AuditActionMemberKick:
		return tg.ChannelAdminLogEventsFilter{Kick: true}, nil
	case warden.AuditActionMemberUnban:
		return tg.ChannelAdminLogEventsFilter{Unkick: true}, nil
	default:
		return tg.ChannelAdminLogEventsFilter{}, fmt.Errorf("unsupported audit action %q", action)
	}
}

// mapAdminLogEvent converts one admin log event. Telegram never folds
// repeated actions, so every entry counts once.
func mapAdminLogEvent(
	event tg.ChannelAdminLogEvent,
	action warden.AuditAction,
	users map[int64]*tg.User,
) (warden.AuditLogEntry, bool) {
	var targetID int64
	switch typed := event.Action.(type) {
	case *tg.ChannelAdminLogEventActionDeleteMessage:
		if action != warden.AuditActionMessageDelete {
			return warden.AuditLogEntry{}, false
		}
		authorID, ok := messageAuthorID(typed.Message)
		if !ok {
			return warden.AuditLogEntry{}, false
		}
		targetID = authorID
	case *tg.ChannelAdminLogEventActionParticipantToggleBan:
		banned := !isBannedParticipant(typed.PrevParticipant) && isBannedParticipant(typed.NewParticipant)
		lifted := isBannedParticipant(typed.PrevParticipant) && !isBannedParticipant(typed.NewParticipant)
		switch action {
		case warden.AuditActionMemberBan, warden.AuditActionMemberKick:
			if !banned {
				return warden.AuditLogEntry{}, false
			}
		case warden.AuditActionMemberUnban:
			if !lifted {
				return warden.AuditLogEntry{}, false
			}
		default:
			return warden.AuditLogEntry{}, false
		}
		userID, ok := participantUserID(typed.NewParticipant)
		if !ok {
			userID, ok = participantUserID(typed.PrevParticipant)
		}
		if !ok {
			return warden.AuditLogEntry{}, false
		}
		targetID = userID
	default:
		return warden.AuditLogEntry{}, false
	}

	entry := warden.AuditLogEntry{
		ID:        strconv.FormatInt(event.ID, 10),
		TargetID:  strconv.FormatInt(targetID, 10),
		ActorID:   strconv.FormatInt(event.UserID, 10),
		Action:    action,
		Count:     1,
		CreatedAt: intToTimeUTC(event.Date),
	}
	if user, ok := users[event.UserID]; ok {
		entry.ActorName = actorFromUser(user).DisplayName
	}

	return entry, true
}

func messageAuthorID(message tg.MessageClass) (int64, bool) {
	switch typed := message.(type) {
	case *tg.Message:
		return userIDFromPeer(typed.FromID)
	case *tg.MessageService:
		return userIDFromPeer(typed.FromID)
	default:
		return 0, false
	}
}

func sendOverrideOf(participant tg.ChannelParticipantClass) warden.SendOverride {
	banned, ok := participant.(*tg.ChannelParticipantBanned)
	if !ok {
		return warden.SendOverrideAbsent
	}
	if banned.BannedRights.SendMessages {
		return warden.SendOverrideDeny
	}

	return warden.SendOverrideNeutral
}

func parsePeerID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid telegram id %q", warden.ErrUnknownChannel, raw)
	}

	return id, nil
}

// proxyURL links a message of a private supergroup for its members.
func proxyURL(chatID int64, messageID int) string {
	return "https://t.me/c/" + strconv.FormatInt(chatID, 10) + "/" + strconv.Itoa(messageID)
}
