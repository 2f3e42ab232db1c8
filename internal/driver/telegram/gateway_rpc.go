package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/gotd/td/crypto"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

type gatewayRPC interface {
	Self(ctx context.Context) (*tg.User, error)
	AllChats(ctx context.Context) ([]tg.ChatClass, error)
	AdminLog(ctx context.Context, request *tg.ChannelsGetAdminLogRequest) (*tg.ChannelsAdminLogResults, error)
	Participant(ctx context.Context, request *tg.ChannelsGetParticipantRequest) (*tg.ChannelsChannelParticipant, error)
	EditBanned(ctx context.Context, request *tg.ChannelsEditBannedRequest) error
	// CopyFile downloads location and posts it to peer, returning the new message id.
	CopyFile(ctx context.Context, peer tg.InputPeerClass, location tg.InputFileLocationClass, name string, mime string) (int, error)
	DeleteMessages(ctx context.Context, peer tg.InputPeerClass, ids ...int) error
	SendText(ctx context.Context, peer tg.InputPeerClass, text string, entities []tg.MessageEntityClass) error
	SendFile(ctx context.Context, peer tg.InputPeerClass, path string, name string, caption string, entities []tg.MessageEntityClass) error
}

// NewGateway creates a gateway backed by a gotd client.
func NewGateway(client *gotdtelegram.Client, peers *PeerCache, options ...GatewayOption) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram gateway: nil client")
	}

	return newGatewayWithRPC(newGotdGatewayRPC(client), peers, options...)
}

type gotdGatewayRPC struct {
	client     *gotdtelegram.Client
	raw        *tg.Client
	rand       io.Reader
	sender     *message.Sender
	uploader   *uploader.Uploader
	downloader *downloader.Downloader
}

func newGotdGatewayRPC(client *gotdtelegram.Client) gotdGatewayRPC {
	raw := client.API()

	return gotdGatewayRPC{
		client:     client,
		raw:        raw,
		rand:       crypto.DefaultRand(),
		sender:     message.NewSender(raw),
		uploader:   uploader.NewUploader(raw),
		downloader: downloader.NewDownloader(),
	}
}

func (r gotdGatewayRPC) Self(ctx context.Context) (*tg.User, error) {
	user, err := r.client.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("self: %w", err)
	}

	return user, nil
}

func (r gotdGatewayRPC) AllChats(ctx context.Context) ([]tg.ChatClass, error) {
	result, err := r.raw.MessagesGetAllChats(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get all chats: %w", err)
	}

	return result.GetChats(), nil
}

func (r gotdGatewayRPC) AdminLog(
	ctx context.Context,
	request *tg.ChannelsGetAdminLogRequest,
) (*tg.ChannelsAdminLogResults, error) {
	result, err := r.raw.ChannelsGetAdminLog(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("get admin log: %w", err)
	}

	return result, nil
}

func (r gotdGatewayRPC) Participant(
	ctx context.Context,
	request *tg.ChannelsGetParticipantRequest,
) (*tg.ChannelsChannelParticipant, error) {
	result, err := r.raw.ChannelsGetParticipant(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}

	return result, nil
}

func (r gotdGatewayRPC) EditBanned(ctx context.Context, request *tg.ChannelsEditBannedRequest) error {
	if _, err := r.raw.ChannelsEditBanned(ctx, request); err != nil {
		return fmt.Errorf("edit banned: %w", err)
	}

	return nil
}

func (r gotdGatewayRPC) CopyFile(
	ctx context.Context,
	peer tg.InputPeerClass,
	location tg.InputFileLocationClass,
	name string,
	mime string,
) (int, error) {
	var buffer bytes.Buffer
	if _, err := r.downloader.Download(r.raw, location).Stream(ctx, &buffer); err != nil {
		return 0, fmt.Errorf("download %s: %w", name, err)
	}

	file, err := r.uploader.FromBytes(ctx, name, buffer.Bytes())
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", name, err)
	}

	return r.sendDocument(ctx, peer, file, name, mime, "", nil)
}

func (r gotdGatewayRPC) DeleteMessages(ctx context.Context, peer tg.InputPeerClass, ids ...int) error {
	if _, err := r.sender.To(peer).Revoke().Messages(ctx, ids...); err != nil {
		return fmt.Errorf("revoke delete messages: %w", err)
	}

	return nil
}

func (r gotdGatewayRPC) SendText(
	ctx context.Context,
	peer tg.InputPeerClass,
	text string,
	entities []tg.MessageEntityClass,
) error {
	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return fmt.Errorf("send text random id: %w", err)
	}

	if _, err := r.raw.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   text,
		NoWebpage: true,
		Entities:  entities,
		RandomID:  randomID,
	}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	return nil
}

func (r gotdGatewayRPC) SendFile(
	ctx context.Context,
	peer tg.InputPeerClass,
	path string,
	name string,
	caption string,
	entities []tg.MessageEntityClass,
) error {
	file, err := r.uploader.FromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if _, err := r.sendDocument(ctx, peer, file, name, "text/plain", caption, entities); err != nil {
		return err
	}

	return nil
}

func (r gotdGatewayRPC) sendDocument(
	ctx context.Context,
	peer tg.InputPeerClass,
	file tg.InputFileClass,
	name string,
	mime string,
	caption string,
	entities []tg.MessageEntityClass,
) (int, error) {
	if mime == "" {
		mime = "application/octet-stream"
	}

	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return 0, fmt.Errorf("send document random id: %w", err)
	}

	updates, err := r.raw.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer: peer,
		Media: &tg.InputMediaUploadedDocument{
			File:       file,
			MimeType:   mime,
			ForceFile:  true,
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: name}},
		},
		Message:  caption,
		Entities: entities,
		RandomID: randomID,
	})
	if err != nil {
		return 0, fmt.Errorf("send document %s: %w", name, err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}
