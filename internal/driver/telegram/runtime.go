package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimePublishDelay = 2 * time.Second
	defaultRuntimeAuthTimeout  = 3 * time.Minute
	defaultRuntimeUpdateBuffer = 256
)

type runtimeConfig struct {
	AppID          int                 `json:"app_id"`
	AppHash        string              `json:"app_hash"`
	PublishTimeout string              `json:"publish_timeout"`
	RPCTimeout     string              `json:"rpc_timeout"`
	UploadTimeout  string              `json:"upload_timeout"`
	AdminCacheTTL  string              `json:"admin_cache_ttl"`
	UpdateBuffer   int                 `json:"update_buffer"`
	AuthTimeout    string              `json:"auth_timeout"`
	Code           string              `json:"code"`
	Phone          string              `json:"phone"`
	Password       string              `json:"password"`
	SessionFile    string              `json:"session_file"`
	HoldingChat    int64               `json:"holding_chat"`
	LogChats       map[string]LogChats `json:"log_chats"`
}

type parsedRuntimeConfig struct {
	appID          int
	appHash        string
	publishTimeout time.Duration
	rpcTimeout     time.Duration
	uploadTimeout  time.Duration
	adminCacheTTL  time.Duration
	updateBuffer   int
	authTimeout    time.Duration
	code           string
	phone          string
	password       string
	sessionFile    string
	holdingChat    int64
	logChats       map[string]LogChats
}

// BuildRuntimeFromConfig builds the Telegram driver and the gateway serving
// the moderation ports from one config payload. Both share a single userbot
// session.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (*Driver, *Gateway, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	feed := NewUpdateFeed(cfg.updateBuffer, func(ctx context.Context) {
		logger.WarnContext(ctx, "telegram update gap, messages posted meanwhile are not cached")
	})

	sessionStorage, err := newGotdSessionStorage(cfg.sessionFile)
	if err != nil {
		return nil, nil, fmt.Errorf("new gotd session storage: %w", err)
	}

	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  feed,
		SessionStorage: sessionStorage,
	})

	peers := NewPeerCache()
	gateway, err := NewGateway(
		client,
		peers,
		WithGatewayTimeout(cfg.rpcTimeout),
		WithUploadTimeout(cfg.uploadTimeout),
		WithGatewayLogger(logger),
		WithHoldingChat(cfg.holdingChat),
		WithLogChats(cfg.logChats),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new telegram gateway: %w", err)
	}

	source, err := NewSessionSource(
		userbotSession{
			client: client,
			login: func(ctx context.Context) error {
				return logIn(ctx, logger, client, cfg)
			},
			prepare: gateway.Prepare,
		},
		feed,
		NewDefaultGotdUpdateMapper(
			WithPeerCache(peers),
			WithAdminChecker(NewAdminDirectory(client.API(), peers, logger, cfg.adminCacheTTL)),
		),
		WithSkipHandler(func(ctx context.Context, err error) {
			logger.WarnContext(ctx, "telegram update skipped", "error", err)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new session source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "telegram driver async error", "error", err)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new telegram driver: %w", err)
	}

	return driver, gateway, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := parsedRuntimeConfig{
		appID:          parsed.AppID,
		appHash:        strings.TrimSpace(parsed.AppHash),
		publishTimeout: defaultRuntimePublishDelay,
		rpcTimeout:     defaultGatewayTimeout,
		uploadTimeout:  defaultUploadTimeout,
		adminCacheTTL:  defaultAdminCacheTTL,
		updateBuffer:   parsed.UpdateBuffer,
		authTimeout:    defaultRuntimeAuthTimeout,
		code:           strings.TrimSpace(parsed.Code),
		phone:          strings.TrimSpace(parsed.Phone),
		password:       strings.TrimSpace(parsed.Password),
		sessionFile:    strings.TrimSpace(parsed.SessionFile),
		holdingChat:    parsed.HoldingChat,
		logChats:       parsed.LogChats,
	}

	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultRuntimeUpdateBuffer
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = defaultRuntimeSessionFile
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.publishTimeout},
		{field: "rpc_timeout", raw: parsed.RPCTimeout, target: &cfg.rpcTimeout},
		{field: "upload_timeout", raw: parsed.UploadTimeout, target: &cfg.uploadTimeout},
		{field: "admin_cache_ttl", raw: parsed.AdminCacheTTL, target: &cfg.adminCacheTTL},
		{field: "auth_timeout", raw: parsed.AuthTimeout, target: &cfg.authTimeout},
	}
	for _, duration := range durations {
		value := strings.TrimSpace(duration.raw)
		if value == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(value)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse %s: %w", duration.field, err)
		}
		if parsedDuration <= 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("parse %s: must be > 0", duration.field)
		}
		*duration.target = parsedDuration
	}

	if cfg.appID <= 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("app_id must be > 0")
	}
	if cfg.appHash == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("app_hash is required")
	}
	if cfg.holdingChat < 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("holding_chat must be a positive channel id")
	}
	if len(cfg.logChats) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("log_chats requires at least one tenant entry")
	}
	for tenantID, target := range cfg.logChats {
		if target.Moderator <= 0 || target.User <= 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("log_chats[%s]: moderator and user chat ids are required", tenantID)
		}
	}

	return cfg, nil
}

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	sessionDir := filepath.Dir(absPath)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}
