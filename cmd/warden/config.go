package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"modwarden/internal/casecounter"
	"modwarden/internal/driver"
	"modwarden/modules/auditlog"
	"modwarden/modules/slowmode"
	"modwarden/pkg/warden"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

const (
	envConfigFile             = "WARDEN_CONFIG_FILE"
	defaultConfigFilePath     = "config/warden.json"
	alternateConfigFilePath   = "bin/config/warden.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
	defaultAuditBurst         = 1

	casesBackendFile  = "file"
	casesBackendRedis = "redis"
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers     []driver.Definition
	metricsAddr string

	audit    auditConfig
	cases    casesConfig
	slowMode slowModeConfig
}

type auditConfig struct {
	commandPrefix       string
	messageCacheSize    int
	attachmentVaultSize int
	correlationDelay    time.Duration
	rateLimit           rate.Limit
	rateBurst           int
	defaults            auditlog.TenantSettings
	tenants             map[string]auditlog.TenantSettings
}

type casesConfig struct {
	backend  string
	file     string
	redisURL string
}

type slowModeConfig struct {
	poolWorkers     int
	shutdownTimeout time.Duration
	channels        []slowmode.ChannelSettings
}

type fileConfig struct {
	LogLevel string             `json:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	Kernel   fileKernelConfig   `json:"kernel"`
	Drivers  []fileDriverEntry  `json:"drivers" validate:"required,min=1,dive"`
	Metrics  fileMetricsConfig  `json:"metrics"`
	Audit    fileAuditConfig    `json:"audit"`
	Cases    fileCasesConfig    `json:"cases"`
	SlowMode fileSlowModeConfig `json:"slowmode"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer" validate:"omitempty,gt=0"`
	SubscriptionWorkers *int   `json:"subscription_workers" validate:"omitempty,gt=0"`
}

type fileDriverEntry struct {
	Name    string          `json:"name" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config" validate:"required"`
}

type fileMetricsConfig struct {
	ListenAddr string `json:"listen_addr" validate:"omitempty,hostname_port"`
}

type fileAuditConfig struct {
	CommandPrefix       string                        `json:"command_prefix"`
	MessageCacheSize    *int                          `json:"message_cache_size" validate:"omitempty,gt=0"`
	AttachmentVaultSize *int                          `json:"attachment_vault_size" validate:"omitempty,gt=0"`
	CorrelationDelay    string                        `json:"correlation_delay"`
	RatePerSecond       *float64                      `json:"audit_rate_per_second" validate:"omitempty,gt=0"`
	RateBurst           *int                          `json:"audit_rate_burst" validate:"omitempty,gt=0"`
	DefaultSettings     *fileTenantSettings           `json:"default_settings"`
	Tenants             map[string]fileTenantSettings `json:"tenants" validate:"dive,keys,required,endkeys"`
}

type fileTenantSettings struct {
	LogMessageDelete *bool    `json:"log_message_delete"`
	LogMessageUpdate *bool    `json:"log_message_update"`
	LogMemberBan     *bool    `json:"log_member_ban"`
	LogMemberLeave   *bool    `json:"log_member_leave"`
	ExcludedChannels []string `json:"excluded_channels" validate:"dive,required"`
}

type fileCasesConfig struct {
	Backend  string `json:"backend" validate:"omitempty,oneof=file redis"`
	File     string `json:"file"`
	RedisURL string `json:"redis_url" validate:"required_if=Backend redis"`
}

type fileSlowModeConfig struct {
	PoolWorkers     *int                  `json:"pool_workers" validate:"omitempty,gt=0"`
	ShutdownTimeout string                `json:"shutdown_timeout"`
	Channels        []fileSlowModeChannel `json:"channels" validate:"dive"`
}

type fileSlowModeChannel struct {
	Tenant    string `json:"tenant" validate:"required"`
	Channel   string `json:"channel" validate:"required"`
	Threshold int    `json:"threshold" validate:"gte=0"`
	Window    string `json:"window"`
	Mute      string `json:"mute"`
}

func loadConfig(explicitPath string, registry *driver.Registry) (appConfig, error) {
	configFile, err := resolveConfigFilePath(explicitPath)
	if err != nil {
		return appConfig{}, err
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", configFile, err)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return appConfig{}, fmt.Errorf("config file %s: %w", configFile, err)
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(explicitPath string) (string, error) {
	if configFile := strings.TrimSpace(explicitPath); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, pass --config, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		drivers: make([]driver.Definition, 0),
		audit: auditConfig{
			rateLimit: rate.Inf,
			rateBurst: defaultAuditBurst,
			defaults:  auditlog.DefaultTenantSettings(),
			tenants:   make(map[string]auditlog.TenantSettings),
		},
		cases: casesConfig{
			backend: casesBackendFile,
			file:    casecounter.DefaultFile,
		},
	}
}

func parseConfig(data []byte) (appConfig, error) {
	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return appConfig{}, fmt.Errorf("parse: %w", err)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(parsed); err != nil {
		return appConfig{}, fmt.Errorf("validate: %w", err)
	}

	cfg := defaultAppConfig()
	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		scope  string
		raw    string
		target *time.Duration
	}{
		{scope: "kernel.module_hook_timeout", raw: parsed.Kernel.ModuleHookTimeout, target: &cfg.moduleHookTimeout},
		{scope: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{scope: "audit.correlation_delay", raw: parsed.Audit.CorrelationDelay, target: &cfg.audit.correlationDelay},
		{scope: "slowmode.shutdown_timeout", raw: parsed.SlowMode.ShutdownTimeout, target: &cfg.slowMode.shutdownTimeout},
	}
	for _, entry := range durations {
		if err := parsePositiveDuration(entry.raw, entry.scope, entry.target); err != nil {
			return appConfig{}, err
		}
	}
	if parsed.Kernel.SubscriptionBuffer != nil {
		cfg.subscriptionBuffer = *parsed.Kernel.SubscriptionBuffer
	}
	if parsed.Kernel.SubscriptionWorkers != nil {
		cfg.subscriptionWorkers = *parsed.Kernel.SubscriptionWorkers
	}

	for _, entry := range parsed.Drivers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}
	cfg.metricsAddr = strings.TrimSpace(parsed.Metrics.ListenAddr)

	applyAuditConfig(&cfg.audit, parsed.Audit)

	if backend := strings.TrimSpace(parsed.Cases.Backend); backend != "" {
		cfg.cases.backend = backend
	}
	if file := strings.TrimSpace(parsed.Cases.File); file != "" {
		cfg.cases.file = file
	}
	cfg.cases.redisURL = strings.TrimSpace(parsed.Cases.RedisURL)

	if parsed.SlowMode.PoolWorkers != nil {
		cfg.slowMode.poolWorkers = *parsed.SlowMode.PoolWorkers
	}
	for index, entry := range parsed.SlowMode.Channels {
		channel, err := parseSlowModeChannel(entry, fmt.Sprintf("slowmode.channels[%d]", index))
		if err != nil {
			return appConfig{}, err
		}
		cfg.slowMode.channels = append(cfg.slowMode.channels, channel)
	}

	return cfg, nil
}

func applyAuditConfig(cfg *auditConfig, parsed fileAuditConfig) {
	cfg.commandPrefix = strings.TrimSpace(parsed.CommandPrefix)
	if parsed.MessageCacheSize != nil {
		cfg.messageCacheSize = *parsed.MessageCacheSize
	}
	if parsed.AttachmentVaultSize != nil {
		cfg.attachmentVaultSize = *parsed.AttachmentVaultSize
	}
	if parsed.RatePerSecond != nil {
		cfg.rateLimit = rate.Limit(*parsed.RatePerSecond)
	}
	if parsed.RateBurst != nil {
		cfg.rateBurst = *parsed.RateBurst
	}
	if parsed.DefaultSettings != nil {
		cfg.defaults = mergeTenantSettings(cfg.defaults, *parsed.DefaultSettings)
	}
	for tenantID, raw := range parsed.Tenants {
		cfg.tenants[strings.TrimSpace(tenantID)] = mergeTenantSettings(cfg.defaults, raw)
	}
}

// mergeTenantSettings overrides base with every field raw sets.
func mergeTenantSettings(base auditlog.TenantSettings, raw fileTenantSettings) auditlog.TenantSettings {
	merged := base
	merged.ExcludedChannels = append([]string(nil), base.ExcludedChannels...)
	for _, flag := range []struct {
		value  *bool
		target *bool
	}{
		{value: raw.LogMessageDelete, target: &merged.LogMessageDelete},
		{value: raw.LogMessageUpdate, target: &merged.LogMessageUpdate},
		{value: raw.LogMemberBan, target: &merged.LogMemberBan},
		{value: raw.LogMemberLeave, target: &merged.LogMemberLeave},
	} {
		if flag.value != nil {
			*flag.target = *flag.value
		}
	}
	if raw.ExcludedChannels != nil {
		merged.ExcludedChannels = append([]string(nil), raw.ExcludedChannels...)
	}

	return merged
}

func parseSlowModeChannel(raw fileSlowModeChannel, scope string) (slowmode.ChannelSettings, error) {
	channel := slowmode.ChannelSettings{
		Channel: warden.ChannelRef{
			TenantID:  strings.TrimSpace(raw.Tenant),
			ChannelID: strings.TrimSpace(raw.Channel),
		},
		Settings: warden.SlowModeSettings{Threshold: raw.Threshold},
	}
	if err := parsePositiveDuration(raw.Window, scope+".window", &channel.Settings.Window); err != nil {
		return slowmode.ChannelSettings{}, err
	}
	if err := parsePositiveDuration(raw.Mute, scope+".mute", &channel.Settings.Mute); err != nil {
		return slowmode.ChannelSettings{}, err
	}

	return channel, nil
}

// parsePositiveDuration leaves target untouched when raw is blank.
func parsePositiveDuration(raw string, scope string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", scope, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("parse %s: must be > 0", scope)
	}
	*target = parsed

	return nil
}

func validateAppConfig(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := 0
	for _, definition := range cfg.drivers {
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	if cfg.cases.backend == casesBackendFile && cfg.cases.file == "" {
		return fmt.Errorf("cases.file is required for the file backend")
	}

	slowed := make(map[warden.ChannelRef]struct{}, len(cfg.slowMode.channels))
	for _, channel := range cfg.slowMode.channels {
		if _, exists := slowed[channel.Channel]; exists {
			return fmt.Errorf(
				"slowmode.channels: duplicate channel %s/%s",
				channel.Channel.TenantID,
				channel.Channel.ChannelID,
			)
		}
		slowed[channel.Channel] = struct{}{}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
