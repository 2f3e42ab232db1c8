package telegram

import "modwarden/pkg/warden"

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the platform produced by the Telegram runtime.
	DriverPlatform warden.Platform = warden.PlatformTelegram
)
