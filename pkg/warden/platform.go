package warden

import (
	"context"
	"time"
)

// UploadRequest asks the platform to copy one attachment to the holding location.
type UploadRequest struct {
	TenantID   string
	MessageID  string
	Attachment Attachment
}

// Proxy is a durable copy of an attachment living in the holding location.
type Proxy struct {
	// ID identifies the proxy message or object on the platform.
	ID string
	// FileName is the name the copy was uploaded under.
	FileName string
	// URL is a retrieval link for the copy.
	URL string
}

// AttachmentStore re-uploads transient attachments and removes the copies again.
type AttachmentStore interface {
	Upload(ctx context.Context, request UploadRequest) (Proxy, error)
	Delete(ctx context.Context, proxy Proxy) error
}

// ChannelRef addresses one channel of one tenant.
type ChannelRef struct {
	TenantID  string
	ChannelID string
}

// SendOverride describes a member-specific override of the send permission.
type SendOverride int

const (
	// SendOverrideAbsent means the member has no override at all.
	SendOverrideAbsent SendOverride = iota
	// SendOverrideNeutral means an override exists but leaves sending inherited.
	SendOverrideNeutral
	// SendOverrideDeny means an override explicitly denies sending.
	SendOverrideDeny
	// SendOverrideAllow means an override explicitly allows sending.
	SendOverrideAllow
)

// String returns a stable label used in logs.
func (o SendOverride) String() string {
	switch o {
	case SendOverrideAbsent:
		return "absent"
	case SendOverrideNeutral:
		return "neutral"
	case SendOverrideDeny:
		return "deny"
	case SendOverrideAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// PermissionEditor reads and edits member permission overrides on a channel.
type PermissionEditor interface {
	MemberSendOverride(ctx context.Context, channel ChannelRef, memberID string) (SendOverride, error)
	// SetMemberSendOverride creates the override when absent.
	SetMemberSendOverride(ctx context.Context, channel ChannelRef, memberID string, override SendOverride) error
	DeleteMemberOverride(ctx context.Context, channel ChannelRef, memberID string) error
}

// LogChannelKind routes a record to the moderator or the user log channel.
type LogChannelKind string

const (
	// LogChannelModerator receives records of actions taken by moderators.
	LogChannelModerator LogChannelKind = "moderator"
	// LogChannelUser receives records of actions taken by members themselves.
	LogChannelUser LogChannelKind = "user"
)

// LogField is one titled value of a log record.
type LogField struct {
	Name   string
	Value  string
	Inline bool
}

// LogRecord is a formatted moderation log entry.
type LogRecord struct {
	TenantID    string
	Channel     LogChannelKind
	Title       string
	Description string
	Fields      []LogField
	Color       int
	Timestamp   time.Time
	// Footer names the member the record is about.
	Footer *Actor
}

// LogFile is a local file handed to the sink together with a record.
// The sink must finish reading it before Log returns.
type LogFile struct {
	Name string
	Path string
}

// LogSink delivers log records to the tenant's log channels.
type LogSink interface {
	Log(ctx context.Context, record LogRecord, file *LogFile) error
}

// Identity reports the account the bot runs as.
type Identity interface {
	Self(ctx context.Context) (Actor, error)
}

// CaseNumbers hands out per-tenant case numbers for moderation actions.
type CaseNumbers interface {
	Next(ctx context.Context, tenantID string) (int64, error)
	Reset(ctx context.Context, tenantID string)
	// Label returns the next number formatted for display, or a placeholder on failure.
	Label(ctx context.Context, tenantID string) string
}

// SlowModeSettings configures message throttling for one channel.
type SlowModeSettings struct {
	// Threshold is the message count that triggers a mute.
	Threshold int
	// Window is how long a member's count is kept after the first message.
	Window time.Duration
	// Mute is how long a member stays muted.
	Mute time.Duration
}

// SlowModeController toggles slow mode per channel.
type SlowModeController interface {
	// Enable reports false when the channel was already slowed.
	Enable(ctx context.Context, channel ChannelRef, settings SlowModeSettings) (bool, error)
	// Disable reports false when the channel was not slowed.
	Disable(ctx context.Context, channel ChannelRef) bool
}

// TempFileCleaner removes files whose immediate deletion failed.
type TempFileCleaner interface {
	Defer(path string)
}
