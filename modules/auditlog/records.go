package auditlog

import (
	"context"
	"strconv"

	"modwarden/pkg/warden"
)

const (
	colorModerator = 0xFFFF00
	colorUser      = 0x3498DB
	colorBan       = 0xFF0000
	colorUnban     = 0x00FF00
	colorLeave     = 0x95A5A6

	unknownModerator = "Unknown"
	noReason         = "No reason provided"
)

func channelTitle(channel warden.Channel, title string) string {
	return "#" + channelLabel(channel) + ": " + title
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return noReason
	}

	return reason
}

func footer(actor warden.Actor) *warden.Actor {
	return &actor
}

func (m *Module) editRecord(channel warden.Channel, previous warden.CachedMessage) warden.LogRecord {
	return warden.LogRecord{
		TenantID:    previous.TenantID,
		Channel:     warden.LogChannelUser,
		Title:       channelTitle(channel, "Message was modified!"),
		Description: "Old message was:\n" + previous.Text,
		Fields: []warden.LogField{
			{Name: "Author", Value: previous.Author.Label(), Inline: true},
		},
		Color:     colorUser,
		Timestamp: m.clock(),
		Footer:    footer(previous.Author),
	}
}

// deleteRecord goes to the moderator channel when moderator is set and to
// the user channel otherwise.
func (m *Module) deleteRecord(
	channel warden.Channel,
	message warden.CachedMessage,
	attachments string,
	moderator *warden.AuditLogEntry,
) warden.LogRecord {
	record := warden.LogRecord{
		TenantID:    message.TenantID,
		Channel:     warden.LogChannelUser,
		Title:       channelTitle(channel, "Message was deleted!"),
		Description: "Old message was:\n" + message.Text,
		Color:       colorUser,
		Timestamp:   m.clock(),
		Footer:      footer(message.Author),
	}
	if attachments != "" {
		record.Fields = append(record.Fields, warden.LogField{Name: "Attachment(s)", Value: attachments})
	}
	record.Fields = append(record.Fields, warden.LogField{Name: "Author", Value: message.Author.Label(), Inline: true})
	if moderator != nil {
		record.Channel = warden.LogChannelModerator
		record.Color = colorModerator
		record.Fields = append(record.Fields,
			warden.LogField{Name: "Deleted by", Value: moderator.ActorLabel(), Inline: true},
			warden.LogField{Name: "Reason", Value: reasonOrDefault(moderator.Reason)},
		)
	}

	return record
}

func (m *Module) purgeRecord(tenantID string, channel warden.Channel, recovered int) warden.LogRecord {
	return warden.LogRecord{
		TenantID: tenantID,
		Channel:  warden.LogChannelUser,
		Title:    channelTitle(channel, "Bulk delete"),
		Fields: []warden.LogField{
			{Name: "Amount of deleted messages", Value: strconv.Itoa(recovered)},
		},
		Color:     colorUser,
		Timestamp: m.clock(),
	}
}

func (m *Module) banRecord(
	ctx context.Context,
	tenantID string,
	member warden.Actor,
	entry warden.AuditLogEntry,
	found bool,
) warden.LogRecord {
	moderator, reason := unknownModerator, noReason
	if found {
		moderator, reason = entry.ActorLabel(), reasonOrDefault(entry.Reason)
	}

	return warden.LogRecord{
		TenantID: tenantID,
		Channel:  warden.LogChannelModerator,
		Title:    "User banned",
		Fields: []warden.LogField{
			{Name: "Case", Value: m.cases.Label(ctx, tenantID), Inline: true},
			{Name: "User", Value: member.Label(), Inline: true},
			{Name: "Moderator", Value: moderator, Inline: true},
			{Name: "Reason", Value: reason},
		},
		Color:     colorBan,
		Timestamp: m.clock(),
		Footer:    footer(member),
	}
}

func (m *Module) kickRecord(ctx context.Context, tenantID string, member warden.Actor, entry warden.AuditLogEntry) warden.LogRecord {
	return warden.LogRecord{
		TenantID: tenantID,
		Channel:  warden.LogChannelModerator,
		Title:    "User kicked",
		Fields: []warden.LogField{
			{Name: "Case", Value: m.cases.Label(ctx, tenantID), Inline: true},
			{Name: "User", Value: member.Label(), Inline: true},
			{Name: "Moderator", Value: entry.ActorLabel(), Inline: true},
			{Name: "Reason", Value: reasonOrDefault(entry.Reason)},
		},
		Color:     colorBan,
		Timestamp: m.clock(),
		Footer:    footer(member),
	}
}

func (m *Module) leaveRecord(tenantID string, member warden.Actor) warden.LogRecord {
	return warden.LogRecord{
		TenantID: tenantID,
		Channel:  warden.LogChannelUser,
		Title:    "User left",
		Fields: []warden.LogField{
			{Name: "User", Value: member.Label(), Inline: true},
		},
		Color:     colorLeave,
		Timestamp: m.clock(),
		Footer:    footer(member),
	}
}

func (m *Module) unbanRecord(tenantID string, member warden.Actor, entry warden.AuditLogEntry, found bool) warden.LogRecord {
	moderator := unknownModerator
	if found {
		moderator = entry.ActorLabel()
	}

	return warden.LogRecord{
		TenantID: tenantID,
		Channel:  warden.LogChannelModerator,
		Title:    "User ban revoked",
		Fields: []warden.LogField{
			{Name: "User", Value: member.Label(), Inline: true},
			{Name: "Moderator", Value: moderator, Inline: true},
		},
		Color:     colorUnban,
		Timestamp: m.clock(),
		Footer:    footer(member),
	}
}
