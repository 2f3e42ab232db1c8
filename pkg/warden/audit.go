package warden

import (
	"context"
	"time"
)

// AuditAction identifies a category of audit log entries.
type AuditAction string

const (
	// AuditActionMessageDelete covers moderator message removals.
	AuditActionMessageDelete AuditAction = "message_delete"
	// AuditActionMemberBan covers bans.
	AuditActionMemberBan AuditAction = "member_ban"
	// AuditActionMemberUnban covers lifted bans.
	AuditActionMemberUnban AuditAction = "member_unban"
	// AuditActionMemberKick covers removals without a ban.
	AuditActionMemberKick AuditAction = "member_kick"
)

// AuditLogEntry is one read-only record of the platform audit trail.
type AuditLogEntry struct {
	// ID identifies the entry; repeated actions may reuse it.
	ID string
	// TargetID is the account the action was applied to.
	TargetID string
	// ActorID is the account that performed the action.
	ActorID string
	// ActorName is a display label for ActorID when the platform returns one.
	ActorName string
	// Action is the entry category.
	Action AuditAction
	// Count is the repetition counter the platform bumps when it folds
	// consecutive identical actions into one entry.
	Count int
	// Reason is the free-form justification when one was given.
	Reason string
	// CreatedAt is the entry timestamp.
	CreatedAt time.Time
}

// AuditLog reads the platform's moderation audit trail.
type AuditLog interface {
	// List returns up to limit entries of one action type, newest first.
	// Implementations must query the platform and never serve cached pages.
	List(ctx context.Context, tenantID string, action AuditAction, limit int) ([]AuditLogEntry, error)
}

// ActorLabel renders the acting account for log records.
func (e AuditLogEntry) ActorLabel() string {
	if e.ActorName != "" {
		return e.ActorName
	}

	return e.ActorID
}
