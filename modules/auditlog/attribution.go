package auditlog

import (
	"context"

	"modwarden/pkg/warden"
)

const (
	outcomeModerator = "moderator"
	outcomeUnknown   = "unknown"
	outcomeSelf      = "self"
)

// attribute picks the delete entry explaining a removal of authorID's message.
//
// The platform folds repeated deletions by the same moderator of the same
// author into one entry and bumps its count, so an entry equal to the cursor
// only counts when its count moved. Scanning stops at the cursor because
// older entries were already examined by an earlier correlation.
func attribute(entries []warden.AuditLogEntry, cursor *warden.AuditLogEntry, authorID string) (warden.AuditLogEntry, bool) {
	for _, entry := range entries {
		if cursor != nil && entry.ID == cursor.ID {
			if entry.TargetID == authorID && entry.Count != cursor.Count {
				return entry, true
			}
			return warden.AuditLogEntry{}, false
		}
		if entry.TargetID == authorID {
			return entry, true
		}
	}

	return warden.AuditLogEntry{}, false
}

// firstTargeting returns the newest entry applied to memberID, skipping skipID.
func firstTargeting(entries []warden.AuditLogEntry, memberID string, skipID string) (warden.AuditLogEntry, bool) {
	for _, entry := range entries {
		if skipID != "" && entry.ID == skipID {
			continue
		}
		if entry.TargetID == memberID {
			return entry, true
		}
	}

	return warden.AuditLogEntry{}, false
}

// fetch reads the newest audit entries of one action. Errors are logged and
// reported through ok so callers fall back to an unattributed record.
func (m *Module) fetch(ctx context.Context, tenantID string, action warden.AuditAction, limit int) ([]warden.AuditLogEntry, bool) {
	if err := m.limiter.Wait(ctx); err != nil {
		m.logger.WarnContext(ctx, "auditlog audit read throttled",
			"tenant_id", tenantID,
			"action", string(action),
			"error", err,
		)
		m.metrics.AuditFetchFailed(string(action))
		return nil, false
	}

	entries, err := m.auditLog.List(ctx, tenantID, action, limit)
	if err != nil {
		m.logger.WarnContext(ctx, "auditlog audit read failed",
			"tenant_id", tenantID,
			"action", string(action),
			"error", err,
		)
		m.metrics.AuditFetchFailed(string(action))
		return nil, false
	}

	return entries, true
}

// refreshDeleteCursor moves the cursor past deletions that were not explained,
// so a later correlation does not mistake them for fresh ones. Sequencer only.
func (m *Module) refreshDeleteCursor(ctx context.Context, tenantID string) {
	entries, ok := m.fetch(ctx, tenantID, warden.AuditActionMessageDelete, 1)
	if !ok || len(entries) == 0 {
		return
	}
	m.deleteCursors[tenantID] = entries[0]
}

// correlateDelete attributes the removal of message and advances the cursor.
// Sequencer only.
func (m *Module) correlateDelete(ctx context.Context, message warden.CachedMessage) (warden.AuditLogEntry, bool) {
	action := string(warden.AuditActionMessageDelete)
	entries, ok := m.fetch(ctx, message.TenantID, warden.AuditActionMessageDelete, m.scanLimit)
	if !ok {
		m.metrics.Attributed(action, outcomeUnknown)
		return warden.AuditLogEntry{}, false
	}

	var cursor *warden.AuditLogEntry
	if previous, exists := m.deleteCursors[message.TenantID]; exists {
		cursor = &previous
	}
	entry, found := attribute(entries, cursor, message.Author.ID)
	if len(entries) > 0 {
		m.deleteCursors[message.TenantID] = entries[0]
	}

	switch {
	case !found:
		m.metrics.Attributed(action, outcomeUnknown)
	case m.isSelf(ctx, entry.ActorID):
		m.metrics.Attributed(action, outcomeSelf)
	default:
		m.metrics.Attributed(action, outcomeModerator)
	}

	return entry, found
}

// correlateBan logs a ban with the moderator found in the audit trail. Sequencer only.
func (m *Module) correlateBan(ctx context.Context, tenantID string, member warden.Actor) {
	entry, found := m.correlateMember(ctx, tenantID, member, warden.AuditActionMemberBan, "")
	if found && m.isSelf(ctx, entry.ActorID) {
		return
	}
	m.emit(ctx, m.banRecord(ctx, tenantID, member, entry, found), nil)
}

// correlateUnban logs a lifted ban. Sequencer only.
func (m *Module) correlateUnban(ctx context.Context, tenantID string, member warden.Actor) {
	entry, found := m.correlateMember(ctx, tenantID, member, warden.AuditActionMemberUnban, "")
	if found && m.isSelf(ctx, entry.ActorID) {
		return
	}
	m.emit(ctx, m.unbanRecord(tenantID, member, entry, found), nil)
}

// correlateLeave tells a kick apart from a voluntary leave. Sequencer only.
func (m *Module) correlateLeave(ctx context.Context, tenantID string, member warden.Actor) {
	entry, found := m.correlateMember(ctx, tenantID, member, warden.AuditActionMemberKick, m.kickCursors[tenantID])
	if !found {
		m.emit(ctx, m.leaveRecord(tenantID, member), nil)
		return
	}
	m.kickCursors[tenantID] = entry.ID
	if m.isSelf(ctx, entry.ActorID) {
		return
	}
	m.emit(ctx, m.kickRecord(ctx, tenantID, member, entry), nil)
}

func (m *Module) correlateMember(
	ctx context.Context,
	tenantID string,
	member warden.Actor,
	action warden.AuditAction,
	skipID string,
) (warden.AuditLogEntry, bool) {
	entries, ok := m.fetch(ctx, tenantID, action, m.scanLimit)
	if !ok {
		m.metrics.Attributed(string(action), outcomeUnknown)
		return warden.AuditLogEntry{}, false
	}

	entry, found := firstTargeting(entries, member.ID, skipID)
	switch {
	case !found:
		m.metrics.Attributed(string(action), outcomeUnknown)
	case m.isSelf(ctx, entry.ActorID):
		m.metrics.Attributed(string(action), outcomeSelf)
	default:
		m.metrics.Attributed(string(action), outcomeModerator)
	}

	return entry, found
}
