// Package auditlog reconstructs what happened to content that disappeared.
//
// It keeps recently seen messages and copies of their attachments, and when a
// message, a batch of messages or a member goes away it consults the platform
// audit trail to name the responsible moderator before writing a log record.
// All audit trail reads and attribution cursors live on one Sequencer, so two
// deletions can never observe each other's half-updated cursor.
package auditlog
