package auditlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"modwarden/pkg/warden"
)

const transcriptTimeLayout = "2006-01-02 15:04:05 MST"

// buildTranscript renders every recovered message of a bulk deletion and
// reports how many were recovered.
func (m *Module) buildTranscript(event *warden.Event) (string, int) {
	var builder strings.Builder
	recovered := 0
	for _, messageID := range event.Deletion.MessageIDs {
		key := warden.MessageKey{TenantID: event.Tenant.ID, MessageID: messageID}
		message, ok := m.cache.Lookup(key, true)
		if !ok {
			continue
		}
		if recovered == 0 {
			fmt.Fprintf(&builder, "Deleted messages in #%s\n\n", channelLabel(event.Channel))
		}
		recovered++

		builder.WriteString(message.Author.Label())
		builder.WriteString(":\n")
		builder.WriteString(message.Text)
		builder.WriteString("\n")
		if listing := m.vault.Retrieve(key); listing != "" {
			builder.WriteString("Attachment(s):\n")
			builder.WriteString(listing)
		}
		builder.WriteString("\n")
	}
	if recovered == 0 {
		return "", 0
	}
	builder.WriteString("Logged on ")
	builder.WriteString(m.clock().Format(transcriptTimeLayout))

	return builder.String(), recovered
}

func channelLabel(channel warden.Channel) string {
	if channel.Name != "" {
		return channel.Name
	}

	return channel.ID
}

func (m *Module) handleMessagesPurged(ctx context.Context, event *warden.Event) error {
	transcript, recovered := m.buildTranscript(event)
	if recovered == 0 {
		return nil
	}

	path, err := m.writeTranscript(transcript)
	if err != nil {
		return fmt.Errorf("auditlog bulk delete transcript: %w", err)
	}
	defer m.removeTranscript(ctx, path)

	file := &warden.LogFile{
		Name: fmt.Sprintf("deleted-messages-%d.txt", m.clock().Unix()),
		Path: path,
	}
	m.emit(ctx, m.purgeRecord(event.Tenant.ID, event.Channel, recovered), file)

	return nil
}

func (m *Module) writeTranscript(transcript string) (string, error) {
	file, err := os.CreateTemp(m.tempDir, "warden-bulk-*.txt")
	if err != nil {
		return "", fmt.Errorf("create transcript: %w", err)
	}
	path := file.Name()

	_, writeErr := file.WriteString(transcript)
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write transcript %s: %w", path, err)
	}

	return path, nil
}

// removeTranscript deletes the transcript, handing it to the process cleaner
// when the removal fails.
func (m *Module) removeTranscript(ctx context.Context, path string) {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return
	}
	m.logger.WarnContext(ctx, "auditlog transcript removal failed",
		"path", path,
		"error", err,
	)
	if m.tempFiles != nil {
		m.tempFiles.Defer(path)
	}
}
