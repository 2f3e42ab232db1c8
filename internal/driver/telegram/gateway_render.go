package telegram

import (
	"regexp"
	"strings"

	"modwarden/pkg/warden"

	"github.com/gotd/td/tg"
)

const (
	// maxDescriptionUnits keeps a record below the 4096 unit message limit.
	maxDescriptionUnits = 3000
	maxCaptionUnits     = 1024
	truncationMarker    = "…"
	recordTimeLayout    = "2006-01-02 15:04:05 MST"
)

var markdownLink = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)

// styledText accumulates text together with entities measured in UTF-16
// code units, which is how Telegram counts offsets.
type styledText struct {
	text     strings.Builder
	length   int
	entities []tg.MessageEntityClass
}

func (s *styledText) plain(value string) {
	s.text.WriteString(value)
	s.length += utf16Length(value)
}

func (s *styledText) bold(value string) {
	if value == "" {
		return
	}
	s.entities = append(s.entities, &tg.MessageEntityBold{Offset: s.length, Length: utf16Length(value)})
	s.plain(value)
}

func (s *styledText) italic(value string) {
	if value == "" {
		return
	}
	s.entities = append(s.entities, &tg.MessageEntityItalic{Offset: s.length, Length: utf16Length(value)})
	s.plain(value)
}

// linked writes value and turns markdown links into text URL entities.
func (s *styledText) linked(value string) {
	cursor := 0
	for _, match := range markdownLink.FindAllStringSubmatchIndex(value, -1) {
		s.plain(value[cursor:match[0]])
		label := value[match[2]:match[3]]
		s.entities = append(s.entities, &tg.MessageEntityTextURL{
			Offset: s.length,
			Length: utf16Length(label),
			URL:    value[match[4]:match[5]],
		})
		s.plain(label)
		cursor = match[1]
	}
	s.plain(value[cursor:])
}

func (s *styledText) complete() (string, []tg.MessageEntityClass) {
	return s.text.String(), s.entities
}

// renderRecord lays a record out as a bold title, the description, one line
// per field and an italic footer.
func renderRecord(record warden.LogRecord) (string, []tg.MessageEntityClass) {
	var out styledText
	out.bold(record.Title)

	if description := truncateUnits(record.Description, maxDescriptionUnits); description != "" {
		out.plain("\n")
		out.linked(description)
	}

	if len(record.Fields) > 0 {
		out.plain("\n")
	}
	for _, field := range record.Fields {
		out.plain("\n")
		out.bold(field.Name + ":")
		if field.Inline {
			out.plain(" ")
		} else {
			out.plain("\n")
		}
		out.linked(field.Value)
	}

	footer := make([]string, 0, 2)
	if record.Footer != nil {
		footer = append(footer, "ID: "+record.Footer.ID)
	}
	if !record.Timestamp.IsZero() {
		footer = append(footer, record.Timestamp.UTC().Format(recordTimeLayout))
	}
	if len(footer) > 0 {
		out.plain("\n\n")
		out.italic(strings.Join(footer, " | "))
	}

	return out.complete()
}

func renderCaption(title string) (string, []tg.MessageEntityClass) {
	var out styledText
	out.bold(truncateUnits(title, maxCaptionUnits))

	return out.complete()
}

func truncateUnits(value string, limit int) string {
	if utf16Length(value) <= limit {
		return value
	}

	budget := limit - utf16Length(truncationMarker)
	var builder strings.Builder
	used := 0
	for _, r := range value {
		width := utf16Length(string(r))
		if used+width > budget {
			break
		}
		builder.WriteRune(r)
		used += width
	}
	builder.WriteString(truncationMarker)

	return builder.String()
}

func utf16Length(value string) int {
	length := 0
	for _, r := range value {
		if r >= 0x10000 && r <= 0x10FFFF {
			length += 2
			continue
		}
		length++
	}

	return length
}
