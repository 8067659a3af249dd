package console

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"

	"im-realtime/internal/models"
)

// ShortID is the id prefix shown next to messages and accepted by commands.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatMessage renders one message as a single console line.
func FormatMessage(m models.Message) string {
	var b strings.Builder

	ts := "--:--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("15:04")
	}
	author := m.AuthorDisplayName
	switch {
	case m.IsSystem:
		author = "*"
	case m.SentByMe:
		author = "moi"
	case author == "":
		author = "?"
	}
	fmt.Fprintf(&b, "[%s] %s %s: ", ts, ShortID(m.ID), author)

	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "↪ %s « %s » ", refAuthor(m.ReplyTo), m.ReplyTo.Excerpt)
	}
	if m.ForwardFrom != nil {
		fmt.Fprintf(&b, "⇢ transféré de %s ", refAuthor(m.ForwardFrom))
	}

	if m.Deleted {
		b.WriteString("(message supprimé)")
		return b.String()
	}
	b.WriteString(m.Content)

	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [📎 %s %s]", a.FileName, humanize.Bytes(uint64(a.SizeBytes)))
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", r.Emoji, r.Count)
	}
	if m.Pinned {
		b.WriteString(" 📌")
	}
	if m.EditedAt != nil {
		b.WriteString(" (modifié)")
	}
	if m.SentByMe {
		switch {
		case m.StreamPosition == nil:
			b.WriteString(" …")
		case m.DeliveryState == models.DeliveryRead:
			b.WriteString(" ✓✓")
		default:
			b.WriteString(" ✓")
		}
	}
	return b.String()
}

func refAuthor(r *models.Reference) string {
	if r.AuthorDisplayName != "" {
		return r.AuthorDisplayName
	}
	return ShortID(r.ID)
}

// Command is one parsed input line. Plain text is the "say" command.
type Command struct {
	Name string
	Args []string
	Rest string
}

// ParseCommand splits an input line. "/reply abc hello there" yields
// Name "reply", Args ["abc" "hello" "there"], Rest "hello there".
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return Command{Name: "say", Rest: strings.TrimPrefix(line, "/")}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{Name: "help"}
	}
	cmd := Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
	if len(fields) > 2 {
		// keep the original spacing of the free text after the first argument
		_, rest := splitFirst(line[1:])
		_, rest = splitFirst(rest)
		cmd.Rest = rest
	}
	return cmd
}

func splitFirst(s string) (head, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}
