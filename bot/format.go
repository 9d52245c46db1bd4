package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"s21-notifier/pkg/notifier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	xhtml "golang.org/x/net/html"
)

// displayLayout renders times as "05.10.2023 15:00 (MSK)".
const displayLayout = "02.01.2006 15:04 (MST)"

const unknownGroup = "Неизвестно"

// EscapeMarkdown prefixes every MarkdownV2 special character with a backslash.
func EscapeMarkdown(s string) string {
	if s == "" {
		return ""
	}
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}

// StripMarkup removes tags from a notification message and turns non-breaking spaces
// into regular ones. Entities are decoded.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	var b strings.Builder
	z := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			return strings.ReplaceAll(b.String(), "\u00a0", " ")
		case xhtml.TextToken:
			b.Write(z.Text())
		}
	}
}

// location resolves a zone name, falling back to UTC.
func location(zone string) *time.Location {
	if zone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormatTime converts an ISO-8601 UTC timestamp into the display zone. Unknown zones fall
// back to UTC; unparseable input is returned with "T" and "Z" made readable.
func FormatTime(raw, zone string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "Unknown time"
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Timestamps without an offset are UTC.
		t, err = time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.UTC)
	}
	if err != nil {
		return strings.NewReplacer("T", " ", "Z", " UTC").Replace(raw)
	}
	return t.In(location(zone)).Format(displayLayout)
}

// formatLocal renders an instant in the display zone, or fallback for the zero time.
func formatLocal(t time.Time, zone, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	return t.In(location(zone)).Format(displayLayout)
}

func groupName(n notifier.Notification) string {
	if n.GroupName == "" {
		return unknownGroup
	}
	return n.GroupName
}

// formatMarkdown renders a notification for parse mode MarkdownV2.
func formatMarkdown(n notifier.Notification, zone string) string {
	return fmt.Sprintf("🔔 *Новое уведомление* 🔔\n"+
		"📅 *Время:* %s\n"+
		"📋 *Тип:* %s\n"+
		"💬 *Сообщение:*\n"+
		"%s\n"+
		"🆔 *ID:* `%s`",
		EscapeMarkdown(FormatTime(n.Time, zone)),
		EscapeMarkdown(groupName(n)),
		EscapeMarkdown(StripMarkup(n.Message)),
		EscapeMarkdown(n.ID))
}

// formatHTML renders a notification for parse mode HTML.
func formatHTML(n notifier.Notification, zone string) string {
	return fmt.Sprintf("<b>🔔 Новое уведомление</b>\n"+
		"<b>📅 Время:</b> %s\n"+
		"<b>📋 Тип:</b> %s\n"+
		"<b>💬 Сообщение:</b>\n%s\n"+
		"<b>🆔 ID:</b> <code>%s</code>",
		html.EscapeString(FormatTime(n.Time, zone)),
		html.EscapeString(groupName(n)),
		html.EscapeString(StripMarkup(n.Message)),
		html.EscapeString(n.ID))
}

// formatPlain renders a notification without markup.
func formatPlain(n notifier.Notification, zone string) string {
	return fmt.Sprintf("🔔 Новое уведомление\n"+
		"Время: %s\n"+
		"Тип: %s\n"+
		"Сообщение:\n%s\n"+
		"ID: %s",
		FormatTime(n.Time, zone),
		groupName(n),
		StripMarkup(n.Message),
		n.ID)
}

// tokenPrefix shows at most 30 characters of a token.
func tokenPrefix(token string) string {
	const n = 30
	if len(token) <= n {
		return token
	}
	return token[:n] + "..."
}
