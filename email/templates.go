package email

import (
	"fmt"
	"strings"
	"time"

	"s21-notifier/pkg/notifier"

	"golang.org/x/net/html"
)

const (
	timeLayout  = "02.01.2006 15:04 MST"
	platformURL = "https://platform.21-school.ru"
)

func formatNotificationBody(n notifier.Notification, zone string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"ru\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".meta { margin-bottom: 12px; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".group { color: #00a86b; font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".content { margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #00a86b; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".meta, .footer { color: #a0a0a0; }\n")
	b.WriteString(".footer { border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	group := n.GroupName
	if group == "" {
		group = "Уведомление"
	}
	b.WriteString("<div class=\"meta\">\n")
	b.WriteString(fmt.Sprintf("<span class=\"group\">%s</span>\n", escapeHTML(group)))
	if when := formatTime(n.Time, zone); when != "" {
		b.WriteString(fmt.Sprintf("<span class=\"timestamp\"> &bull; %s</span>\n", escapeHTML(when)))
	}
	b.WriteString("</div>\n")

	// Platform messages carry their own markup; only a safe subset survives.
	b.WriteString("<div class=\"content\">\n")
	b.WriteString(sanitizeHTML(n.Message))
	b.WriteString("\n</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Открыть платформу</a> &bull; ID %s\n", platformURL, escapeHTML(n.ID)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// formatTime renders an ISO-8601 timestamp in zone; unknown zones use UTC.
func formatTime(raw, zone string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		loc = time.UTC
	}
	return t.In(loc).Format(timeLayout)
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

var allowedTags = map[string]bool{
	"p":          true,
	"br":         true,
	"b":          true,
	"strong":     true,
	"i":          true,
	"em":         true,
	"u":          true,
	"blockquote": true,
	"a":          true,
	"ul":         true,
	"ol":         true,
	"li":         true,
	"div":        true,
	"span":       true,
	"code":       true,
}

// sanitizeHTML keeps a whitelist of formatting tags and drops every attribute except a
// safe href on links. Text is re-escaped; content of script and style elements is dropped.
func sanitizeHTML(s string) string {
	var out strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0 // depth inside script/style

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return out.String()

		case html.TextToken:
			if skip == 0 {
				out.WriteString(escapeHTML(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data == "script" || tok.Data == "style" {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 || !allowedTags[tok.Data] {
				continue
			}
			out.WriteString("<" + tok.Data)
			if tok.Data == "a" {
				for _, attr := range tok.Attr {
					if attr.Key == "href" && isSafeURL(attr.Val) {
						out.WriteString(` href="` + escapeHTML(attr.Val) + `"`)
					}
				}
			}
			if tt == html.SelfClosingTagToken {
				out.WriteString(" /")
			}
			out.WriteString(">")

		case html.EndTagToken:
			tok := z.Token()
			if tok.Data == "script" || tok.Data == "style" {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip == 0 && allowedTags[tok.Data] && tok.Data != "br" {
				out.WriteString("</" + tok.Data + ">")
			}
		}
	}
}

// isSafeURL allows http, https and relative URLs only.
func isSafeURL(raw string) bool {
	u := strings.TrimSpace(strings.ToLower(raw))
	if u == "" {
		return false
	}
	for _, scheme := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(u, scheme) {
			return false
		}
	}
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "/") ||
		!strings.Contains(u, ":")
}
