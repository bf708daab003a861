package dispatch

import (
	"html"
	"strings"

	"watchbot/internal/transport"
)

// Dialect is a rich-markup flavour. Escape must be pure.
type Dialect interface {
	Mode() transport.ParseMode
	Escape(s string) string
	Bold(s string) string
}

// markdownV2Reserved are the characters Telegram MarkdownV2 treats as
// formatting control characters.
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

type markdownV2 struct{}

// MarkdownV2 is the Telegram MarkdownV2 dialect.
var MarkdownV2 Dialect = markdownV2{}

func (markdownV2) Mode() transport.ParseMode { return transport.ParseMarkdownV2 }

func (markdownV2) Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if r == '\\' || strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d markdownV2) Bold(s string) string { return "*" + d.Escape(s) + "*" }

type htmlDialect struct{}

// HTML is the Telegram HTML dialect.
var HTML Dialect = htmlDialect{}

func (htmlDialect) Mode() transport.ParseMode { return transport.ParseHTML }
func (htmlDialect) Escape(s string) string    { return html.EscapeString(s) }
func (d htmlDialect) Bold(s string) string    { return "<b>" + d.Escape(s) + "</b>" }

// DialectByName maps a config value to a dialect; unknown names fall back
// to MarkdownV2.
func DialectByName(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "html":
		return HTML
	default:
		return MarkdownV2
	}
}
