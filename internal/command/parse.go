package command

import "strings"

// tokenize splits command text into tokens while supporting quotes.
// Quotes may start mid-token:
//
//	subscribe https://example.com/x title:"My flat"
//
// A backslash only escapes a quote character or another backslash; any
// other backslash is kept as typed.
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  rune
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	rs := []rune(s)
	for i, ch := range rs {
		if esc {
			buf.WriteRune(ch)
			esc = false
			continue
		}
		if ch == '\\' && i+1 < len(rs) && isEscapable(rs[i+1]) {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch ch {
		case '"', '\'', '“', '”':
			inQ = true
			quoted = true
			qChar = ch
			if ch == '“' {
				qChar = '”'
			}
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

func isEscapable(ch rune) bool {
	switch ch {
	case '\\', '"', '\'', '“', '”':
		return true
	}
	return false
}

// joinKeywordLists glues "include:a, b" back into one option token when
// the user put spaces after the commas.
func joinKeywordLists(toks []string) []string {
	out := make([]string, 0, len(toks))
	open := false
	for _, t := range toks {
		if n := len(out); n > 0 && open && (strings.HasSuffix(out[n-1], ",") || strings.HasPrefix(t, ",")) {
			out[n-1] += t
			continue
		}
		out = append(out, t)
		key, _, ok := splitOption(t)
		open = ok && isKeywordOption(key)
	}
	return out
}

func isKeywordOption(key string) bool {
	switch key {
	case "include", "inc", "exclude", "exc":
		return true
	}
	return false
}

// commandWord normalizes the first token: leading slash and a Telegram
// "@botname" suffix are dropped, case is folded.
func commandWord(tok, botName string) string {
	tok = strings.TrimPrefix(tok, "/")
	if at := strings.IndexByte(tok, '@'); at >= 0 {
		if botName == "" || strings.EqualFold(tok[at+1:], botName) {
			tok = tok[:at]
		}
	}
	return strings.ToLower(tok)
}

// splitOption splits "key:value". ok is false for tokens without a key.
func splitOption(tok string) (key, value string, ok bool) {
	i := strings.IndexByte(tok, ':')
	if i <= 0 {
		return "", "", false
	}
	return strings.ToLower(tok[:i]), tok[i+1:], true
}
