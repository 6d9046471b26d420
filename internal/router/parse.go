package router

import "strings"

// Tokenize splits a command line on whitespace. Single or double quotes group
// words and a backslash escapes the next byte:
//
//	!schedule Raid 60 "Boss fight"  ->  [!schedule Raid 60 Boss fight]
func Tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  byte
		esc    bool
		quoted bool // current token had quotes, so keep it even if empty
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ, qChar, quoted = true, ch, true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// splitCommand strips a recognized prefix and returns the lowercased command
// word, the remaining arguments and the raw text after the command word.
// Telegram's "/cmd@botname" form is accepted.
func splitCommand(text string, prefixes []string) (word string, args []string, rest string, ok bool) {
	text = strings.TrimSpace(text)
	matched := ""
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(text, p) {
			matched = p
			break
		}
	}
	if matched == "" {
		return "", nil, "", false
	}
	body := text[len(matched):]
	if body == "" || body[0] == ' ' || body[0] == '\t' {
		return "", nil, "", false
	}
	end := strings.IndexAny(body, " \t\n\r")
	if end < 0 {
		end = len(body)
	}
	word, rest = body[:end], strings.TrimSpace(body[end:])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, "", false
	}
	return strings.ToLower(word), Tokenize(rest), rest, true
}
