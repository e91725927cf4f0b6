// Package irc implements the IRC wire format used by Twitch chat: a total
// line parser for IRCv3 tagged messages and a websocket chat client built on
// the shared reconnect discipline.
package irc

import (
	"strings"
)

// Message is one parsed IRC line. Absent components are zero values; the
// parser never fails on malformed input.
type Message struct {
	Raw     string
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Trailing returns the last parameter, which for commands like PRIVMSG is
// the free-text payload.
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Nick extracts the nickname portion of the prefix (everything before the
// first '!'), or the whole prefix for server-origin messages.
func (m Message) Nick() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

// Parse decodes one IRC line. Structure: ['@'tags SPACE] [':'prefix SPACE]
// command [params] [' :'trailing]. Tags are ';'-separated key=value pairs;
// a missing or empty value normalizes to "".
func Parse(line string) Message {
	msg := Message{Raw: line}
	rest := strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(rest, "@") {
		var rawTags string
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rawTags, rest = rest[1:i], rest[i+1:]
		} else {
			rawTags, rest = rest[1:], ""
		}
		msg.Tags = parseTags(rawTags)
	}

	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, ":") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			msg.Prefix, rest = rest[1:i], rest[i+1:]
		} else {
			msg.Prefix, rest = rest[1:], ""
		}
	}

	rest = strings.TrimLeft(rest, " ")
	if rest == "" {
		return msg
	}

	if i := strings.IndexByte(rest, ' '); i >= 0 {
		msg.Command, rest = rest[:i], rest[i+1:]
	} else {
		msg.Command, rest = rest, ""
	}

	for rest != "" {
		if strings.HasPrefix(rest, ":") {
			// Trailing parameter: taken verbatim to end of line.
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var param string
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			param, rest = rest[:i], strings.TrimLeft(rest[i+1:], " ")
		} else {
			param, rest = rest, ""
		}
		if param != "" {
			msg.Params = append(msg.Params, param)
		}
	}

	return msg
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if key == "" {
			continue
		}
		if !found {
			tags[key] = ""
			continue
		}
		tags[key] = unescapeTagValue(value)
	}
	return tags
}

// unescapeTagValue decodes IRCv3 tag value escapes in a single pass so an
// escaped backslash cannot be re-expanded by a later rule.
func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' || i == len(v)-1 {
			if c != '\\' {
				b.WriteByte(c)
			}
			continue
		}
		i++
		switch v[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			// Unknown escape: drop the backslash, keep the character.
			b.WriteByte(v[i])
		}
	}
	return b.String()
}
