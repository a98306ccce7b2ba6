package irc

import (
	"strings"
)

// Message is one parsed IRC line.
type Message struct {
	Prefix  string
	Command string
	Params  []string
}

// ParseMessage parses a line without its CRLF. It returns nil for blank lines
// and lines that carry a prefix but no command.
func ParseMessage(line string) *Message {
	line = strings.TrimLeft(line, " ")
	if line == "" {
		return nil
	}
	msg := &Message{}

	if line[0] == ':' {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return nil
		}
		msg.Prefix = prefix
		line = strings.TrimLeft(rest, " ")
	}

	command, rest, _ := strings.Cut(line, " ")
	if command == "" {
		return nil
	}
	msg.Command = strings.ToUpper(command)

	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var p string
		p, rest, _ = strings.Cut(rest, " ")
		msg.Params = append(msg.Params, p)
	}
	return msg
}

// Param returns the i-th parameter or "".
func (m *Message) Param(i int) string {
	if i < len(m.Params) {
		return m.Params[i]
	}
	return ""
}

// String renders the message. The last parameter becomes a trailing parameter
// when it is empty, contains a space or starts with a colon.
func (m *Message) String() string { return m.encode(false) }

// encode renders the message, always marking the last parameter as trailing
// when forceTrailing is set.
func (m *Message) encode(forceTrailing bool) string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && (forceTrailing || p == "" || strings.Contains(p, " ") || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

// hostmask formats nick!user@host.
func hostmask(nick, user, host string) string {
	if user == "" {
		user = nick
	}
	return nick + "!" + user + "@" + host
}

// channelTarget maps "#name" to the core channel name. ok is false for
// targets without the '#' prefix.
func channelTarget(target string) (name string, ok bool) {
	if !strings.HasPrefix(target, "#") || len(target) < 2 {
		return "", false
	}
	return strings.ToLower(target[1:]), true
}

func ircChannel(name string) string { return "#" + name }
