package irc

import (
	"context"
	"strings"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
)

// Broadcaster delivers chat events to IRC connections. Events without an IRC
// analog are dropped.
type Broadcaster struct {
	g *Gateway
}

var _ chat.Broadcaster = (*Broadcaster)(nil)

// members returns registered connections joined to channel.
func (b *Broadcaster) members(channel string) []*conn {
	var out []*conn
	for _, c := range b.g.snapshot() {
		if c.inChannel(channel) {
			out = append(out, c)
		}
	}
	return out
}

// MessageSent delivers PRIVMSG lines to every member except the sender's own
// IRC sessions, which IRC clients echo locally.
func (b *Broadcaster) MessageSent(_ context.Context, msg chat.Message) {
	var lines []string
	for _, c := range b.members(msg.Channel) {
		if strings.EqualFold(c.nickname(), msg.SenderUsername) {
			continue
		}
		if lines == nil {
			lines = b.g.formatter.Lines(msg)
		}
		c.writeLines(lines)
	}
}

func (b *Broadcaster) UserJoined(_ context.Context, channel, username string, origin presence.ConnID) {
	b.membership(channel, username, origin, ":"+hostmask(username, username, b.g.opts.ServerName)+" JOIN "+ircChannel(channel))
}

func (b *Broadcaster) UserLeft(_ context.Context, channel, username string, origin presence.ConnID) {
	b.membership(channel, username, origin, ":"+hostmask(username, username, b.g.opts.ServerName)+" PART "+ircChannel(channel))
}

func (b *Broadcaster) membership(channel, username string, origin presence.ConnID, line string) {
	for _, c := range b.members(channel) {
		if c.id == origin || strings.EqualFold(c.nickname(), username) {
			continue
		}
		c.writeLine(line)
	}
}

// ChannelUpdated sends the current topic to members of the channel.
func (b *Broadcaster) ChannelUpdated(_ context.Context, ch chat.Channel) {
	m := &Message{Prefix: b.g.opts.ServerName, Command: "TOPIC", Params: []string{ircChannel(ch.Name), ch.Topic}}
	line := m.encode(true)
	for _, c := range b.members(ch.Name) {
		c.writeLine(line)
	}
}

// StatusChanged turns an offline transition into one QUIT per connection that
// shares a channel with the user. Other statuses have no IRC analog.
func (b *Broadcaster) StatusChanged(_ context.Context, channels []string, profile chat.UserProfile) {
	if profile.Status != chat.StatusOffline || len(channels) == 0 {
		return
	}
	line := ":" + hostmask(profile.Username, profile.Username, b.g.opts.ServerName) + " QUIT :Disconnected"
	for _, c := range b.g.snapshot() {
		if strings.EqualFold(c.nickname(), profile.Username) {
			continue
		}
		for _, ch := range channels {
			if c.inChannel(ch) {
				c.writeLine(line)
				break
			}
		}
	}
}

// SendError delivers a NOTICE to one IRC connection.
func (b *Broadcaster) SendError(_ context.Context, id presence.ConnID, message string) {
	if id.Transport != presence.TransportIRC {
		return
	}
	if c := b.g.lookup(id); c != nil {
		c.notice(message)
	}
}
