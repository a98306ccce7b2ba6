package hub

import (
	"context"
	"log/slog"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
)

// Broadcaster delivers chat events to WebSocket clients as JSON frames.
type Broadcaster struct {
	h *Hub
}

var _ chat.Broadcaster = (*Broadcaster)(nil)

func (b *Broadcaster) encode(typ string, payload any) []byte {
	frame, err := encodeFrame(typ, payload)
	if err != nil {
		b.h.log.Error("encode event", slog.String("type", typ), slog.Any("err", err))
		return nil
	}
	return frame
}

// MessageSent delivers to the whole channel group, sender included.
func (b *Broadcaster) MessageSent(_ context.Context, msg chat.Message) {
	frame := b.encode(TypeMessageReceived, MessageEvent{Message: msg})
	if frame == nil {
		return
	}
	for _, c := range b.h.group(msg.Channel) {
		_ = c.enqueue(frame)
	}
}

func (b *Broadcaster) UserJoined(_ context.Context, channel, username string, origin presence.ConnID) {
	b.membership(TypeUserJoined, channel, username, origin)
}

func (b *Broadcaster) UserLeft(_ context.Context, channel, username string, origin presence.ConnID) {
	b.membership(TypeUserLeft, channel, username, origin)
}

func (b *Broadcaster) membership(typ, channel, username string, origin presence.ConnID) {
	frame := b.encode(typ, MembershipEvent{Channel: channel, Username: username})
	if frame == nil {
		return
	}
	for _, c := range b.h.group(channel) {
		if c.id == origin {
			continue
		}
		_ = c.enqueue(frame)
	}
}

// ChannelUpdated reaches every client so channel lists stay current.
func (b *Broadcaster) ChannelUpdated(_ context.Context, ch chat.Channel) {
	frame := b.encode(TypeChannelUpdated, ChannelEvent{Channel: ch})
	if frame == nil {
		return
	}
	for _, c := range b.h.all() {
		_ = c.enqueue(frame)
	}
}

// StatusChanged reaches each client that shares at least one of channels,
// once.
func (b *Broadcaster) StatusChanged(_ context.Context, channels []string, profile chat.UserProfile) {
	frame := b.encode(TypeUserStatusChanged, StatusEvent{
		Username:      profile.Username,
		Status:        profile.Status,
		StatusMessage: profile.StatusMessage,
	})
	if frame == nil {
		return
	}
	seen := make(map[presence.ConnID]bool)
	for _, ch := range channels {
		for _, c := range b.h.group(ch) {
			if seen[c.id] {
				continue
			}
			seen[c.id] = true
			_ = c.enqueue(frame)
		}
	}
}

// SendError delivers an error frame to one hub client.
func (b *Broadcaster) SendError(_ context.Context, id presence.ConnID, message string) {
	if id.Transport != presence.TransportHub {
		return
	}
	if c := b.h.lookup(id); c != nil {
		_ = c.sendFrame(TypeError, ErrorEvent{Message: message})
	}
}
