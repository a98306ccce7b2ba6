package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/huebyte/echohub/chat"
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// inbound frame types
const (
	TypeJoinChannel    = "join_channel"
	TypeLeaveChannel   = "leave_channel"
	TypeSendMessage    = "send_message"
	TypeGetHistory     = "get_history"
	TypeUpdateStatus   = "update_status"
	TypeGetOnlineUsers = "get_online_users"
	TypeListChannels   = "list_channels"
)

// outbound frame types
const (
	TypeMessageReceived   = "message_received"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeChannelUpdated    = "channel_updated"
	TypeUserStatusChanged = "user_status_changed"
	TypeChannelHistory    = "channel_history"
	TypeOnlineUsers       = "online_users"
	TypeChannelList       = "channel_list"
	TypeError             = "error"
)

type channelPayload struct {
	Channel string `json:"channel" validate:"required,max=64"`
}

type sendMessagePayload struct {
	Channel string `json:"channel" validate:"required,max=64"`
	Content string `json:"content" validate:"required"`
}

type getHistoryPayload struct {
	Channel string `json:"channel" validate:"required,max=64"`
	Count   int    `json:"count" validate:"gte=0,lte=500"`
}

type updateStatusPayload struct {
	Status  string `json:"status" validate:"required,oneof=online away busy invisible offline"`
	Message string `json:"message" validate:"max=256"`
}

// MessageEvent is the payload of message_received.
type MessageEvent struct {
	Message chat.Message `json:"message"`
}

// MembershipEvent is the payload of user_joined and user_left.
type MembershipEvent struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

// ChannelEvent is the payload of channel_updated.
type ChannelEvent struct {
	Channel chat.Channel `json:"channel"`
}

// StatusEvent is the payload of user_status_changed.
type StatusEvent struct {
	Username      string          `json:"username"`
	Status        chat.UserStatus `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
}

// HistoryEvent is the payload of channel_history.
type HistoryEvent struct {
	Channel  string         `json:"channel"`
	Messages []chat.Message `json:"messages"`
}

// OnlineUsersEvent is the payload of online_users.
type OnlineUsersEvent struct {
	Channel string             `json:"channel"`
	Users   []chat.UserProfile `json:"users"`
}

// ChannelListEvent is the payload of channel_list.
type ChannelListEvent struct {
	Channels []chat.ChannelSummary `json:"channels"`
}

// ErrorEvent is the payload of error.
type ErrorEvent struct {
	Message string `json:"message"`
}

var errBadFrame = errors.New("malformed frame")

// encodeFrame marshals an outbound frame.
func encodeFrame(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, Payload: raw})
}

// decodePayload unmarshals and validates an inbound payload into dst.
func decodePayload(v *validator.Validate, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", errBadFrame)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errBadFrame, describeValidation(err))
	}
	return nil
}

// describeValidation renders validator errors as "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		p := strings.ToLower(fe.Field()) + " " + fe.Tag()
		if fe.Param() != "" {
			p += "=" + fe.Param()
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

// frameError is the text sent to the client for err.
func frameError(err error) string {
	if errors.Is(err, errBadFrame) {
		return err.Error()
	}
	return chat.PublicMessage(err)
}
