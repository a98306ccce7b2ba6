package chat

import (
	"context"

	"github.com/huebyte/echohub/presence"
)

// Store is the persistence provider. Implementations must make EnsureChannel
// and AppendMessage atomic.
type Store interface {
	// EnsureChannel creates ch unless a channel with the same name exists and
	// returns the stored channel. created is true only for the caller whose
	// insert won.
	EnsureChannel(ctx context.Context, ch Channel) (stored Channel, created bool, err error)
	// GetChannel returns ErrChannelNotFound when absent.
	GetChannel(ctx context.Context, name string) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	UpdateChannelTopic(ctx context.Context, name, topic string) error

	AppendMessage(ctx context.Context, msg Message) error
	// RecentMessages returns up to count messages, oldest first.
	RecentMessages(ctx context.Context, channel string, count int) ([]Message, error)

	// GetUser returns ErrUserNotFound when absent. Lookup is case-insensitive.
	GetUser(ctx context.Context, username string) (UserProfile, error)
	GetUsers(ctx context.Context, usernames []string) ([]UserProfile, error)
	UpdateStatus(ctx context.Context, userID string, status UserStatus, statusMessage string) error
}

// Authenticator checks account credentials. It returns ErrInvalidCredentials
// for an unknown user or a wrong password.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (userID string, err error)
}

// Cipher converts message bodies to and from their stored form. Decrypt never
// fails; unreadable values come back as a fixed marker text.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) string
}

// Broadcaster delivers domain events to the connections of one transport.
// Implementations ignore connection ids that belong to another transport.
type Broadcaster interface {
	MessageSent(ctx context.Context, msg Message)
	UserJoined(ctx context.Context, channel, username string, origin presence.ConnID)
	UserLeft(ctx context.Context, channel, username string, origin presence.ConnID)
	ChannelUpdated(ctx context.Context, ch Channel)
	StatusChanged(ctx context.Context, channels []string, profile UserProfile)
	SendError(ctx context.Context, conn presence.ConnID, message string)
}

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) string          { return s }
