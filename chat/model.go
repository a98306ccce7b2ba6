package chat

import (
	"regexp"
	"strings"
	"time"
)

// DefaultChannel is created at startup and can never be left.
const DefaultChannel = "general"

// MessageKind distinguishes text from attachment messages.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindFile:
		return true
	}
	return false
}

// UserStatus is the presence status a user chooses.
type UserStatus string

const (
	StatusOnline    UserStatus = "online"
	StatusAway      UserStatus = "away"
	StatusBusy      UserStatus = "busy"
	StatusInvisible UserStatus = "invisible"
	StatusOffline   UserStatus = "offline"
)

// ParseStatus maps a case-insensitive name to a UserStatus.
func ParseStatus(s string) (UserStatus, error) {
	switch st := UserStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible, StatusOffline:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Channel is a named, persistent group-chat destination.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	IsPublic  bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment references an uploaded file. ASCIIArt holds the pre-rendered
// colour markup for images.
type Attachment struct {
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	ASCIIArt    string `json:"asciiArt,omitempty"`
}

// Embed is a link preview attached to a message.
type Embed struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}

// Message is an immutable chat message.
type Message struct {
	ID             string      `json:"id"`
	Channel        string      `json:"channel"`
	SenderID       string      `json:"senderId"`
	SenderUsername string      `json:"senderUsername"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Embeds         []Embed     `json:"embeds,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// UserProfile is the persisted account data shown to other users.
type UserProfile struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	DisplayName   string     `json:"displayName,omitempty"`
	Status        UserStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastSeenAt    time.Time  `json:"lastSeenAt"`
}

// ChannelSummary is one row of the channel list.
type ChannelSummary struct {
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	OnlineCount int    `json:"onlineCount"`
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{1,29}$`)

// ValidateUsername checks that a username is also a valid IRC nickname.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return ErrInvalidUsername
	}
	return nil
}

var channelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,49}$`)

// NormalizeChannelName lowercases and trims a channel name.
func NormalizeChannelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateChannelName checks an already normalised name.
func ValidateChannelName(name string) error {
	if !channelNamePattern.MatchString(name) {
		return ErrInvalidChannelName
	}
	return nil
}
