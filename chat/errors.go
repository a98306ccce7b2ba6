package chat

import (
	"errors"
)

// User-facing errors. Their text is shown to clients as-is.
var (
	ErrInvalidChannelName = errors.New("channel names must be 2-50 characters: lowercase letters, digits, '-' or '_', starting with a letter or digit")
	ErrChannelNotFound    = errors.New("channel does not exist")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message is too long")
	ErrTooManyLines       = errors.New("message has too many lines")
	ErrInvalidStatus      = errors.New("status must be one of online, away, busy, invisible, offline")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidUsername    = errors.New("usernames must be 2-30 characters: letters, digits, '-' or '_', starting with a letter")
	ErrUserExists         = errors.New("username is already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrDefaultChannel     = errors.New("you cannot leave the default channel")
	ErrNotChannelCreator  = errors.New("only the channel creator can change the topic")
	ErrNotInChannel       = errors.New("you are not in that channel")
)

var publicErrors = []error{
	ErrInvalidChannelName,
	ErrChannelNotFound,
	ErrEmptyMessage,
	ErrMessageTooLong,
	ErrTooManyLines,
	ErrInvalidStatus,
	ErrUserNotFound,
	ErrInvalidUsername,
	ErrUserExists,
	ErrInvalidCredentials,
	ErrDefaultChannel,
	ErrNotChannelCreator,
	ErrNotInChannel,
}

// IsPublic reports whether err wraps one of the user-facing errors.
func IsPublic(err error) bool {
	for _, pe := range publicErrors {
		if errors.Is(err, pe) {
			return true
		}
	}
	return false
}

// PublicMessage renders err as a single line that is safe to send to a client.
// Infrastructure errors collapse to a generic text.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsPublic(err) {
		return err.Error()
	}
	return "internal server error, please try again"
}
