package presence

import (
	"fmt"

	"github.com/google/uuid"
)

// Transport identifies which client protocol owns a connection.
type Transport uint8

const (
	TransportUnknown Transport = iota
	// TransportHub is the WebSocket push protocol used by the terminal client.
	TransportHub
	// TransportIRC is a raw IRC socket (plaintext or TLS).
	TransportIRC
)

func (t Transport) String() string {
	switch t {
	case TransportHub:
		return "hub"
	case TransportIRC:
		return "irc"
	default:
		return "unknown"
	}
}

// ConnID identifies one client connection. The transport tag lets each
// broadcaster pick out its own connections without inspecting the id text.
type ConnID struct {
	Transport Transport
	ID        string
}

// NewConnID returns a fresh connection id for the given transport.
func NewConnID(t Transport) ConnID {
	return ConnID{Transport: t, ID: uuid.NewString()}
}

// IsZero reports whether c is the zero value, used as "exclude nobody".
func (c ConnID) IsZero() bool { return c.Transport == TransportUnknown && c.ID == "" }

func (c ConnID) String() string { return fmt.Sprintf("%s/%s", c.Transport, c.ID) }
