// Package chat is the transport-agnostic chat core.
//
// Service owns channel membership, message distribution, presence and the
// read-only query surface. It is consumed identically by the WebSocket hub
// and the IRC gateway:
//   - persistence goes through a Store (channels, messages, profiles),
//   - credentials go through an Authenticator,
//   - message bodies pass through a Cipher on the way in and out of storage,
//   - events fan out through every registered Broadcaster; each broadcaster
//     only delivers to connections of its own transport.
//
// Validation and authorization failures are returned as sentinel errors
// (see errors.go); PublicMessage renders any error as a single line that is
// safe to show to a client.
package chat
