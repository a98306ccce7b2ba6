package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/crypto"
	"github.com/huebyte/echohub/presence"
)

// MemoryStore is an in-memory chat.Store and chat.Authenticator for tests.
type MemoryStore struct {
	mu        sync.Mutex
	channels  map[string]chat.Channel
	messages  map[string][]chat.Message
	users     map[string]chat.UserProfile
	passwords map[string]string

	// FailAppend makes AppendMessage return this error when set.
	FailAppend error
	// EnsureCalls counts EnsureChannel invocations.
	EnsureCalls int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:  make(map[string]chat.Channel),
		messages:  make(map[string][]chat.Message),
		users:     make(map[string]chat.UserProfile),
		passwords: make(map[string]string),
	}
}

// AddUser creates an offline account with a bcrypt password hash and returns
// its id.
func (m *MemoryStore) AddUser(username, password string) string {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		panic(err)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(username)
	m.users[key] = chat.UserProfile{ID: id, Username: username, Status: chat.StatusOffline, CreatedAt: now, LastSeenAt: now}
	m.passwords[key] = hash
	return id
}

func (m *MemoryStore) EnsureChannel(_ context.Context, ch chat.Channel) (chat.Channel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsureCalls++
	if existing, ok := m.channels[ch.Name]; ok {
		return existing, false, nil
	}
	m.channels[ch.Name] = ch
	return ch, true, nil
}

func (m *MemoryStore) GetChannel(_ context.Context, name string) (chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return chat.Channel{}, chat.ErrChannelNotFound
	}
	return ch, nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateChannelTopic(_ context.Context, name, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return chat.ErrChannelNotFound
	}
	ch.Topic = topic
	m.channels[name] = ch
	return nil
}

// SetChannelPublic flips the visibility flag of an existing channel.
func (m *MemoryStore) SetChannelPublic(name string, public bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[name]
	ch.IsPublic = public
	m.channels[name] = ch
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return m.FailAppend
	}
	m.messages[msg.Channel] = append(m.messages[msg.Channel], msg)
	return nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, channel string, count int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[channel]
	if len(all) > count {
		all = all[len(all)-count:]
	}
	return append([]chat.Message{}, all...), nil
}

// StoredMessages returns every persisted message of a channel as stored.
func (m *MemoryStore) StoredMessages(channel string) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages[channel]...)
}

func (m *MemoryStore) GetUser(_ context.Context, username string) (chat.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(username)]
	if !ok {
		return chat.UserProfile{}, chat.ErrUserNotFound
	}
	return u, nil
}

func (m *MemoryStore) GetUsers(_ context.Context, usernames []string) ([]chat.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.UserProfile
	for _, n := range usernames {
		if u, ok := m.users[strings.ToLower(n)]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, userID string, status chat.UserStatus, statusMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, u := range m.users {
		if u.ID == userID {
			u.Status = status
			u.StatusMessage = statusMessage
			m.users[k] = u
			return nil
		}
	}
	return chat.ErrUserNotFound
}

func (m *MemoryStore) Authenticate(_ context.Context, username, password string) (string, error) {
	m.mu.Lock()
	hash, ok := m.passwords[strings.ToLower(username)]
	u := m.users[strings.ToLower(username)]
	m.mu.Unlock()
	if !ok || crypto.CompareHashAndPassword(hash, password) != nil {
		return "", chat.ErrInvalidCredentials
	}
	return u.ID, nil
}

// Event is one call captured by RecordingBroadcaster.
type Event struct {
	Kind     string
	Channel  string
	Channels []string
	Username string
	Origin   presence.ConnID
	Message  chat.Message
	Profile  chat.UserProfile
	Text     string
}

// RecordingBroadcaster captures every chat.Broadcaster call in order.
type RecordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingBroadcaster) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingBroadcaster) MessageSent(_ context.Context, msg chat.Message) {
	r.add(Event{Kind: "message", Channel: msg.Channel, Username: msg.SenderUsername, Message: msg})
}

func (r *RecordingBroadcaster) UserJoined(_ context.Context, channel, username string, origin presence.ConnID) {
	r.add(Event{Kind: "joined", Channel: channel, Username: username, Origin: origin})
}

func (r *RecordingBroadcaster) UserLeft(_ context.Context, channel, username string, origin presence.ConnID) {
	r.add(Event{Kind: "left", Channel: channel, Username: username, Origin: origin})
}

func (r *RecordingBroadcaster) ChannelUpdated(_ context.Context, ch chat.Channel) {
	r.add(Event{Kind: "channel", Channel: ch.Name, Text: ch.Topic})
}

func (r *RecordingBroadcaster) StatusChanged(_ context.Context, channels []string, profile chat.UserProfile) {
	r.add(Event{Kind: "status", Channels: channels, Username: profile.Username, Profile: profile})
}

func (r *RecordingBroadcaster) SendError(_ context.Context, conn presence.ConnID, message string) {
	r.add(Event{Kind: "error", Origin: conn, Text: message})
}

// Events returns a copy of the captured events.
func (r *RecordingBroadcaster) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were captured.
func (r *RecordingBroadcaster) Count(kind string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops captured events.
func (r *RecordingBroadcaster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
