// Package presence tracks which users are connected and which channels they
// occupy. A single Tracker is shared by every transport.
//
// All four indexes (connection -> identity, user -> connections,
// user -> channels, channel -> users) are guarded by one mutex so that
// connect, disconnect, join and leave are atomic with respect to each other.
// Read methods return copies.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string
	Username string
}

type connEntry struct {
	ident    Identity
	since    time.Time
	channels map[string]struct{}
}

type userEntry struct {
	username string
	conns    map[ConnID]struct{}
	// number of this user's connections joined to each channel
	channels map[string]int
}

// Tracker is the concurrency-safe presence registry.
type Tracker struct {
	mu       sync.Mutex
	conns    map[ConnID]*connEntry
	users    map[string]*userEntry
	channels map[string]map[string]struct{}
	now      func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns:    make(map[ConnID]*connEntry),
		users:    make(map[string]*userEntry),
		channels: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func userKey(username string) string { return strings.ToLower(username) }

// Connect registers a connection for a user and reports whether it is the
// user's first live connection. Connecting an id twice is ignored.
func (t *Tracker) Connect(id ConnID, userID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[id]; ok {
		return false
	}
	t.conns[id] = &connEntry{
		ident:    Identity{UserID: userID, Username: username},
		since:    t.now(),
		channels: make(map[string]struct{}),
	}
	key := userKey(username)
	u, ok := t.users[key]
	if !ok {
		u = &userEntry{username: username, conns: make(map[ConnID]struct{}), channels: make(map[string]int)}
		t.users[key] = u
	}
	u.conns[id] = struct{}{}
	return len(u.conns) == 1
}

// DisconnectResult describes the effect of removing a connection.
type DisconnectResult struct {
	Identity Identity
	// Found is false when the connection was never registered.
	Found bool
	// LastConnection is true when the user has no connections left.
	LastConnection bool
	// Occupied lists the channels the user was in before the removal.
	Occupied []string
	// Vacated lists the channels the user is no longer in after the removal.
	Vacated []string
}

// Disconnect removes a connection and every channel membership held through it.
func (t *Tracker) Disconnect(id ConnID) DisconnectResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return DisconnectResult{}
	}
	delete(t.conns, id)

	res := DisconnectResult{Identity: c.ident, Found: true}
	key := userKey(c.ident.Username)
	u := t.users[key]
	if u == nil {
		res.LastConnection = true
		return res
	}
	res.Occupied = sortedKeys(u.channels)

	for ch := range c.channels {
		if t.leaveLocked(u, ch) {
			res.Vacated = append(res.Vacated, ch)
		}
	}
	delete(u.conns, id)
	if len(u.conns) == 0 {
		res.LastConnection = true
		for ch := range u.channels {
			t.removeFromChannel(ch, key)
			res.Vacated = append(res.Vacated, ch)
		}
		delete(t.users, key)
	}
	sort.Strings(res.Vacated)
	return res
}

// Join records that a connection joined a channel. It reports whether the
// user was not in the channel through any connection before.
func (t *Tracker) Join(id ConnID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return false
	}
	if _, already := c.channels[channel]; already {
		return false
	}
	c.channels[channel] = struct{}{}

	key := userKey(c.ident.Username)
	u := t.users[key]
	u.channels[channel]++
	first := u.channels[channel] == 1
	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		t.channels[channel] = members
	}
	members[key] = struct{}{}
	return first
}

// Leave removes a connection from a channel. It reports whether the user has
// left the channel entirely.
func (t *Tracker) Leave(id ConnID, channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return false
	}
	if _, joined := c.channels[channel]; !joined {
		return false
	}
	delete(c.channels, channel)
	u := t.users[userKey(c.ident.Username)]
	if u == nil {
		return false
	}
	return t.leaveLocked(u, channel)
}

func (t *Tracker) leaveLocked(u *userEntry, channel string) bool {
	n, ok := u.channels[channel]
	if !ok {
		return false
	}
	if n > 1 {
		u.channels[channel] = n - 1
		return false
	}
	delete(u.channels, channel)
	t.removeFromChannel(channel, userKey(u.username))
	return true
}

func (t *Tracker) removeFromChannel(channel, key string) {
	members := t.channels[channel]
	delete(members, key)
	if len(members) == 0 {
		delete(t.channels, channel)
	}
}

// IsOnline reports whether the user has at least one connection.
func (t *Tracker) IsOnline(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userKey(username)]
	return ok
}

// Identity returns the user behind a connection.
func (t *Tracker) Identity(id ConnID) (Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if !ok {
		return Identity{}, false
	}
	return c.ident, true
}

// Connections returns the user's connection ids.
func (t *Tracker) Connections(username string) []ConnID {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userKey(username)]
	if !ok {
		return nil
	}
	out := make([]ConnID, 0, len(u.conns))
	for id := range u.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ChannelsFor returns the channels the user occupies, sorted.
func (t *Tracker) ChannelsFor(username string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userKey(username)]
	if !ok {
		return nil
	}
	return sortedKeys(u.channels)
}

// UsersIn returns the usernames present in a channel, sorted.
func (t *Tracker) UsersIn(channel string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	members := t.channels[channel]
	out := make([]string, 0, len(members))
	for key := range members {
		if u, ok := t.users[key]; ok {
			out = append(out, u.username)
		}
	}
	sort.Strings(out)
	return out
}

// OnlineCount returns the number of users present in a channel.
func (t *Tracker) OnlineCount(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels[channel])
}

// OnlineUsers returns every connected username, sorted.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u.username)
	}
	sort.Strings(out)
	return out
}

// ConnectedSince returns the time of the user's earliest live connection.
func (t *Tracker) ConnectedSince(username string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userKey(username)]
	if !ok {
		return time.Time{}, false
	}
	var first time.Time
	for id := range u.conns {
		if c := t.conns[id]; c != nil && (first.IsZero() || c.since.Before(first)) {
			first = c.since
		}
	}
	return first, true
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
