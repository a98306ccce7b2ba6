package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/telemetry"
)

const (
	tracerName       = "chat-core"
	maxHistoryCount  = 500
	maxTopicLength   = 300
	maxStatusMessage = 128
)

// Options tunes validation limits and history size.
type Options struct {
	// HistoryCount is the number of messages returned on join.
	HistoryCount int
	// MaxMessageLength is measured in runes.
	MaxMessageLength int
	MaxNewlines      int
	Logger           *slog.Logger
}

func (o *Options) setDefaults() {
	if o.HistoryCount <= 0 {
		o.HistoryCount = 50
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 4000
	}
	if o.MaxNewlines < 0 {
		o.MaxNewlines = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service is the single source of truth for channels, messages and presence.
type Service struct {
	store    Store
	auth     Authenticator
	cipher   Cipher
	presence *presence.Tracker
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	mu           sync.RWMutex
	broadcasters []Broadcaster

	// per-channel lock held across append + broadcast
	sendLocks sync.Map
}

// NewService wires the core. cipher may be nil to store plaintext.
func NewService(store Store, auth Authenticator, cipher Cipher, tracker *presence.Tracker, opts Options) *Service {
	opts.setDefaults()
	if cipher == nil {
		cipher = plainCipher{}
	}
	return &Service{
		store:    store,
		auth:     auth,
		cipher:   cipher,
		presence: tracker,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "chat")),
		now:      time.Now,
	}
}

// AddBroadcaster registers a transport. Call before serving traffic.
func (s *Service) AddBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasters = append(s.broadcasters, b)
}

func (s *Service) each(fn func(Broadcaster)) {
	s.mu.RLock()
	bs := append([]Broadcaster(nil), s.broadcasters...)
	s.mu.RUnlock()
	for _, b := range bs {
		fn(b)
	}
}

// EnsureDefaultChannel creates the default channel if missing.
func (s *Service) EnsureDefaultChannel(ctx context.Context) error {
	_, created, err := s.store.EnsureChannel(ctx, Channel{
		ID:        uuid.NewString(),
		Name:      DefaultChannel,
		Topic:     "Welcome to EchoHub",
		CreatedBy: "system",
		IsPublic:  true,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ensure default channel: %w", err)
	}
	if created {
		s.log.Info("default channel created", slog.String("channel", DefaultChannel))
	}
	return nil
}

// UserConnected registers a new connection. A user's first connection resets
// the stored status to online.
func (s *Service) UserConnected(ctx context.Context, conn presence.ConnID, userID, username string) {
	first := s.presence.Connect(conn, userID, username)
	telemetry.ConnectionOpened(conn.Transport.String())
	if first {
		s.persistStatus(ctx, userID, username, StatusOnline)
	}
	s.log.Debug("user connected", slog.String("user", username), slog.String("conn", conn.String()))
}

// persistStatus stores a presence-driven status. Failures are logged only.
func (s *Service) persistStatus(ctx context.Context, userID, username string, status UserStatus) {
	if err := s.store.UpdateStatus(ctx, userID, status, ""); err != nil {
		s.log.Warn("persist status failed",
			slog.String("user", username),
			slog.String("status", string(status)),
			slog.Any("err", err))
	}
}

// UserDisconnected removes a connection. It returns the username and
// offline=true only when this was the user's last connection.
func (s *Service) UserDisconnected(ctx context.Context, conn presence.ConnID) (username string, offline bool) {
	res := s.presence.Disconnect(conn)
	if !res.Found {
		return "", false
	}
	telemetry.ConnectionClosed(conn.Transport.String())
	username = res.Identity.Username

	if !res.LastConnection {
		for _, ch := range res.Vacated {
			s.each(func(b Broadcaster) { b.UserLeft(ctx, ch, username, conn) })
		}
		return username, false
	}

	s.persistStatus(ctx, res.Identity.UserID, username, StatusOffline)
	if len(res.Occupied) > 0 {
		profile := UserProfile{ID: res.Identity.UserID, Username: username, Status: StatusOffline}
		s.each(func(b Broadcaster) { b.StatusChanged(ctx, res.Occupied, profile) })
	}
	s.log.Debug("user offline", slog.String("user", username))
	return username, true
}

// JoinChannel creates the channel if needed, joins the connection and returns
// recent history oldest-first.
func (s *Service) JoinChannel(ctx context.Context, conn presence.ConnID, userID, username, channel string) ([]Message, error) {
	name := NormalizeChannelName(channel)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "chat.JoinChannel", telemetry.ChannelAttr(name), telemetry.UserAttr(username))
	defer span.End()

	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	ch, created, err := s.store.EnsureChannel(ctx, Channel{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: username,
		IsPublic:  true,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("ensure channel %q: %w", name, err)
	}
	if created {
		telemetry.ChannelCreated()
		s.log.Info("channel created", slog.String("channel", name), slog.String("by", username))
		s.each(func(b Broadcaster) { b.ChannelUpdated(ctx, ch) })
	}

	history, err := s.history(ctx, name, s.opts.HistoryCount)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if s.presence.Join(conn, name) {
		s.each(func(b Broadcaster) { b.UserJoined(ctx, name, username, conn) })
	}
	s.log.Debug("joined channel", slog.String("channel", name), slog.String("user", username), slog.String("user_id", userID))
	return history, nil
}

// LeaveChannel removes the connection from a channel. Other members are told
// only when the user has no connection left in it.
func (s *Service) LeaveChannel(ctx context.Context, conn presence.ConnID, username, channel string) error {
	name := NormalizeChannelName(channel)
	if name == DefaultChannel {
		return ErrDefaultChannel
	}
	if s.presence.Leave(conn, name) {
		s.each(func(b Broadcaster) { b.UserLeft(ctx, name, username, conn) })
	}
	return nil
}

// SendMessage validates, persists and broadcasts a text message.
func (s *Service) SendMessage(ctx context.Context, userID, username, channel, content string) error {
	name := NormalizeChannelName(channel)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "chat.SendMessage", telemetry.ChannelAttr(name), telemetry.UserAttr(username))
	defer span.End()

	if err := s.validateContent(content); err != nil {
		telemetry.MessageRejected(rejectReason(err))
		return err
	}
	if err := ValidateChannelName(name); err != nil {
		telemetry.MessageRejected("invalid_channel")
		return err
	}
	if _, err := s.store.GetChannel(ctx, name); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			telemetry.MessageRejected("unknown_channel")
			return ErrChannelNotFound
		}
		telemetry.RecordError(span, err)
		return fmt.Errorf("lookup channel %q: %w", name, err)
	}

	msg := Message{
		ID:             uuid.NewString(),
		Channel:        name,
		SenderID:       userID,
		SenderUsername: username,
		Kind:           KindText,
		Content:        content,
		Timestamp:      s.now().UTC(),
	}
	if err := s.publish(ctx, msg); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (s *Service) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(content); n > s.opts.MaxMessageLength {
		return fmt.Errorf("%w: %d characters, the limit is %d", ErrMessageTooLong, n, s.opts.MaxMessageLength)
	}
	if n := strings.Count(content, "\n"); n > s.opts.MaxNewlines {
		return fmt.Errorf("%w: %d line breaks, the limit is %d", ErrTooManyLines, n, s.opts.MaxNewlines)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "empty"
	case errors.Is(err, ErrMessageTooLong):
		return "too_long"
	case errors.Is(err, ErrTooManyLines):
		return "too_many_lines"
	}
	return "other"
}

// PostMessage persists and broadcasts a message built elsewhere, such as an
// attachment produced by an upload endpoint.
func (s *Service) PostMessage(ctx context.Context, msg Message) (Message, error) {
	msg.Channel = NormalizeChannelName(msg.Channel)
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if !msg.Kind.Valid() {
		return Message{}, fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	if msg.Kind != KindText && msg.Attachment == nil {
		return Message{}, fmt.Errorf("%s message without attachment", msg.Kind)
	}
	if _, err := s.store.GetChannel(ctx, msg.Channel); err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	if err := s.publish(ctx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *Service) publish(ctx context.Context, msg Message) error {
	stored := msg
	enc, err := s.cipher.Encrypt(msg.Content)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	stored.Content = enc

	lock := s.channelLock(msg.Channel)
	lock.Lock()
	defer lock.Unlock()

	var appendErr error
	telemetry.TimeFunc(telemetry.StoreAppendDuration, func() {
		appendErr = s.store.AppendMessage(ctx, stored)
	})
	if appendErr != nil {
		return fmt.Errorf("append message: %w", appendErr)
	}
	telemetry.MessageSent(string(msg.Kind))
	s.each(func(b Broadcaster) { b.MessageSent(ctx, msg) })
	return nil
}

func (s *Service) channelLock(name string) *sync.Mutex {
	v, _ := s.sendLocks.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// BroadcastMessage fans out an already persisted message.
func (s *Service) BroadcastMessage(ctx context.Context, msg Message) {
	s.each(func(b Broadcaster) { b.MessageSent(ctx, msg) })
}

// SendError delivers a user-facing error to one connection through the
// broadcaster of its transport.
func (s *Service) SendError(ctx context.Context, conn presence.ConnID, message string) {
	s.each(func(b Broadcaster) { b.SendError(ctx, conn, message) })
}

// BroadcastChannelUpdate re-reads a channel and announces it.
func (s *Service) BroadcastChannelUpdate(ctx context.Context, channel string) error {
	ch, err := s.store.GetChannel(ctx, NormalizeChannelName(channel))
	if err != nil {
		return err
	}
	s.each(func(b Broadcaster) { b.ChannelUpdated(ctx, ch) })
	return nil
}

// GetChannelHistory returns up to count recent messages, oldest first.
func (s *Service) GetChannelHistory(ctx context.Context, channel string, count int) ([]Message, error) {
	name := NormalizeChannelName(channel)
	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	if _, err := s.store.GetChannel(ctx, name); err != nil {
		return nil, err
	}
	return s.history(ctx, name, count)
}

func (s *Service) history(ctx context.Context, name string, count int) ([]Message, error) {
	if count <= 0 {
		count = s.opts.HistoryCount
	}
	if count > maxHistoryCount {
		count = maxHistoryCount
	}
	msgs, err := s.store.RecentMessages(ctx, name, count)
	if err != nil {
		return nil, fmt.Errorf("load history for %q: %w", name, err)
	}
	for i := range msgs {
		msgs[i].Content = s.cipher.Decrypt(msgs[i].Content)
	}
	return msgs, nil
}

// UpdateStatus persists a status and announces it in every channel the user
// occupies.
func (s *Service) UpdateStatus(ctx context.Context, userID, username string, status UserStatus, statusMessage string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	statusMessage = strings.TrimSpace(statusMessage)
	if utf8.RuneCountInString(statusMessage) > maxStatusMessage {
		return fmt.Errorf("%w: status message limit is %d characters", ErrMessageTooLong, maxStatusMessage)
	}
	if err := s.store.UpdateStatus(ctx, userID, status, statusMessage); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	profile, err := s.store.GetUser(ctx, username)
	if err != nil {
		profile = UserProfile{ID: userID, Username: username}
	}
	profile.Status = status
	profile.StatusMessage = statusMessage

	if channels := s.presence.ChannelsFor(username); len(channels) > 0 {
		s.each(func(b Broadcaster) { b.StatusChanged(ctx, channels, profile) })
	}
	return nil
}

// GetOnlineUsers returns profiles of users currently present in a channel,
// sorted by username.
func (s *Service) GetOnlineUsers(ctx context.Context, channel string) ([]UserProfile, error) {
	names := s.presence.UsersIn(NormalizeChannelName(channel))
	if len(names) == 0 {
		return []UserProfile{}, nil
	}
	profiles, err := s.store.GetUsers(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	byName := make(map[string]UserProfile, len(profiles))
	for _, p := range profiles {
		byName[strings.ToLower(p.Username)] = p
	}
	out := make([]UserProfile, 0, len(names))
	for _, n := range names {
		p, ok := byName[strings.ToLower(n)]
		if !ok {
			p = UserProfile{Username: n, Status: StatusOnline}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username) })
	return out, nil
}

// GetUserProfile returns ErrUserNotFound for unknown users.
func (s *Service) GetUserProfile(ctx context.Context, username string) (UserProfile, error) {
	return s.store.GetUser(ctx, username)
}

// GetChannelTopic returns the channel topic, possibly empty.
func (s *Service) GetChannelTopic(ctx context.Context, channel string) (string, error) {
	ch, err := s.store.GetChannel(ctx, NormalizeChannelName(channel))
	if err != nil {
		return "", err
	}
	return ch.Topic, nil
}

// SetChannelTopic lets the channel creator change the topic.
func (s *Service) SetChannelTopic(ctx context.Context, username, channel, topic string) error {
	ch, err := s.store.GetChannel(ctx, NormalizeChannelName(channel))
	if err != nil {
		return err
	}
	if !strings.EqualFold(ch.CreatedBy, username) {
		return ErrNotChannelCreator
	}
	topic = strings.TrimSpace(topic)
	if utf8.RuneCountInString(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic limit is %d characters", ErrMessageTooLong, maxTopicLength)
	}
	if err := s.store.UpdateChannelTopic(ctx, ch.Name, topic); err != nil {
		return fmt.Errorf("update topic: %w", err)
	}
	ch.Topic = topic
	s.each(func(b Broadcaster) { b.ChannelUpdated(ctx, ch) })
	return nil
}

// GetChannelList returns public channels with their online counts.
func (s *Service) GetChannelList(ctx context.Context) ([]ChannelSummary, error) {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		if !ch.IsPublic {
			continue
		}
		out = append(out, ChannelSummary{Name: ch.Name, Topic: ch.Topic, OnlineCount: s.presence.OnlineCount(ch.Name)})
	}
	return out, nil
}

// GetChannelsForUser returns the channels a user occupies on any transport.
func (s *Service) GetChannelsForUser(username string) []string {
	return s.presence.ChannelsFor(username)
}

// IsOnline reports whether the user has any live connection.
func (s *Service) IsOnline(username string) bool { return s.presence.IsOnline(username) }

// ConnectedSince returns when the user's oldest live connection was opened.
func (s *Service) ConnectedSince(username string) (time.Time, bool) {
	return s.presence.ConnectedSince(username)
}

// AuthenticateUser checks credentials and returns the user id.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	userID, err := s.auth.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("authenticate %q: %w", username, err)
	}
	return userID, nil
}
