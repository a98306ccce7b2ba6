package chat_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/crypto"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/testutil"
)

type fixture struct {
	store   *testutil.MemoryStore
	tracker *presence.Tracker
	rec     *testutil.RecordingBroadcaster
	svc     *chat.Service
}

func newFixture(t *testing.T, cipher chat.Cipher) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.NewMemoryStore(),
		tracker: presence.NewTracker(),
		rec:     &testutil.RecordingBroadcaster{},
	}
	f.svc = chat.NewService(f.store, f.store, cipher, f.tracker, chat.Options{HistoryCount: 50, MaxMessageLength: 100, MaxNewlines: 2})
	f.svc.AddBroadcaster(f.rec)
	if err := f.svc.EnsureDefaultChannel(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultChannel: %v", err)
	}
	return f
}

func (f *fixture) connect(t *testing.T, username string) (presence.ConnID, string) {
	t.Helper()
	id := presence.NewConnID(presence.TransportIRC)
	userID := "id-" + username
	f.svc.UserConnected(context.Background(), id, userID, username)
	return id, userID
}

func TestJoinChannelCreatesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := presence.NewConnID(presence.TransportHub)
			f.svc.UserConnected(ctx, id, "u", "racer")
			if _, err := f.svc.JoinChannel(ctx, id, "u", "racer", "Lobby"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("JoinChannel: %v", err)
	}

	if got := f.rec.Count("channel"); got != 1 {
		t.Errorf("channel created announcements = %d, want 1", got)
	}
	channels, _ := f.store.ListChannels(ctx)
	if len(channels) != 2 {
		t.Errorf("channels = %d, want 2 (general + lobby)", len(channels))
	}
	if users := f.tracker.UsersIn("lobby"); len(users) != 1 || users[0] != "racer" {
		t.Errorf("UsersIn(lobby) = %v", users)
	}
}

func TestJoinChannelValidation(t *testing.T) {
	f := newFixture(t, nil)
	id, userID := f.connect(t, "alice")

	tests := []struct {
		name    string
		channel string
		wantErr error
	}{
		{"valid", "dev-chat", nil},
		{"uppercase normalised", "  RUST_lang ", nil},
		{"too short", "a", chat.ErrInvalidChannelName},
		{"leading dash", "-bad", chat.ErrInvalidChannelName},
		{"space", "two words", chat.ErrInvalidChannelName},
		{"too long", strings.Repeat("x", 51), chat.ErrInvalidChannelName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.JoinChannel(context.Background(), id, userID, "alice", tt.channel)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("JoinChannel(%q) error = %v, want %v", tt.channel, err, tt.wantErr)
			}
		})
	}
	if got := f.svc.GetChannelsForUser("alice"); strings.Join(got, ",") != "dev-chat,rust_lang" {
		t.Errorf("channels for alice = %v", got)
	}
}

func TestJoinExcludesOriginAndReturnsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, userID := f.connect(t, "alice")

	if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", chat.DefaultChannel); err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{"one", "two", "three"} {
		if err := f.svc.SendMessage(ctx, userID, "alice", chat.DefaultChannel, body); err != nil {
			t.Fatalf("SendMessage(%q): %v", body, err)
		}
	}

	other, otherID := f.connect(t, "bob")
	history, err := f.svc.JoinChannel(ctx, other, otherID, "bob", chat.DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Content != "one" || history[2].Content != "three" {
		t.Fatalf("history = %+v, want one,two,three oldest first", history)
	}

	var joined []testutil.Event
	for _, e := range f.rec.Events() {
		if e.Kind == "joined" {
			joined = append(joined, e)
		}
	}
	if len(joined) != 2 || joined[1].Origin != other || joined[1].Username != "bob" {
		t.Errorf("joined events = %+v", joined)
	}
}

func TestLeaveDefaultChannelRefused(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, userID := f.connect(t, "alice")
	if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", "General"); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.LeaveChannel(ctx, id, "alice", "GENERAL"); !errors.Is(err, chat.ErrDefaultChannel) {
		t.Fatalf("LeaveChannel(general) error = %v, want ErrDefaultChannel", err)
	}
	if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", "random"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.LeaveChannel(ctx, id, "alice", "random"); err != nil {
		t.Fatalf("LeaveChannel(random): %v", err)
	}
	if got := f.svc.GetChannelsForUser("alice"); len(got) != 1 || got[0] != chat.DefaultChannel {
		t.Errorf("channels after leave = %v", got)
	}
}

func TestDisconnectLastConnectionFlipsOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := presence.NewConnID(presence.TransportHub)
	second := presence.NewConnID(presence.TransportIRC)
	f.svc.UserConnected(ctx, first, "u1", "alice")
	f.svc.UserConnected(ctx, second, "u1", "alice")
	for _, ch := range []string{"general", "random"} {
		if _, err := f.svc.JoinChannel(ctx, first, "u1", "alice", ch); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.JoinChannel(ctx, second, "u1", "alice", "general"); err != nil {
		t.Fatal(err)
	}
	f.rec.Reset()

	name, offline := f.svc.UserDisconnected(ctx, first)
	if name != "alice" || offline {
		t.Fatalf("first disconnect = (%q, %v), want (alice, false)", name, offline)
	}
	if !f.svc.IsOnline("alice") {
		t.Fatal("alice went offline with a connection left")
	}
	if got := f.rec.Count("status"); got != 0 {
		t.Errorf("status events after first disconnect = %d, want 0", got)
	}

	name, offline = f.svc.UserDisconnected(ctx, second)
	if name != "alice" || !offline {
		t.Fatalf("second disconnect = (%q, %v), want (alice, true)", name, offline)
	}
	var status []testutil.Event
	for _, e := range f.rec.Events() {
		if e.Kind == "status" {
			status = append(status, e)
		}
	}
	if len(status) != 1 {
		t.Fatalf("status events = %d, want 1", len(status))
	}
	if status[0].Profile.Status != chat.StatusOffline || strings.Join(status[0].Channels, ",") != "general" {
		t.Errorf("status event = %+v", status[0])
	}

	if _, offline := f.svc.UserDisconnected(ctx, second); offline {
		t.Error("disconnecting an unknown connection reported offline")
	}
}

func TestStatusFollowsConnections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	userID := f.store.AddUser("alice", "pw")

	first := presence.NewConnID(presence.TransportIRC)
	f.svc.UserConnected(ctx, first, userID, "alice")
	if _, err := f.svc.JoinChannel(ctx, first, userID, "alice", "general"); err != nil {
		t.Fatal(err)
	}
	if p, _ := f.svc.GetUserProfile(ctx, "alice"); p.Status != chat.StatusOnline {
		t.Fatalf("status after connect = %q, want online", p.Status)
	}
	if err := f.svc.UpdateStatus(ctx, userID, "alice", chat.StatusAway, "lunch"); err != nil {
		t.Fatal(err)
	}

	second := presence.NewConnID(presence.TransportHub)
	f.svc.UserConnected(ctx, second, userID, "alice")
	if p, _ := f.svc.GetUserProfile(ctx, "alice"); p.Status != chat.StatusAway {
		t.Errorf("extra session reset status to %q", p.Status)
	}

	f.svc.UserDisconnected(ctx, second)
	f.svc.UserDisconnected(ctx, first)
	p, _ := f.svc.GetUserProfile(ctx, "alice")
	if p.Status != chat.StatusOffline || p.StatusMessage != "" {
		t.Fatalf("stored after last disconnect = %q (%q), want offline", p.Status, p.StatusMessage)
	}

	again := presence.NewConnID(presence.TransportIRC)
	f.svc.UserConnected(ctx, again, userID, "alice")
	if _, err := f.svc.JoinChannel(ctx, again, userID, "alice", "general"); err != nil {
		t.Fatal(err)
	}
	users, err := f.svc.GetOnlineUsers(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Status != chat.StatusOnline || users[0].StatusMessage != "" {
		t.Errorf("online users after reconnect = %+v", users)
	}
}

func TestSendErrorReachesEveryBroadcaster(t *testing.T) {
	f := newFixture(t, nil)
	second := &testutil.RecordingBroadcaster{}
	f.svc.AddBroadcaster(second)
	id, _ := f.connect(t, "alice")
	f.rec.Reset()

	f.svc.SendError(context.Background(), id, "slow down")
	for i, rec := range []*testutil.RecordingBroadcaster{f.rec, second} {
		events := rec.Events()
		if len(events) != 1 {
			t.Fatalf("broadcaster %d events = %+v", i, events)
		}
		if e := events[0]; e.Kind != "error" || e.Origin != id || e.Text != "slow down" {
			t.Errorf("broadcaster %d event = %+v", i, e)
		}
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
		content string
		wantErr error
	}{
		{"ok", "general", "hello", nil},
		{"empty", "general", "", chat.ErrEmptyMessage},
		{"whitespace", "general", " \n\t ", chat.ErrEmptyMessage},
		{"too long", "general", strings.Repeat("é", 101), chat.ErrMessageTooLong},
		{"at limit", "general", strings.Repeat("é", 100), nil},
		{"too many lines", "general", "a\nb\nc\nd", chat.ErrTooManyLines},
		{"unknown channel", "nowhere", "hi", chat.ErrChannelNotFound},
		{"invalid channel", "#bad", "hi", chat.ErrInvalidChannelName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.SendMessage(ctx, "u1", "alice", tt.channel, tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SendMessage error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := len(f.store.StoredMessages("general")); got != 2 {
		t.Errorf("stored messages = %d, want 2", got)
	}
}

func TestSendMessageStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailAppend = errors.New("disk full")

	err := f.svc.SendMessage(context.Background(), "u1", "alice", "general", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := chat.PublicMessage(err); strings.Contains(got, "disk") {
		t.Errorf("public message leaks internals: %q", got)
	}
	if f.rec.Count("message") != 0 {
		t.Error("message broadcast after failed append")
	}
}

func newCipher(t *testing.T, fill byte) *crypto.ContentCipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return crypto.NewContentCipher(enc)
}

func TestMessagesEncryptedAtRest(t *testing.T) {
	f := newFixture(t, newCipher(t, 1))
	ctx := context.Background()

	if err := f.svc.SendMessage(ctx, "u1", "alice", "general", "secret plans"); err != nil {
		t.Fatal(err)
	}
	stored := f.store.StoredMessages("general")
	if len(stored) != 1 || !crypto.IsEncrypted(stored[0].Content) || strings.Contains(stored[0].Content, "secret") {
		t.Fatalf("stored content not encrypted: %+v", stored)
	}
	for _, e := range f.rec.Events() {
		if e.Kind == "message" && e.Message.Content != "secret plans" {
			t.Errorf("broadcast content = %q, want plaintext", e.Message.Content)
		}
	}

	history, err := f.svc.GetChannelHistory(ctx, "general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "secret plans" {
		t.Errorf("history = %+v", history)
	}

	// A service with a different key renders the marker instead of failing.
	other := chat.NewService(f.store, f.store, newCipher(t, 2), presence.NewTracker(), chat.Options{})
	history, err = other.GetChannelHistory(ctx, "general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if history[0].Content != crypto.DecryptionFailedMarker {
		t.Errorf("content with wrong key = %q, want marker", history[0].Content)
	}
}

func TestGetChannelHistoryClampsCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.svc.SendMessage(ctx, "u1", "alice", "general", "m"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := f.svc.GetChannelHistory(ctx, "general", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if _, err := f.svc.GetChannelHistory(ctx, "missing", 2); !errors.Is(err, chat.ErrChannelNotFound) {
		t.Errorf("missing channel error = %v", err)
	}
}

func TestPostMessageAttachment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.PostMessage(ctx, chat.Message{Channel: "general", Kind: chat.KindImage})
	if err == nil {
		t.Fatal("image without attachment accepted")
	}
	msg, err := f.svc.PostMessage(ctx, chat.Message{
		Channel:        "General",
		SenderUsername: "alice",
		Kind:           chat.KindImage,
		Attachment:     &chat.Attachment{URL: "https://cdn.example/cat.png", FileName: "cat.png", Size: 2048},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() || msg.Channel != "general" {
		t.Errorf("message not completed: %+v", msg)
	}
	if f.rec.Count("message") != 1 {
		t.Error("attachment not broadcast")
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	userID := f.store.AddUser("alice", "pw")
	id := presence.NewConnID(presence.TransportHub)
	f.svc.UserConnected(ctx, id, userID, "alice")
	if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", "general"); err != nil {
		t.Fatal(err)
	}
	f.rec.Reset()

	if err := f.svc.UpdateStatus(ctx, userID, "alice", chat.StatusAway, "  lunch "); err != nil {
		t.Fatal(err)
	}
	p, _ := f.svc.GetUserProfile(ctx, "ALICE")
	if p.Status != chat.StatusAway || p.StatusMessage != "lunch" {
		t.Errorf("profile = %+v", p)
	}
	if f.rec.Count("status") != 1 {
		t.Errorf("status events = %d, want 1", f.rec.Count("status"))
	}

	if err := f.svc.UpdateStatus(ctx, userID, "alice", "sleepy", ""); !errors.Is(err, chat.ErrInvalidStatus) {
		t.Errorf("invalid status error = %v", err)
	}
	if err := f.svc.UpdateStatus(ctx, userID, "alice", chat.StatusBusy, strings.Repeat("x", 129)); !errors.Is(err, chat.ErrMessageTooLong) {
		t.Errorf("long status message error = %v", err)
	}
}

func TestGetOnlineUsers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, name := range []string{"zed", "Amy"} {
		userID := f.store.AddUser(name, "pw")
		id := presence.NewConnID(presence.TransportIRC)
		f.svc.UserConnected(ctx, id, userID, name)
		if _, err := f.svc.JoinChannel(ctx, id, userID, name, "general"); err != nil {
			t.Fatal(err)
		}
	}

	users, err := f.svc.GetOnlineUsers(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "Amy" || users[1].Username != "zed" {
		t.Errorf("online users = %+v", users)
	}
	empty, err := f.svc.GetOnlineUsers(ctx, "quiet")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("empty channel = %v, %v", empty, err)
	}
}

func TestSetChannelTopic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, userID := f.connect(t, "alice")
	if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", "ops"); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SetChannelTopic(ctx, "mallory", "ops", "pwned"); !errors.Is(err, chat.ErrNotChannelCreator) {
		t.Errorf("non-creator error = %v", err)
	}
	if err := f.svc.SetChannelTopic(ctx, "ALICE", "ops", "deploys only"); err != nil {
		t.Fatal(err)
	}
	topic, err := f.svc.GetChannelTopic(ctx, "ops")
	if err != nil || topic != "deploys only" {
		t.Errorf("topic = %q, %v", topic, err)
	}
	if _, err := f.svc.GetChannelTopic(ctx, "nope"); !errors.Is(err, chat.ErrChannelNotFound) {
		t.Errorf("missing channel error = %v", err)
	}
}

func TestGetChannelList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id, userID := f.connect(t, "alice")
	for _, ch := range []string{"general", "secret"} {
		if _, err := f.svc.JoinChannel(ctx, id, userID, "alice", ch); err != nil {
			t.Fatal(err)
		}
	}
	f.store.SetChannelPublic("secret", false)

	list, err := f.svc.GetChannelList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "general" || list[0].OnlineCount != 1 {
		t.Errorf("channel list = %+v", list)
	}
}

func TestAuthenticateUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	want := f.store.AddUser("alice", "correct horse")

	tests := []struct {
		name     string
		user     string
		password string
		wantErr  error
	}{
		{"ok", "alice", "correct horse", nil},
		{"case-insensitive user", "Alice", "correct horse", nil},
		{"wrong password", "alice", "battery", chat.ErrInvalidCredentials},
		{"unknown user", "bob", "x", chat.ErrInvalidCredentials},
		{"empty password", "alice", "", chat.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.AuthenticateUser(ctx, tt.user, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != want {
				t.Errorf("user id = %q, want %q", got, want)
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	if got := chat.PublicMessage(nil); got != "" {
		t.Errorf("nil = %q", got)
	}
	wrapped := errors.Join(errors.New("ctx"), chat.ErrChannelNotFound)
	if got := chat.PublicMessage(wrapped); !strings.Contains(got, chat.ErrChannelNotFound.Error()) {
		t.Errorf("wrapped public error = %q", got)
	}
	if got := chat.PublicMessage(errors.New("pq: connection refused")); strings.Contains(got, "pq") {
		t.Errorf("internal error leaked: %q", got)
	}
}
