package db_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/db"
	"github.com/huebyte/echohub/testutil"
)

func newStore(t *testing.T) *db.Store {
	t.Helper()
	return db.NewStore(testutil.SetupTestDB(t))
}

func TestEnsureChannelConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.EnsureChannel(ctx, chat.Channel{Name: "race", CreatedBy: fmt.Sprintf("user%d", i), IsPublic: true})
			if err != nil {
				t.Errorf("EnsureChannel: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}

	ch, err := s.GetChannel(ctx, "race")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if ch.CreatedBy == "" || !ch.IsPublic {
		t.Errorf("stored channel = %+v", ch)
	}
}

func TestChannelQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.GetChannel(ctx, "missing"); !errors.Is(err, chat.ErrChannelNotFound) {
		t.Errorf("GetChannel(missing) error = %v", err)
	}
	if err := s.UpdateChannelTopic(ctx, "missing", "x"); !errors.Is(err, chat.ErrChannelNotFound) {
		t.Errorf("UpdateChannelTopic(missing) error = %v", err)
	}

	if _, _, err := s.EnsureChannel(ctx, chat.Channel{Name: "alpha", CreatedBy: "alice", IsPublic: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateChannelTopic(ctx, "alpha", "first letter"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetChannelPublic(ctx, "alpha", false); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "general" {
		t.Fatalf("ListChannels() = %+v", list)
	}
	if list[0].Topic != "first letter" || list[0].IsPublic {
		t.Errorf("alpha = %+v", list[0])
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 0; i < 5; i++ {
		msg := chat.Message{
			ID:             uuid.NewString(),
			Channel:        "general",
			SenderID:       "u1",
			SenderUsername: "alice",
			Kind:           chat.KindText,
			Content:        fmt.Sprintf("m%d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}
		if i == 4 {
			msg.Kind = chat.KindImage
			msg.Attachment = &chat.Attachment{URL: "https://x/cat.png", FileName: "cat.png", Size: 2048, ASCIIArt: "[#ff0000]@[/]"}
			msg.Embeds = []chat.Embed{{URL: "https://x", Title: "X"}}
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, "general", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Content != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
	last := got[2]
	if last.Attachment == nil || last.Attachment.FileName != "cat.png" || last.Attachment.Size != 2048 {
		t.Errorf("attachment = %+v", last.Attachment)
	}
	if len(last.Embeds) != 1 || last.Embeds[0].Title != "X" {
		t.Errorf("embeds = %+v", last.Embeds)
	}
	if !last.Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("timestamp = %v", last.Timestamp)
	}
	if got[0].Attachment != nil || got[0].Embeds != nil {
		t.Errorf("text message gained attachment data: %+v", got[0])
	}

	empty, err := s.RecentMessages(ctx, "nowhere", 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("RecentMessages(nowhere) = %v, %v", empty, err)
	}
}

func TestUsersAndAuthentication(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "Alice", "wonderland", "Alice L.")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, "alice", "other", ""); !errors.Is(err, chat.ErrUserExists) {
		t.Errorf("duplicate CreateUser error = %v", err)
	}
	if _, err := s.CreateUser(ctx, "9bad", "pw", ""); !errors.Is(err, chat.ErrInvalidUsername) {
		t.Errorf("invalid username error = %v", err)
	}

	id, err := s.Authenticate(ctx, "ALICE", "wonderland")
	if err != nil || id != alice.ID {
		t.Errorf("Authenticate() = %q, %v", id, err)
	}
	if _, err := s.Authenticate(ctx, "alice", "nope"); !errors.Is(err, chat.ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := s.Authenticate(ctx, "ghost", "x"); !errors.Is(err, chat.ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v", err)
	}

	if err := s.SetPassword(ctx, "alice", "looking-glass"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Authenticate(ctx, "alice", "looking-glass"); err != nil {
		t.Errorf("Authenticate after SetPassword: %v", err)
	}
	if err := s.SetPassword(ctx, "ghost", "x"); !errors.Is(err, chat.ErrUserNotFound) {
		t.Errorf("SetPassword(ghost) error = %v", err)
	}

	if err := s.UpdateStatus(ctx, alice.ID, chat.StatusBusy, "heads down"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, uuid.NewString(), chat.StatusBusy, ""); !errors.Is(err, chat.ErrUserNotFound) {
		t.Errorf("UpdateStatus(unknown) error = %v", err)
	}
	p, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "Alice" || p.DisplayName != "Alice L." || p.Status != chat.StatusBusy || p.StatusMessage != "heads down" {
		t.Errorf("GetUser() = %+v", p)
	}

	if _, err := s.CreateUser(ctx, "bob", "pw", ""); err != nil {
		t.Fatal(err)
	}
	users, err := s.GetUsers(ctx, []string{"BOB", "alice", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "Alice" || users[1].Username != "bob" {
		t.Errorf("GetUsers() = %+v", users)
	}
}

func TestLegacyMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ids := make([]string, 3)
	for i, content := range []string{"plain one", "enc:v1:already", "plain two"} {
		ids[i] = uuid.NewString()
		err := s.AppendMessage(ctx, chat.Message{
			ID: ids[i], Channel: "general", SenderUsername: "alice", Kind: chat.KindText, Content: content, Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	legacy, err := s.ListLegacyMessages(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(legacy) != 2 || legacy[0].Content != "plain one" || legacy[1].Content != "plain two" {
		t.Fatalf("ListLegacyMessages() = %+v", legacy)
	}

	page, err := s.ListLegacyMessages(ctx, legacy[0].Seq, 10)
	if err != nil || len(page) != 1 || page[0].ID != ids[2] {
		t.Errorf("second page = %+v, %v", page, err)
	}

	if err := s.UpdateMessageContent(ctx, ids[0], "enc:v1:now"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMessageContent(ctx, uuid.NewString(), "x"); err == nil {
		t.Error("expected error for unknown message")
	}
	legacy, _ = s.ListLegacyMessages(ctx, 0, 10)
	if len(legacy) != 1 {
		t.Errorf("remaining legacy = %+v", legacy)
	}
}

func TestPruneMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, _, err := s.EnsureChannel(ctx, chat.Channel{ID: uuid.NewString(), Name: "random", IsPublic: true}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-72 * time.Hour)
	recent := time.Now()
	add := func(channel string, at time.Time) {
		t.Helper()
		err := s.AppendMessage(ctx, chat.Message{
			ID: uuid.NewString(), Channel: channel, SenderUsername: "alice", Kind: chat.KindText, Content: "x", Timestamp: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		add("general", old)
	}
	add("general", recent)
	add("random", old)
	add("random", recent)

	if got, err := s.PruneMessages(ctx, time.Time{}, 0, false); err != nil || len(got) != 0 {
		t.Fatalf("no rules = %v, %v", got, err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	got, err := s.PruneMessages(ctx, cutoff, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	// general keeps its newest two (one old survives), random keeps both
	if got["general"] != 2 || got["random"] != 0 {
		t.Fatalf("dry run = %v", got)
	}
	if msgs, _ := s.RecentMessages(ctx, "general", 10); len(msgs) != 4 {
		t.Fatalf("dry run deleted rows: %d left", len(msgs))
	}

	got, err = s.PruneMessages(ctx, cutoff, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if got["general"] != 3 || got["random"] != 1 {
		t.Fatalf("age prune = %v", got)
	}
	if msgs, _ := s.RecentMessages(ctx, "general", 10); len(msgs) != 1 {
		t.Errorf("general has %d messages, want 1", len(msgs))
	}

	add("general", recent)
	add("general", recent)
	got, err = s.PruneMessages(ctx, time.Time{}, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if got["general"] != 2 {
		t.Errorf("count prune = %v", got)
	}
}
