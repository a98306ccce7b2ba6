package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/hub"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/ratelimit"
	"github.com/huebyte/echohub/testutil"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fixture struct {
	svc     *chat.Service
	store   *testutil.MemoryStore
	tokens  *hub.TokenValidator
	handler http.Handler
	ids     map[string]string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	ids := map[string]string{
		"alice": store.AddUser("alice", "pw"),
		"bob":   store.AddUser("bob", "pw"),
	}
	svc := chat.NewService(store, store, nil, presence.NewTracker(), chat.Options{})
	if err := svc.EnsureDefaultChannel(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultChannel: %v", err)
	}
	tokens, err := hub.NewTokenValidator("test-secret", "", "")
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}
	opts := Options{Service: svc, Tokens: tokens, DB: fakePinger{}}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{svc: svc, store: store, tokens: tokens, handler: NewRouter(opts), ids: ids}
}

func (f *fixture) token(t *testing.T, username string) string {
	t.Helper()
	tok, err := f.tokens.Issue(f.ids[username], username, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get(t, "/readyz", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("database down", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.DB = fakePinger{err: errors.New("connection refused")} })
		rr := f.get(t, "/readyz", "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rr.Code)
		}
		var body map[string]string
		decode(t, rr, &body)
		if body["failed_check"] != "database" {
			t.Errorf("failed_check = %q", body["failed_check"])
		}
	})

	t.Run("default channel missing", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := chat.NewService(store, store, nil, presence.NewTracker(), chat.Options{})
		tokens, _ := hub.NewTokenValidator("s", "", "")
		h := NewRouter(Options{Service: svc, Tokens: tokens})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "default_channel") {
			t.Errorf("body = %s", rr.Body.String())
		}
	})
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.get(t, "/api/channels", tt.token)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
			var body map[string]string
			decode(t, rr, &body)
			if body["error"] != "unauthorized" {
				t.Errorf("error = %q", body["error"])
			}
		})
	}

	// query parameter tokens are accepted too
	rr := f.get(t, "/api/channels?access_token="+f.token(t, "alice"), "")
	if rr.Code != http.StatusOK {
		t.Errorf("query token status = %d", rr.Code)
	}
}

func TestChannelList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conn := presence.NewConnID(presence.TransportHub)
	f.svc.UserConnected(ctx, conn, f.ids["alice"], "alice")
	if _, err := f.svc.JoinChannel(ctx, conn, f.ids["alice"], "alice", "general"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if _, err := f.svc.JoinChannel(ctx, conn, f.ids["alice"], "alice", "random"); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	f.store.SetChannelPublic("random", false)

	rr := f.get(t, "/api/channels", f.token(t, "bob"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []chat.ChannelSummary
	decode(t, rr, &got)
	if len(got) != 1 || got[0].Name != "general" || got[0].OnlineCount != 1 {
		t.Fatalf("channels = %+v", got)
	}
}

func TestChannelMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := f.svc.SendMessage(ctx, f.ids["alice"], "alice", "general", text); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	tok := f.token(t, "bob")

	rr := f.get(t, "/api/channels/general/messages?count=2", tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var msgs []chat.Message
	decode(t, rr, &msgs)
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("messages = %+v", msgs)
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"default count", "/api/channels/general/messages", http.StatusOK},
		{"upper case name", "/api/channels/GENERAL/messages", http.StatusOK},
		{"bad count", "/api/channels/general/messages?count=abc", http.StatusBadRequest},
		{"negative count", "/api/channels/general/messages?count=-1", http.StatusBadRequest},
		{"unknown channel", "/api/channels/nowhere/messages", http.StatusNotFound},
		{"invalid name", "/api/channels/x/messages", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.get(t, tt.path, tok)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
}

func TestChannelMessagesEmpty(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/api/channels/general/messages", f.token(t, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestChannelUsers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, name := range []string{"bob", "alice"} {
		conn := presence.NewConnID(presence.TransportIRC)
		f.svc.UserConnected(ctx, conn, f.ids[name], name)
		if _, err := f.svc.JoinChannel(ctx, conn, f.ids[name], name, "general"); err != nil {
			t.Fatalf("JoinChannel: %v", err)
		}
	}

	rr := f.get(t, "/api/channels/general/users", f.token(t, "alice"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var users []chat.UserProfile
	decode(t, rr, &users)
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("users = %+v", users)
	}

	rr = f.get(t, "/api/channels/nowhere/users", f.token(t, "alice"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", rr.Code)
	}
}

func TestAPIRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := ratelimit.New(ctx, ratelimit.Config{Enabled: true, Limit: 2, Window: time.Minute})
	f := newFixture(t, func(o *Options) { o.Limiter = limiter })
	tok := f.token(t, "alice")

	for i := 0; i < 2; i++ {
		if rr := f.get(t, "/api/channels", tok); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rr.Code)
		}
	}
	rr := f.get(t, "/api/channels", tok)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}

	// health endpoints are not limited
	if rr := f.get(t, "/healthz", ""); rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}
}

func TestCorrelationID(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.get(t, "/healthz", "")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("correlation id not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation id = %q, want abc-123", got)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allowed origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestNotFoundAndMethod(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/nope", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "not found") {
		t.Errorf("404 = %d %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestHubUpgradeThroughRouter(t *testing.T) {
	f := newFixture(t, nil)
	h := hub.New(f.svc, f.tokens, hub.Options{})
	f.svc.AddBroadcaster(h.Broadcaster())
	handler := NewRouter(Options{Service: f.svc, Tokens: f.tokens, Hub: h})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hub?access_token=" + f.token(t, "alice")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("upgrade response missing correlation id")
	}

	deadline := time.Now().Add(time.Second)
	for !f.svc.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusRecorderHijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("expected error from non-hijackable writer")
	}
}
