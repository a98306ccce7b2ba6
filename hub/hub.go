// Package hub serves the JSON push protocol over WebSocket.
//
// A client authenticates with an access token during the upgrade, then sends
// frames such as join_channel and send_message. The hub keeps one group per
// channel; groups are released when the socket goes away and the chat core is
// told through UserDisconnected.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
)

// Options configures a Hub.
type Options struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	// SendQueue is the per-client outbound buffer; a full queue drops the client.
	SendQueue     int
	WriteWait     time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub owns every WebSocket client and the channel groups.
type Hub struct {
	svc      *chat.Service
	tokens   *TokenValidator
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	validate *validator.Validate

	mu      sync.RWMutex
	clients map[presence.ConnID]*Client
	groups  map[string]map[presence.ConnID]*Client
	closing bool

	wg sync.WaitGroup
}

// New creates a hub. Register its Broadcaster with the service before serving.
func New(svc *chat.Service, tokens *TokenValidator, opts Options) *Hub {
	opts.setDefaults()
	h := &Hub{
		svc:      svc,
		tokens:   tokens,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "hub")),
		validate: validator.New(),
		clients:  make(map[presence.ConnID]*Client),
		groups:   make(map[string]map[presence.ConnID]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Broadcaster returns the hub implementation of chat.Broadcaster.
func (h *Hub) Broadcaster() *Broadcaster { return &Broadcaster{h: h} }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP authenticates the caller and upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := h.tokens.Validate(TokenFromRequest(r))
	if err != nil {
		h.log.Info("hub authentication failed", slog.Any("err", err))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.isClosing() {
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.log.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}

	c := newClient(h, ws, ident)
	if !h.add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	// the request context ends when this handler returns
	ctx := context.WithoutCancel(r.Context())
	h.svc.UserConnected(ctx, c.id, ident.UserID, ident.Username)
	h.log.Info("hub client connected", slog.String("user", ident.Username), slog.String("conn", c.id.ID))

	go c.writePump()
	go func() {
		defer h.wg.Done()
		c.readPump(ctx)
		h.remove(c)
		h.svc.UserDisconnected(ctx, c.id)
		h.log.Info("hub client disconnected", slog.String("user", ident.Username), slog.String("conn", c.id.ID))
	}()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Hub) isClosing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return true
}

// remove drops the client from the registry and from every group.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for name, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	h.mu.Unlock()
	c.shutdown(nil)
}

func (h *Hub) joinGroup(name string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	members := h.groups[name]
	if members == nil {
		members = make(map[presence.ConnID]*Client)
		h.groups[name] = members
	}
	members[c.id] = c
}

func (h *Hub) leaveGroup(name string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.groups[name]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

func (h *Hub) inGroup(name string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[name][c.id]
	return ok
}

// group returns the members of a channel group.
func (h *Hub) group(name string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.groups[name]))
	for _, c := range h.groups[name] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) all() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) lookup(id presence.ConnID) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client with a going-away frame and waits for their
// goroutines until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	clients := h.all()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.shutdown(closeMsg)
	}
	h.log.Info("hub shutting down", slog.Int("clients", len(clients)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

// handle dispatches one inbound frame.
func (h *Hub) handle(ctx context.Context, c *Client, f Frame) error {
	switch f.Type {
	case TypeJoinChannel:
		var p channelPayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		name := chat.NormalizeChannelName(p.Channel)
		// join the group first so no broadcast between join and reply is lost
		h.joinGroup(name, c)
		history, err := h.svc.JoinChannel(ctx, c.id, c.ident.UserID, c.ident.Username, name)
		if err != nil {
			h.leaveGroup(name, c)
			return err
		}
		return c.sendFrame(TypeChannelHistory, HistoryEvent{Channel: name, Messages: nonNil(history)})

	case TypeLeaveChannel:
		var p channelPayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		name := chat.NormalizeChannelName(p.Channel)
		if !h.inGroup(name, c) {
			return chat.ErrNotInChannel
		}
		if err := h.svc.LeaveChannel(ctx, c.id, c.ident.Username, name); err != nil {
			return err
		}
		h.leaveGroup(name, c)
		return nil

	case TypeSendMessage:
		var p sendMessagePayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		name := chat.NormalizeChannelName(p.Channel)
		if !h.inGroup(name, c) {
			return chat.ErrNotInChannel
		}
		return h.svc.SendMessage(ctx, c.ident.UserID, c.ident.Username, name, p.Content)

	case TypeGetHistory:
		var p getHistoryPayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		name := chat.NormalizeChannelName(p.Channel)
		history, err := h.svc.GetChannelHistory(ctx, name, p.Count)
		if err != nil {
			return err
		}
		return c.sendFrame(TypeChannelHistory, HistoryEvent{Channel: name, Messages: nonNil(history)})

	case TypeUpdateStatus:
		var p updateStatusPayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		return h.svc.UpdateStatus(ctx, c.ident.UserID, c.ident.Username, chat.UserStatus(p.Status), p.Message)

	case TypeGetOnlineUsers:
		var p channelPayload
		if err := decodePayload(h.validate, f.Payload, &p); err != nil {
			return err
		}
		name := chat.NormalizeChannelName(p.Channel)
		users, err := h.svc.GetOnlineUsers(ctx, name)
		if err != nil {
			return err
		}
		return c.sendFrame(TypeOnlineUsers, OnlineUsersEvent{Channel: name, Users: users})

	case TypeListChannels:
		list, err := h.svc.GetChannelList(ctx)
		if err != nil {
			return err
		}
		return c.sendFrame(TypeChannelList, ChannelListEvent{Channels: list})
	}
	return fmt.Errorf("%w: unknown frame type %q", errBadFrame, f.Type)
}

func nonNil(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}
