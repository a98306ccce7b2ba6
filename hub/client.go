package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/telemetry"
)

var errQueueFull = errors.New("send queue full")

// Client is one WebSocket connection. readPump and writePump each run in
// their own goroutine; only writePump writes to the socket.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	id    presence.ConnID
	ident Identity
	log   *slog.Logger

	send chan []byte

	mu       sync.Mutex
	closed   bool
	closeMsg []byte
}

func newClient(h *Hub, conn *websocket.Conn, ident Identity) *Client {
	id := presence.NewConnID(presence.TransportHub)
	return &Client{
		hub:   h,
		conn:  conn,
		id:    id,
		ident: ident,
		log:   h.log.With(slog.String("conn", id.ID), slog.String("user", ident.Username)),
		send:  make(chan []byte, h.opts.SendQueue),
	}
}

// enqueue queues an encoded frame. A full queue closes the client.
func (c *Client) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- b:
		return nil
	default:
		c.closed = true
		c.closeMsg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow")
		close(c.send)
		c.log.Warn("hub client dropped", slog.String("reason", errQueueFull.Error()))
		return errQueueFull
	}
}

func (c *Client) sendFrame(typ string, payload any) error {
	b, err := encodeFrame(typ, payload)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

// shutdown stops the write pump, which sends msg as the close frame.
func (c *Client) shutdown(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeMsg = msg
	close(c.send)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()
	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("hub read error", slog.Any("err", err))
			}
			return
		}
		// any traffic proves liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reportError(ctx, fmt.Errorf("%w: %v", errBadFrame, err))
			continue
		}
		telemetry.HubFrame(f.Type)
		if err := c.hub.handle(ctx, c, f); err != nil {
			if errors.Is(err, errQueueFull) {
				return
			}
			if !chat.IsPublic(err) && !errors.Is(err, errBadFrame) {
				c.log.Error("hub frame failed", slog.String("type", f.Type), slog.Any("err", err))
			}
			c.reportError(ctx, err)
		}
	}
}

// reportError answers a failed frame through the chat core.
func (c *Client) reportError(ctx context.Context, err error) {
	c.hub.svc.SendError(ctx, c.id, frameError(err))
}

func (c *Client) writePump() {
	writeWait := c.hub.opts.WriteWait
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				closeMsg := c.closeMsg
				c.mu.Unlock()
				if closeMsg == nil {
					closeMsg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("hub write failed", slog.Any("err", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
