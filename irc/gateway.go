// Package irc bridges raw IRC clients into the chat core.
//
// Each accepted socket is served by one goroutine that reads CRLF lines and
// dispatches them through a small registration state machine:
//
//	Unregistered -> Negotiating (CAP LS) -> Unregistered (CAP END) -> Registered
//	any state -> Closed (QUIT or socket teardown)
//
// Registration completes through SASL PLAIN (after CAP REQ :sasl) or through
// PASS/NICK/USER, both checked against the chat core's AuthenticateUser.
// Channel events produced by any transport reach IRC clients through the
// gateway's Broadcaster. Every connection writes through a bounded queue, so
// a client that stops reading is dropped instead of stalling a broadcast.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/ratelimit"
	"github.com/huebyte/echohub/telemetry"
)

// Options configures a Gateway.
type Options struct {
	ServerName string
	Network    string
	// MOTD lines; empty sends 422.
	MOTD []string
	// Addr is the plaintext listen address; empty disables it.
	Addr string
	// TLSAddr is used only when TLSConfig is set.
	TLSAddr   string
	TLSConfig *tls.Config
	// RegistrationTimeout bounds the time between accept and registration.
	RegistrationTimeout time.Duration
	WriteTimeout        time.Duration
	// SendQueue is the per-connection outbound line buffer.
	SendQueue int
	// Limiter throttles accepted connections per remote host. Nil allows all.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ServerName == "" {
		o.ServerName = "echohub"
	}
	if o.Network == "" {
		o.Network = "EchoHub"
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 512
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Gateway owns the IRC listeners and every live IRC connection.
type Gateway struct {
	svc       *chat.Service
	opts      Options
	log       *slog.Logger
	formatter Formatter
	created   time.Time

	mu        sync.Mutex
	conns     map[presence.ConnID]*conn
	listeners []net.Listener
	closing   bool

	wg sync.WaitGroup
}

// NewGateway creates a gateway. Register its Broadcaster with the service
// before calling Start.
func NewGateway(svc *chat.Service, opts Options) *Gateway {
	opts.setDefaults()
	return &Gateway{
		svc:       svc,
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "irc")),
		formatter: Formatter{Host: opts.ServerName},
		created:   time.Now(),
		conns:     make(map[presence.ConnID]*conn),
	}
}

// Broadcaster returns the IRC implementation of chat.Broadcaster.
func (g *Gateway) Broadcaster() *Broadcaster { return &Broadcaster{g: g} }

// Start binds the configured listeners and serves them in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if g.opts.Addr != "" {
		l, err := net.Listen("tcp", g.opts.Addr)
		if err != nil {
			return fmt.Errorf("irc listen %s: %w", g.opts.Addr, err)
		}
		g.serveInBackground(ctx, l)
	}
	if g.opts.TLSConfig != nil && g.opts.TLSAddr != "" {
		l, err := tls.Listen("tcp", g.opts.TLSAddr, g.opts.TLSConfig)
		if err != nil {
			g.closeListeners()
			return fmt.Errorf("irc tls listen %s: %w", g.opts.TLSAddr, err)
		}
		g.serveInBackground(ctx, l)
	}
	return nil
}

// serveInBackground registers l before returning so Addrs and Shutdown see it.
func (g *Gateway) serveInBackground(ctx context.Context, l net.Listener) {
	if !g.addListener(l) {
		return
	}
	go func() {
		if err := g.Serve(ctx, l); err != nil {
			g.log.Error("irc accept loop stopped", slog.String("addr", l.Addr().String()), slog.Any("err", err))
		}
	}()
}

// Serve accepts connections on l until Shutdown. It returns nil after Shutdown.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	if !g.addListener(l) {
		return nil
	}
	g.log.Debug("irc listener started", slog.String("addr", l.Addr().String()))

	var tempDelay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if g.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		host := ratelimit.HostKey(nc.RemoteAddr())
		if !g.opts.Limiter.Allow(host) {
			telemetry.RateLimit("irc")
			g.log.Warn("irc connection rate limited", slog.String("remote", host))
			_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
			fmt.Fprintf(nc, "ERROR :Closing Link: %s (Too many connections)\r\n", host)
			nc.Close()
			continue
		}

		c := newConn(g, nc, host)
		if !g.track(c) {
			c.writeLine("ERROR :Server shutting down")
			c.close()
			return nil
		}
		go func() {
			defer g.untrack(c)
			c.serve(ctx)
		}()
	}
}

// addListener records l once. It closes l and reports false after Shutdown.
func (g *Gateway) addListener(l net.Listener) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		l.Close()
		return false
	}
	for _, known := range g.listeners {
		if known == l {
			return true
		}
	}
	g.listeners = append(g.listeners, l)
	return true
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) lookup(id presence.ConnID) *conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[id]
}

// snapshot returns the live connections.
func (g *Gateway) snapshot() []*conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

// Addrs returns the addresses of the active listeners.
func (g *Gateway) Addrs() []net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]net.Addr, 0, len(g.listeners))
	for _, l := range g.listeners {
		out = append(out, l.Addr())
	}
	return out
}

func (g *Gateway) closeListeners() {
	g.mu.Lock()
	ls := g.listeners
	g.listeners = nil
	g.mu.Unlock()
	for _, l := range ls {
		if err := l.Close(); err != nil {
			g.log.Debug("close listener", slog.Any("err", err))
		}
	}
}

// Shutdown stops accepting, sends a courtesy ERROR to every connection, closes
// the sockets and waits for connection goroutines until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.closeListeners()

	conns := g.snapshot()
	for _, c := range conns {
		c.writeLine("ERROR :Server shutting down")
		go c.close()
	}
	g.log.Info("irc gateway shutting down", slog.Int("connections", len(conns)))

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("irc shutdown: %w", ctx.Err())
	}
}

// LoadPKCS12 builds a server TLS config from a PKCS#12 bundle holding one
// certificate and its private key.
func LoadPKCS12(path, password string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate bundle: %w", err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode certificate bundle %s: %w", path, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
		MinVersion: tls.VersionTLS12,
	}, nil
}
