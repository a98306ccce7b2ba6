package irc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/telemetry"
)

const (
	maxLineBytes     = 8192
	saslChunkBytes   = 400
	maxSASLPayload   = 4096
	capabilitySASL   = "sasl"
	closingLinkError = "ERROR :Closing Link: %s (%s)"
)

var nickPattern = regexp.MustCompile(`^[A-Za-z\[\]\\` + "`" + `_^{|}][A-Za-z0-9\[\]\\` + "`" + `_^{|}-]{0,29}$`)

// commands that are refused with 451 before registration
var registeredOnly = map[string]bool{
	"JOIN": true, "PART": true, "PRIVMSG": true, "NAMES": true, "TOPIC": true,
	"WHO": true, "WHOIS": true, "AWAY": true, "LIST": true, "MODE": true,
}

type handlerFunc func(c *conn, ctx context.Context, m *Message)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"CAP":          (*conn).handleCap,
		"AUTHENTICATE": (*conn).handleAuthenticate,
		"PASS":         (*conn).handlePass,
		"NICK":         (*conn).handleNick,
		"USER":         (*conn).handleUser,
		"PING":         (*conn).handlePing,
		"PONG":         func(*conn, context.Context, *Message) {},
		"QUIT":         (*conn).handleQuit,
		"MOTD":         (*conn).handleMotd,
		"JOIN":         (*conn).handleJoin,
		"PART":         (*conn).handlePart,
		"PRIVMSG":      (*conn).handlePrivmsg,
		"NAMES":        (*conn).handleNames,
		"TOPIC":        (*conn).handleTopic,
		"WHO":          (*conn).handleWho,
		"WHOIS":        (*conn).handleWhois,
		"AWAY":         (*conn).handleAway,
		"LIST":         (*conn).handleList,
		"MODE":         (*conn).handleMode,
	}
}

// regState is the registration state of a connection.
type regState uint8

const (
	stateUnregistered regState = iota
	// CAP LS was seen; NICK/USER registration waits for CAP END.
	stateNegotiating
	stateRegistered
	// QUIT or teardown; the connection receives no further events.
	stateClosed
)

func (s regState) String() string {
	switch s {
	case stateUnregistered:
		return "unregistered"
	case stateNegotiating:
		return "negotiating"
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is one IRC client socket.
type conn struct {
	g    *Gateway
	id   presence.ConnID
	nc   net.Conn
	host string
	log  *slog.Logger

	// mu guards the fields read by broadcaster goroutines.
	mu       sync.Mutex
	state    regState
	nick     string
	channels map[string]struct{}

	// omu guards the outbound queue drained by writeLoop.
	omu       sync.Mutex
	out       chan string
	outClosed bool
	written   chan struct{}
	closeOnce sync.Once

	// owned by the read goroutine
	user       string
	realname   string
	userID     string
	password   string
	passSet    bool
	capSASL    bool
	rejected   bool
	saslActive bool
	saslBuf    strings.Builder
}

func newConn(g *Gateway, nc net.Conn, host string) *conn {
	id := presence.NewConnID(presence.TransportIRC)
	c := &conn{
		g:        g,
		id:       id,
		nc:       nc,
		host:     host,
		log:      g.log.With(slog.String("conn", id.ID), slog.String("remote", host)),
		channels: make(map[string]struct{}),
		out:      make(chan string, g.opts.SendQueue),
		written:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// serve runs the read loop and the teardown sequence.
func (c *conn) serve(ctx context.Context) {
	defer c.teardown(context.WithoutCancel(ctx))
	c.log.Debug("irc client connected")

	_ = c.nc.SetReadDeadline(time.Now().Add(c.g.opts.RegistrationTimeout))
	r := textproto.NewReader(bufio.NewReader(c.nc))
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("irc read error", slog.Any("err", err))
			}
			return
		}
		if len(line) > maxLineBytes {
			continue
		}
		msg := ParseMessage(line)
		if msg == nil {
			continue
		}
		c.dispatch(ctx, msg)
		if c.currentState() == stateClosed {
			return
		}
	}
}

func (c *conn) dispatch(ctx context.Context, m *Message) {
	h, known := handlers[m.Command]
	telemetry.IRCCommand(m.Command, known)
	if !known {
		c.numeric(ERR_UNKNOWNCOMMAND, m.Command, "Unknown command")
		return
	}
	if registeredOnly[m.Command] && !c.isRegistered() {
		c.numeric(ERR_NOTREGISTERED, "You have not registered")
		return
	}
	h(c, ctx, m)
}

func (c *conn) teardown(ctx context.Context) {
	c.mu.Lock()
	prev := c.state
	c.state = stateClosed
	nick := c.nick
	joined := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		joined = append(joined, ch)
	}
	c.channels = make(map[string]struct{})
	c.mu.Unlock()

	sort.Strings(joined)
	for _, ch := range joined {
		if err := c.g.svc.LeaveChannel(ctx, c.id, nick, ch); err != nil && !errors.Is(err, chat.ErrDefaultChannel) {
			c.log.Warn("leave on disconnect failed", slog.String("channel", ch), slog.Any("err", err))
		}
	}
	// a connection that never registered is unknown to presence and this is a no-op
	c.g.svc.UserDisconnected(ctx, c.id)
	c.close()
	c.log.Debug("irc client disconnected", slog.String("nick", nick), slog.String("state", prev.String()))
}

// close flushes queued output for at most WriteTimeout, then closes the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.stopOutput()
		select {
		case <-c.written:
		case <-time.After(c.g.opts.WriteTimeout):
		}
		_ = c.nc.Close()
	})
}

// --- registration state ---

func (c *conn) currentState() regState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to state to when the current state is one of from.
func (c *conn) transition(to regState, from ...regState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.state == f {
			c.state = to
			return true
		}
	}
	return false
}

// --- state accessors used by the broadcaster ---

func (c *conn) isRegistered() bool { return c.currentState() == stateRegistered }

func (c *conn) nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *conn) inChannel(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[name]
	return c.state == stateRegistered && ok
}

func (c *conn) joinedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// --- output ---

// writeLine queues one line without blocking. A full queue drops the client.
func (c *conn) writeLine(line string) {
	c.omu.Lock()
	defer c.omu.Unlock()
	if c.outClosed {
		return
	}
	select {
	case c.out <- line:
	default:
		c.outClosed = true
		close(c.out)
		c.log.Warn("irc client dropped", slog.String("reason", "send queue full"))
		// the read loop sees the closed socket and tears down
		_ = c.nc.Close()
	}
}

func (c *conn) stopOutput() {
	c.omu.Lock()
	defer c.omu.Unlock()
	if !c.outClosed {
		c.outClosed = true
		close(c.out)
	}
}

// writeLoop owns the socket's write side until the queue is closed.
func (c *conn) writeLoop() {
	defer close(c.written)
	w := bufio.NewWriter(c.nc)
	failed := false
	for line := range c.out {
		if failed {
			continue
		}
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.g.opts.WriteTimeout))
		_, err := w.WriteString(line + "\r\n")
		if err == nil && len(c.out) == 0 {
			err = w.Flush()
		}
		if err != nil {
			failed = true
			c.log.Debug("irc write failed", slog.Any("err", err))
			_ = c.nc.Close()
		}
	}
	if !failed {
		_ = w.Flush()
	}
}

func (c *conn) writeLines(lines []string) {
	for _, l := range lines {
		c.writeLine(l)
	}
}

func (c *conn) target() string {
	if n := c.nickname(); n != "" {
		return n
	}
	return "*"
}

func (c *conn) mask() string { return hostmask(c.nickname(), c.user, c.g.opts.ServerName) }

// numeric sends ":server CODE <nick> params...".
func (c *conn) numeric(code string, params ...string) {
	m := &Message{Prefix: c.g.opts.ServerName, Command: code, Params: append([]string{c.target()}, params...)}
	c.writeLine(m.encode(len(m.Params) > 1))
}

// serverMsg sends a server-prefixed command whose last parameter is trailing.
func (c *conn) serverMsg(command string, params ...string) {
	m := &Message{Prefix: c.g.opts.ServerName, Command: command, Params: params}
	c.writeLine(m.encode(len(params) > 1))
}

func (c *conn) notice(text string) {
	c.serverMsg("NOTICE", c.target(), text)
}

// --- registration ---

func (c *conn) handleCap(ctx context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
		return
	}
	sub := strings.ToUpper(m.Params[0])
	switch sub {
	case "LS":
		c.transition(stateNegotiating, stateUnregistered)
		caps := capabilitySASL
		if v, err := strconv.Atoi(m.Param(1)); err == nil && v >= 302 {
			caps = capabilitySASL + "=PLAIN"
		}
		c.serverMsg("CAP", c.target(), "LS", caps)
	case "REQ":
		requested := strings.TrimSpace(m.Param(1))
		if requested == "" || !onlySASL(requested) {
			c.serverMsg("CAP", c.target(), "NAK", requested)
			return
		}
		c.capSASL = true
		c.serverMsg("CAP", c.target(), "ACK", requested)
	case "LIST":
		enabled := ""
		if c.capSASL {
			enabled = capabilitySASL
		}
		c.serverMsg("CAP", c.target(), "LIST", enabled)
	case "END":
		c.transition(stateUnregistered, stateNegotiating)
		c.tryCompleteRegistration(ctx)
	default:
		c.numeric(ERR_INVALIDCAPCMD, sub, "Invalid CAP command")
	}
}

func onlySASL(requested string) bool {
	for _, capName := range strings.Fields(requested) {
		if !strings.EqualFold(capName, capabilitySASL) {
			return false
		}
	}
	return true
}

func (c *conn) handleAuthenticate(ctx context.Context, m *Message) {
	if c.isRegistered() {
		c.numeric(ERR_SASLALREADY, "You have already authenticated using SASL")
		return
	}
	if !c.capSASL {
		c.numeric(ERR_SASLFAIL, "SASL authentication failed: the sasl capability was not requested")
		return
	}
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "AUTHENTICATE", "Not enough parameters")
		return
	}
	arg := m.Params[0]
	if arg == "*" {
		c.resetSASL()
		c.numeric(ERR_SASLABORTED, "SASL authentication aborted")
		return
	}
	if !c.saslActive {
		if !strings.EqualFold(arg, "PLAIN") {
			c.numeric(RPL_SASLMECHS, "PLAIN", "are available SASL mechanisms")
			c.numeric(ERR_SASLFAIL, "SASL authentication failed")
			return
		}
		c.saslActive = true
		c.writeLine("AUTHENTICATE +")
		return
	}

	if arg != "+" {
		c.saslBuf.WriteString(arg)
		if c.saslBuf.Len() > maxSASLPayload {
			c.resetSASL()
			c.numeric(ERR_SASLFAIL, "SASL authentication failed")
			return
		}
		if len(arg) == saslChunkBytes {
			return
		}
	}
	payload := c.saslBuf.String()
	c.resetSASL()
	c.completeSASL(ctx, payload)
}

func (c *conn) resetSASL() {
	c.saslActive = false
	c.saslBuf.Reset()
}

func (c *conn) completeSASL(ctx context.Context, payload string) {
	fail := func(reason string) {
		c.log.Info("sasl authentication failed", slog.String("reason", reason))
		telemetry.IRCRegistration("sasl", "failed")
		c.numeric(ERR_SASLFAIL, "SASL authentication failed")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		fail("bad base64")
		return
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		fail("malformed PLAIN payload")
		return
	}
	authzid, authcid, password := parts[0], parts[1], parts[2]
	if authzid != "" && !strings.EqualFold(authzid, authcid) {
		fail("authorization identity differs")
		return
	}
	if nick := c.nickname(); nick != "" && !strings.EqualFold(nick, authcid) {
		c.numeric(ERR_NICKLOCKED, "You must use a nick assigned to you")
		fail("nick mismatch")
		return
	}

	userID, err := c.g.svc.AuthenticateUser(ctx, authcid, password)
	if err != nil {
		if !errors.Is(err, chat.ErrInvalidCredentials) {
			c.log.Error("sasl authentication error", slog.Any("err", err))
		}
		fail("bad credentials")
		return
	}

	account := c.canonicalName(ctx, authcid)
	c.mu.Lock()
	c.nick = account
	c.mu.Unlock()
	if c.user == "" {
		c.user = account
	}
	c.userID = userID
	telemetry.IRCRegistration("sasl", "ok")

	c.numeric(RPL_LOGGEDIN, c.mask(), account, "You are now logged in as "+account)
	c.numeric(RPL_SASLSUCCESS, "SASL authentication successful")
	c.completeRegistration(ctx)
}

// canonicalName returns the stored spelling of a username.
func (c *conn) canonicalName(ctx context.Context, username string) string {
	if p, err := c.g.svc.GetUserProfile(ctx, username); err == nil && p.Username != "" {
		return p.Username
	}
	return username
}

func (c *conn) handlePass(_ context.Context, m *Message) {
	if c.isRegistered() {
		c.numeric(ERR_ALREADYREGISTERED, "You may not reregister")
		return
	}
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "PASS", "Not enough parameters")
		return
	}
	c.password = m.Params[0]
	c.passSet = true
}

func (c *conn) handleNick(ctx context.Context, m *Message) {
	nick := m.Param(0)
	if nick == "" {
		c.numeric(ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}
	if !nickPattern.MatchString(nick) {
		c.numeric(ERR_ERRONEUSNICKNAME, nick, "Erroneous nickname")
		return
	}
	if c.isRegistered() {
		if !strings.EqualFold(nick, c.nickname()) {
			c.numeric(ERR_ERRONEUSNICKNAME, nick, "Nickname changes are not supported")
		}
		return
	}
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
	c.tryCompleteRegistration(ctx)
}

func (c *conn) handleUser(ctx context.Context, m *Message) {
	if c.isRegistered() {
		c.numeric(ERR_ALREADYREGISTERED, "You may not reregister")
		return
	}
	if len(m.Params) < 4 {
		c.numeric(ERR_NEEDMOREPARAMS, "USER", "Not enough parameters")
		return
	}
	c.user = m.Params[0]
	c.realname = m.Params[3]
	c.tryCompleteRegistration(ctx)
}

// tryCompleteRegistration is the merge point after NICK, USER, PASS and CAP END.
func (c *conn) tryCompleteRegistration(ctx context.Context) {
	if c.rejected || c.currentState() != stateUnregistered {
		return
	}
	nick := c.nickname()
	if nick == "" || c.user == "" {
		return
	}
	if !c.passSet {
		c.reject("Password required")
		return
	}
	userID, err := c.g.svc.AuthenticateUser(ctx, nick, c.password)
	if err != nil {
		if !errors.Is(err, chat.ErrInvalidCredentials) {
			c.log.Error("pass authentication error", slog.Any("err", err))
		}
		c.reject("Password incorrect")
		return
	}
	c.userID = userID
	canonical := c.canonicalName(ctx, nick)
	c.mu.Lock()
	c.nick = canonical
	c.mu.Unlock()
	telemetry.IRCRegistration("pass", "ok")
	c.completeRegistration(ctx)
}

// reject refuses registration for the rest of this connection.
func (c *conn) reject(reason string) {
	c.rejected = true
	c.password = ""
	telemetry.IRCRegistration("pass", "failed")
	c.log.Info("irc registration rejected", slog.String("nick", c.nickname()), slog.String("reason", reason))
	c.numeric(ERR_PASSWDMISMATCH, reason)
	c.writeLine(fmt.Sprintf(closingLinkError, c.host, reason))
}

// completeRegistration is reached from PASS/NICK/USER or from SASL, which may
// finish while CAP negotiation is still open.
func (c *conn) completeRegistration(ctx context.Context) {
	if !c.transition(stateRegistered, stateUnregistered, stateNegotiating) {
		return
	}
	nick := c.nickname()
	c.password = ""
	_ = c.nc.SetReadDeadline(time.Time{})

	c.g.svc.UserConnected(ctx, c.id, c.userID, nick)
	c.log.Info("irc client registered", slog.String("nick", nick), slog.String("realname", c.realname))

	opts := c.g.opts
	c.numeric(RPL_WELCOME, fmt.Sprintf("Welcome to the %s IRC Network %s", opts.Network, c.mask()))
	c.numeric(RPL_YOURHOST, fmt.Sprintf("Your host is %s, running echohub", opts.ServerName))
	c.numeric(RPL_CREATED, "This server was created "+c.g.created.Format(time.RFC1123))
	c.numeric(RPL_MYINFO, opts.ServerName, "echohub", "o", "o")
	c.sendMotd()
}

func (c *conn) sendMotd() {
	motd := c.g.opts.MOTD
	if len(motd) == 0 {
		c.numeric(ERR_NOMOTD, "MOTD File is missing")
		return
	}
	c.numeric(RPL_MOTDSTART, fmt.Sprintf("- %s Message of the Day -", c.g.opts.ServerName))
	for _, line := range motd {
		c.numeric(RPL_MOTD, "- "+line)
	}
	c.numeric(RPL_ENDOFMOTD, "End of /MOTD command")
}

// --- connection commands ---

func (c *conn) handlePing(_ context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "PING", "Not enough parameters")
		return
	}
	c.serverMsg("PONG", c.g.opts.ServerName, m.Params[0])
}

func (c *conn) handleQuit(_ context.Context, m *Message) {
	reason := m.Param(0)
	if reason == "" {
		reason = "Client Quit"
	}
	c.writeLine(fmt.Sprintf(closingLinkError, c.host, "Quit: "+reason))
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

func (c *conn) handleMotd(context.Context, *Message) { c.sendMotd() }

// --- channel commands ---

func (c *conn) handleJoin(ctx context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "JOIN", "Not enough parameters")
		return
	}
	for _, target := range strings.Split(m.Params[0], ",") {
		if target == "" {
			continue
		}
		c.joinOne(ctx, target)
	}
}

func (c *conn) joinOne(ctx context.Context, target string) {
	name, ok := channelTarget(target)
	if !ok || chat.ValidateChannelName(name) != nil {
		c.numeric(ERR_NOSUCHCHANNEL, target, "No such channel")
		return
	}
	if c.inChannel(name) {
		return
	}
	nick := c.nickname()
	history, err := c.g.svc.JoinChannel(ctx, c.id, c.userID, nick, name)
	if err != nil {
		if !chat.IsPublic(err) {
			c.log.Error("join failed", slog.String("channel", name), slog.Any("err", err))
		}
		c.numeric(ERR_NOSUCHCHANNEL, target, chat.PublicMessage(err))
		return
	}
	c.mu.Lock()
	c.channels[name] = struct{}{}
	c.mu.Unlock()

	c.writeLine(":" + c.mask() + " JOIN " + ircChannel(name))
	c.sendTopic(ctx, name)
	c.sendNames(ctx, name)
	for _, msg := range history {
		c.writeLines(c.g.formatter.Lines(msg))
	}
}

func (c *conn) sendTopic(ctx context.Context, name string) {
	topic, err := c.g.svc.GetChannelTopic(ctx, name)
	if err != nil || topic == "" {
		c.numeric(RPL_NOTOPIC, ircChannel(name), "No topic is set")
		return
	}
	c.numeric(RPL_TOPIC, ircChannel(name), topic)
}

func (c *conn) sendNames(ctx context.Context, name string) {
	users, err := c.g.svc.GetOnlineUsers(ctx, name)
	if err != nil {
		c.log.Warn("names lookup failed", slog.String("channel", name), slog.Any("err", err))
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	if len(names) > 0 {
		c.numeric(RPL_NAMREPLY, "=", ircChannel(name), strings.Join(names, " "))
	}
	c.numeric(RPL_ENDOFNAMES, ircChannel(name), "End of /NAMES list")
}

func (c *conn) handlePart(ctx context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "PART", "Not enough parameters")
		return
	}
	reason := m.Param(1)
	for _, target := range strings.Split(m.Params[0], ",") {
		if target == "" {
			continue
		}
		name, ok := channelTarget(target)
		if !ok {
			c.numeric(ERR_NOSUCHCHANNEL, target, "No such channel")
			continue
		}
		if !c.inChannel(name) {
			c.numeric(ERR_NOTONCHANNEL, target, "You're not on that channel")
			continue
		}
		if err := c.g.svc.LeaveChannel(ctx, c.id, c.nickname(), name); err != nil {
			if errors.Is(err, chat.ErrDefaultChannel) {
				c.numeric(ERR_CHANOPRIVSNEEDED, target, chat.PublicMessage(err))
				continue
			}
			c.g.svc.SendError(ctx, c.id, chat.PublicMessage(err))
			continue
		}
		c.mu.Lock()
		delete(c.channels, name)
		c.mu.Unlock()

		part := &Message{Prefix: c.mask(), Command: "PART", Params: []string{ircChannel(name)}}
		if reason != "" {
			part.Params = append(part.Params, reason)
		}
		c.writeLine(part.String())
	}
}

func (c *conn) handlePrivmsg(ctx context.Context, m *Message) {
	if len(m.Params) < 1 || m.Params[0] == "" {
		c.numeric(ERR_NORECIPIENT, "No recipient given (PRIVMSG)")
		return
	}
	if len(m.Params) < 2 || m.Params[1] == "" {
		c.numeric(ERR_NOTEXTTOSEND, "No text to send")
		return
	}
	text := m.Params[1]
	for _, target := range strings.Split(m.Params[0], ",") {
		name, ok := channelTarget(target)
		if !ok {
			c.numeric(ERR_NOSUCHNICK, target, "Private messages are not supported")
			continue
		}
		if !c.inChannel(name) {
			c.numeric(ERR_CANNOTSENDTOCHAN, target, "Cannot send to channel")
			continue
		}
		if err := c.g.svc.SendMessage(ctx, c.userID, c.nickname(), name, text); err != nil {
			if !chat.IsPublic(err) {
				c.log.Error("send failed", slog.String("channel", name), slog.Any("err", err))
			}
			c.numeric(ERR_CANNOTSENDTOCHAN, target, chat.PublicMessage(err))
		}
	}
}

func (c *conn) handleNames(ctx context.Context, m *Message) {
	var names []string
	if p := m.Param(0); p != "" {
		for _, target := range strings.Split(p, ",") {
			if name, ok := channelTarget(target); ok {
				names = append(names, name)
			} else {
				c.numeric(RPL_ENDOFNAMES, target, "End of /NAMES list")
			}
		}
	} else {
		names = c.joinedChannels()
	}
	for _, name := range names {
		c.sendNames(ctx, name)
	}
}

func (c *conn) handleTopic(ctx context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NEEDMOREPARAMS, "TOPIC", "Not enough parameters")
		return
	}
	target := m.Params[0]
	name, ok := channelTarget(target)
	if !ok {
		c.numeric(ERR_NOSUCHCHANNEL, target, "No such channel")
		return
	}
	if len(m.Params) < 2 {
		if _, err := c.g.svc.GetChannelTopic(ctx, name); errors.Is(err, chat.ErrChannelNotFound) {
			c.numeric(ERR_NOSUCHCHANNEL, target, "No such channel")
			return
		}
		c.sendTopic(ctx, name)
		return
	}
	err := c.g.svc.SetChannelTopic(ctx, c.nickname(), name, m.Params[1])
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrNotChannelCreator):
		c.numeric(ERR_CHANOPRIVSNEEDED, target, "You're not the channel creator")
	case errors.Is(err, chat.ErrChannelNotFound):
		c.numeric(ERR_NOSUCHCHANNEL, target, "No such channel")
	default:
		c.g.svc.SendError(ctx, c.id, chat.PublicMessage(err))
	}
}

func (c *conn) handleList(ctx context.Context, _ *Message) {
	list, err := c.g.svc.GetChannelList(ctx)
	if err != nil {
		c.log.Error("list channels failed", slog.Any("err", err))
		c.g.svc.SendError(ctx, c.id, chat.PublicMessage(err))
		return
	}
	c.numeric(RPL_LISTSTART, "Channel", "Users  Name")
	for _, ch := range list {
		c.numeric(RPL_LIST, ircChannel(ch.Name), fmt.Sprint(ch.OnlineCount), ch.Topic)
	}
	c.numeric(RPL_LISTEND, "End of /LIST")
}

func (c *conn) handleMode(_ context.Context, m *Message) {
	target := m.Param(0)
	if target == "" {
		c.numeric(ERR_NEEDMOREPARAMS, "MODE", "Not enough parameters")
		return
	}
	if strings.HasPrefix(target, "#") {
		c.numeric(RPL_CHANNELMODEIS, target, "+")
		return
	}
	c.numeric(RPL_UMODEIS, "+")
}

// --- user queries ---

func awayFlag(status chat.UserStatus) string {
	if status == chat.StatusAway || status == chat.StatusBusy {
		return "G"
	}
	return "H"
}

func (c *conn) handleWho(ctx context.Context, m *Message) {
	target := m.Param(0)
	if target == "" {
		c.numeric(ERR_NEEDMOREPARAMS, "WHO", "Not enough parameters")
		return
	}
	server := c.g.opts.ServerName
	if name, ok := channelTarget(target); ok {
		users, err := c.g.svc.GetOnlineUsers(ctx, name)
		if err != nil {
			c.log.Warn("who lookup failed", slog.Any("err", err))
		}
		for _, u := range users {
			c.numeric(RPL_WHOREPLY, target, u.Username, server, server, u.Username, awayFlag(u.Status), "0 "+realName(u))
		}
	} else if c.g.svc.IsOnline(target) {
		if u, err := c.g.svc.GetUserProfile(ctx, target); err == nil {
			c.numeric(RPL_WHOREPLY, "*", u.Username, server, server, u.Username, awayFlag(u.Status), "0 "+realName(u))
		}
	}
	c.numeric(RPL_ENDOFWHO, target, "End of /WHO list")
}

func realName(u chat.UserProfile) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func (c *conn) handleWhois(ctx context.Context, m *Message) {
	if len(m.Params) < 1 {
		c.numeric(ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}
	target := m.Params[len(m.Params)-1]
	if !c.g.svc.IsOnline(target) {
		c.numeric(ERR_NOSUCHNICK, target, "No such nick/channel")
		c.numeric(RPL_ENDOFWHOIS, target, "End of /WHOIS list")
		return
	}
	u, err := c.g.svc.GetUserProfile(ctx, target)
	if err != nil {
		c.numeric(ERR_NOSUCHNICK, target, "No such nick/channel")
		c.numeric(RPL_ENDOFWHOIS, target, "End of /WHOIS list")
		return
	}
	server := c.g.opts.ServerName
	c.numeric(RPL_WHOISUSER, u.Username, u.Username, server, "*", realName(u))
	c.numeric(RPL_WHOISSERVER, u.Username, server, c.g.opts.Network)
	if chans := c.g.svc.GetChannelsForUser(u.Username); len(chans) > 0 {
		for i, ch := range chans {
			chans[i] = ircChannel(ch)
		}
		c.numeric(RPL_WHOISCHANNELS, u.Username, strings.Join(chans, " "))
	}
	if awayFlag(u.Status) == "G" {
		msg := u.StatusMessage
		if msg == "" {
			msg = string(u.Status)
		}
		c.numeric(RPL_AWAY, u.Username, msg)
	}
	if since, ok := c.g.svc.ConnectedSince(u.Username); ok {
		c.numeric(RPL_WHOISIDLE, u.Username, "0", fmt.Sprint(since.Unix()), "seconds idle, signon time")
	}
	c.numeric(RPL_ENDOFWHOIS, u.Username, "End of /WHOIS list")
}

func (c *conn) handleAway(ctx context.Context, m *Message) {
	msg := strings.TrimSpace(m.Param(0))
	status := chat.StatusAway
	if msg == "" {
		status = chat.StatusOnline
	}
	if err := c.g.svc.UpdateStatus(ctx, c.userID, c.nickname(), status, msg); err != nil {
		if !chat.IsPublic(err) {
			c.log.Error("away failed", slog.Any("err", err))
		}
		c.g.svc.SendError(ctx, c.id, chat.PublicMessage(err))
		return
	}
	if status == chat.StatusAway {
		c.numeric(RPL_NOWAWAY, "You have been marked as being away")
		return
	}
	c.numeric(RPL_UNAWAY, "You are no longer marked as being away")
}
