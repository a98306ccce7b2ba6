// Package ratelimit provides a per-key sliding window limiter shared by the
// HTTP API and the IRC accept loops.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds limiter settings.
type Config struct {
	Enabled bool
	// Limit is the number of events allowed per key within Window.
	Limit  int
	Window time.Duration
}

// Limiter implements a simple sliding window rate limiter per key (usually an IP).
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      Config
	now      func() time.Time
}

type visitor struct {
	events   []time.Time
	lastSeen time.Time
}

// New creates a limiter. The cleanup goroutine stops when ctx is done.
func New(ctx context.Context, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		now:      time.Now,
	}
	go l.cleanupLoop(ctx)
	return l
}

func (l *Limiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes keys idle for two windows.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.Window*2 {
			delete(l.visitors, key)
		}
	}
}

// Allow records an event for key and reports whether it is within the limit.
// A nil or disabled limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.cfg.Enabled || l.cfg.Limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		l.visitors[key] = &visitor{events: []time.Time{now}, lastSeen: now}
		return true
	}

	cutoff := now.Add(-l.cfg.Window)
	kept := v.events[:0]
	for _, t := range v.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.events = kept
	v.lastSeen = now

	if len(v.events) >= l.cfg.Limit {
		return false
	}
	v.events = append(v.events, now)
	return true
}

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// HostKey strips the port from a network address.
func HostKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ClientIP extracts the caller address, preferring the first X-Forwarded-For entry.
func ClientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			ip = strings.TrimSpace(forwarded[:idx])
		} else {
			ip = strings.TrimSpace(forwarded)
		}
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
