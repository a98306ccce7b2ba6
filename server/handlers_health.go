package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/huebyte/echohub/chat"
)

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the database and the default channel.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", func(ctx context.Context) error {
			if h.db == nil {
				return nil
			}
			return h.db.Ping(ctx)
		}},
		{"default_channel", func(ctx context.Context) error {
			if _, err := h.svc.GetChannelTopic(ctx, chat.DefaultChannel); err != nil {
				return fmt.Errorf("channel %q: %w", chat.DefaultChannel, err)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
