package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/telemetry"
)

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	svc *chat.Service
	db  Pinger
	log *slog.Logger
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
	}
	writeError(w, status, chat.PublicMessage(err))
}

// HandleChannels lists public channels with online counts.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.svc.GetChannelList(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

// HandleChannelMessages returns recent history, oldest first.
func (h *Handlers) HandleChannelMessages(w http.ResponseWriter, r *http.Request) {
	count, err := parseCountQuery(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := h.svc.GetChannelHistory(r.Context(), mux.Vars(r)["name"], count)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleChannelUsers returns profiles of users present in a channel.
func (h *Handlers) HandleChannelUsers(w http.ResponseWriter, r *http.Request) {
	name := chat.NormalizeChannelName(mux.Vars(r)["name"])
	if err := chat.ValidateChannelName(name); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.svc.GetChannelTopic(r.Context(), name); err != nil {
		h.fail(w, r, err)
		return
	}
	users, err := h.svc.GetOnlineUsers(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ident, ok := identityFrom(r.Context()); ok {
		h.log.Debug("online users queried", slog.String("user", ident.Username), slog.String("channel", name))
	}
	writeJSON(w, http.StatusOK, users)
}
