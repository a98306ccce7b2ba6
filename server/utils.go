package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/huebyte/echohub/chat"
)

var errBadCount = errors.New("count must be a non-negative integer")

// parseCountQuery reads ?count=, returning def when absent.
func parseCountQuery(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("count")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errBadCount
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps chat errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrChannelNotFound), errors.Is(err, chat.ErrUserNotFound):
		return http.StatusNotFound
	case chat.IsPublic(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
