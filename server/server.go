// Package server exposes the HTTP surface: the /hub WebSocket endpoint,
// read-only JSON queries under /api, health, readiness and metrics. Every
// request carries a correlation id and, when tracing is enabled, a span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/hub"
	"github.com/huebyte/echohub/ratelimit"
)

// Pinger reports whether the backing database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the router's dependencies.
type Options struct {
	Service *chat.Service
	Tokens  *hub.TokenValidator
	// Hub serves /hub; nil leaves the route unregistered.
	Hub http.Handler
	// DB is checked by /readyz; nil skips the database check.
	DB Pinger
	// Limiter throttles /api per client IP; nil disables it.
	Limiter        *ratelimit.Limiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handlers{
		svc: opts.Service,
		db:  opts.DB,
		log: opts.Logger.With(slog.String("component", "http")),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.HandleReadyz).Methods(http.MethodGet)
	if opts.Hub != nil {
		r.Handle("/hub", opts.Hub).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(rateLimitMiddleware(opts.Limiter), bearerAuth(opts.Tokens))
	api.HandleFunc("/channels", h.HandleChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{name}/messages", h.HandleChannelMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/{name}/users", h.HandleChannelUsers).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return withCORS(withCorrelation(r), opts.AllowedOrigins)
}

func withCORS(next http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID", "Retry-After"},
		MaxAge:         600,
	}).Handler(next)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
