// Command echohub is the chat server. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs migrations and makes sure #general exists.
//   - Optionally fronts message history with a Redis cache and prunes old
//     history on a schedule.
//   - Serves IRC clients (plaintext and TLS) and WebSocket clients from one
//     shared chat core, plus a small HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/huebyte/echohub/cache"
	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/config"
	"github.com/huebyte/echohub/crypto"
	"github.com/huebyte/echohub/db"
	"github.com/huebyte/echohub/hub"
	"github.com/huebyte/echohub/irc"
	"github.com/huebyte/echohub/presence"
	"github.com/huebyte/echohub/ratelimit"
	"github.com/huebyte/echohub/retention"
	"github.com/huebyte/echohub/server"
	"github.com/huebyte/echohub/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("echohub exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(cfg *config.Config) error {
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("echohub", version)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.Database.DSN, db.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		return err
	}
	go reportPoolStats(ctx, database)

	store := db.NewStore(database)
	var history chat.Store = store
	var historyCache *cache.HistoryCache
	if cfg.Redis.URL != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			slog.Warn("redis unavailable, serving history from postgres", slog.Any("err", err), slog.String("component", "cache"))
		} else {
			defer func() { _ = rdb.Close() }()
			historyCache = cache.NewHistoryCache(store, rdb, cache.Options{Size: cfg.Redis.HistorySize, TTL: cfg.Redis.TTL})
			history = historyCache
			slog.Info("history cache enabled", slog.Int("size", cfg.Redis.HistorySize), slog.Duration("ttl", cfg.Redis.TTL))
		}
	}

	var invalidator retention.Invalidator
	if historyCache != nil {
		invalidator = historyCache
	}
	go retention.NewJob(store, invalidator, retention.Policy{
		KeepDays:       cfg.Retention.KeepDays,
		KeepPerChannel: cfg.Retention.KeepPerChannel,
		DryRun:         cfg.Retention.DryRun,
		Interval:       cfg.Retention.Interval,
	}, nil).Run(ctx)

	var cipher chat.Cipher
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		cipher = crypto.NewContentCipher(enc)
		slog.Info("message encryption enabled")
	} else {
		slog.Warn("ENCRYPTION_KEY not set, messages are stored in plaintext")
	}

	svc := chat.NewService(history, store, cipher, presence.NewTracker(), chat.Options{
		HistoryCount:     cfg.Chat.HistoryCount,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		MaxNewlines:      cfg.Chat.MaxNewlines,
	})
	if err := svc.EnsureDefaultChannel(ctx); err != nil {
		return err
	}

	tokens, err := hub.NewTokenValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
	if err != nil {
		return err
	}
	wsHub := hub.New(svc, tokens, hub.Options{AllowedOrigins: cfg.HTTP.AllowedOrigins})
	svc.AddBroadcaster(wsHub.Broadcaster())

	var gateway *irc.Gateway
	if cfg.IRC.Enabled {
		gateway, err = startIRC(ctx, cfg, svc)
		if err != nil {
			return err
		}
	}

	apiLimiter := ratelimit.New(ctx, ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Limit:   cfg.RateLimit.Requests,
		Window:  cfg.RateLimit.Window,
	})
	handler := server.NewRouter(server.Options{
		Service:        svc,
		Tokens:         tokens,
		Hub:            wsHub,
		DB:             store,
		Limiter:        apiLimiter,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx, cfg.HTTP.Addr, handler, cfg.HTTP.ShutdownTimeout) }()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if gateway != nil {
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			slog.Warn("irc shutdown incomplete", slog.Any("err", err))
		}
	}
	if err := wsHub.Shutdown(shutdownCtx); err != nil {
		slog.Warn("hub shutdown incomplete", slog.Any("err", err))
	}
	return err
}

func startIRC(ctx context.Context, cfg *config.Config, svc *chat.Service) (*irc.Gateway, error) {
	opts := irc.Options{
		ServerName:          cfg.IRC.ServerName,
		Network:             cfg.IRC.Network,
		MOTD:                cfg.IRC.MOTD,
		Addr:                cfg.IRC.Addr,
		RegistrationTimeout: cfg.IRC.RegistrationTimeout,
	}
	if cfg.IRC.ConnRateLimit > 0 {
		opts.Limiter = ratelimit.New(ctx, ratelimit.Config{
			Enabled: true,
			Limit:   cfg.IRC.ConnRateLimit,
			Window:  cfg.IRC.ConnRateWindow,
		})
	}
	if cfg.IRCTLSEnabled() {
		tlsCfg, err := irc.LoadPKCS12(cfg.IRC.TLSCertFile, cfg.IRC.TLSCertPassword)
		if err != nil {
			return nil, err
		}
		opts.TLSAddr = cfg.IRC.TLSAddr
		opts.TLSConfig = tlsCfg
	}

	gateway := irc.NewGateway(svc, opts)
	svc.AddBroadcaster(gateway.Broadcaster())
	if err := gateway.Start(ctx); err != nil {
		return nil, err
	}
	for _, addr := range gateway.Addrs() {
		slog.Info("irc listening", slog.String("addr", addr.String()), slog.String("component", "irc"))
	}
	return gateway, nil
}

// reportPoolStats exports database pool gauges until ctx is done.
func reportPoolStats(ctx context.Context, database *sql.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := database.Stats()
			telemetry.UpdateDatabasePoolMetrics(stats.OpenConnections, stats.InUse)
		case <-ctx.Done():
			return
		}
	}
}
