// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesSent     *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	ChannelsCreated  prometheus.Counter
	IRCCommands      *prometheus.CounterVec
	IRCRegistrations *prometheus.CounterVec
	HubFrames        *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec

	// Gauges
	OpenConnections *prometheus.GaugeVec
	DBConnsOpen     prometheus.Gauge
	DBConnsInUse    prometheus.Gauge

	// Histograms
	StoreAppendDuration prometheus.Histogram
)

// Init registers metrics (idempotent). Recording helpers are no-ops until Init runs.
func Init() {
	once.Do(func() {
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_messages_sent_total", Help: "Messages persisted and broadcast, by kind"}, []string{"kind"})
		MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_messages_rejected_total", Help: "Messages rejected by validation, by reason"}, []string{"reason"})
		ChannelsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "echohub_channels_created_total", Help: "Channels created implicitly by a join"})
		IRCCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_irc_commands_total", Help: "IRC commands received, by command"}, []string{"command"})
		IRCRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_irc_registrations_total", Help: "IRC registration attempts, by method and result"}, []string{"method", "result"})
		HubFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_hub_frames_total", Help: "Push-protocol frames received, by type"}, []string{"type"})
		RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echohub_rate_limited_total", Help: "Requests or connections refused by a rate limiter"}, []string{"scope"})
		OpenConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "echohub_connections", Help: "Authenticated connections currently open, by transport"}, []string{"transport"})
		DBConnsOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "echohub_db_connections_open", Help: "Open database connections"})
		DBConnsInUse = promauto.NewGauge(prometheus.GaugeOpts{Name: "echohub_db_connections_in_use", Help: "Database connections in use"})
		StoreAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "echohub_store_append_duration_seconds",
			Help:    "Time to persist one message",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		})
	})
}

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened(transport string) {
	if OpenConnections != nil {
		OpenConnections.WithLabelValues(transport).Inc()
	}
}

// ConnectionClosed decrements the open connection gauge.
func ConnectionClosed(transport string) {
	if OpenConnections != nil {
		OpenConnections.WithLabelValues(transport).Dec()
	}
}

func ChannelCreated() {
	if ChannelsCreated != nil {
		ChannelsCreated.Inc()
	}
}

func MessageSent(kind string) {
	if MessagesSent != nil {
		MessagesSent.WithLabelValues(kind).Inc()
	}
}

func MessageRejected(reason string) {
	if MessagesRejected != nil {
		MessagesRejected.WithLabelValues(reason).Inc()
	}
}

// IRCCommand counts a received command. Unknown commands share one label.
func IRCCommand(command string, known bool) {
	if IRCCommands == nil {
		return
	}
	if !known {
		command = "unknown"
	}
	IRCCommands.WithLabelValues(strings.ToUpper(command)).Inc()
}

// IRCRegistration records a registration outcome (method sasl|pass, result ok|failed).
func IRCRegistration(method, result string) {
	if IRCRegistrations != nil {
		IRCRegistrations.WithLabelValues(method, result).Inc()
	}
}

func HubFrame(frameType string) {
	if HubFrames != nil {
		HubFrames.WithLabelValues(frameType).Inc()
	}
}

func RateLimit(scope string) {
	if RateLimited != nil {
		RateLimited.WithLabelValues(scope).Inc()
	}
}

// UpdateDatabasePoolMetrics publishes sql.DBStats counters.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBConnsOpen != nil {
		DBConnsOpen.Set(float64(open))
	}
	if DBConnsInUse != nil {
		DBConnsInUse.Set(float64(inUse))
	}
}

// TimeFunc runs fn and records its duration on h when h is non-nil.
func TimeFunc(h prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if h != nil {
		h.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
