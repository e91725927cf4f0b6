// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes    *prometheus.CounterVec // labels: platform, outcome
	ConnectAttempts   *prometheus.CounterVec // labels: platform, protocol
	ReconnectExhausts *prometheus.CounterVec // labels: platform, protocol
	MessagesReceived  *prometheus.CounterVec // labels: platform, protocol

	// Gauges
	ConnectionState    *prometheus.GaugeVec // labels: platform, protocol; 1=connected
	SubscribedChannels *prometheus.GaugeVec // labels: platform
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_token_refreshes_total",
			Help: "Number of OAuth token refreshes by outcome",
		}, []string{"platform", "outcome"})
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_connect_attempts_total",
			Help: "Number of protocol connection attempts",
		}, []string{"platform", "protocol"})
		ReconnectExhausts = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_reconnect_exhausted_total",
			Help: "Number of times a client gave up after max reconnect attempts",
		}, []string{"platform", "protocol"})
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streambridge_messages_received_total",
			Help: "Raw protocol messages received",
		}, []string{"platform", "protocol"})
		ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streambridge_connection_up",
			Help: "Connection state per protocol client (1=connected)",
		}, []string{"platform", "protocol"})
		SubscribedChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streambridge_subscribed_channels",
			Help: "Current number of subscribed pub/sub channels",
		}, []string{"platform"})
	})
}

// CountTokenRefresh records one refresh outcome. Safe before Init.
func CountTokenRefresh(platform string, ok bool) {
	if TokenRefreshes == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	TokenRefreshes.WithLabelValues(platform, outcome).Inc()
}

// CountConnectAttempt records one connection attempt. Safe before Init.
func CountConnectAttempt(platform, protocol string) {
	if ConnectAttempts != nil {
		ConnectAttempts.WithLabelValues(platform, protocol).Inc()
	}
}

// CountReconnectExhausted records a client hitting its attempt cap.
func CountReconnectExhausted(platform, protocol string) {
	if ReconnectExhausts != nil {
		ReconnectExhausts.WithLabelValues(platform, protocol).Inc()
	}
}

// CountMessage records one received protocol message.
func CountMessage(platform, protocol string) {
	if MessagesReceived != nil {
		MessagesReceived.WithLabelValues(platform, protocol).Inc()
	}
}

// SetConnected updates the connection gauge for a client.
func SetConnected(platform, protocol string, up bool) {
	if ConnectionState == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	ConnectionState.WithLabelValues(platform, protocol).Set(v)
}

// SetSubscribedChannels records the pub/sub subscription count.
func SetSubscribedChannels(platform string, n int) {
	if SubscribedChannels != nil {
		SubscribedChannels.WithLabelValues(platform).Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding a correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
