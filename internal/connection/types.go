package connection

import (
	"errors"
	"time"

	"github.com/athenalab/realtime/internal/model"
)

// Errors
var (
	// ErrNotConnected is returned by Send when no transport is active.
	// The message has been appended to the outbound buffer and will be
	// drained, in order, on the next successful connect.
	ErrNotConnected = errors.New("not connected")

	// ErrStaleConnection indicates no pong arrived within the ping timeout.
	ErrStaleConnection = errors.New("connection stale (no pong)")

	// ErrMaxAttemptsExceeded marks an endpoint whose reconnection budget is
	// spent; it stays degraded until an explicit Reconnect resets it.
	ErrMaxAttemptsExceeded = errors.New("max reconnect attempts exceeded")

	// ErrAlreadyClosed is returned when connecting a client that was
	// disconnected.
	ErrAlreadyClosed = errors.New("already closed")

	// ErrUnknownEndpoint is returned for endpoints outside the closed set.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Status is the aggregate three-state rollup over all endpoints.
type Status string

const (
	// StatusConnected: every endpoint reports connected.
	StatusConnected Status = "connected"
	// StatusDegraded: some but not all endpoints connected.
	StatusDegraded Status = "degraded"
	// StatusDisconnected: zero endpoints connected, or the network path is
	// reported unavailable.
	StatusDisconnected Status = "disconnected"
)

// Inbound wraps a decoded envelope with its receive timestamp.
type Inbound struct {
	Msg        model.Message
	ReceivedAt time.Time
}

// HealthStatus is one connection's health snapshot.
type HealthStatus struct {
	Healthy    bool
	Latency    time.Duration // Last observed ping round trip
	Throughput float64       // Bytes/sec, best-effort telemetry
}

// ConnectionHealth is the pool-wide snapshot recomputed each health-check
// cycle. Read-only for consumers.
type ConnectionHealth struct {
	HealthyConnections int
	TotalConnections   int
	AverageLatency     time.Duration
	Throughput         float64 // Aggregate bytes/sec across connections
}

// BandwidthMetrics holds interval byte counters and derived rates. The
// interval values reset every accounting cycle; totals are cumulative.
type BandwidthMetrics struct {
	BytesSent     int64 // Current interval
	BytesReceived int64 // Current interval
	SendRate      float64
	ReceiveRate   float64
	TotalSent     int64
	TotalReceived int64
}

// ClientConfig configures a single socket connection.
type ClientConfig struct {
	URL                string        // Full endpoint URL (base + endpoint path)
	SessionID          string        // Stamped on keep-alive pings
	PingInterval       time.Duration // Keep-alive cadence
	PingTimeout        time.Duration // Max silence before the connection is stale
	WriteTimeout       time.Duration // Write deadline for sends
	BufferSize         int           // Inbound message channel capacity
	OutboundBufferSize int           // Messages held while disconnected
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:       30 * time.Second,
		PingTimeout:        90 * time.Second,
		WriteTimeout:       5 * time.Second,
		BufferSize:         1000,
		OutboundBufferSize: 100,
	}
}

// ManagerConfig configures the connection pool.
type ManagerConfig struct {
	BaseURL              string        // WebSocket base address
	PingInterval         time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReconnectBaseDelay   time.Duration // Backoff delay is base << attempt
	MaxReconnectAttempts int           // Attempts before an endpoint is degraded
	HealthCheckInterval  time.Duration
	BandwidthInterval    time.Duration
	ClientBufferSize     int
	OutboundBufferSize   int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BaseURL:              "ws://localhost:8000",
		PingInterval:         30 * time.Second,
		PingTimeout:          90 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		HealthCheckInterval:  30 * time.Second,
		BandwidthInterval:    time.Second,
		ClientBufferSize:     1000,
		OutboundBufferSize:   100,
	}
}
