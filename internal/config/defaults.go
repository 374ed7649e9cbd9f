package config

import (
	"os"
	"time"
)

// EnvBaseURL overrides the backend WebSocket address when the config file
// leaves it empty.
const EnvBaseURL = "ATHENA_WS_URL"

// Default values for optional configuration fields.
const (
	DefaultBaseURL              = "ws://localhost:8000"
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 90 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultBandwidthInterval    = 1 * time.Second
	DefaultBufferSize           = 1000
	DefaultOutboundBufferSize   = 100
	DefaultWatchdogInterval     = 10 * time.Second
	DefaultDrainInterval        = 100 * time.Millisecond
	DefaultCacheTTL             = 10 * time.Minute
	DefaultDiagnosticsLimit     = 100
	DefaultShutdownTimeout      = 5 * time.Second
	DefaultQueueCapacity        = 1000
	DefaultCacheMaxEntries      = 128
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 5 * time.Second
	DefaultArchiveBufferSize    = 1000
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

func (c *Config) applyDefaults() {
	if c.Server.BaseURL == "" {
		if env := os.Getenv(EnvBaseURL); env != "" {
			c.Server.BaseURL = env
		} else {
			c.Server.BaseURL = DefaultBaseURL
		}
	}

	// Connections defaults
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.MaxReconnectAttempts == 0 {
		c.Connections.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connections.HealthCheckInterval == 0 {
		c.Connections.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Connections.BandwidthInterval == 0 {
		c.Connections.BandwidthInterval = DefaultBandwidthInterval
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultBufferSize
	}
	if c.Connections.OutboundBufferSize == 0 {
		c.Connections.OutboundBufferSize = DefaultOutboundBufferSize
	}

	// Coordinator defaults
	if c.Coordinator.WatchdogInterval == 0 {
		c.Coordinator.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.Coordinator.DrainInterval == 0 {
		c.Coordinator.DrainInterval = DefaultDrainInterval
	}
	if c.Coordinator.CacheTTL == 0 {
		c.Coordinator.CacheTTL = DefaultCacheTTL
	}
	if c.Coordinator.DiagnosticsLimit == 0 {
		c.Coordinator.DiagnosticsLimit = DefaultDiagnosticsLimit
	}
	if c.Coordinator.ShutdownTimeout == 0 {
		c.Coordinator.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}

	// Archive defaults (only meaningful when enabled)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}
	applyDBDefaults(&c.Archive.Database)

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
