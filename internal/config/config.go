package config

import "time"

// Config is the root configuration for the realtime client core.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Connections ConnectionsConfig `yaml:"connections"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Queue       QueueConfig       `yaml:"queue"`
	Cache       CacheConfig       `yaml:"cache"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the backend WebSocket address.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ConnectionsConfig holds connection pool tuning.
type ConnectionsConfig struct {
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	BandwidthInterval    time.Duration `yaml:"bandwidth_interval"`
	BufferSize           int           `yaml:"buffer_size"`
	OutboundBufferSize   int           `yaml:"outbound_buffer_size"`
}

// CoordinatorConfig holds coordinator timing and bounds.
type CoordinatorConfig struct {
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	DrainInterval    time.Duration `yaml:"drain_interval"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DiagnosticsLimit int           `yaml:"diagnostics_limit"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig holds the inbound message queue bound.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// CacheConfig holds the stream cache bound.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// ArchiveConfig holds the optional unified-context archiver. The archiver
// stays off unless enabled is set and the database section is filled in.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
