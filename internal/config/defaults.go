package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 1000
	DefaultHealthPort       = 8080
)

func (c *Config) applyDefaults() {
	if c.Robot.DialTimeout == 0 {
		c.Robot.DialTimeout = DefaultDialTimeout
	}
	if c.Robot.WriteTimeout == 0 {
		c.Robot.WriteTimeout = DefaultWriteTimeout
	}

	if c.Session.HeartbeatTimeout == 0 {
		c.Session.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	// Monitor defaults
	applyDBDefaults(&c.Monitor.Database)
	if c.Monitor.BatchSize == 0 {
		c.Monitor.BatchSize = DefaultBatchSize
	}
	if c.Monitor.FlushInterval == 0 {
		c.Monitor.FlushInterval = DefaultFlushInterval
	}
	if c.Monitor.BufferSize == 0 {
		c.Monitor.BufferSize = DefaultBufferSize
	}
	if c.Monitor.HealthPort == 0 {
		c.Monitor.HealthPort = DefaultHealthPort
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
