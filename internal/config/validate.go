package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Robot.Host == "" {
		return errors.New("robot.host is required")
	}

	if c.WebRTC.Enabled && c.WebRTC.SignalingAddress == "" && c.Robot.Host == "" {
		return errors.New("webrtc.signaling_address or robot.host is required when webrtc is enabled")
	}

	if c.Monitor.BatchSize < 1 {
		return errors.New("monitor.batch_size must be >= 1")
	}
	if c.Monitor.BufferSize < 1 {
		return errors.New("monitor.buffer_size must be >= 1")
	}
	if c.Monitor.HealthPort < 1 || c.Monitor.HealthPort > 65535 {
		return fmt.Errorf("monitor.health_port must be between 1 and 65535, got %d", c.Monitor.HealthPort)
	}

	return nil
}

// ValidateMonitor additionally checks the fields only cmd/monitor needs.
func (c *Config) ValidateMonitor() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Monitor.Database.validate("monitor.database")
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
