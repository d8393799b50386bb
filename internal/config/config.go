package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full robolink configuration.
type Config struct {
	Robot       RobotConfig       `yaml:"robot"`
	Credentials CredentialsConfig `yaml:"credentials"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
	Session     SessionConfig     `yaml:"session"`
	Monitor     MonitorConfig     `yaml:"monitor"`
}

// RobotConfig identifies the robot to connect to.
type RobotConfig struct {
	Host         string        `yaml:"host"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CredentialsConfig identifies the caller.
type CredentialsConfig struct {
	Entity  string `yaml:"entity"`
	Type    string `yaml:"type"`
	Payload string `yaml:"payload"`
}

// WebRTCConfig selects and configures the WebRTC transport mode.
type WebRTCConfig struct {
	Enabled          bool     `yaml:"enabled"`
	SignalingAddress string   `yaml:"signaling_address"`
	ICEServers       []string `yaml:"ice_servers"`
}

// SessionConfig tunes the session layer.
type SessionConfig struct {
	Disabled         bool          `yaml:"disabled"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// MonitorConfig configures the fleet monitor (cmd/monitor only).
type MonitorConfig struct {
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	HealthPort    int           `yaml:"health_port"`
}

// DBConfig describes a PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Load reads and parses a config file. Values of the form ${VAR} are
// substituted from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads a config file and fills in defaults for optional
// fields.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads a config file, applies defaults, and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
