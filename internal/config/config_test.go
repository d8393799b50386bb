package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
robot:
  host: robot.example.com
  dial_timeout: 15s
credentials:
  entity: org-1
  type: api-key
  payload: secret
webrtc:
  enabled: true
  signaling_address: signal.example.com
  ice_servers:
    - stun:stun.example.com:3478
session:
  heartbeat_timeout: 2s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Robot.Host != "robot.example.com" {
		t.Errorf("host = %q", cfg.Robot.Host)
	}
	if cfg.Robot.DialTimeout != 15*time.Second {
		t.Errorf("dial_timeout = %v", cfg.Robot.DialTimeout)
	}
	if cfg.Credentials.Type != "api-key" || cfg.Credentials.Payload != "secret" {
		t.Errorf("credentials = %+v", cfg.Credentials)
	}
	if !cfg.WebRTC.Enabled || cfg.WebRTC.SignalingAddress != "signal.example.com" {
		t.Errorf("webrtc = %+v", cfg.WebRTC)
	}
	if len(cfg.WebRTC.ICEServers) != 1 {
		t.Errorf("ice_servers = %v", cfg.WebRTC.ICEServers)
	}
	if cfg.Session.HeartbeatTimeout != 2*time.Second {
		t.Errorf("heartbeat_timeout = %v", cfg.Session.HeartbeatTimeout)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("ROBOT_API_KEY", "from-env")

	path := writeTempConfig(t, `
robot:
  host: robot.example.com
credentials:
  type: api-key
  payload: ${ROBOT_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Credentials.Payload != "from-env" {
		t.Errorf("payload = %q, want env value", cfg.Credentials.Payload)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "robot: [not a map")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempConfig(t, `
robot:
  host: robot.example.com
`)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Robot.DialTimeout != DefaultDialTimeout {
		t.Errorf("dial_timeout = %v, want default", cfg.Robot.DialTimeout)
	}
	if cfg.Robot.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("write_timeout = %v, want default", cfg.Robot.WriteTimeout)
	}
	if cfg.Session.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("heartbeat_timeout = %v, want default", cfg.Session.HeartbeatTimeout)
	}
	if cfg.Monitor.Database.Port != DefaultDBPort {
		t.Errorf("db port = %d, want default", cfg.Monitor.Database.Port)
	}
	if cfg.Monitor.Database.SSLMode != DefaultDBSSLMode {
		t.Errorf("sslmode = %q, want default", cfg.Monitor.Database.SSLMode)
	}
	if cfg.Monitor.BatchSize != DefaultBatchSize || cfg.Monitor.BufferSize != DefaultBufferSize {
		t.Errorf("monitor = %+v, want defaults", cfg.Monitor)
	}
	if cfg.Monitor.HealthPort != DefaultHealthPort {
		t.Errorf("health_port = %d, want default", cfg.Monitor.HealthPort)
	}
}

func TestLoadWithDefaultsKeepsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
robot:
  host: robot.example.com
  dial_timeout: 3s
monitor:
  batch_size: 25
`)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Robot.DialTimeout != 3*time.Second {
		t.Errorf("dial_timeout = %v, want 3s", cfg.Robot.DialTimeout)
	}
	if cfg.Monitor.BatchSize != 25 {
		t.Errorf("batch_size = %d, want 25", cfg.Monitor.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Robot.Host = "robot.example.com"
		cfg.applyDefaults()
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Robot.Host = "" },
			wantErr: "robot.host",
		},
		{
			name:    "bad batch size",
			mutate:  func(c *Config) { c.Monitor.BatchSize = -1 },
			wantErr: "monitor.batch_size",
		},
		{
			name:    "bad buffer size",
			mutate:  func(c *Config) { c.Monitor.BufferSize = -1 },
			wantErr: "monitor.buffer_size",
		},
		{
			name:    "bad health port",
			mutate:  func(c *Config) { c.Monitor.HealthPort = 70000 },
			wantErr: "monitor.health_port",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateMonitor(t *testing.T) {
	cfg := &Config{}
	cfg.Robot.Host = "robot.example.com"
	cfg.Monitor.Database = DBConfig{
		Host:     "localhost",
		Name:     "robolink",
		User:     "monitor",
		Password: "pw",
	}
	cfg.applyDefaults()

	if err := cfg.ValidateMonitor(); err != nil {
		t.Errorf("valid monitor config rejected: %v", err)
	}

	cfg.Monitor.Database.Password = ""
	err := cfg.ValidateMonitor()
	if err == nil || !strings.Contains(err.Error(), "monitor.database.password") {
		t.Errorf("err = %v, want password error", err)
	}

	cfg.Monitor.Database.Password = "pw"
	cfg.Monitor.Database.MinConns = 50
	err = cfg.ValidateMonitor()
	if err == nil || !strings.Contains(err.Error(), "min_conns") {
		t.Errorf("err = %v, want min_conns error", err)
	}
}
