package connection

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
)

// Errors
var (
	// ErrNotConnected is returned when a channel, service client, or the
	// host accessor is requested before any successful connect.
	ErrNotConnected = errors.New("not connected")
)

// Config configures a Manager.
type Config struct {
	// Host is the robot's address.
	Host string

	// WebRTC selects and configures the WebRTC transport mode. When
	// disabled the manager dials the host directly.
	WebRTC WebRTCConfig

	// DisableSessions hands out undecorated channels: no session is
	// negotiated and no metadata is attached to calls.
	DisableSessions bool

	// DialTimeout bounds the handshake of a single dial attempt.
	DialTimeout time.Duration

	// WriteTimeout is the per-write deadline on the underlying pipe.
	WriteTimeout time.Duration
}

// WebRTCConfig configures the WebRTC transport mode.
type WebRTCConfig struct {
	Enabled bool

	// SignalingAddress is the endpoint used to negotiate the peer
	// connection, distinct from the eventual data-channel host. Falls back
	// to the robot host when empty.
	SignalingAddress string

	// Config is the peer-connection configuration (ICE servers etc.).
	Config webrtc.Configuration
}

// DefaultConfig returns sensible defaults for host.
func DefaultConfig(host string) Config {
	return Config{
		Host:         host,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Observer receives connection lifecycle notifications.
type Observer interface {
	Connected(host string)
	Disconnected(host string)
}

// attempt is an in-flight connect. Concurrent callers share one attempt and
// observe the same outcome; only the creator dials.
type attempt struct {
	done chan struct{}
	err  error
}
