package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/robolink-dev/robolink/internal/controlplane"
	"github.com/robolink-dev/robolink/internal/session"
	"github.com/robolink-dev/robolink/internal/transport"
)

// directDialer and webrtcDialer are the transport collaborators. Tests swap
// them for fakes; production uses the internal/transport implementations.
type directDialer func(ctx context.Context, host string, opts transport.DialOptions, logger *slog.Logger) (transport.Channel, error)

type webrtcDialer func(ctx context.Context, signalingAddr, host string, opts transport.WebRTCOptions, logger *slog.Logger) (transport.Channel, io.Closer, error)

// Manager owns the single physical connection to a robot. It serializes
// connect/disconnect, selects between the WebRTC and direct transports, and
// hands out the live channel to any number of typed service clients,
// session-decorated unless sessions are disabled.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	onTrack  transport.TrackHandler

	dialDirect directDialer
	dialWebRTC webrtcDialer

	sessions    *session.Coordinator
	sessionOpts []session.CoordinatorOption

	// opMu serializes the dial/teardown phase of connect and disconnect.
	opMu sync.Mutex

	mu          sync.Mutex
	inflight    *attempt
	channel     transport.Channel
	peer        io.Closer // live peer connection, WebRTC mode only
	savedEntity string
	savedCreds  transport.Credentials
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithObserver sets the connection lifecycle observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithTrackHandler sets the handler for remote media tracks (WebRTC mode).
func WithTrackHandler(h transport.TrackHandler) ManagerOption {
	return func(m *Manager) {
		m.onTrack = h
	}
}

// WithSessionOptions forwards options to the session coordinator.
func WithSessionOptions(opts ...session.CoordinatorOption) ManagerOption {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// withDirectDialer swaps the direct transport dialer. Test hook.
func withDirectDialer(d directDialer) ManagerOption {
	return func(m *Manager) {
		m.dialDirect = d
	}
}

// withWebRTCDialer swaps the WebRTC transport dialer. Test hook.
func withWebRTCDialer(d webrtcDialer) ManagerOption {
	return func(m *Manager) {
		m.dialWebRTC = d
	}
}

// NewManager creates a connection manager for the configured robot.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultConfig(cfg.Host).DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig(cfg.Host).WriteTimeout
	}

	m := &Manager{
		cfg:        cfg,
		logger:     slog.Default(),
		dialDirect: transport.DialDirect,
		dialWebRTC: func(ctx context.Context, signalingAddr, host string, o transport.WebRTCOptions, logger *slog.Logger) (transport.Channel, io.Closer, error) {
			return transport.DialWebRTC(ctx, signalingAddr, host, o, logger)
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	sessionOpts := append([]session.CoordinatorOption{session.WithLogger(m.logger)}, m.sessionOpts...)
	m.sessions = session.NewCoordinator(m.controlClient, sessionOpts...)

	return m
}

// controlClient yields a control-plane client bound to the current raw
// channel. Session negotiation and heartbeats must bypass decoration.
func (m *Manager) controlClient() (session.ControlClient, error) {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnected
	}
	return controlplane.NewClient(ch), nil
}

// Connect establishes the connection, replacing any existing one. If a
// connect is already in flight the caller waits for it and observes its
// outcome without starting a second dial. Credentials given here are saved
// and reused by later calls that omit them.
func (m *Manager) Connect(ctx context.Context, entity string, creds *transport.Credentials) error {
	m.mu.Lock()
	if att := m.inflight; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &attempt{done: make(chan struct{})}
	m.inflight = att
	m.mu.Unlock()

	err := m.establish(ctx, entity, creds)

	// Clear in-flight state before propagating, whatever the outcome, so a
	// failed attempt never wedges future connects.
	m.mu.Lock()
	att.err = err
	m.inflight = nil
	m.mu.Unlock()
	close(att.done)

	return err
}

// establish performs the single dial for an attempt.
func (m *Manager) establish(ctx context.Context, entity string, creds *transport.Credentials) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.teardown()

	// A new physical connection is a new security boundary; support status
	// is forgotten but the session id is retained for resumption.
	m.sessions.Reset()

	m.mu.Lock()
	if creds != nil {
		m.savedEntity = entity
		m.savedCreds = *creds
	} else {
		entity = m.savedEntity
		creds = &m.savedCreds
	}
	m.mu.Unlock()

	dialOpts := transport.DialOptions{
		Entity:           entity,
		Credentials:      *creds,
		HandshakeTimeout: m.cfg.DialTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
	}

	if m.cfg.WebRTC.Enabled {
		addr := m.cfg.WebRTC.SignalingAddress
		if addr == "" {
			addr = m.cfg.Host
		}
		ch, peer, err := m.dialWebRTC(ctx, addr, m.cfg.Host, transport.WebRTCOptions{
			DialOptions:    dialOpts,
			Config:         m.cfg.WebRTC.Config,
			DisableTrickle: true,
			OnTrack:        m.onTrack,
		}, m.logger)
		if err != nil {
			return fmt.Errorf("dial webrtc: %w", err)
		}
		m.mu.Lock()
		m.channel, m.peer = ch, peer
		m.mu.Unlock()
	} else {
		ch, err := m.dialDirect(ctx, m.cfg.Host, dialOpts, m.logger)
		if err != nil {
			return fmt.Errorf("dial direct: %w", err)
		}
		m.mu.Lock()
		m.channel = ch
		m.mu.Unlock()
	}

	m.logger.Info("connected", "host", m.cfg.Host, "webrtc", m.cfg.WebRTC.Enabled)
	if m.observer != nil {
		m.observer.Connected(m.cfg.Host)
	}
	return nil
}

// Disconnect waits out any in-flight connect, then closes the live channel
// and resets session state. Safe to call when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	att := m.inflight
	m.mu.Unlock()
	if att != nil {
		select {
		case <-att.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	wasConnected := m.teardown()
	m.sessions.Reset()

	if wasConnected {
		m.logger.Info("disconnected", "host", m.cfg.Host)
		if m.observer != nil {
			m.observer.Disconnected(m.cfg.Host)
		}
	}
	return nil
}

// teardown closes and clears the live channel and peer connection. Reports
// whether anything was live. Caller holds opMu.
func (m *Manager) teardown() bool {
	m.mu.Lock()
	ch, peer := m.channel, m.peer
	m.channel, m.peer = nil, nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if peer != nil {
		peer.Close()
	}
	return ch != nil
}

// Channel returns the current transport channel, session-decorated unless
// sessions are disabled. ErrNotConnected before the first successful connect.
func (m *Manager) Channel() (transport.Channel, error) {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnected
	}
	if m.cfg.DisableSessions {
		return ch, nil
	}
	return session.Decorate(ch, m.sessions), nil
}

// Host returns the configured robot host. It is a readiness guard, not a
// pure getter: ErrNotConnected until a connect has succeeded.
func (m *Manager) Host() (string, error) {
	m.mu.Lock()
	connected := m.channel != nil
	m.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}
	return m.cfg.Host, nil
}

// SessionState reports the coordinator's current support state.
func (m *Manager) SessionState() session.SupportState {
	return m.sessions.State()
}

// NewServiceClient constructs a typed service client bound to the manager's
// current channel. Fails with ErrNotConnected before the first successful
// connect.
func NewServiceClient[T any](m *Manager, ctor func(transport.Channel) T) (T, error) {
	ch, err := m.Channel()
	if err != nil {
		var zero T
		return zero, err
	}
	return ctor(ch), nil
}
