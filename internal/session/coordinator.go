package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robolink-dev/robolink/internal/transport"
)

// Errors
var (
	// ErrMissingWindow reports a start response without a heartbeat window.
	ErrMissingWindow = errors.New("session start response missing heartbeat window")
)

// MetadataKey is the request metadata key carrying the session id.
const MetadataKey = "session-id"

// heartbeatsPerWindow derives the heartbeat interval from the server's
// expiry window: at least this many heartbeats land inside every window.
const heartbeatsPerWindow = 5

// defaultHeartbeatTimeout bounds a single heartbeat round-trip.
const defaultHeartbeatTimeout = 5 * time.Second

// SupportState tracks whether the server supports sessions at all.
type SupportState int

const (
	SupportUnknown SupportState = iota
	SupportSupported
	SupportUnsupported
)

func (s SupportState) String() string {
	switch s {
	case SupportSupported:
		return "supported"
	case SupportUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Window is the server-declared duration within which at least one heartbeat
// must arrive to keep a session alive.
type Window struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// Duration converts the window to a time.Duration.
func (w Window) Duration() time.Duration {
	return time.Duration(w.Seconds)*time.Second + time.Duration(w.Nanos)*time.Nanosecond
}

// IsZero reports whether the window is absent.
func (w Window) IsZero() bool {
	return w.Seconds == 0 && w.Nanos == 0
}

// StartResult is the outcome of a successful session start or resume.
type StartResult struct {
	ID     string
	Window Window
}

// ControlClient is the slice of the robot control service the coordinator
// needs: session start/resume and heartbeats.
type ControlClient interface {
	// StartSession starts a fresh session (resume == "") or resumes an
	// existing one. Servers without session support fail with an error
	// classified by errors.Is(err, transport.ErrUnimplemented).
	StartSession(ctx context.Context, resume string) (StartResult, error)

	// SendHeartbeat keeps the identified session alive.
	SendHeartbeat(ctx context.Context, id string) error
}

// ClientProvider yields a control client bound to the current connection.
// It fails when no connection is live.
type ClientProvider func() (ControlClient, error)

// Observer receives session lifecycle notifications.
type Observer interface {
	SessionStarted(id string)
	SessionLost(id string)
}

// negotiation is a single in-flight start/resume attempt. Concurrent metadata
// requests share one negotiation and observe the same outcome.
type negotiation struct {
	done chan struct{}
	md   transport.Metadata
	err  error
}

// Coordinator lazily negotiates a server-side session and attaches the
// session id to outgoing request metadata, keeping the session alive with a
// background heartbeat and renegotiating transparently after disconnects.
type Coordinator struct {
	provider ClientProvider
	logger   *slog.Logger
	sched    Scheduler
	observer Observer

	heartbeatTimeout time.Duration

	mu            sync.Mutex
	state         SupportState
	id            string // retained across resets for resumption
	interval      time.Duration
	inflight      *negotiation
	stopHeartbeat func()
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithScheduler sets the repeating-work scheduler for the heartbeat loop.
func WithScheduler(s Scheduler) CoordinatorOption {
	return func(c *Coordinator) {
		c.sched = s
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithHeartbeatTimeout bounds each heartbeat round-trip.
func WithHeartbeatTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.heartbeatTimeout = d
	}
}

// NewCoordinator creates a session coordinator.
func NewCoordinator(provider ClientProvider, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:         provider,
		logger:           slog.Default(),
		sched:            TickerScheduler{},
		heartbeatTimeout: defaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metadata returns the per-call metadata to attach to an outgoing request,
// negotiating a session with the server on first use. Once support status is
// known the call returns immediately; concurrent callers during negotiation
// all observe the single attempt's outcome.
func (c *Coordinator) Metadata(ctx context.Context) (transport.Metadata, error) {
	c.mu.Lock()

	if n := c.inflight; n != nil {
		c.mu.Unlock()
		select {
		case <-n.done:
			return n.md, n.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch c.state {
	case SupportUnsupported:
		c.mu.Unlock()
		return transport.Metadata{}, nil
	case SupportSupported:
		md := transport.Metadata{}
		if c.id != "" {
			md[MetadataKey] = c.id
		}
		c.mu.Unlock()
		return md, nil
	}

	n := &negotiation{done: make(chan struct{})}
	c.inflight = n
	resume := c.id
	c.mu.Unlock()

	md, err := c.negotiate(ctx, resume)

	// Clear negotiation state regardless of outcome so a later reset can
	// trigger a fresh attempt.
	c.mu.Lock()
	n.md, n.err = md, err
	c.inflight = nil
	c.mu.Unlock()
	close(n.done)

	return md, err
}

// negotiate runs one start/resume round-trip and records the outcome.
func (c *Coordinator) negotiate(ctx context.Context, resume string) (transport.Metadata, error) {
	client, err := c.provider()
	if err != nil {
		return nil, err
	}

	res, err := client.StartSession(ctx, resume)
	if err != nil {
		if errors.Is(err, transport.ErrUnimplemented) {
			c.mu.Lock()
			c.state = SupportUnsupported
			c.mu.Unlock()
			c.logger.Info("server does not support sessions")
			return transport.Metadata{}, nil
		}
		return nil, fmt.Errorf("start session: %w", err)
	}

	if res.Window.IsZero() {
		return nil, ErrMissingWindow
	}

	c.mu.Lock()
	c.state = SupportSupported
	c.id = res.ID
	c.interval = res.Window.Duration() / heartbeatsPerWindow
	c.startHeartbeatLocked(client, res.ID, c.interval)
	c.mu.Unlock()

	c.logger.Debug("session established",
		"session_id", res.ID,
		"heartbeat_interval", c.interval,
		"resumed", resume != "",
	)
	if c.observer != nil {
		c.observer.SessionStarted(res.ID)
	}

	return transport.Metadata{MetadataKey: res.ID}, nil
}

// Reset forces the next metadata request to renegotiate. The stored session
// id is retained so the next negotiation attempts resumption. A reset during
// an in-flight negotiation is a no-op to avoid invalidating state out from
// under the active attempt.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.inflight != nil {
		c.mu.Unlock()
		return
	}

	lost := ""
	if c.state == SupportSupported {
		lost = c.id
	}
	c.state = SupportUnknown
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	if lost != "" {
		c.logger.Debug("session state reset", "session_id", lost)
		if c.observer != nil {
			c.observer.SessionLost(lost)
		}
	}
}

// State returns the current support state.
func (c *Coordinator) State() SupportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// startHeartbeatLocked replaces any running heartbeat loop with one for the
// given session id. Caller holds c.mu.
func (c *Coordinator) startHeartbeatLocked(client ControlClient, id string, interval time.Duration) {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
	}
	c.stopHeartbeat = c.sched.Schedule(interval, func() bool {
		return c.beat(client, id)
	})
}

// beat sends one heartbeat. Returns false to stop the loop: the session was
// reset or superseded, or the connection is gone. Any other failure is
// transient and the loop continues on schedule.
func (c *Coordinator) beat(client ControlClient, id string) bool {
	c.mu.Lock()
	active := c.state == SupportSupported && c.id == id
	c.mu.Unlock()
	if !active {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatTimeout)
	defer cancel()

	if err := client.SendHeartbeat(ctx, id); err != nil {
		if transport.IsConnectionClosed(err) {
			c.logger.Debug("heartbeat lost connection", "session_id", id, "error", err)
			// The next metadata request detects this and renegotiates.
			c.Reset()
			return false
		}
		c.logger.Debug("heartbeat failed", "session_id", id, "error", err)
	}
	return true
}
