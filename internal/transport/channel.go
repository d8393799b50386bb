package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrChannelClosed = errors.New("channel closed")
	ErrUnimplemented = errors.New("method unimplemented")
	ErrTimeout       = errors.New("call timeout")
)

// Metadata is a string-keyed set of per-call values attached to an outgoing
// request, carried alongside the payload in the call frame.
type Metadata map[string]string

// Channel issues request/response calls against the remote robot service.
// Implementations correlate replies to calls by id; a Channel is safe for
// concurrent use by any number of service clients.
type Channel interface {
	// Invoke sends a call for method and decodes the reply payload into resp.
	// req and resp may be nil for methods without a body.
	Invoke(ctx context.Context, method string, md Metadata, req, resp any) error

	// Close tears down the underlying pipe and fails all in-flight calls.
	Close() error
}

// Credentials identify the caller to the robot and to the signaling server.
type Credentials struct {
	Type    string
	Payload string
}

// DialOptions configure a dial attempt.
type DialOptions struct {
	Entity           string
	Credentials      Credentials
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultDialOptions returns sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// callFrame is the wire envelope for an outgoing call.
type callFrame struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Metadata Metadata        `json:"metadata,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// replyFrame is the wire envelope for a reply.
type replyFrame struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"` // "ok", "error", "unimplemented"
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// encodeCall builds the call frame for a request.
func encodeCall(id, method string, md Metadata, req any) ([]byte, error) {
	frame := callFrame{
		ID:       id,
		Method:   method,
		Metadata: md,
	}
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", method, err)
		}
		frame.Payload = payload
	}
	return json.Marshal(frame)
}

// decodeReply maps a reply frame to the caller's response value or an error.
func decodeReply(method string, frame replyFrame, resp any) error {
	switch frame.Status {
	case "ok":
		if resp != nil && len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, resp); err != nil {
				return fmt.Errorf("unmarshal %s response: %w", method, err)
			}
		}
		return nil
	case "unimplemented":
		return fmt.Errorf("%s: %w", method, ErrUnimplemented)
	case "error":
		return fmt.Errorf("%s: %s", method, frame.Error)
	default:
		return fmt.Errorf("%s: unexpected reply status %q", method, frame.Status)
	}
}

// pendingCalls correlates reply frames to waiting callers by call id.
// Shared by the direct and WebRTC channel implementations.
type pendingCalls struct {
	mu      sync.Mutex
	pending map[string]chan replyFrame
	closed  bool
	done    chan struct{}
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{
		pending: make(map[string]chan replyFrame),
		done:    make(chan struct{}),
	}
}

// register reserves a reply slot for a call id.
func (p *pendingCalls) register(id string) (<-chan replyFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrChannelClosed
	}
	ch := make(chan replyFrame, 1)
	p.pending[id] = ch
	return ch, nil
}

// drop removes a reply slot (caller gave up waiting).
func (p *pendingCalls) drop(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// resolve routes a reply to its waiter, if any.
func (p *pendingCalls) resolve(frame replyFrame) {
	p.mu.Lock()
	ch, ok := p.pending[frame.ID]
	if ok {
		delete(p.pending, frame.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// close marks the channel closed; all current and future waiters observe
// ErrChannelClosed via the done channel. Idempotent.
func (p *pendingCalls) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.pending = make(map[string]chan replyFrame)
	close(p.done)
}

// await blocks until the reply arrives, the context expires, or the channel
// closes underneath the call.
func (p *pendingCalls) await(ctx context.Context, id string, ch <-chan replyFrame) (replyFrame, error) {
	select {
	case frame := <-ch:
		return frame, nil
	case <-ctx.Done():
		p.drop(id)
		return replyFrame{}, ctx.Err()
	case <-p.done:
		return replyFrame{}, ErrChannelClosed
	}
}

// IsConnectionClosed reports whether err indicates the underlying connection
// is gone, as opposed to a call-level failure.
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
