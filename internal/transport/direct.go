package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DialDirect establishes a WebSocket channel straight to the robot host.
func DialDirect(ctx context.Context, host string, opts DialOptions, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsAddress(host), authHeader(opts))
	if err != nil {
		return nil, err
	}

	c := &wsChannel{
		conn:         conn,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		calls:        newPendingCalls(),
	}

	go c.readLoop()

	logger.Debug("direct channel connected", "host", host)
	return c, nil
}

// wsAddress normalizes a bare host into a WebSocket URL.
func wsAddress(host string) string {
	if strings.Contains(host, "://") {
		host = strings.Replace(host, "http://", "ws://", 1)
		host = strings.Replace(host, "https://", "wss://", 1)
		return host
	}
	return "wss://" + host
}

// authHeader builds the upgrade-request headers from dial options.
func authHeader(opts DialOptions) http.Header {
	header := http.Header{}
	if opts.Credentials.Payload != "" {
		header.Set("Authorization", "Bearer "+opts.Credentials.Payload)
	}
	if opts.Credentials.Type != "" {
		header.Set("Robolink-Auth-Type", opts.Credentials.Type)
	}
	if opts.Entity != "" {
		header.Set("Robolink-Entity", opts.Entity)
	}
	return header
}

// wsChannel implements Channel over a WebSocket connection.
type wsChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// Write serialization
	writeMu      sync.Mutex
	writeTimeout time.Duration

	calls *pendingCalls
}

// Invoke sends a call frame and waits for the correlated reply.
func (c *wsChannel) Invoke(ctx context.Context, method string, md Metadata, req, resp any) error {
	id := uuid.NewString()

	data, err := encodeCall(id, method, md, req)
	if err != nil {
		return err
	}

	replyCh, err := c.calls.register(id)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	werr := c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if werr != nil {
		c.calls.drop(id)
		return werr
	}

	frame, err := c.calls.await(ctx, id, replyCh)
	if err != nil {
		return err
	}
	return decodeReply(method, frame, resp)
}

// Close tears down the connection and fails all in-flight calls.
func (c *wsChannel) Close() error {
	c.calls.close()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// readLoop dispatches reply frames to waiting callers until the connection
// drops, then fails everything still pending.
func (c *wsChannel) readLoop() {
	defer c.calls.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.calls.done:
				// Closed locally; nothing to report.
			default:
				c.logger.Debug("direct channel read failed", "error", err)
			}
			return
		}

		var frame replyFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed reply frame", "error", err)
			continue
		}
		c.calls.resolve(frame)
	}
}
