package controlplane

import (
	"context"

	"github.com/robolink-dev/robolink/internal/session"
	"github.com/robolink-dev/robolink/internal/transport"
)

// Method names on the robot control service.
const (
	methodStartSession = "robot.v1.RobotService/StartSession"
	methodHeartbeat    = "robot.v1.RobotService/SendSessionHeartbeat"
)

// Client is a typed client for the session operations of the robot control
// service. It works over a raw, undecorated channel: session calls must not
// themselves be session-decorated.
type Client struct {
	ch transport.Channel
}

// NewClient creates a control-plane client over ch.
func NewClient(ch transport.Channel) *Client {
	return &Client{ch: ch}
}

type startSessionRequest struct {
	Resume string `json:"resume,omitempty"`
}

type startSessionResponse struct {
	ID              string          `json:"id"`
	HeartbeatWindow *session.Window `json:"heartbeat_window,omitempty"`
}

// StartSession starts a fresh session (resume == "") or resumes an existing
// one. An "unimplemented" reply surfaces as transport.ErrUnimplemented.
func (c *Client) StartSession(ctx context.Context, resume string) (session.StartResult, error) {
	var resp startSessionResponse
	if err := c.ch.Invoke(ctx, methodStartSession, nil, startSessionRequest{Resume: resume}, &resp); err != nil {
		return session.StartResult{}, err
	}

	res := session.StartResult{ID: resp.ID}
	if resp.HeartbeatWindow != nil {
		res.Window = *resp.HeartbeatWindow
	}
	return res, nil
}

type heartbeatRequest struct {
	ID string `json:"id"`
}

// SendHeartbeat keeps the identified session alive.
func (c *Client) SendHeartbeat(ctx context.Context, id string) error {
	return c.ch.Invoke(ctx, methodHeartbeat, nil, heartbeatRequest{ID: id}, nil)
}
