package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// TrackHandler is invoked for each remote media track with the track kind
// ("audio" or "video") and the associated stream identifier. Attachment of
// the track to anything useful is the caller's business.
type TrackHandler func(kind, streamID string)

// WebRTCOptions configure a WebRTC dial attempt.
type WebRTCOptions struct {
	DialOptions

	// Config is the peer-connection configuration (ICE servers and policies).
	Config webrtc.Configuration

	// DisableTrickle waits for ICE gathering to complete and exchanges a
	// single full offer/answer pair instead of streaming candidates.
	DisableTrickle bool

	// OnTrack receives remote media tracks. Optional.
	OnTrack TrackHandler
}

// signalFrame is the message format spoken with the signaling server.
type signalFrame struct {
	Type string `json:"type"` // "offer", "answer", "error"
	Host string `json:"host,omitempty"`
	SDP  string `json:"sdp,omitempty"`
	Err  string `json:"error,omitempty"`
}

// DialWebRTC negotiates a peer connection to host through the signaling
// server at signalingAddr and returns a Channel running over the negotiated
// data channel, plus the peer connection for teardown. Auth options are used
// for both signaling and the robot itself.
func DialWebRTC(ctx context.Context, signalingAddr, host string, opts WebRTCOptions, logger *slog.Logger) (Channel, *webrtc.PeerConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	sig, _, err := dialer.DialContext(ctx, wsAddress(signalingAddr), authHeader(opts.DialOptions))
	if err != nil {
		return nil, nil, fmt.Errorf("dial signaling: %w", err)
	}
	defer sig.Close()

	pc, err := webrtc.NewPeerConnection(opts.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}

	if opts.OnTrack != nil {
		onTrack := opts.OnTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			onTrack(track.Kind().String(), track.StreamID())
		})
	}

	// Offer to receive media so the robot can push tracks without a renegotiation.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	dc, err := pc.CreateDataChannel("rpc", nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}

	ch := newDataChannel(dc, logger)

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	if err := negotiate(ctx, sig, pc, host, opts); err != nil {
		pc.Close()
		return nil, nil, err
	}

	select {
	case <-opened:
	case <-ctx.Done():
		pc.Close()
		return nil, nil, ctx.Err()
	}

	logger.Debug("webrtc channel connected", "host", host, "signaling", signalingAddr)
	return ch, pc, nil
}

// negotiate runs the offer/answer exchange over the signaling connection.
// Only the non-trickle flow is supported: the offer carries the complete
// candidate set and the answer is expected to as well.
func negotiate(ctx context.Context, sig *websocket.Conn, pc *webrtc.PeerConnection, host string, opts WebRTCOptions) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if opts.DisableTrickle {
		select {
		case <-gathered:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	frame := signalFrame{
		Type: "offer",
		Host: host,
		SDP:  pc.LocalDescription().SDP,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}

	sig.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	if err := sig.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		sig.SetReadDeadline(deadline)
	}
	_, data, err = sig.ReadMessage()
	if err != nil {
		return fmt.Errorf("read answer: %w", err)
	}

	var answer signalFrame
	if err := json.Unmarshal(data, &answer); err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}
	switch answer.Type {
	case "answer":
	case "error":
		return fmt.Errorf("signaling rejected offer: %s", answer.Err)
	default:
		return fmt.Errorf("unexpected signaling frame %q", answer.Type)
	}

	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

// BuildICEConfiguration converts plain ICE server URLs into a
// peer-connection configuration.
func BuildICEConfiguration(servers []string) webrtc.Configuration {
	var ice []webrtc.ICEServer
	for _, s := range servers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{s}})
	}
	return webrtc.Configuration{ICEServers: ice}
}

// dataChannel implements Channel over a WebRTC data channel using the same
// envelope frames as the direct channel.
type dataChannel struct {
	dc     *webrtc.DataChannel
	logger *slog.Logger
	calls  *pendingCalls

	closeOnce sync.Once
}

func newDataChannel(dc *webrtc.DataChannel, logger *slog.Logger) *dataChannel {
	c := &dataChannel{
		dc:     dc,
		logger: logger,
		calls:  newPendingCalls(),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var frame replyFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			logger.Warn("dropping malformed reply frame", "error", err)
			return
		}
		c.calls.resolve(frame)
	})

	dc.OnClose(func() {
		c.calls.close()
	})

	return c
}

// Invoke sends a call frame over the data channel and waits for the reply.
func (c *dataChannel) Invoke(ctx context.Context, method string, md Metadata, req, resp any) error {
	id := uuid.NewString()

	data, err := encodeCall(id, method, md, req)
	if err != nil {
		return err
	}

	replyCh, err := c.calls.register(id)
	if err != nil {
		return err
	}

	if err := c.dc.SendText(string(data)); err != nil {
		c.calls.drop(id)
		return err
	}

	frame, err := c.calls.await(ctx, id, replyCh)
	if err != nil {
		return err
	}
	return decodeReply(method, frame, resp)
}

// Close closes the data channel and fails all in-flight calls.
func (c *dataChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.calls.close()
		err = c.dc.Close()
	})
	return err
}
