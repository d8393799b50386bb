package session

import (
	"context"

	"github.com/robolink-dev/robolink/internal/transport"
)

// channel decorates a transport channel with session metadata on every call.
type channel struct {
	inner transport.Channel
	coord *Coordinator
}

// Decorate wraps a channel so each call carries session metadata from the
// coordinator. The first call through the decorated channel triggers session
// negotiation.
func Decorate(inner transport.Channel, coord *Coordinator) transport.Channel {
	return &channel{inner: inner, coord: coord}
}

func (ch *channel) Invoke(ctx context.Context, method string, md transport.Metadata, req, resp any) error {
	smd, err := ch.coord.Metadata(ctx)
	if err != nil {
		return err
	}
	if len(smd) > 0 {
		merged := make(transport.Metadata, len(md)+len(smd))
		for k, v := range smd {
			merged[k] = v
		}
		// Caller-provided keys win over session keys.
		for k, v := range md {
			merged[k] = v
		}
		md = merged
	}
	return ch.inner.Invoke(ctx, method, md, req, resp)
}

func (ch *channel) Close() error {
	return ch.inner.Close()
}
