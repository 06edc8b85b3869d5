package realtime

import (
	"context"

	"github.com/user/lingolive/internal/types"
)

// Listener receives notifications from a transport. A transport that
// reconnects on its own calls Connected after every successful dial and
// Disconnected after every drop.
type Listener interface {
	Connected()
	Disconnected(err error)
	Event(event *types.InboundEvent)
}

// Transport is one logical push channel. It owns its own reconnect loop.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a transport for a session. Open must not block on the
// network; connection progress is reported through the Listener.
type Dialer interface {
	Open(ctx context.Context, endpoint string, session types.Session, listener Listener) (Transport, error)
}

// EventHandler consumes decoded inbound events.
type EventHandler interface {
	Dispatch(event *types.InboundEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(event *types.InboundEvent) error

func (f HandlerFunc) Dispatch(event *types.InboundEvent) error {
	return f(event)
}
