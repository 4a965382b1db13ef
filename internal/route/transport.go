package route

import (
	"context"
	"errors"
)

// ErrPeerUnreachable marks a remote failure caused by the peer process being gone.
// Stub implementations wrap it so callers can match with errors.Is.
var ErrPeerUnreachable = errors.New("route: peer unreachable")

// Stub is the local handle for synchronous calls into another process.
type Stub interface {
	Call(ctx context.Context, req Request) (Response, error)
	Publish(ctx context.Context, key string, payload Payload) error
	Close() error
}

// Connector establishes a Stub to one remote process.
type Connector interface {
	Connect(ctx context.Context) (Stub, error)
}

type ConnectorFunc func(ctx context.Context) (Stub, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Stub, error) {
	return f(ctx)
}

// IsPeerUnreachable reports whether err signals peer death.
func IsPeerUnreachable(err error) bool {
	return errors.Is(err, ErrPeerUnreachable)
}
