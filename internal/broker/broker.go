// Package broker abstracts the pub/sub broker connections used by endpoints.
package broker

import (
	"context"
	"errors"

	"github.com/HsiangNianian/AMonItor/transport/internal/config"
)

var ErrClosed = errors.New("broker: connection closed")

// Message is one delivery received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Conn is a single broker connection. Messages and Health are closed once
// the connection is closed.
type Conn interface {
	Ping(ctx context.Context) error
	Subscribe(ctx context.Context, channels ...string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Messages() <-chan Message
	// Health reports connection failures as non-nil errors and a nil error
	// each time the connection is established again.
	Health() <-chan error
	Close() error
}

// Dialer opens broker connections from merged options.
type Dialer interface {
	Dial(ctx context.Context, opts config.Options) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts config.Options) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, opts config.Options) (Conn, error) {
	return f(ctx, opts)
}
