package transport

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/supervisor"
)

// connPair is the inbound (subscribe) and outbound (publish) connection of one endpoint.
type connPair struct {
	in  *supervisor.Handle
	out *supervisor.Handle
}

func openPair(ctx context.Context, dialer broker.Dialer, opts config.Options, name string, logger *zap.Logger) (connPair, error) {
	in, err := supervisor.Open(ctx, dialer, opts, name+"-in", logger)
	if err != nil {
		return connPair{}, err
	}
	out, err := supervisor.Open(ctx, dialer, opts, name+"-out", logger)
	if err != nil {
		_ = in.Close()
		return connPair{}, err
	}
	return connPair{in: in, out: out}, nil
}

// publish writes payload on the outbound connection and reports the
// outcome to its supervisor. Publishing on a closed connection is expected
// during shutdown and is not a connection error.
func (p connPair) publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.out.Conn().Publish(ctx, channel, payload); err != nil {
		if !errors.Is(err, broker.ErrClosed) {
			p.out.Report(err)
		}
		return err
	}
	p.out.Recovered()
	return nil
}

func (p connPair) close() error {
	if p.in == nil {
		return nil
	}
	return multierr.Combine(p.in.Close(), p.out.Close())
}

// inbound returns the delivery channel of the inbound connection.
func (p connPair) inbound() <-chan broker.Message {
	return p.in.Conn().Messages()
}
