package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/supervisor"
)

func TestPublishOnClosedConnIsNotReported(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	conns, err := openPair(context.Background(), broker.NewMemory(), config.Options{}, "listen", zap.New(core))
	require.NoError(t, err)
	defer conns.close()

	require.NoError(t, conns.out.Conn().Close())
	err = conns.publish(context.Background(), "math.add_res", []byte(`{}`))
	assert.ErrorIs(t, err, broker.ErrClosed)

	assert.Equal(t, supervisor.Ready, conns.out.State())
	assert.Zero(t, logs.Len())
}

func TestPublishFailureIsReported(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failing := errors.New("write: broken pipe")
	bus := broker.NewMemory()
	dialer := broker.DialerFunc(func(ctx context.Context, opts config.Options) (broker.Conn, error) {
		c, err := bus.Dial(ctx, opts)
		return failingPublish{Conn: c, err: failing}, err
	})

	conns, err := openPair(context.Background(), dialer, config.Options{}, "client", zap.New(core))
	require.NoError(t, err)
	defer conns.close()

	assert.ErrorIs(t, conns.publish(context.Background(), "a_act", nil), failing)
	assert.Equal(t, supervisor.Errored, conns.out.State())
	assert.Equal(t, 1, logs.FilterMessage("transport redis error").Len())
}

type failingPublish struct {
	broker.Conn
	err error
}

func (f failingPublish) Publish(context.Context, string, []byte) error {
	return f.err
}
