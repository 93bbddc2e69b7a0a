package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/HsiangNianian/AMonItor/transport/internal/config"
)

// Redis dials go-redis clients. Each connection owns its own client.
type Redis struct{}

func (Redis) Dial(_ context.Context, opts config.Options) (Conn, error) {
	redisOpts, err := redisOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &redisConn{
		client: redis.NewClient(redisOpts),
		out:    make(chan Message, memoryBuffer),
		done:   make(chan struct{}),
		health: make(chan error, healthBuffer),
	}
	c.client.AddHook(healthHook{report: c.report})
	return c, nil
}

// healthHook observes every dial the client makes, including the
// reconnects go-redis performs on its own for pooled and pub/sub connections.
type healthHook struct {
	report func(error)
}

func (h healthHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.report(err)
		return conn, err
	}
}

func (healthHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (healthHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func redisOptions(opts config.Options) (*redis.Options, error) {
	var redisOpts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("broker: parse redis url: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: opts.Addr()}
	}
	if timeout := opts.TimeoutDuration(); timeout > 0 {
		redisOpts.DialTimeout = timeout
	}
	return redisOpts, nil
}

type redisConn struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool

	out  chan Message
	done chan struct{}

	// healthMu is separate from mu: dials, and so reports, happen while mu is held.
	healthMu     sync.Mutex
	health       chan error
	healthClosed bool
}

func (c *redisConn) report(err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.healthClosed {
		return
	}
	select {
	case c.health <- err:
	default:
	}
}

func (c *redisConn) Health() <-chan error {
	return c.health
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.pubsub != nil {
		return c.pubsub.Subscribe(ctx, channels...)
	}

	ps := c.client.Subscribe(ctx)
	if err := ps.Subscribe(ctx, channels...); err != nil {
		_ = ps.Close()
		return err
	}
	c.pubsub = ps
	go c.forward(ps.Channel())
	return nil
}

func (c *redisConn) forward(in <-chan *redis.Message) {
	defer close(c.out)
	for msg := range in {
		select {
		case c.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-c.done:
			return
		}
	}
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	err := c.client.Publish(ctx, channel, payload).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (c *redisConn) Messages() <-chan Message {
	return c.out
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	var err error
	if c.pubsub != nil {
		err = multierr.Append(err, c.pubsub.Close())
	} else {
		close(c.out)
	}
	err = multierr.Append(err, c.client.Close())

	c.healthMu.Lock()
	c.healthClosed = true
	close(c.health)
	c.healthMu.Unlock()
	return err
}
