package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/codec"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/metrics"
	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
	"github.com/HsiangNianian/AMonItor/transport/internal/topic"
)

// SendFunc publishes req on topic and arranges for done to receive the response.
type SendFunc func(ctx context.Context, topic string, req *protocol.Message, done Completion) error

// Client publishes requests on action channels and correlates the replies
// arriving on the response channels of its topics.
type Client struct {
	name    string
	origin  string
	dialer  broker.Dialer
	opts    config.Options
	log     *zap.Logger
	metrics *metrics.Metrics

	correlator *Correlator

	mu     sync.Mutex
	topics map[string]struct{}
	conns  connPair
	ready  bool
	closed bool
	done   chan struct{}
}

func NewClient(name, origin string, dialer broker.Dialer, opts config.Options, topics []string, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &Client{
		name:       name,
		origin:     origin,
		dialer:     dialer,
		opts:       opts,
		log:        logger.Named("client").With(zap.String("endpoint", name)),
		metrics:    m,
		correlator: NewCorrelator(),
		topics:     set,
	}
}

// Prepare opens both connections and subscribes to the response channel of
// every topic. The returned SendFunc is c.Send.
func (c *Client) Prepare(ctx context.Context) (SendFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.ready {
		return nil, ErrAlreadyActive
	}

	conns, err := openPair(ctx, c.dialer, c.opts, c.name, c.log)
	if err != nil {
		return nil, err
	}
	for t := range c.topics {
		channel := topic.Derive(t).Response
		c.log.Debug("subscribe", zap.String("channel", channel))
		if err := conns.in.Conn().Subscribe(ctx, channel); err != nil {
			_ = conns.close()
			return nil, err
		}
	}

	c.conns = conns
	c.ready = true
	c.done = make(chan struct{})
	go c.receive(conns.inbound())
	return c.Send, nil
}

func (c *Client) receive(deliveries <-chan broker.Message) {
	defer close(c.done)
	for msg := range deliveries {
		c.handleDelivery(msg)
	}
}

func (c *Client) handleDelivery(msg broker.Message) {
	c.metrics.Received.WithLabelValues(c.name).Inc()

	res, err := codec.Decode(msg.Payload)
	if err != nil {
		c.metrics.Dropped.WithLabelValues(c.name, metrics.ReasonDecode).Inc()
		c.log.Debug("discard malformed response", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if res.Kind != protocol.KindRes {
		c.metrics.Dropped.WithLabelValues(c.name, metrics.ReasonKind).Inc()
		return
	}
	if !c.correlator.Resolve(res.ID, res) {
		c.metrics.Dropped.WithLabelValues(c.name, metrics.ReasonUnmatched).Inc()
		c.log.Debug("unmatched response", zap.String("channel", msg.Channel), zap.String("id", res.ID))
		return
	}
	c.metrics.Pending.Dec()
}

// Send assigns req a fresh correlation id and publishes it on the action
// channel of topic. done is invoked at most once.
func (c *Client) Send(ctx context.Context, t string, req *protocol.Message, done Completion) error {
	c.mu.Lock()
	ready, closed, conns := c.ready, c.closed, c.conns
	_, known := c.topics[t]
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !ready:
		return ErrNotPrepared
	case !known:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, t)
	}

	req.ID = uuid.NewString()
	req.Kind = protocol.KindAct
	if req.Origin == "" {
		req.Origin = c.origin
	}
	if req.Meta.Timeout == 0 {
		req.Meta.Timeout = int64(c.opts.Timeout)
	}
	req.Meta.Sent = time.Now().UnixMilli()

	payload, err := codec.Encode(req)
	if err != nil {
		c.metrics.Dropped.WithLabelValues(c.name, metrics.ReasonEncode).Inc()
		return err
	}

	if !req.Meta.NoReply {
		if err := c.correlator.Register(req.ID, done); err != nil {
			return err
		}
		c.metrics.Pending.Inc()
	}

	if err := conns.publish(ctx, topic.Derive(t).Action, payload); err != nil {
		if c.correlator.Cancel(req.ID) {
			c.metrics.Pending.Dec()
		}
		return err
	}
	c.metrics.Published.WithLabelValues(c.name).Inc()
	return nil
}

// Call sends req and waits for its response, ctx cancellation or the
// configured timeout, whichever comes first. A response carrying an error is
// returned together with that error.
func (c *Client) Call(ctx context.Context, t string, req *protocol.Message) (*protocol.Message, error) {
	if timeout := c.opts.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		res *protocol.Message
		err error
	}
	ch := make(chan result, 1)
	req.Meta.NoReply = false
	if err := c.Send(ctx, t, req, func(res *protocol.Message, err error) {
		ch <- result{res, err}
	}); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err == nil && r.res.Error != nil {
			return r.res, r.res.Error
		}
		return r.res, r.err
	case <-ctx.Done():
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			err = ErrTimeout
		}
		if !c.correlator.Fail(req.ID, err) {
			// the response won the race
			r := <-ch
			return r.res, r.err
		}
		c.metrics.Pending.Dec()
		return nil, err
	}
}

// Expire fails every request pending longer than maxAge with ErrTimeout.
func (c *Client) Expire(maxAge time.Duration) int {
	n := 0
	for _, id := range c.correlator.Stale(maxAge) {
		if c.correlator.Fail(id, ErrTimeout) {
			c.metrics.Pending.Dec()
			n++
		}
	}
	if n > 0 {
		c.log.Debug("expired pending requests", zap.Int("count", n))
	}
	return n
}

// Options returns the merged connection options of the client.
func (c *Client) Options() config.Options {
	return c.opts
}

// Pending reports how many requests await a response.
func (c *Client) Pending() int {
	return c.correlator.Len()
}

// Close closes both connections. Pending requests are left unresolved.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ready, conns, done := c.ready, c.conns, c.done
	c.mu.Unlock()
	if !ready {
		return nil
	}

	err := conns.close()
	<-done
	c.log.Info("client closed", zap.Int("pending", c.correlator.Len()), zap.Error(err))
	return err
}
