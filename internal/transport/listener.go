package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/codec"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/metrics"
	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
	"github.com/HsiangNianian/AMonItor/transport/internal/topic"
)

type ListenerState int

const (
	ListenerCreated ListenerState = iota
	ListenerSubscribing
	ListenerActive
	ListenerClosing
	ListenerClosed
)

// Listener subscribes to action channels and publishes handler results on
// the matching response channels.
type Listener struct {
	name    string
	dialer  broker.Dialer
	opts    config.Options
	handler Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  ListenerState
	conns  connPair
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(name string, dialer broker.Dialer, opts config.Options, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Listener{
		name:    name,
		dialer:  dialer,
		opts:    opts,
		handler: handler,
		log:     logger.Named("listen").With(zap.String("endpoint", name)),
		metrics: m,
		state:   ListenerCreated,
	}
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Listen opens both connections and subscribes to every handler topic.
// Any failure before the endpoint is active is returned and leaves it closed.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != ListenerCreated {
		return ErrAlreadyActive
	}
	l.state = ListenerSubscribing

	conns, err := openPair(ctx, l.dialer, l.opts, l.name, l.log)
	if err != nil {
		l.state = ListenerClosed
		return err
	}

	for _, t := range l.handler.Topics() {
		channel := topic.Derive(t).Action
		l.log.Debug("subscribe", zap.String("channel", channel))
		if err := conns.in.Conn().Subscribe(ctx, channel); err != nil {
			_ = conns.close()
			l.state = ListenerClosed
			return err
		}
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	l.conns = conns
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = ListenerActive
	go l.serve(serveCtx, conns.inbound())

	l.log.Info("listen open",
		zap.String("host", l.opts.Host),
		zap.Int("port", l.opts.Port),
		zap.Bool("url", l.opts.URL != ""),
		zap.Strings("topics", l.handler.Topics()))
	return nil
}

func (l *Listener) serve(ctx context.Context, deliveries <-chan broker.Message) {
	defer close(l.done)
	for msg := range deliveries {
		l.handleDelivery(ctx, msg)
	}
}

func (l *Listener) handleDelivery(ctx context.Context, msg broker.Message) {
	l.metrics.Received.WithLabelValues(l.name).Inc()

	resChannel, ok := topic.ResponseFor(msg.Channel)
	if !ok {
		l.metrics.Dropped.WithLabelValues(l.name, metrics.ReasonChannel).Inc()
		l.log.Warn("delivery on non-action channel", zap.String("channel", msg.Channel))
		return
	}

	req, err := codec.Decode(msg.Payload)
	if err != nil {
		l.metrics.Dropped.WithLabelValues(l.name, metrics.ReasonDecode).Inc()
		l.log.Warn("discard malformed request", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if req.Kind != protocol.KindAct {
		l.metrics.Dropped.WithLabelValues(l.name, metrics.ReasonKind).Inc()
		l.log.Debug("discard non-request message", zap.String("channel", msg.Channel), zap.String("id", req.ID))
		return
	}

	var once sync.Once
	l.handler.HandleRequest(ctx, req, func(res *protocol.Message) {
		once.Do(func() { l.reply(ctx, resChannel, res) })
	})
}

func (l *Listener) reply(ctx context.Context, channel string, res *protocol.Message) {
	if res == nil {
		return
	}
	payload, err := codec.Encode(res)
	if err != nil {
		l.metrics.Dropped.WithLabelValues(l.name, metrics.ReasonEncode).Inc()
		l.log.Warn("discard unencodable response", zap.String("id", res.ID), zap.Error(err))
		return
	}

	l.mu.Lock()
	conns, active := l.conns, l.state == ListenerActive
	l.mu.Unlock()
	if !active {
		l.log.Debug("drop response after close", zap.String("id", res.ID))
		return
	}

	if err := conns.publish(ctx, channel, payload); err != nil {
		return
	}
	l.metrics.Published.WithLabelValues(l.name).Inc()
}

// Close closes both connections and waits for in-flight deliveries to be
// handed to the handler.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.state != ListenerActive {
		if l.state == ListenerCreated {
			l.state = ListenerClosed
		}
		l.mu.Unlock()
		return nil
	}
	l.state = ListenerClosing
	conns, done, cancel := l.conns, l.done, l.cancel
	l.mu.Unlock()

	err := conns.close()
	<-done
	cancel()

	l.mu.Lock()
	l.state = ListenerClosed
	l.mu.Unlock()
	l.log.Info("listen closed", zap.Error(err))
	return err
}
