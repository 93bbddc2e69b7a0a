package transport

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/metrics"
)

// Type is a recognized transport type name.
type Type string

const (
	TypeRedis Type = "redis"
	// TypePubSub is the legacy name for TypeRedis.
	TypePubSub Type = "pubsub"
)

// ParseType accepts every recognized variant.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeRedis, TypePubSub:
		return t, nil
	case "":
		return TypeRedis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// optionKeys lists the per-type option sections consulted for t, most
// specific first.
func (t Type) optionKeys() []string {
	if t == TypePubSub {
		return []string{string(TypePubSub), string(TypeRedis)}
	}
	return []string{string(t)}
}

// Transport builds listener and client endpoints for one process and closes
// them through its shutdown chain.
type Transport struct {
	cfg      config.Config
	dialer   broker.Dialer
	log      *zap.Logger
	metrics  *metrics.Metrics
	shutdown *Shutdown
}

func New(cfg config.Config, dialer broker.Dialer, logger *zap.Logger, m *metrics.Metrics, shutdown *Shutdown) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if shutdown == nil {
		shutdown = NewShutdown(logger)
	}
	return &Transport{
		cfg:      cfg,
		dialer:   dialer,
		log:      logger.Named("transport"),
		metrics:  m,
		shutdown: shutdown,
	}
}

func (t *Transport) Shutdown() *Shutdown { return t.shutdown }

// Options resolves the merged connection options of typ for one call.
func (t *Transport) Options(typ Type, call config.Options) config.Options {
	return t.cfg.Resolve(call, typ.optionKeys()...)
}

// Listen starts a listener serving handler.
func (t *Transport) Listen(ctx context.Context, typeName string, handler Handler, call config.Options) (*Listener, error) {
	typ, err := ParseType(typeName)
	if err != nil {
		return nil, err
	}
	l := NewListener("listen-"+string(typ), t.dialer, t.Options(typ, call), handler, t.log, t.metrics)
	if err := l.Listen(ctx); err != nil {
		return nil, err
	}
	t.shutdown.Add(l.name, func(context.Context) error { return l.Close() })
	return l, nil
}

// Client prepares a client for topics.
func (t *Transport) Client(ctx context.Context, typeName string, topics []string, call config.Options) (*Client, error) {
	typ, err := ParseType(typeName)
	if err != nil {
		return nil, err
	}
	c := NewClient("client-"+string(typ), t.cfg.Origin, t.dialer, t.Options(typ, call), topics, t.log, t.metrics)
	if _, err := c.Prepare(ctx); err != nil {
		return nil, err
	}
	t.shutdown.Add(c.name, func(context.Context) error { return c.Close() })
	return c, nil
}

// Close runs the shutdown chain.
func (t *Transport) Close(ctx context.Context) error {
	return t.shutdown.Close(ctx)
}
