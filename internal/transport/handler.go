package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
	"github.com/HsiangNianian/AMonItor/transport/internal/topic"
)

// ReplyFunc publishes the result of a request. A nil message means the
// request expects no reply.
type ReplyFunc func(res *protocol.Message)

// Handler is the local dispatcher a Listener feeds requests into.
type Handler interface {
	// Topics lists the base topics the listener subscribes to.
	Topics() []string
	// HandleRequest must not block; reply may be called later from any goroutine.
	HandleRequest(ctx context.Context, req *protocol.Message, reply ReplyFunc)
}

// ActionFunc executes one action pattern.
type ActionFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Mux routes requests to actions by pattern. Each pattern is served on its
// own topic.
type Mux struct {
	origin string
	prefix string

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewMux(origin, topicPrefix string) *Mux {
	return &Mux{
		origin:  origin,
		prefix:  topicPrefix,
		actions: make(map[string]ActionFunc),
	}
}

func (m *Mux) Handle(pattern string, fn ActionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[pattern] = fn
}

func (m *Mux) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topics := make([]string, 0, len(m.actions))
	for pattern := range m.actions {
		topics = append(topics, topic.Name(m.prefix, pattern))
	}
	sort.Strings(topics)
	return topics
}

func (m *Mux) HandleRequest(ctx context.Context, req *protocol.Message, reply ReplyFunc) {
	m.mu.RLock()
	fn, ok := m.actions[req.Pattern]
	m.mu.RUnlock()

	if !ok {
		if req.Meta.NoReply {
			reply(nil)
			return
		}
		reply(protocol.NewResponse(req, m.origin, nil, &protocol.Error{Code: "no_handler", Message: req.Pattern}))
		return
	}

	go func() {
		out, err := fn(ctx, req.Payload)
		if req.Meta.NoReply {
			reply(nil)
			return
		}
		reply(protocol.NewResponse(req, m.origin, out, err))
	}()
}
