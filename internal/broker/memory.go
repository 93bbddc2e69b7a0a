package broker

import (
	"context"
	"sync"

	"github.com/HsiangNianian/AMonItor/transport/internal/config"
)

const (
	memoryBuffer = 256
	healthBuffer = 16
)

// Memory is a process-local broker. Every Dial returns a new connection on
// the same bus.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memoryConn
	conns  map[int]*memoryConn

	// PingErr, when set, fails Ping on every connection.
	PingErr error
}

func NewMemory() *Memory {
	return &Memory{
		subs:  make(map[string]map[int]*memoryConn),
		conns: make(map[int]*memoryConn),
	}
}

func (m *Memory) Dial(_ context.Context, _ config.Options) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &memoryConn{
		bus: m,
		id:  m.nextID,
		out:    make(chan Message, memoryBuffer),
		health: make(chan error, healthBuffer),
	}
	m.nextID++
	m.conns[c.id] = c
	return c, nil
}

// Disrupt reports err on every open connection, as a dropped broker link would.
func (m *Memory) Disrupt(err error) {
	m.signal(err)
}

// Restore reports every open connection as re-established.
func (m *Memory) Restore() {
	m.signal(nil)
}

func (m *Memory) signal(err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		select {
		case c.health <- err:
		default:
		}
	}
}

// Publish delivers payload to every subscriber of channel. Full subscriber
// buffers drop the message.
func (m *Memory) Publish(channel string, payload []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivered := 0
	for _, c := range m.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case c.out <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers reports how many connections listen on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

type memoryConn struct {
	bus *Memory
	id     int
	out    chan Message
	health chan error

	// guarded by bus.mu
	channels []string
	closed   bool
}

func (c *memoryConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.mu.RLock()
	defer c.bus.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.bus.PingErr
}

func (c *memoryConn) Subscribe(_ context.Context, channels ...string) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		if _, ok := c.bus.subs[ch]; !ok {
			c.bus.subs[ch] = make(map[int]*memoryConn)
		}
		if _, ok := c.bus.subs[ch][c.id]; ok {
			continue
		}
		c.bus.subs[ch][c.id] = c
		c.channels = append(c.channels, ch)
	}
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.mu.RLock()
	closed := c.closed
	c.bus.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	c.bus.Publish(channel, payload)
	return nil
}

func (c *memoryConn) Messages() <-chan Message {
	return c.out
}

func (c *memoryConn) Health() <-chan error {
	return c.health
}

func (c *memoryConn) Close() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.channels {
		if subsByChannel, ok := c.bus.subs[ch]; ok {
			delete(subsByChannel, c.id)
			if len(subsByChannel) == 0 {
				delete(c.bus.subs, ch)
			}
		}
	}
	delete(c.bus.conns, c.id)
	close(c.out)
	close(c.health)
	return nil
}
