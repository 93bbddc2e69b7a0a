// Package supervisor tracks the lifecycle of a single broker connection:
// connecting, ready, error and closed.
//
// A connection that never reaches ready fails its owner's activation. Once
// ready, errors are only logged; the broker client reconnects by itself and
// the owner calls Recovered when traffic flows again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
)

type State int

const (
	Connecting State = iota
	Ready
	Errored
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Errored:
		return "error"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionError is returned when a connection fails before it was ever ready.
type ConnectionError struct {
	Name string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("supervisor: connection %s failed: %v", e.Name, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

const watchBuffer = 8

// Handle owns one broker connection and its lifecycle state.
type Handle struct {
	name string
	log  *zap.Logger

	mu       sync.Mutex
	conn     broker.Conn
	state    State
	watchers []chan State

	closeOnce sync.Once
	closeErr  error
}

// Open dials and pings a connection. The ping is bounded by opts.Timeout.
func Open(ctx context.Context, dialer broker.Dialer, opts config.Options, name string, logger *zap.Logger) (*Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{
		name:  name,
		log:   logger.With(zap.String("conn", name)),
		state: Connecting,
	}

	conn, err := dialer.Dial(ctx, opts)
	if err != nil {
		h.setState(Closed)
		return nil, &ConnectionError{Name: name, Err: err}
	}
	h.conn = conn

	pingCtx := ctx
	if timeout := opts.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := conn.Ping(pingCtx); err != nil {
		_ = h.Close()
		return nil, &ConnectionError{Name: name, Err: err}
	}

	h.setState(Ready)
	h.log.Debug("connection ready")
	go h.observe(conn.Health())
	return h, nil
}

// observe feeds the broker's health reports into the state machine until
// the connection is closed.
func (h *Handle) observe(health <-chan error) {
	for err := range health {
		if err != nil {
			h.Report(err)
		} else {
			h.Recovered()
		}
	}
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Conn() broker.Conn { return h.conn }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Watch returns a channel receiving every later state transition. Slow
// watchers miss transitions rather than block the connection.
func (h *Handle) Watch() <-chan State {
	ch := make(chan State, watchBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		close(ch)
		return ch
	}
	h.watchers = append(h.watchers, ch)
	return ch
}

// Report records a post-ready connection error.
func (h *Handle) Report(err error) {
	if err == nil || errors.Is(err, broker.ErrClosed) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return
	}
	h.log.Error("transport redis error", zap.Error(err))
	if h.state == Ready {
		h.transition(Errored)
	}
}

// Recovered marks an errored connection usable again.
func (h *Handle) Recovered() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Errored {
		h.transition(Ready)
		h.log.Info("connection recovered")
	}
}

// Close closes the connection once. Later calls return the first result.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.conn != nil {
			h.closeErr = h.conn.Close()
		}
		h.setState(Closed)
		h.mu.Lock()
		for _, ch := range h.watchers {
			close(ch)
		}
		h.watchers = nil
		h.mu.Unlock()
		h.log.Debug("connection closed", zap.Error(h.closeErr))
	})
	return h.closeErr
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(s)
}

// transition must be called with mu held.
func (h *Handle) transition(s State) {
	if h.state == s {
		return
	}
	h.state = s
	for _, ch := range h.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}
