package transport

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CloseFunc releases one layer's resources.
type CloseFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloseFunc
}

// Shutdown is a close chain: the most recently added closer runs first and
// each one finishes before the previously added closer runs.
type Shutdown struct {
	log *zap.Logger

	mu      sync.Mutex
	closers []closer
	closed  bool
	err     error
}

func NewShutdown(logger *zap.Logger) *Shutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shutdown{log: logger.Named("shutdown")}
}

// Add appends fn to the chain. Closers added after Close are run immediately.
func (s *Shutdown) Add(name string, fn CloseFunc) {
	s.mu.Lock()
	if !s.closed {
		s.closers = append(s.closers, closer{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := fn(context.Background()); err != nil {
		s.log.Warn("late close failed", zap.String("name", name), zap.Error(err))
	}
}

// Close runs the chain once. Later calls return the first result.
func (s *Shutdown) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.err
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		cerr := c.fn(ctx)
		s.log.Info("close", zap.String("name", c.name), zap.Error(cerr))
		err = multierr.Append(err, cerr)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}
