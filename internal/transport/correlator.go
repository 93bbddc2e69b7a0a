package transport

import (
	"sync"
	"time"

	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
)

// Completion receives the outcome of one request: a response, or a local
// failure such as a timeout. Responses are completed on the client's
// receive goroutine, so a Completion must not block; hand slow work off
// to another goroutine.
type Completion func(res *protocol.Message, err error)

type pendingEntry struct {
	done      Completion
	createdAt time.Time
}

// Correlator matches responses to pending requests by correlation id. It
// enforces no timeouts of its own.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]pendingEntry
	now     func() time.Time
}

func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]pendingEntry),
		now:     time.Now,
	}
}

func (c *Correlator) Register(id string, done Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return ErrDuplicateID
	}
	c.pending[id] = pendingEntry{done: done, createdAt: c.now()}
	return nil
}

// Resolve completes the request registered under id with res. It reports
// false for late, duplicate or unknown responses.
func (c *Correlator) Resolve(id string, res *protocol.Message) bool {
	entry, ok := c.take(id)
	if !ok {
		return false
	}
	entry.done(res, nil)
	return true
}

// Fail completes the request registered under id with err.
func (c *Correlator) Fail(id string, err error) bool {
	entry, ok := c.take(id)
	if !ok {
		return false
	}
	entry.done(nil, err)
	return true
}

// Cancel forgets id without completing it.
func (c *Correlator) Cancel(id string) bool {
	_, ok := c.take(id)
	return ok
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stale lists ids registered longer than maxAge ago.
func (c *Correlator) Stale(maxAge time.Duration) []string {
	cutoff := c.now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, entry := range c.pending {
		if entry.createdAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Correlator) take(id string) (pendingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return entry, ok
}
