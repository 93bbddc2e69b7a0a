// Package store keeps gateway routing state: which topic serves a target,
// and which panel messages were already forwarded.
package store

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	SetRoute(ctx context.Context, targetID, topic string) error
	// Route returns "" when targetID has no route.
	Route(ctx context.Context, targetID string) (string, error)
	// MarkSeen records msgID for ttl and reports whether it was new.
	MarkSeen(ctx context.Context, msgID string, ttl time.Duration) (bool, error)
	// Forget drops the seen mark of msgID so it can be forwarded again.
	Forget(ctx context.Context, msgID string) error
}

type MemoryStore struct {
	mu     sync.Mutex
	routes map[string]string
	seen   map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes: make(map[string]string),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MemoryStore) SetRoute(_ context.Context, targetID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[targetID] = topic
	return nil
}

func (m *MemoryStore) Route(_ context.Context, targetID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[targetID], nil
}

func (m *MemoryStore) MarkSeen(_ context.Context, msgID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, expireAt := range m.seen {
		if !now.Before(expireAt) {
			delete(m.seen, id)
		}
	}
	if _, ok := m.seen[msgID]; ok {
		return false, nil
	}
	m.seen[msgID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) Forget(_ context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, msgID)
	return nil
}
