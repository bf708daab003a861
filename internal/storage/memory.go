package storage

import (
	"context"
	"sync"

	"watchbot/internal/subscription"
)

type memoryStore[ID comparable] struct {
	mu     sync.RWMutex
	subs   map[ID]subscription.Subscriber[ID]
	order  []ID
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory[ID comparable]() Store[ID] {
	return &memoryStore[ID]{subs: map[ID]subscription.Subscriber[ID]{}}
}

func (m *memoryStore[ID]) Get(ctx context.Context, id ID) (subscription.Subscriber[ID], error) {
	if err := ctx.Err(); err != nil {
		return subscription.Subscriber[ID]{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return subscription.Subscriber[ID]{}, ErrClosed
	}
	s, ok := m.subs[id]
	if !ok {
		s = subscription.New(id)
		m.subs[id] = s
		m.order = append(m.order, id)
	}
	return s.Clone(), nil
}

func (m *memoryStore[ID]) Save(ctx context.Context, s subscription.Subscriber[ID]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s = s.Clone()
	s.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.subs[s.ID]; !ok {
		m.order = append(m.order, s.ID)
	}
	m.subs[s.ID] = s
	return nil
}

// List returns subscribers in first-seen order.
func (m *memoryStore[ID]) List(ctx context.Context) ([]subscription.Subscriber[ID], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]subscription.Subscriber[ID], 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.subs[id].Clone())
	}
	return out, nil
}

func (m *memoryStore[ID]) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
