package store

import (
	"context"
	"sync"

	"tradeloop/internal/resilience"
)

// MemoryStore keeps the snapshot as encoded bytes so callers never share
// maps with it.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) SaveSnapshot(_ context.Context, state resilience.SystemState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadSnapshot(context.Context) (*resilience.SystemState, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	return decode(data)
}

func (m *MemoryStore) Close() error { return nil }
