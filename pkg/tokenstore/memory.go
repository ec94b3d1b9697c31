package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory grant registry. Grants do not survive a
// restart; agents re-register on reconnect, so this is the default.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewMemoryStore creates a new in-memory grant registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]*Grant),
	}
}

func (m *MemoryStore) Put(_ context.Context, grant Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := grant
	m.grants[grant.AgentID] = &g
	return nil
}

func (m *MemoryStore) Get(_ context.Context, agentID string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[agentID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if g.IsExpired() {
		return nil, ErrTokenExpired
	}
	return g, nil
}

func (m *MemoryStore) Revoke(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, agentID)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, g := range m.grants {
		if g.IsExpired() {
			delete(m.grants, id)
			count++
		}
	}
	return count, nil
}
