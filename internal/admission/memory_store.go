package admission

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	settings  map[string]*Settings
	decisions map[string][]*Decision
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:  make(map[string]*Settings),
		decisions: make(map[string][]*Decision),
	}
}

func (m *MemoryStore) GetSettings(_ context.Context, group string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[group]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutSettings(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settings[s.SignerGroup] = &cp
	return nil
}

func (m *MemoryStore) AppendDecision(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.decisions[d.Group] = append(m.decisions[d.Group], &cp)
	return nil
}

func (m *MemoryStore) RecentDecisions(_ context.Context, group string, limit int) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.decisions[group]
	out := make([]*Decision, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}
