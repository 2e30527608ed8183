package txqueue

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/zhentan/cosigner/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[t.ID]; exists {
		return ErrDuplicateID
	}
	m.txs[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(t *Transaction) error) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return current.Clone(), nil
		}
		return nil, err
	}
	m.txs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListBySigner(_ context.Context, group string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.txs {
		if t.SignerGroup == group && after.Before(t.CreatedAt, t.ID) {
			out = append(out, t.Clone())
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, order Order, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.txs {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sortNewestFirst(out)
	if order == OldestFirst {
		slices.Reverse(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID > txs[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
