package review

import (
	"context"
	"sync"

	"github.com/zhentan/cosigner/internal/notify"
)

// HandleStore maps transaction ids to the review message sent for them.
// Losing an entry only prevents editing that message.
type HandleStore interface {
	Put(ctx context.Context, txID string, h notify.Handle) error
	Get(ctx context.Context, txID string) (notify.Handle, bool, error)
	Delete(ctx context.Context, txID string) error
}

// MemoryHandleStore keeps handles for the life of the process.
type MemoryHandleStore struct {
	mu      sync.RWMutex
	handles map[string]notify.Handle
}

func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{handles: make(map[string]notify.Handle)}
}

func (m *MemoryHandleStore) Put(_ context.Context, txID string, h notify.Handle) error {
	m.mu.Lock()
	m.handles[txID] = h
	m.mu.Unlock()
	return nil
}

func (m *MemoryHandleStore) Get(_ context.Context, txID string) (notify.Handle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[txID]
	return h, ok, nil
}

func (m *MemoryHandleStore) Delete(_ context.Context, txID string) error {
	m.mu.Lock()
	delete(m.handles, txID)
	m.mu.Unlock()
	return nil
}
