package patterns

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	recipients map[string]*RecipientPattern
	daily      map[string]*DailyAggregate
	applied    map[string]struct{}
	limits     *Limits
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recipients: make(map[string]*RecipientPattern),
		daily:      make(map[string]*DailyAggregate),
		applied:    make(map[string]struct{}),
	}
}

func (m *MemoryStore) GetRecipient(_ context.Context, address string) (*RecipientPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.recipients[address]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) ListRecipients(_ context.Context) ([]*RecipientPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RecipientPattern, 0, len(m.recipients))
	for _, p := range m.recipients {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) CountKnownRecipients(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.recipients {
		if p.Known() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetDaily(_ context.Context, day string) (*DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.daily[day]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Apply(_ context.Context, exec Execution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[exec.TxID]; done {
		return false, nil
	}
	m.applied[exec.TxID] = struct{}{}
	m.recipients[exec.Recipient] = applyToRecipient(m.recipients[exec.Recipient], exec)
	day := DayKey(exec.At)
	m.daily[day] = applyToDaily(m.daily[day], exec)
	return true, nil
}

func (m *MemoryStore) Annotate(_ context.Context, address, label, category string) (*RecipientPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.recipients[address]
	if !ok {
		p = &RecipientPattern{Address: address, Category: DefaultCategory}
		m.recipients[address] = p
	}
	p.Label = label
	if category != "" {
		p.Category = category
	}
	return p.clone(), nil
}

func (m *MemoryStore) GetLimits(_ context.Context) (*Limits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.limits == nil {
		return nil, ErrNoLimits
	}
	cp := *m.limits
	cp.AllowedHoursUTC = slices.Clone(m.limits.AllowedHoursUTC)
	return &cp, nil
}

func (m *MemoryStore) PutLimits(_ context.Context, l Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.AllowedHoursUTC = slices.Clone(l.AllowedHoursUTC)
	m.limits = &l
	return nil
}

var _ Store = (*MemoryStore)(nil)
