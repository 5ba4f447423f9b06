package subscription

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory projection store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	current map[string]*Projection
	legacy  map[string]*LegacyProjection
}

// NewMemoryStore creates an empty projection store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[string]*Projection),
		legacy:  make(map[string]*LegacyProjection),
	}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.current[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetLegacy(_ context.Context, tenantID string) (*LegacyProjection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lp, ok := m.legacy[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lp
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, p *Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.current[p.TenantID] = &cp
	delete(m.legacy, p.TenantID)
	return nil
}

func (m *MemoryStore) PutLegacy(_ context.Context, lp *LegacyProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *lp
	m.legacy[lp.TenantID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.current, tenantID)
	delete(m.legacy, tenantID)
	return nil
}

// FindBySession walks tenants in id order so the match is deterministic.
func (m *MemoryStore) FindBySession(_ context.Context, sessionID string) (*Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sessionID == "" {
		return nil, ErrNotFound
	}
	for _, id := range sortedKeys(m.current) {
		if p := m.current[id]; p.PaymentSessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	for _, id := range sortedKeys(m.legacy) {
		if lp := m.legacy[id]; lp.SessionID == sessionID {
			return lp.Normalize(), nil
		}
	}
	return nil, ErrNotFound
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ProjectionStore = (*MemoryStore)(nil)
