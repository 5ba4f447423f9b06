package credits

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*Ledger)}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, l *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.ledgers[l.TenantID] = &cp
	return nil
}

func (m *MemoryStore) DecrementOne(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[tenantID]
	if !ok {
		return 0, ErrNotFound
	}
	if l.RemainingCredits <= 0 {
		return 0, ErrNoCredits
	}
	l.RemainingCredits--
	l.UpdatedAt = time.Now().UTC()
	return l.RemainingCredits, nil
}

func (m *MemoryStore) IncrementOne(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[tenantID]
	if !ok {
		return 0, ErrNotFound
	}
	if l.RemainingCredits >= l.SMSCredits {
		return l.RemainingCredits, ErrLedgerFull
	}
	l.RemainingCredits++
	l.UpdatedAt = time.Now().UTC()
	return l.RemainingCredits, nil
}

var _ Store = (*MemoryStore)(nil)
