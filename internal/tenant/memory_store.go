package tenant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory tenant store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant // by ID
	subjects map[string]string  // owner subject → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]*Tenant),
		subjects: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[t.ID]; exists {
		return ErrTenantExists
	}
	if t.OwnerSubject != "" {
		if _, exists := m.subjects[t.OwnerSubject]; exists {
			return ErrTenantExists
		}
		m.subjects[t.OwnerSubject] = t.ID
	}

	cp := *t
	cp.ContactEmail = NormalizeEmail(cp.ContactEmail)
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetBySubject(_ context.Context, subject string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.subjects[subject]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

// GetByEmail returns the oldest tenant with the contact email.
func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = NormalizeEmail(email)
	var found *Tenant
	for _, t := range m.tenants {
		if email == "" || t.ContactEmail != email {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, ErrTenantNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if t.OwnerSubject != cur.OwnerSubject {
		if id, taken := m.subjects[t.OwnerSubject]; taken && id != t.ID {
			return ErrTenantExists
		}
		delete(m.subjects, cur.OwnerSubject)
		if t.OwnerSubject != "" {
			m.subjects[t.OwnerSubject] = t.ID
		}
	}

	cp := *t
	cp.ContactEmail = NormalizeEmail(cp.ContactEmail)
	m.tenants[t.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
