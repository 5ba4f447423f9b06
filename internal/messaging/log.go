package messaging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LogEntry is one append-only message log record.
type LogEntry struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId,omitempty"`
	To        string    `json:"to"`
	From      string    `json:"from,omitempty"`
	Body      string    `json:"body"`
	SID       string    `json:"sid"`
	Status    string    `json:"status"`
	Channel   Channel   `json:"channel"`
	Billable  bool      `json:"billable"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogStore is the append-only message log.
type LogStore interface {
	Append(ctx context.Context, e *LogEntry) error
	// ListByCompany returns the newest entries first.
	ListByCompany(ctx context.Context, companyID string, limit int) ([]*LogEntry, error)
}

// DefaultListLimit caps ListByCompany when the caller passes no limit.
const DefaultListLimit = 50

// MemoryLogStore is an in-memory log for development and tests.
type MemoryLogStore struct {
	mu      sync.RWMutex
	entries []*LogEntry
}

// NewMemoryLogStore creates an empty log.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (m *MemoryLogStore) Append(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryLogStore) ListByCompany(_ context.Context, companyID string, limit int) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []*LogEntry
	for _, e := range m.entries {
		if e.CompanyID == companyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of entries.
func (m *MemoryLogStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ LogStore = (*MemoryLogStore)(nil)
