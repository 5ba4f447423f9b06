package tenant

import (
	"context"
	"errors"
)

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySubject(ctx context.Context, subject string) (*Tenant, error)
	GetByEmail(ctx context.Context, email string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
}

// OwnedTenantID maps a verified caller subject onto the tenant it owns.
// Subjects without a tenant record act as their own tenant id, which is how
// accounts created before the mapping existed keep working.
func OwnedTenantID(ctx context.Context, store Store, subject string) (string, error) {
	if subject == "" {
		return "", nil
	}
	t, err := store.GetBySubject(ctx, subject)
	if errors.Is(err, ErrTenantNotFound) {
		return subject, nil
	}
	if err != nil {
		return "", err
	}
	return t.ID, nil
}
