package credits

import "context"

// Store persists ledgers. DecrementOne and IncrementOne must be single
// atomic conditional updates in the backing store, never read-modify-write.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Ledger, error)
	// Put creates or overwrites the tenant's ledger.
	Put(ctx context.Context, l *Ledger) error
	// DecrementOne lowers remaining by one if it is positive and returns the
	// new value. ErrNoCredits when already at zero, ErrNotFound when absent.
	DecrementOne(ctx context.Context, tenantID string) (int, error)
	// IncrementOne raises remaining by one if it is below the allotment.
	// ErrLedgerFull when already at the allotment, ErrNotFound when absent.
	IncrementOne(ctx context.Context, tenantID string) (int, error)
}
