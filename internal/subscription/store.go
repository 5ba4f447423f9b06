package subscription

import "context"

// ProjectionStore persists profile projections in both shapes.
type ProjectionStore interface {
	Get(ctx context.Context, tenantID string) (*Projection, error)
	GetLegacy(ctx context.Context, tenantID string) (*LegacyProjection, error)
	// Put writes the current shape and supersedes any legacy record.
	Put(ctx context.Context, p *Projection) error
	PutLegacy(ctx context.Context, lp *LegacyProjection) error
	Delete(ctx context.Context, tenantID string) error
	// FindBySession returns the first projection, current or legacy
	// (normalised), carrying sessionID. It never scans past one match.
	FindBySession(ctx context.Context, sessionID string) (*Projection, error)
}
