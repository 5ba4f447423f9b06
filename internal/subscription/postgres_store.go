package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/plan"
)

// PostgresStore persists projections in profile_projections. A row holds
// either the current columns or, for records that predate them, a legacy
// JSONB document.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed projection store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const projectionColumns = `tenant_id, plan_id, plan_name, sms_credits, remaining_credits, status,
	start_date, end_date, activated_at, expiry_at, payment_session_id, contact_email, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjection(row rowScanner) (*Projection, error) {
	p := &Projection{}
	var (
		planID, status                string
		start, end, activated, expiry sql.NullTime
		session                       sql.NullString
	)
	err := row.Scan(&p.TenantID, &planID, &p.PlanName, &p.SMSCredits, &p.RemainingCredits, &status,
		&start, &end, &activated, &expiry, &session, &p.ContactEmail, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PlanID = plan.ID(planID)
	p.Status = credits.Status(status)
	p.StartDate = start.Time
	p.EndDate = end.Time
	p.ActivatedAt = activated.Time
	p.ExpiryAt = expiry.Time
	p.PaymentSessionID = session.String
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Projection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectionColumns+` FROM profile_projections WHERE tenant_id = $1 AND legacy IS NULL`, tenantID)
	p, err := scanProjection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: get projection: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetLegacy(ctx context.Context, tenantID string) (*LegacyProjection, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT legacy FROM profile_projections WHERE tenant_id = $1 AND legacy IS NOT NULL`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: get legacy projection: %w", err)
	}
	return decodeLegacy(tenantID, raw)
}

func decodeLegacy(tenantID string, raw []byte) (*LegacyProjection, error) {
	lp := &LegacyProjection{}
	if err := json.Unmarshal(raw, lp); err != nil {
		return nil, fmt.Errorf("subscription: decode legacy projection %s: %w", tenantID, err)
	}
	lp.TenantID = tenantID
	return lp, nil
}

// Put writes the current shape and clears any legacy document on the row.
func (s *PostgresStore) Put(ctx context.Context, p *Projection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_projections (`+projectionColumns+`, legacy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			plan_name = EXCLUDED.plan_name,
			sms_credits = EXCLUDED.sms_credits,
			remaining_credits = EXCLUDED.remaining_credits,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			activated_at = EXCLUDED.activated_at,
			expiry_at = EXCLUDED.expiry_at,
			payment_session_id = EXCLUDED.payment_session_id,
			contact_email = EXCLUDED.contact_email,
			updated_at = EXCLUDED.updated_at,
			legacy = NULL
	`,
		p.TenantID, string(p.PlanID), p.PlanName, p.SMSCredits, p.RemainingCredits, string(p.Status),
		nullTime(p.StartDate), nullTime(p.EndDate), nullTime(p.ActivatedAt), nullTime(p.ExpiryAt),
		nullString(p.PaymentSessionID), p.ContactEmail, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("subscription: put projection: %w", err)
	}
	return nil
}

// PutLegacy stores a record in the old shape. Only imports and tests write
// these; the service itself always writes the current shape.
func (s *PostgresStore) PutLegacy(ctx context.Context, lp *LegacyProjection) error {
	raw, err := json.Marshal(lp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profile_projections (tenant_id, payment_session_id, legacy, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			payment_session_id = EXCLUDED.payment_session_id,
			legacy = EXCLUDED.legacy,
			updated_at = NOW()
	`, lp.TenantID, nullString(lp.SessionID), raw)
	if err != nil {
		return fmt.Errorf("subscription: put legacy projection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile_projections WHERE tenant_id = $1`, tenantID)
	return err
}

// FindBySession prefers current-shape rows, then the oldest match.
func (s *PostgresStore) FindBySession(ctx context.Context, sessionID string) (*Projection, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	var (
		tenantID string
		raw      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, legacy FROM profile_projections
		WHERE payment_session_id = $1
		ORDER BY (legacy IS NOT NULL), updated_at
		LIMIT 1
	`, sessionID).Scan(&tenantID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: find by session: %w", err)
	}
	if raw != nil {
		lp, err := decodeLegacy(tenantID, raw)
		if err != nil {
			return nil, err
		}
		return lp.Normalize(), nil
	}
	return s.Get(ctx, tenantID)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ ProjectionStore = (*PostgresStore)(nil)
