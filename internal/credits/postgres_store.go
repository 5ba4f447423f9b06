package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/feedbackloop/creditmeter/internal/plan"
)

// PostgresStore persists ledgers in the credit_ledgers table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the credit_ledgers table (dev/test; prod uses goose).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credit_ledgers (
			tenant_id          TEXT PRIMARY KEY,
			plan_id            TEXT NOT NULL DEFAULT '',
			plan_name          TEXT NOT NULL DEFAULT '',
			sms_credits        INTEGER,
			remaining_credits  INTEGER CHECK (remaining_credits >= 0),
			status             TEXT NOT NULL DEFAULT 'active',
			start_date         TIMESTAMPTZ,
			end_date           TIMESTAMPTZ,
			payment_session_id TEXT,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_credit_ledgers_session ON credit_ledgers(payment_session_id)
			WHERE payment_session_id IS NOT NULL;
	`)
	return err
}

// Legacy rows may carry NULL counters; they read back as zero so repair
// picks them up.
const ledgerColumns = `tenant_id, plan_id, plan_name, COALESCE(sms_credits, 0), COALESCE(remaining_credits, 0),
	status, start_date, end_date, payment_session_id, updated_at`

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Ledger, error) {
	l := &Ledger{}
	var (
		planID, status string
		start, end     sql.NullTime
		session        sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM credit_ledgers WHERE tenant_id = $1`, tenantID).
		Scan(&l.TenantID, &planID, &l.PlanName, &l.SMSCredits, &l.RemainingCredits,
			&status, &start, &end, &session, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credits: get ledger: %w", err)
	}
	l.PlanID = plan.ID(planID)
	l.Status = Status(status)
	l.StartDate = start.Time
	l.EndDate = end.Time
	l.PaymentSessionID = session.String
	return l, nil
}

func (p *PostgresStore) Put(ctx context.Context, l *Ledger) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_ledgers (
			tenant_id, plan_id, plan_name, sms_credits, remaining_credits,
			status, start_date, end_date, payment_session_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			plan_name = EXCLUDED.plan_name,
			sms_credits = EXCLUDED.sms_credits,
			remaining_credits = EXCLUDED.remaining_credits,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			payment_session_id = EXCLUDED.payment_session_id,
			updated_at = EXCLUDED.updated_at
	`,
		l.TenantID, string(l.PlanID), l.PlanName, l.SMSCredits, l.RemainingCredits,
		string(l.Status), nullTime(l.StartDate), nullTime(l.EndDate),
		sql.NullString{String: l.PaymentSessionID, Valid: l.PaymentSessionID != ""}, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits: put ledger: %w", err)
	}
	return nil
}

func (p *PostgresStore) DecrementOne(ctx context.Context, tenantID string) (int, error) {
	var remaining int
	err := p.db.QueryRowContext(ctx, `
		UPDATE credit_ledgers
		SET remaining_credits = remaining_credits - 1, updated_at = NOW()
		WHERE tenant_id = $1 AND remaining_credits > 0
		RETURNING remaining_credits
	`, tenantID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, p.missOr(ctx, tenantID, ErrNoCredits)
	}
	if err != nil {
		return 0, fmt.Errorf("credits: decrement: %w", err)
	}
	return remaining, nil
}

func (p *PostgresStore) IncrementOne(ctx context.Context, tenantID string) (int, error) {
	var remaining int
	err := p.db.QueryRowContext(ctx, `
		UPDATE credit_ledgers
		SET remaining_credits = remaining_credits + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND remaining_credits < sms_credits
		RETURNING remaining_credits
	`, tenantID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, p.missOr(ctx, tenantID, ErrLedgerFull)
	}
	if err != nil {
		return 0, fmt.Errorf("credits: increment: %w", err)
	}
	return remaining, nil
}

// missOr tells a failed conditional update on an existing row (cause)
// apart from a missing row.
func (p *PostgresStore) missOr(ctx context.Context, tenantID string, cause error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_ledgers WHERE tenant_id = $1)`, tenantID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("credits: check ledger: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return cause
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
