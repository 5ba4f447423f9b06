package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// messagingRow is the stored form of Messaging; unlike the API form it
// keeps the auth token.
type messagingRow struct {
	AccountSID          string `json:"accountSid,omitempty"`
	AuthToken           string `json:"authToken,omitempty"`
	FromNumber          string `json:"fromNumber,omitempty"`
	MessagingServiceSID string `json:"messagingServiceSid,omitempty"`
	WhatsAppFrom        string `json:"whatsappFrom,omitempty"`
}

const tenantColumns = `id, name, contact_email, owner_subject, messaging, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	msg, err := json.Marshal(messagingRow(t.Messaging))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, NormalizeEmail(t.ContactEmail), nullIfEmpty(t.OwnerSubject), msg,
		t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrTenantExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySubject(ctx context.Context, subject string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE owner_subject = $1`, subject))
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE contact_email = $1 AND contact_email <> ''
		ORDER BY created_at ASC LIMIT 1`, NormalizeEmail(email)))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	msg, err := json.Marshal(messagingRow(t.Messaging))
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, contact_email = $2, owner_subject = $3,
			messaging = $4, updated_at = $5
		WHERE id = $6`,
		t.Name, NormalizeEmail(t.ContactEmail), nullIfEmpty(t.OwnerSubject), msg, t.UpdatedAt, t.ID,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrTenantExists
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	var (
		owner sql.NullString
		raw   []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.ContactEmail, &owner, &raw, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.OwnerSubject = owner.String
	if len(raw) > 0 {
		var m messagingRow
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		t.Messaging = Messaging(m)
	}
	return t, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
