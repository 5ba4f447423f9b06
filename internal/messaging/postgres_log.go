package messaging

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresLogStore appends to the message_log table.
type PostgresLogStore struct {
	db *sql.DB
}

// NewPostgresLogStore creates a PostgreSQL-backed message log.
func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

func (p *PostgresLogStore) Append(ctx context.Context, e *LogEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO message_log (id, company_id, to_number, from_id, body, sid, status, channel, billable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.CompanyID, e.To, e.From, e.Body, e.SID, e.Status, string(e.Channel), e.Billable, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("messaging: append log: %w", err)
	}
	return nil
}

func (p *PostgresLogStore) ListByCompany(ctx context.Context, companyID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, company_id, to_number, from_id, body, sid, status, channel, billable, created_at
		FROM message_log
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: list log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var channel string
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.To, &e.From, &e.Body, &e.SID, &e.Status,
			&channel, &e.Billable, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Channel = Channel(channel)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ LogStore = (*PostgresLogStore)(nil)
