package escrowperiod

import (
	"context"
	"database/sql"

	"github.com/mbd888/paylock/internal/terms"
)

// PostgresStore persists period/freeze state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed period store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) PeriodState(ctx context.Context, id terms.ID) (int64, int64, error) {
	var authTime, frozenUntil int64
	err := p.db.QueryRowContext(ctx,
		`SELECT auth_time, frozen_until FROM escrow_periods WHERE payment_id = $1`,
		id.Hex(),
	).Scan(&authTime, &frozenUntil)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return authTime, frozenUntil, nil
}

func (p *PostgresStore) SetAuthTime(ctx context.Context, id terms.ID, at int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_periods (payment_id, auth_time, frozen_until)
		VALUES ($1, $2, 0)
		ON CONFLICT (payment_id) DO UPDATE SET auth_time = EXCLUDED.auth_time`,
		id.Hex(), at,
	)
	return err
}

func (p *PostgresStore) SetFrozenUntil(ctx context.Context, id terms.ID, until int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_periods (payment_id, auth_time, frozen_until)
		VALUES ($1, 0, $2)
		ON CONFLICT (payment_id) DO UPDATE SET frozen_until = EXCLUDED.frozen_until`,
		id.Hex(), until,
	)
	return err
}

var _ Store = (*PostgresStore)(nil)
