package fees

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/terms"
)

// PostgresStore persists fee locks and accruals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fee store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LockFees(ctx context.Context, id terms.ID, a Authorized) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO authorized_fees (payment_id, total_bps, protocol_bps)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_id) DO NOTHING`,
		id.Hex(), int(a.TotalBps), int(a.ProtocolBps),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFeesAlreadyLocked
	}
	return nil
}

func (p *PostgresStore) UnlockFees(ctx context.Context, id terms.ID) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM authorized_fees WHERE payment_id = $1`,
		id.Hex(),
	)
	return err
}

func (p *PostgresStore) Locked(ctx context.Context, id terms.ID) (Authorized, error) {
	var total, protocol int
	err := p.db.QueryRowContext(ctx,
		`SELECT total_bps, protocol_bps FROM authorized_fees WHERE payment_id = $1`,
		id.Hex(),
	).Scan(&total, &protocol)
	if err == sql.ErrNoRows {
		return Authorized{}, ErrFeesNotLocked
	}
	if err != nil {
		return Authorized{}, err
	}
	return Authorized{TotalBps: uint16(total), ProtocolBps: uint16(protocol)}, nil
}

func (p *PostgresStore) AddAccrual(ctx context.Context, token common.Address, amount *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO protocol_fee_accruals (token, amount)
		VALUES ($1, $2::NUMERIC)
		ON CONFLICT (token) DO UPDATE
		SET amount = protocol_fee_accruals.amount + EXCLUDED.amount`,
		token.Hex(), amount.String(),
	)
	return err
}

func (p *PostgresStore) TakeAccrual(ctx context.Context, token common.Address) (*big.Int, error) {
	var s string
	err := p.db.QueryRowContext(ctx, `
		UPDATE protocol_fee_accruals AS a
		SET amount = 0
		FROM (
			SELECT token, amount AS drained
			FROM protocol_fee_accruals
			WHERE token = $1 AND amount > 0
			FOR UPDATE
		) old
		WHERE a.token = old.token
		RETURNING old.drained`,
		token.Hex(),
	).Scan(&s)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(s)
}

func (p *PostgresStore) Accrued(ctx context.Context, token common.Address) (*big.Int, error) {
	var s string
	err := p.db.QueryRowContext(ctx,
		`SELECT amount FROM protocol_fee_accruals WHERE token = $1`,
		token.Hex(),
	).Scan(&s)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(s)
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric from database: %q", s)
	}
	return v, nil
}

var _ Store = (*PostgresStore)(nil)
