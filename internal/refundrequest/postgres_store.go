package refundrequest

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/pagination"
	"github.com/mbd888/paylock/internal/terms"
)

// PostgresStore persists refund requests in PostgreSQL. The role
// columns double as the discoverability indices; dedup comes from the
// primary key, and a cancelled-then-reused slot stays a single row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `payment_id, request_index, payer, receiver, operator,
		amount, status, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id terms.ID, index uint64) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM refund_requests
		 WHERE payment_id = $1 AND request_index = $2`,
		id.Hex(), int64(index),
	)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) Put(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_requests (
			payment_id, request_index, payer, receiver, operator,
			amount, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)
		ON CONFLICT (payment_id, request_index) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		r.Payment.Hex(), int64(r.Index),
		r.Payer.Hex(), r.Receiver.Hex(), r.Operator.Hex(),
		r.Amount.String(), string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

var roleColumn = map[Role]string{
	RolePayer:    "payer",
	RoleReceiver: "receiver",
	RoleOperator: "operator",
}

func (p *PostgresStore) ListByParty(ctx context.Context, role Role, addr common.Address, cursor *pagination.Cursor, limit int) ([]*Request, error) {
	col, ok := roleColumn[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	query := `SELECT ` + requestColumns + ` FROM refund_requests WHERE ` + col + ` = $1`
	args := []interface{}{addr.Hex()}
	if cursor != nil {
		// Typed tuple comparison so it agrees with the numeric
		// request_index in the ORDER BY.
		pid, idx, err := splitKey(cursor.ID)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at, payment_id, request_index) > ($2, $3, $4)`
		args = append(args, cursor.CreatedAt, pid, int64(idx))
	}
	query += fmt.Sprintf(` ORDER BY created_at, payment_id, request_index LIMIT %d`, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var paymentHex, payer, receiver, operator, amount, status string
	var index int64
	err := row.Scan(&paymentHex, &index, &payer, &receiver, &operator,
		&amount, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Payment = common.HexToHash(paymentHex)
	r.Index = uint64(index)
	r.Payer = common.HexToAddress(payer)
	r.Receiver = common.HexToAddress(receiver)
	r.Operator = common.HexToAddress(operator)
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount from database: %q", amount)
	}
	r.Amount = v
	r.Status = Status(status)
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
