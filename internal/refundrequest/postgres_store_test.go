package refundrequest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paylock/internal/pagination"
	"github.com/mbd888/paylock/internal/testutil"
)

func pgRequest(payment common.Hash, index uint64, createdAt time.Time) *Request {
	return &Request{
		Payment:   payment,
		Index:     index,
		Payer:     common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Receiver:  common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Operator:  common.HexToAddress("0x0000000000000000000000000000000000000003"),
		Amount:    big.NewInt(5000),
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestPostgresPutGetRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	req := pgRequest(common.HexToHash("0x01"), 0, now)
	require.NoError(t, store.Put(ctx, req))

	got, err := store.Get(ctx, req.Payment, 0)
	require.NoError(t, err)
	assert.Equal(t, req.Payer, got.Payer)
	assert.Equal(t, req.Receiver, got.Receiver)
	assert.Equal(t, req.Operator, got.Operator)
	assert.Equal(t, "5000", got.Amount.String())
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestPostgresGetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.Get(context.Background(), common.HexToHash("0x99"), 3)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestPostgresPutReplacesSlot(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	req := pgRequest(common.HexToHash("0x02"), 1, now)
	require.NoError(t, store.Put(ctx, req))

	req.Status = StatusCancelled
	req.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.Put(ctx, req))

	// The cancelled slot reopens as a fresh pending row, same key.
	req.Status = StatusPending
	req.Amount = big.NewInt(7000)
	req.CreatedAt = now.Add(2 * time.Minute)
	require.NoError(t, store.Put(ctx, req))

	got, err := store.Get(ctx, req.Payment, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "7000", got.Amount.String())
}

func TestPostgresListByPartyCursorOrdersIndexNumerically(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Microsecond)

	// One payment, 13 rows at the same created_at: only the numeric
	// request index distinguishes them across page boundaries.
	payment := common.HexToHash("0x0c")
	const total = 13
	for i := uint64(0); i < total; i++ {
		require.NoError(t, store.Put(ctx, pgRequest(payment, i, created)))
	}

	payer := common.HexToAddress("0x0000000000000000000000000000000000000001")

	var got []uint64
	var cursor *pagination.Cursor
	for {
		rows, err := store.ListByParty(ctx, RolePayer, payer, cursor, 5)
		require.NoError(t, err)
		if len(rows) > 5 {
			rows = rows[:5]
		}
		for _, r := range rows {
			got = append(got, r.Index)
		}
		if len(rows) < 5 {
			break
		}
		last := rows[len(rows)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.Key()}
	}

	require.Len(t, got, total)
	for i, idx := range got {
		assert.Equal(t, uint64(i), idx, "walk out of order: %v", got)
	}
}

func TestPostgresListByPartyPaginates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		req := pgRequest(common.BigToHash(big.NewInt(int64(10+i))), 0, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Put(ctx, req))
	}

	payer := common.HexToAddress("0x0000000000000000000000000000000000000001")

	// limit+1 fetch semantics: asking for 3 returns up to 4 rows.
	page, err := store.ListByParty(ctx, RolePayer, payer, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 4)

	for i := 1; i < len(page); i++ {
		assert.False(t, page[i].CreatedAt.Before(page[i-1].CreatedAt), "rows out of order")
	}

	// No rows under a different role address.
	other, err := store.ListByParty(ctx, RoleReceiver, payer, nil, 3)
	require.NoError(t, err)
	assert.Empty(t, other)
}
