package fees

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paylock/internal/testutil"
)

func TestPostgresLockFeesOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := common.HexToHash("0x01")

	require.NoError(t, store.LockFees(ctx, id, Authorized{TotalBps: 150, ProtocolBps: 100}))

	got, err := store.Locked(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Authorized{TotalBps: 150, ProtocolBps: 100}, got)

	// A second lock must not overwrite the first quote.
	err = store.LockFees(ctx, id, Authorized{TotalBps: 999, ProtocolBps: 999})
	assert.ErrorIs(t, err, ErrFeesAlreadyLocked)

	got, err = store.Locked(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(150), got.TotalBps)
}

func TestPostgresUnlockFreesIdentity(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := common.HexToHash("0x07")

	require.NoError(t, store.LockFees(ctx, id, Authorized{TotalBps: 150, ProtocolBps: 100}))
	require.NoError(t, store.UnlockFees(ctx, id))

	_, err := store.Locked(ctx, id)
	assert.ErrorIs(t, err, ErrFeesNotLocked)

	// Unlocking clears the way for a fresh lock.
	require.NoError(t, store.LockFees(ctx, id, Authorized{TotalBps: 200, ProtocolBps: 100}))

	// Unlocking an absent identity is a no-op.
	require.NoError(t, store.UnlockFees(ctx, common.HexToHash("0x08")))
}

func TestPostgresLockedMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.Locked(context.Background(), common.HexToHash("0xdead"))
	assert.ErrorIs(t, err, ErrFeesNotLocked)
}

func TestPostgresAccrualLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	require.NoError(t, store.AddAccrual(ctx, token, big.NewInt(1500)))
	require.NoError(t, store.AddAccrual(ctx, token, big.NewInt(500)))

	accrued, err := store.Accrued(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "2000", accrued.String())

	drained, err := store.TakeAccrual(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "2000", drained.String())

	// Drained balance is zero, a second take yields nothing.
	drained, err = store.TakeAccrual(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, drained.Sign())

	accrued, err = store.Accrued(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, accrued.Sign())
}

func TestPostgresAccruedUnknownTokenIsZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	v, err := store.Accrued(context.Background(), common.HexToAddress("0xbb"))
	require.NoError(t, err)
	assert.Zero(t, v.Sign())
}
