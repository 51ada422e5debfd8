package escrowperiod

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paylock/internal/testutil"
)

func TestPostgresPeriodStateDefaultsToZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	authTime, frozenUntil, err := store.PeriodState(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Zero(t, authTime)
	assert.Zero(t, frozenUntil)
}

func TestPostgresAuthTimeAndFreezeAreIndependent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := common.HexToHash("0x02")

	require.NoError(t, store.SetAuthTime(ctx, id, 1_700_000_000))

	authTime, frozenUntil, err := store.PeriodState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), authTime)
	assert.Zero(t, frozenUntil)

	// Freezing must not clobber the recorded auth time.
	require.NoError(t, store.SetFrozenUntil(ctx, id, 1_700_100_000))

	authTime, frozenUntil, err = store.PeriodState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), authTime)
	assert.Equal(t, int64(1_700_100_000), frozenUntil)
}

func TestPostgresFreezeBeforeAuthKeepsRow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := common.HexToHash("0x03")

	require.NoError(t, store.SetFrozenUntil(ctx, id, 42))
	require.NoError(t, store.SetAuthTime(ctx, id, 100))

	authTime, frozenUntil, err := store.PeriodState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), authTime)
	assert.Equal(t, int64(42), frozenUntil)
}
