package terms

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTerms() Terms {
	return Terms{
		Operator:            common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Payer:               common.HexToAddress("0x2000000000000000000000000000000000000002"),
		Receiver:            common.HexToAddress("0x3000000000000000000000000000000000000003"),
		Token:               common.HexToAddress("0x4000000000000000000000000000000000000004"),
		MaxAmount:           big.NewInt(1_000_000),
		PreApprovalExpiry:   time.Now().Add(time.Hour).Unix(),
		AuthorizationExpiry: time.Now().Add(24 * time.Hour).Unix(),
		RefundExpiry:        time.Now().Add(48 * time.Hour).Unix(),
		MinFeeBps:           0,
		MaxFeeBps:           500,
		FeeReceiver:         common.HexToAddress("0x5000000000000000000000000000000000000005"),
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTerms().Validate())

	cases := []struct {
		name   string
		mutate func(*Terms)
		want   error
	}{
		{"zero operator", func(tm *Terms) { tm.Operator = common.Address{} }, ErrZeroOperator},
		{"zero payer", func(tm *Terms) { tm.Payer = common.Address{} }, ErrZeroPayer},
		{"zero receiver", func(tm *Terms) { tm.Receiver = common.Address{} }, ErrZeroReceiver},
		{"zero token", func(tm *Terms) { tm.Token = common.Address{} }, ErrZeroToken},
		{"nil amount", func(tm *Terms) { tm.MaxAmount = nil }, ErrZeroMaxAmount},
		{"zero amount", func(tm *Terms) { tm.MaxAmount = big.NewInt(0) }, ErrZeroMaxAmount},
		{"inverted bounds", func(tm *Terms) { tm.MinFeeBps = 600 }, ErrFeeBoundsInverted},
		{"bounds over 100%", func(tm *Terms) { tm.MinFeeBps = 10001; tm.MaxFeeBps = 10001 }, ErrFeeBoundsRange},
		{"fee receiver missing", func(tm *Terms) { tm.FeeReceiver = common.Address{} }, ErrZeroFeeReceiver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tm := validTerms()
			tc.mutate(&tm)
			assert.ErrorIs(t, tm.Validate(), tc.want)
		})
	}
}

func TestIdentityStable(t *testing.T) {
	a := validTerms()
	b := validTerms()
	assert.Equal(t, a.Identity(), b.Identity(), "identical terms must hash identically")
}

func TestIdentityChangesWithAnyField(t *testing.T) {
	base := validTerms().Identity()

	mutations := map[string]func(*Terms){
		"operator":    func(tm *Terms) { tm.Operator = common.HexToAddress("0xff") },
		"payer":       func(tm *Terms) { tm.Payer = common.HexToAddress("0xff") },
		"receiver":    func(tm *Terms) { tm.Receiver = common.HexToAddress("0xff") },
		"token":       func(tm *Terms) { tm.Token = common.HexToAddress("0xff") },
		"maxAmount":   func(tm *Terms) { tm.MaxAmount = big.NewInt(2) },
		"preApproval": func(tm *Terms) { tm.PreApprovalExpiry++ },
		"authExpiry":  func(tm *Terms) { tm.AuthorizationExpiry++ },
		"refExpiry":   func(tm *Terms) { tm.RefundExpiry++ },
		"minFee":      func(tm *Terms) { tm.MinFeeBps++ },
		"maxFee":      func(tm *Terms) { tm.MaxFeeBps++ },
		"feeReceiver": func(tm *Terms) { tm.FeeReceiver = common.HexToAddress("0xff") },
		"salt":        func(tm *Terms) { tm.Salt[0] = 1 },
	}
	seen := map[ID]string{base: "base"}
	for name, mutate := range mutations {
		tm := validTerms()
		mutate(&tm)
		id := tm.Identity()
		assert.NotEqual(t, base, id, "field %s must change the identity", name)
		if prev, dup := seen[id]; dup {
			t.Errorf("mutations %s and %s collided on identity %s", name, prev, id)
		}
		seen[id] = name
	}
}

func TestExpiryPredicates(t *testing.T) {
	tm := validTerms()
	tm.AuthorizationExpiry = 1000
	tm.RefundExpiry = 2000

	assert.False(t, tm.AuthorizationExpired(time.Unix(999, 0)))
	assert.True(t, tm.AuthorizationExpired(time.Unix(1000, 0)), "boundary is inclusive")
	assert.False(t, tm.RefundExpired(time.Unix(1999, 0)))
	assert.True(t, tm.RefundExpired(time.Unix(2000, 0)))
}
