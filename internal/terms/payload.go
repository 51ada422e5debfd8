package terms

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrBadAddress = errors.New("malformed address")
	ErrBadAmount  = errors.New("malformed amount")
	ErrBadSalt    = errors.New("malformed salt")
)

// Payload is the wire form of Terms: addresses and amounts as strings,
// so clients never lose precision to JSON numbers.
type Payload struct {
	Operator            string `json:"operator" binding:"required"`
	Payer               string `json:"payer" binding:"required"`
	Receiver            string `json:"receiver" binding:"required"`
	Token               string `json:"token" binding:"required"`
	MaxAmount           string `json:"maxAmount" binding:"required"`
	PreApprovalExpiry   int64  `json:"preApprovalExpiry" binding:"required"`
	AuthorizationExpiry int64  `json:"authorizationExpiry" binding:"required"`
	RefundExpiry        int64  `json:"refundExpiry" binding:"required"`
	MinFeeBps           uint16 `json:"minFeeBps"`
	MaxFeeBps           uint16 `json:"maxFeeBps"`
	FeeReceiver         string `json:"feeReceiver"`
	Salt                string `json:"salt"` // 0x-prefixed 32-byte hex, optional
}

// Terms parses the payload into validated Terms.
func (pl Payload) Terms() (Terms, error) {
	t := Terms{
		PreApprovalExpiry:   pl.PreApprovalExpiry,
		AuthorizationExpiry: pl.AuthorizationExpiry,
		RefundExpiry:        pl.RefundExpiry,
		MinFeeBps:           pl.MinFeeBps,
		MaxFeeBps:           pl.MaxFeeBps,
	}

	for _, f := range []struct {
		raw string
		dst *common.Address
	}{
		{pl.Operator, &t.Operator},
		{pl.Payer, &t.Payer},
		{pl.Receiver, &t.Receiver},
		{pl.Token, &t.Token},
	} {
		if !common.IsHexAddress(f.raw) {
			return Terms{}, ErrBadAddress
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	if pl.FeeReceiver != "" {
		if !common.IsHexAddress(pl.FeeReceiver) {
			return Terms{}, ErrBadAddress
		}
		t.FeeReceiver = common.HexToAddress(pl.FeeReceiver)
	}

	amount, ok := new(big.Int).SetString(pl.MaxAmount, 10)
	if !ok || amount.Sign() < 0 {
		return Terms{}, ErrBadAmount
	}
	t.MaxAmount = amount

	if pl.Salt != "" {
		raw, err := hexutil.Decode(pl.Salt)
		if err != nil || len(raw) != 32 {
			return Terms{}, ErrBadSalt
		}
		copy(t.Salt[:], raw)
	}

	if err := t.Validate(); err != nil {
		return Terms{}, err
	}
	return t, nil
}
