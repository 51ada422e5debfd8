// Package terms defines the immutable terms of a payment and its
// deterministic identity.
//
// A payment's identity is the keccak256 hash of its packed terms. The
// identity is the join key across every other subsystem: fee locks,
// escrow-period state, freeze state, and refund requests are all keyed
// by it. Changing any field yields a different identity and therefore a
// different ledger entry.
package terms

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrZeroOperator      = errors.New("operator address is zero")
	ErrZeroPayer         = errors.New("payer address is zero")
	ErrZeroReceiver      = errors.New("receiver address is zero")
	ErrZeroToken         = errors.New("token address is zero")
	ErrZeroMaxAmount     = errors.New("max amount must be positive")
	ErrFeeBoundsInverted = errors.New("min fee bps exceeds max fee bps")
	ErrFeeBoundsRange    = errors.New("fee bounds exceed 10000 bps")
	ErrZeroFeeReceiver   = errors.New("fee receiver required when max fee bps > 0")
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10000

// ID is a payment identity: the keccak256 hash of the payment's terms.
type ID = common.Hash

// Terms are the caller-supplied, immutable terms of a single payment.
// All amounts are in the token's smallest unit; all timestamps are unix
// seconds on the shared service clock.
type Terms struct {
	Operator            common.Address `json:"operator"`
	Payer               common.Address `json:"payer"`
	Receiver            common.Address `json:"receiver"`
	Token               common.Address `json:"token"`
	MaxAmount           *big.Int       `json:"maxAmount"`
	PreApprovalExpiry   int64          `json:"preApprovalExpiry"`
	AuthorizationExpiry int64          `json:"authorizationExpiry"`
	RefundExpiry        int64          `json:"refundExpiry"`
	MinFeeBps           uint16         `json:"minFeeBps"`
	MaxFeeBps           uint16         `json:"maxFeeBps"`
	FeeReceiver         common.Address `json:"feeReceiver"`
	Salt                [32]byte       `json:"salt"`
}

// Validate checks the structural invariants every action requires.
// These are input errors: rejected synchronously, no state change.
func (t Terms) Validate() error {
	if t.Operator == (common.Address{}) {
		return ErrZeroOperator
	}
	if t.Payer == (common.Address{}) {
		return ErrZeroPayer
	}
	if t.Receiver == (common.Address{}) {
		return ErrZeroReceiver
	}
	if t.Token == (common.Address{}) {
		return ErrZeroToken
	}
	if t.MaxAmount == nil || t.MaxAmount.Sign() <= 0 {
		return ErrZeroMaxAmount
	}
	if t.MinFeeBps > t.MaxFeeBps {
		return ErrFeeBoundsInverted
	}
	if t.MaxFeeBps > MaxBps {
		return ErrFeeBoundsRange
	}
	if t.MaxFeeBps > 0 && t.FeeReceiver == (common.Address{}) {
		return ErrZeroFeeReceiver
	}
	return nil
}

// Identity returns the deterministic identity of these terms.
//
// The encoding is a fixed-width packing of every field in declaration
// order. It only needs to be injective and stable; it is not an ABI
// encoding and is not meant to match any on-chain scheme.
func (t Terms) Identity() ID {
	buf := make([]byte, 0, 5*common.AddressLength+32+3*8+2*2+32)
	buf = append(buf, t.Operator.Bytes()...)
	buf = append(buf, t.Payer.Bytes()...)
	buf = append(buf, t.Receiver.Bytes()...)
	buf = append(buf, t.Token.Bytes()...)
	var amount [32]byte
	if t.MaxAmount != nil {
		t.MaxAmount.FillBytes(amount[:])
	}
	buf = append(buf, amount[:]...)
	buf = appendInt64(buf, t.PreApprovalExpiry)
	buf = appendInt64(buf, t.AuthorizationExpiry)
	buf = appendInt64(buf, t.RefundExpiry)
	buf = append(buf, byte(t.MinFeeBps>>8), byte(t.MinFeeBps))
	buf = append(buf, byte(t.MaxFeeBps>>8), byte(t.MaxFeeBps))
	buf = append(buf, t.FeeReceiver.Bytes()...)
	buf = append(buf, t.Salt[:]...)
	return crypto.Keccak256Hash(buf)
}

// AuthorizationExpired reports whether held funds are past the point
// where the payer may reclaim them.
func (t Terms) AuthorizationExpired(now time.Time) bool {
	return now.Unix() >= t.AuthorizationExpiry
}

// RefundExpired reports whether the post-escrow refund window is closed.
func (t Terms) RefundExpired(now time.Time) bool {
	return now.Unix() >= t.RefundExpiry
}

func appendInt64(b []byte, v int64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
