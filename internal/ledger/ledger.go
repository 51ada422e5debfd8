// Package ledger defines the client contract for the external escrow
// ledger that actually custodies funds.
//
// The ledger is a trusted external collaborator: it owns balance
// accounting and the hold/capture/void/refund primitives. This package
// only consumes that contract. Ledger errors are propagated verbatim to
// callers; nothing here retries.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/terms"
)

var (
	ErrPaymentNotFound        = errors.New("payment not found in ledger")
	ErrAlreadyCollected       = errors.New("payment already collected")
	ErrInsufficientCapturable = errors.New("insufficient capturable amount")
	ErrInsufficientRefundable = errors.New("insufficient refundable amount")
	ErrPreApprovalExpired     = errors.New("pre-approval window expired")
	ErrAuthorizationExpired   = errors.New("authorization window expired")
	ErrRefundExpired          = errors.New("refund window expired")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrExceedsMaxAmount       = errors.New("amount exceeds payment max")
)

// State is the ledger's view of a single payment.
type State struct {
	// Collected is true once funds have been pulled for this payment,
	// through either a hold or a direct capture.
	Collected bool
	// Capturable is the amount still held in escrow.
	Capturable *big.Int
	// Refundable is the amount captured so far and still reversible.
	Refundable *big.Int
}

// Client is the escrow ledger consumed by the operator.
//
// Hold pulls funds from the payer and escrows them. Capture settles
// held (or, for a direct charge, freshly pulled) funds to the receiver
// net of feeBps routed to feeReceiver. PartialVoid returns held funds
// to the payer before capture. Refund reverses captured funds, drawn
// from source. PaymentState reports live sub-state and is the ground
// truth every derived view projects from.
type Client interface {
	Hold(ctx context.Context, p terms.Terms, amount *big.Int) error
	Capture(ctx context.Context, p terms.Terms, amount *big.Int, feeBps uint16, feeReceiver common.Address) error
	PartialVoid(ctx context.Context, p terms.Terms, amount *big.Int) error
	Refund(ctx context.Context, p terms.Terms, amount *big.Int, source common.Address) error
	PaymentState(ctx context.Context, id terms.ID) (State, error)
}
