package operator

import (
	"context"
	"math/big"

	"github.com/mbd888/paylock/internal/fees"
	"github.com/mbd888/paylock/internal/terms"
)

// PaymentState is the derived lifecycle view of a payment. It is a
// read-only projection of live ledger sub-state plus the terms'
// expiries, never independently stored, so it cannot drift from ground
// truth.
type PaymentState string

const (
	// StateNonExistent: never authorized through this operator.
	StateNonExistent PaymentState = "non_existent"
	// StateInEscrow: funds held and still capturable.
	StateInEscrow PaymentState = "in_escrow"
	// StateExpired: still capturable but past the authorization expiry.
	// The payer may reclaim; nothing reclaims automatically.
	StateExpired PaymentState = "expired"
	// StateReleased: nothing left to capture, refund window open.
	StateReleased PaymentState = "released"
	// StateSettled: fully captured-and-closed, fully refunded, or
	// fully voided.
	StateSettled PaymentState = "settled"
)

// StateView is the full read model returned by state queries.
type StateView struct {
	ID         terms.ID         `json:"id"`
	State      PaymentState     `json:"state"`
	Capturable *big.Int         `json:"capturable"`
	Refundable *big.Int         `json:"refundable"`
	Fees       *fees.Authorized `json:"fees,omitempty"`
}

// State projects the payment's current lifecycle state.
func (o *Operator) State(ctx context.Context, p terms.Terms) (StateView, error) {
	id := p.Identity()
	st, err := o.ledger.PaymentState(ctx, id)
	if err != nil {
		return StateView{}, err
	}

	view := StateView{
		ID:         id,
		Capturable: st.Capturable,
		Refundable: st.Refundable,
	}
	switch {
	case !st.Collected:
		view.State = StateNonExistent
	case st.Capturable.Sign() > 0 && !p.AuthorizationExpired(o.now()):
		view.State = StateInEscrow
	case st.Capturable.Sign() > 0:
		view.State = StateExpired
	case st.Refundable.Sign() > 0:
		view.State = StateReleased
	default:
		view.State = StateSettled
	}

	if locked, err := o.fees.Locked(ctx, id); err == nil {
		view.Fees = &locked
	}
	return view, nil
}

// AuthorizedFees returns the fee pair locked for the payment.
func (o *Operator) AuthorizedFees(ctx context.Context, id terms.ID) (fees.Authorized, error) {
	return o.fees.Locked(ctx, id)
}
