// Package fees implements the two-tier additive fee subsystem.
//
// A payment's fee has two independent sources: the protocol-wide
// calculator (shared across operators, swappable under timelock, output
// capped at a hard protocol maximum) and the operator's own calculator
// (fixed at construction). The pair computed at authorize/charge time
// is locked per payment identity and is the only input used at release
// time, so later governance actions can never retroactively change a
// payment's settlement.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/events"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/terms"
)

var (
	ErrIncompatibleFeeBounds = errors.New("computed fee outside payer bounds")
	ErrTotalFeeTooHigh       = errors.New("total fee exceeds 10000 bps")
	ErrFeesAlreadyLocked     = errors.New("fees already locked for payment")
	ErrFeesNotLocked         = errors.New("no locked fees for payment")
	ErrNoRecipient           = errors.New("no protocol fee recipient registered")
	ErrNothingAccrued        = errors.New("nothing accrued for token")
)

// ProtocolFeeCapBps is the hard ceiling on the protocol's share,
// applied to the calculator's output regardless of what it returns.
const ProtocolFeeCapBps uint16 = 1000

// Calculator produces a fee rate in basis points for a payment.
type Calculator interface {
	FeeBps(p terms.Terms, amount *big.Int, caller common.Address) uint16
}

// CalculatorFunc adapts a function to a Calculator.
type CalculatorFunc func(p terms.Terms, amount *big.Int, caller common.Address) uint16

func (f CalculatorFunc) FeeBps(p terms.Terms, amount *big.Int, caller common.Address) uint16 {
	return f(p, amount, caller)
}

// Flat returns a Calculator that charges a fixed rate.
func Flat(bps uint16) Calculator {
	return CalculatorFunc(func(terms.Terms, *big.Int, common.Address) uint16 { return bps })
}

// Authorized is the fee pair locked for a payment at authorize/charge
// time. Write-once per identity, read-only thereafter.
type Authorized struct {
	TotalBps    uint16 `json:"totalBps"`
	ProtocolBps uint16 `json:"protocolBps"`
}

// Store persists locked fees and per-token protocol accruals.
type Store interface {
	// LockFees persists the authorized pair for an identity. Returns
	// ErrFeesAlreadyLocked if a pair is already present.
	LockFees(ctx context.Context, id terms.ID, a Authorized) error
	// UnlockFees removes a persisted pair. Absence is not an error.
	UnlockFees(ctx context.Context, id terms.ID) error
	// Locked returns the authorized pair, or ErrFeesNotLocked.
	Locked(ctx context.Context, id terms.ID) (Authorized, error)
	// AddAccrual adds the protocol's share for a token to its running total.
	AddAccrual(ctx context.Context, token common.Address, amount *big.Int) error
	// TakeAccrual atomically reads and zeroes a token's running total.
	TakeAccrual(ctx context.Context, token common.Address) (*big.Int, error)
	// Accrued returns a token's running total without clearing it.
	Accrued(ctx context.Context, token common.Address) (*big.Int, error)
}

// Service computes, locks, and accumulates fees for one operator.
type Service struct {
	protocol     *ProtocolConfig
	operatorCalc Calculator // immutable; nil means 0 bps
	store        Store
	emitter      *events.Emitter
}

// NewService creates a fee service. protocol is the shared,
// governance-controlled configuration injected by reference;
// operatorCalc is this operator's own calculator and may be nil.
func NewService(protocol *ProtocolConfig, operatorCalc Calculator, store Store) *Service {
	return &Service{protocol: protocol, operatorCalc: operatorCalc, store: store}
}

// WithEmitter wires lifecycle event emission. A nil emitter is a no-op.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// Quote computes the fee pair for a payment without locking it.
// The protocol share is capped at ProtocolFeeCapBps; the total must not
// exceed 10000 bps and must lie within the payer's consent bounds.
func (s *Service) Quote(p terms.Terms, amount *big.Int, caller common.Address) (Authorized, error) {
	var protocolBps uint16
	if calc := s.protocol.Calculator(); calc != nil {
		protocolBps = calc.FeeBps(p, amount, caller)
		if protocolBps > ProtocolFeeCapBps {
			protocolBps = ProtocolFeeCapBps
		}
	}
	var operatorBps uint16
	if s.operatorCalc != nil {
		operatorBps = s.operatorCalc.FeeBps(p, amount, caller)
	}

	total := uint32(protocolBps) + uint32(operatorBps)
	if total > terms.MaxBps {
		return Authorized{}, ErrTotalFeeTooHigh
	}
	totalBps := uint16(total)
	if totalBps < p.MinFeeBps || totalBps > p.MaxFeeBps {
		return Authorized{}, fmt.Errorf("%w: computed %d bps, payer accepts [%d, %d]",
			ErrIncompatibleFeeBounds, totalBps, p.MinFeeBps, p.MaxFeeBps)
	}
	return Authorized{TotalBps: totalBps, ProtocolBps: protocolBps}, nil
}

// Lock persists the pair for an identity. Must be called before the
// ledger call of the action that computed it.
func (s *Service) Lock(ctx context.Context, id terms.ID, a Authorized) error {
	return s.store.LockFees(ctx, id, a)
}

// Unlock removes a pair staged by Lock. It compensates a lock whose
// ledger call failed, so the identity can be retried; it must never
// run after the ledger has accepted the action.
func (s *Service) Unlock(ctx context.Context, id terms.ID) error {
	return s.store.UnlockFees(ctx, id)
}

// Locked returns the pair persisted at authorization time.
func (s *Service) Locked(ctx context.Context, id terms.ID) (Authorized, error) {
	return s.store.Locked(ctx, id)
}

// Accumulate records the protocol's share of a settled amount in the
// per-token running total. amount is the gross settled amount.
func (s *Service) Accumulate(ctx context.Context, token common.Address, amount *big.Int, a Authorized) error {
	if a.ProtocolBps == 0 {
		return nil
	}
	share := new(big.Int).Mul(amount, big.NewInt(int64(a.ProtocolBps)))
	share.Div(share, big.NewInt(terms.MaxBps))
	if share.Sign() == 0 {
		return nil
	}
	return s.store.AddAccrual(ctx, token, share)
}

// Distribution is the outcome of a protocol-fee payout.
type Distribution struct {
	Token     common.Address `json:"token"`
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	At        time.Time      `json:"at"`
}

// Distribute drains a token's protocol accrual to the registered
// recipient. The actual token transfer is the ledger's business; this
// reports who is owed what and clears the running total.
func (s *Service) Distribute(ctx context.Context, token common.Address) (*Distribution, error) {
	recipient := s.protocol.Recipient()
	if recipient == (common.Address{}) {
		return nil, ErrNoRecipient
	}
	amount, err := s.store.TakeAccrual(ctx, token)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrNothingAccrued
	}
	metrics.FeeDistributions.WithLabelValues(token.Hex()).Inc()
	s.emitter.FeesDistributed(token, recipient, amount)
	return &Distribution{
		Token:     token,
		Recipient: recipient,
		Amount:    amount,
		At:        time.Now(),
	}, nil
}

// Accrued reports the undistributed protocol share for a token.
func (s *Service) Accrued(ctx context.Context, token common.Address) (*big.Int, error) {
	return s.store.Accrued(ctx, token)
}
