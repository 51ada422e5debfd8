// Package operator implements the payment lifecycle state machine that
// gates every ledger action behind pluggable policy.
//
// Every action follows one template: validate structural invariants,
// consult the slot's Condition, stage this component's own bookkeeping
// (fee locks), call the external ledger, invoke the slot's Recorder,
// emit a notification. Own effects are staged before the ledger call
// and compensated when it fails, so a ledger failure leaves no
// half-applied local state, and each entry point is guarded against
// re-entry for the payment it is already executing on.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/condition"
	"github.com/mbd888/paylock/internal/events"
	"github.com/mbd888/paylock/internal/fees"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/syncutil"
	"github.com/mbd888/paylock/internal/terms"
	"github.com/mbd888/paylock/internal/traces"
)

var (
	ErrOperatorMismatch  = errors.New("payment names a different operator")
	ErrFeeReceiverIsSelf = errors.New("fee receiver must not be the operator")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrExceedsMaxAmount  = errors.New("amount exceeds payment max")
	ErrConditionDenied   = errors.New("condition denied action")
	ErrReentrantCall     = errors.New("reentrant call for payment")
	ErrZeroSource        = errors.New("refund source address is zero")
)

// Action names the five lifecycle entry points. Each has its own
// Condition and Recorder slot.
type Action string

const (
	ActionAuthorize        Action = "authorize"
	ActionCharge           Action = "charge"
	ActionRelease          Action = "release"
	ActionRefundInEscrow   Action = "refund_in_escrow"
	ActionRefundPostEscrow Action = "refund_post_escrow"
)

// Slots carries the optional policy plugins per action. A nil Condition
// means "always allow"; a nil Recorder means "no-op". Those defaults
// are an explicit deployment choice made here, never inferred at call
// time.
type Slots struct {
	AuthorizeCondition        condition.Condition
	AuthorizeRecorder         condition.Recorder
	ChargeCondition           condition.Condition
	ChargeRecorder            condition.Recorder
	ReleaseCondition          condition.Condition
	ReleaseRecorder           condition.Recorder
	RefundInEscrowCondition   condition.Condition
	RefundInEscrowRecorder    condition.Recorder
	RefundPostEscrowCondition condition.Condition
	RefundPostEscrowRecorder  condition.Recorder

	// PayerReleaseBypass lets the payer release held funds without
	// consulting the release Condition. Some deployments expose it so
	// the payer can settle early; most leave it off.
	PayerReleaseBypass bool
}

// Operator is one deployed policy instance. Its address is the identity
// payments must name in their terms.
type Operator struct {
	addr    common.Address
	ledger  ledger.Client
	fees    *fees.Service
	slots   Slots
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	// locks serializes actions per payment identity.
	locks *syncutil.ContextShardedMutex
}

// actionKey marks a context as executing an action for one identity.
// A plugin that calls back into the operator inherits the mark and is
// rejected fast instead of deadlocking on the identity lock.
type actionKey struct{}

// New creates an operator.
func New(addr common.Address, lc ledger.Client, feeSvc *fees.Service, slots Slots, emitter *events.Emitter, logger *slog.Logger) *Operator {
	return &Operator{
		addr:    addr,
		ledger:  lc,
		fees:    feeSvc,
		slots:   slots,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// WithClock overrides the clock, for tests.
func (o *Operator) WithClock(now func() time.Time) *Operator {
	o.now = now
	return o
}

// Address returns the operator's own address.
func (o *Operator) Address() common.Address { return o.addr }

// begin performs the shared entry sequence: structural validation,
// reentrancy guard, and per-identity serialization. The returned
// context is stamped with the identity under action and must be used
// for the rest of the action; the end function must be deferred.
func (o *Operator) begin(ctx context.Context, p terms.Terms, amount *big.Int) (context.Context, terms.ID, func(), error) {
	if err := p.Validate(); err != nil {
		return ctx, terms.ID{}, nil, err
	}
	if p.Operator != o.addr {
		return ctx, terms.ID{}, nil, ErrOperatorMismatch
	}
	if p.FeeReceiver == o.addr {
		return ctx, terms.ID{}, nil, ErrFeeReceiverIsSelf
	}
	if amount == nil || amount.Sign() <= 0 {
		return ctx, terms.ID{}, nil, ErrInvalidAmount
	}
	if amount.Cmp(p.MaxAmount) > 0 {
		return ctx, terms.ID{}, nil, ErrExceedsMaxAmount
	}

	id := p.Identity()
	key := id.Hex()
	if active, ok := ctx.Value(actionKey{}).(string); ok && active == key {
		return ctx, terms.ID{}, nil, fmt.Errorf("%w %s", ErrReentrantCall, key)
	}
	unlock, err := o.locks.LockContext(ctx, key)
	if err != nil {
		return ctx, terms.ID{}, nil, err
	}
	return context.WithValue(ctx, actionKey{}, key), id, unlock, nil
}

func (o *Operator) checkCondition(cond condition.Condition, p terms.Terms, amount *big.Int, caller common.Address, action Action) error {
	if cond == nil {
		return nil // explicit always-allow slot
	}
	if !cond.Check(p, amount, caller) {
		return fmt.Errorf("%w: %s", ErrConditionDenied, action)
	}
	return nil
}

// record invokes the slot's recorder after the ledger call. A recorder
// failure at this point means the ledger has moved funds but a plugin
// could not register it; the action reports failure and the log carries
// enough to resolve by hand. Nothing is retried.
func (o *Operator) record(ctx context.Context, rec condition.Recorder, p terms.Terms, amount *big.Int, id terms.ID, action Action) error {
	if rec == nil {
		return nil
	}
	if err := rec.Record(ctx, p, amount, o.addr); err != nil {
		o.logger.Error("CRITICAL: ledger applied but recorder failed, manual resolution required",
			"action", string(action), "payment_id", id.Hex(), "error", err)
		return fmt.Errorf("recorder after %s: %w", action, err)
	}
	return nil
}

// unlockFees compensates a fee lock whose ledger call failed, so a
// retry of the same terms is not stuck behind ErrFeesAlreadyLocked.
// The ledger holds nothing at this point; if the unlock itself fails
// the identity stays blocked and the log carries enough to clear it by
// hand.
func (o *Operator) unlockFees(ctx context.Context, id terms.ID, action Action) {
	if err := o.fees.Unlock(ctx, id); err != nil {
		o.logger.Error("CRITICAL: ledger call failed and fee lock could not be released, identity blocked until cleared",
			"action", string(action), "payment_id", id.Hex(), "error", err)
	}
}

// Authorize computes and locks the payment's fees, then holds funds in
// the ledger. Funds remain capturable until released or voided.
func (o *Operator) Authorize(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error {
	ctx, span := traces.StartSpan(ctx, "operator.authorize")
	defer span.End()

	ctx, id, end, err := o.begin(ctx, p, amount)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "rejected").Inc()
		return err
	}
	defer end()

	if err := o.checkCondition(o.slots.AuthorizeCondition, p, amount, caller, ActionAuthorize); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "denied").Inc()
		return err
	}

	quoted, err := o.fees.Quote(p, amount, caller)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "rejected").Inc()
		return err
	}
	// Fee lock is this component's own effect: staged before the
	// ledger interaction, compensated if the ledger rejects it.
	if err := o.fees.Lock(ctx, id, quoted); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "rejected").Inc()
		return err
	}

	if err := o.ledger.Hold(ctx, p, amount); err != nil {
		o.unlockFees(ctx, id, ActionAuthorize)
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "ledger_error").Inc()
		return err
	}

	if err := o.record(ctx, o.slots.AuthorizeRecorder, p, amount, id, ActionAuthorize); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "recorder_error").Inc()
		return err
	}

	metrics.LifecycleActions.WithLabelValues(string(ActionAuthorize), "ok").Inc()
	metrics.AuthorizedFeeBps.Observe(float64(quoted.TotalBps))
	o.emitter.PaymentAuthorized(id, p, amount, quoted.TotalBps)
	return nil
}

// Charge is authorize-and-capture in one step: the same fee flow, but
// funds go straight to the receiver net of fees. No later release is
// possible; reversal only via RefundPostEscrow.
func (o *Operator) Charge(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error {
	ctx, span := traces.StartSpan(ctx, "operator.charge")
	defer span.End()

	ctx, id, end, err := o.begin(ctx, p, amount)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "rejected").Inc()
		return err
	}
	defer end()

	if err := o.checkCondition(o.slots.ChargeCondition, p, amount, caller, ActionCharge); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "denied").Inc()
		return err
	}

	quoted, err := o.fees.Quote(p, amount, caller)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "rejected").Inc()
		return err
	}
	if err := o.fees.Lock(ctx, id, quoted); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "rejected").Inc()
		return err
	}

	if err := o.ledger.Capture(ctx, p, amount, quoted.TotalBps, p.FeeReceiver); err != nil {
		o.unlockFees(ctx, id, ActionCharge)
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "ledger_error").Inc()
		return err
	}
	if err := o.fees.Accumulate(ctx, p.Token, amount, quoted); err != nil {
		o.logger.Error("CRITICAL: charge captured but protocol accrual failed",
			"payment_id", id.Hex(), "error", err)
		return err
	}

	if err := o.record(ctx, o.slots.ChargeRecorder, p, amount, id, ActionCharge); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "recorder_error").Inc()
		return err
	}

	metrics.LifecycleActions.WithLabelValues(string(ActionCharge), "ok").Inc()
	metrics.AuthorizedFeeBps.Observe(float64(quoted.TotalBps))
	o.emitter.PaymentCharged(id, p, amount, quoted.TotalBps)
	return nil
}

// Release captures held funds to the receiver using the fee pair
// locked at authorization time. It never requotes: governance changes
// after authorization cannot alter this payment's settlement.
func (o *Operator) Release(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error {
	ctx, span := traces.StartSpan(ctx, "operator.release")
	defer span.End()

	ctx, id, end, err := o.begin(ctx, p, amount)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "rejected").Inc()
		return err
	}
	defer end()

	bypass := o.slots.PayerReleaseBypass && caller == p.Payer
	if !bypass {
		if err := o.checkCondition(o.slots.ReleaseCondition, p, amount, caller, ActionRelease); err != nil {
			metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "denied").Inc()
			return err
		}
	}

	locked, err := o.fees.Locked(ctx, id)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "rejected").Inc()
		return err
	}

	if err := o.ledger.Capture(ctx, p, amount, locked.TotalBps, p.FeeReceiver); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "ledger_error").Inc()
		return err
	}
	if err := o.fees.Accumulate(ctx, p.Token, amount, locked); err != nil {
		o.logger.Error("CRITICAL: release captured but protocol accrual failed",
			"payment_id", id.Hex(), "error", err)
		return err
	}

	if err := o.record(ctx, o.slots.ReleaseRecorder, p, amount, id, ActionRelease); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "recorder_error").Inc()
		return err
	}

	metrics.LifecycleActions.WithLabelValues(string(ActionRelease), "ok").Inc()
	o.emitter.PaymentReleased(id, p, amount)
	return nil
}

// RefundInEscrow voids held funds back to the payer before capture.
func (o *Operator) RefundInEscrow(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error {
	ctx, span := traces.StartSpan(ctx, "operator.refund_in_escrow")
	defer span.End()

	ctx, id, end, err := o.begin(ctx, p, amount)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundInEscrow), "rejected").Inc()
		return err
	}
	defer end()

	if err := o.checkCondition(o.slots.RefundInEscrowCondition, p, amount, caller, ActionRefundInEscrow); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundInEscrow), "denied").Inc()
		return err
	}

	if err := o.ledger.PartialVoid(ctx, p, amount); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundInEscrow), "ledger_error").Inc()
		return err
	}

	if err := o.record(ctx, o.slots.RefundInEscrowRecorder, p, amount, id, ActionRefundInEscrow); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundInEscrow), "recorder_error").Inc()
		return err
	}

	metrics.LifecycleActions.WithLabelValues(string(ActionRefundInEscrow), "ok").Inc()
	o.emitter.PaymentRefunded(id, p, amount, true)
	return nil
}

// RefundPostEscrow reverses captured funds, drawn from source. The
// source itself enforces who may fund the reversal (allowance or
// signature, outside this component); the Condition slot here is an
// additional, optional gate.
func (o *Operator) RefundPostEscrow(ctx context.Context, p terms.Terms, amount *big.Int, source, caller common.Address) error {
	ctx, span := traces.StartSpan(ctx, "operator.refund_post_escrow")
	defer span.End()

	if source == (common.Address{}) {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "rejected").Inc()
		return ErrZeroSource
	}
	ctx, id, end, err := o.begin(ctx, p, amount)
	if err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "rejected").Inc()
		return err
	}
	defer end()

	if err := o.checkCondition(o.slots.RefundPostEscrowCondition, p, amount, caller, ActionRefundPostEscrow); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "denied").Inc()
		return err
	}

	if err := o.ledger.Refund(ctx, p, amount, source); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "ledger_error").Inc()
		return err
	}

	if err := o.record(ctx, o.slots.RefundPostEscrowRecorder, p, amount, id, ActionRefundPostEscrow); err != nil {
		metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "recorder_error").Inc()
		return err
	}

	metrics.LifecycleActions.WithLabelValues(string(ActionRefundPostEscrow), "ok").Inc()
	o.emitter.PaymentRefunded(id, p, amount, false)
	return nil
}
