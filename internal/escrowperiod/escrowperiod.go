// Package escrowperiod implements the time-locked release overlay: a
// mandatory dwell time between authorization and release, with a
// policy-gated freeze that suspends release eligibility inside it.
//
// The overlay plugs into the operator as a Recorder on the authorize
// slot (capturing the authorization time) and a Condition on the
// release slot (period elapsed AND not frozen). It never calls the
// ledger itself.
//
// Known race: at the exact instant the period elapses, Freeze starts
// rejecting with ErrPeriodExpired while the release condition starts
// allowing. An adversarial orderer can delay a legitimate freeze past
// that boundary. There is no complete fix inside this component; the
// only real mitigation is freezing well before the boundary. This is a
// documented property, not a bug.
package escrowperiod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/condition"
	"github.com/mbd888/paylock/internal/events"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/terms"
)

var (
	ErrNotAuthorized     = errors.New("payment never authorized through this overlay")
	ErrAlreadyAuthorized = errors.New("authorization time already recorded")
	ErrPeriodExpired     = errors.New("escrow period already elapsed")
	ErrAlreadyFrozen     = errors.New("payment already frozen")
	ErrNotFrozen         = errors.New("payment not frozen")
	ErrFreezeDenied      = errors.New("freeze policy denied caller")
	ErrUnfreezeDenied    = errors.New("unfreeze policy denied caller")
	ErrNotOwningOperator = errors.New("caller is not the owning operator")
)

// permanentFreeze marks a freeze that only an explicit unfreeze clears.
const permanentFreeze = int64(math.MaxInt64)

// FreezePolicy decides who may freeze a payment and for how long.
// A zero duration from CanFreeze means permanent: the freeze holds
// until an explicit unfreeze.
type FreezePolicy interface {
	CanFreeze(p terms.Terms, caller common.Address) (allowed bool, duration time.Duration)
	CanUnfreeze(p terms.Terms, caller common.Address) bool
}

// ReceiverOrArbiterPolicy is the stock policy: the payment's receiver
// or a fixed arbiter may freeze permanently and unfreeze.
type ReceiverOrArbiterPolicy struct {
	Arbiter common.Address
}

func (pol ReceiverOrArbiterPolicy) CanFreeze(p terms.Terms, caller common.Address) (bool, time.Duration) {
	return caller == p.Receiver || caller == pol.Arbiter, 0
}

func (pol ReceiverOrArbiterPolicy) CanUnfreeze(p terms.Terms, caller common.Address) bool {
	return caller == p.Receiver || caller == pol.Arbiter
}

// Store persists per-identity period and freeze state.
// Authorization time and frozen-until are unix seconds; zero means
// never-authorized / not-frozen respectively.
type Store interface {
	PeriodState(ctx context.Context, id terms.ID) (authTime, frozenUntil int64, err error)
	SetAuthTime(ctx context.Context, id terms.ID, at int64) error
	SetFrozenUntil(ctx context.Context, id terms.ID, until int64) error
}

// Overlay tracks escrow-period and freeze state for one operator.
type Overlay struct {
	store    Store
	ledger   ledger.Client
	policy   FreezePolicy
	duration time.Duration // fixed at construction
	emitter  *events.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the overlay. duration is the escrow period and is fixed
// for the life of the deployment.
func New(store Store, lc ledger.Client, policy FreezePolicy, duration time.Duration, logger *slog.Logger) *Overlay {
	return &Overlay{
		store:    store,
		ledger:   lc,
		policy:   policy,
		duration: duration,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (o *Overlay) WithClock(now func() time.Time) *Overlay {
	o.now = now
	return o
}

// WithEmitter wires lifecycle event emission. A nil emitter is a no-op.
func (o *Overlay) WithEmitter(e *events.Emitter) *Overlay {
	o.emitter = e
	return o
}

// Duration returns the fixed escrow period.
func (o *Overlay) Duration() time.Duration { return o.duration }

// PeriodElapsed reports whether the escrow period has run out for an
// authorized payment. False for payments never authorized here.
func (o *Overlay) PeriodElapsed(ctx context.Context, id terms.ID) (bool, error) {
	authTime, _, err := o.store.PeriodState(ctx, id)
	if err != nil {
		return false, err
	}
	if authTime == 0 {
		return false, nil
	}
	return o.elapsed(authTime), nil
}

// Frozen reports whether the payment is currently frozen.
func (o *Overlay) Frozen(ctx context.Context, id terms.ID) (bool, error) {
	_, frozenUntil, err := o.store.PeriodState(ctx, id)
	if err != nil {
		return false, err
	}
	return o.frozen(frozenUntil), nil
}

// View is the overlay's per-payment state for read APIs.
type View struct {
	AuthorizationTime int64 `json:"authorizationTime"`
	PeriodElapsed     bool  `json:"periodElapsed"`
	Frozen            bool  `json:"frozen"`
	FrozenUntil       int64 `json:"frozenUntil,omitempty"` // 0 when unfrozen, -1 when permanent
}

// State returns the overlay's view of a payment.
func (o *Overlay) State(ctx context.Context, id terms.ID) (View, error) {
	authTime, frozenUntil, err := o.store.PeriodState(ctx, id)
	if err != nil {
		return View{}, err
	}
	v := View{
		AuthorizationTime: authTime,
		PeriodElapsed:     authTime != 0 && o.elapsed(authTime),
		Frozen:            o.frozen(frozenUntil),
	}
	if v.Frozen {
		if frozenUntil == permanentFreeze {
			v.FrozenUntil = -1
		} else {
			v.FrozenUntil = frozenUntil
		}
	}
	return v, nil
}

// Freeze suspends release eligibility for a payment. Only valid inside
// the freeze window: after authorization and strictly before the period
// elapses. Authorization and duration come from the freeze policy.
func (o *Overlay) Freeze(ctx context.Context, p terms.Terms, caller common.Address) error {
	id := p.Identity()
	authTime, frozenUntil, err := o.store.PeriodState(ctx, id)
	if err != nil {
		metrics.FreezeEvents.WithLabelValues("freeze", "error").Inc()
		return err
	}
	if authTime == 0 {
		metrics.FreezeEvents.WithLabelValues("freeze", "rejected").Inc()
		return ErrNotAuthorized
	}
	if o.elapsed(authTime) {
		metrics.FreezeEvents.WithLabelValues("freeze", "rejected").Inc()
		return ErrPeriodExpired
	}
	if o.frozen(frozenUntil) {
		metrics.FreezeEvents.WithLabelValues("freeze", "rejected").Inc()
		return ErrAlreadyFrozen
	}
	allowed, duration := o.policy.CanFreeze(p, caller)
	if !allowed {
		metrics.FreezeEvents.WithLabelValues("freeze", "denied").Inc()
		return ErrFreezeDenied
	}

	until := permanentFreeze
	if duration > 0 {
		until = o.now().Add(duration).Unix()
	}
	if err := o.store.SetFrozenUntil(ctx, id, until); err != nil {
		metrics.FreezeEvents.WithLabelValues("freeze", "error").Inc()
		return err
	}
	metrics.FreezeEvents.WithLabelValues("freeze", "ok").Inc()
	o.emitter.PaymentFrozen(id, p, true)
	o.logger.Info("payment frozen",
		"payment_id", id.Hex(),
		"caller", caller.Hex(),
		"permanent", until == permanentFreeze,
	)
	return nil
}

// Unfreeze restores release eligibility. Unlike Freeze it has no window
// restriction: a permanent freeze can be lifted even after the period
// has elapsed.
func (o *Overlay) Unfreeze(ctx context.Context, p terms.Terms, caller common.Address) error {
	id := p.Identity()
	_, frozenUntil, err := o.store.PeriodState(ctx, id)
	if err != nil {
		metrics.FreezeEvents.WithLabelValues("unfreeze", "error").Inc()
		return err
	}
	if !o.frozen(frozenUntil) {
		metrics.FreezeEvents.WithLabelValues("unfreeze", "rejected").Inc()
		return ErrNotFrozen
	}
	if !o.policy.CanUnfreeze(p, caller) {
		metrics.FreezeEvents.WithLabelValues("unfreeze", "denied").Inc()
		return ErrUnfreezeDenied
	}
	if err := o.store.SetFrozenUntil(ctx, id, 0); err != nil {
		metrics.FreezeEvents.WithLabelValues("unfreeze", "error").Inc()
		return err
	}
	metrics.FreezeEvents.WithLabelValues("unfreeze", "ok").Inc()
	o.emitter.PaymentFrozen(id, p, false)
	o.logger.Info("payment unfrozen", "payment_id", id.Hex(), "caller", caller.Hex())
	return nil
}

// AuthorizeRecorder returns the Recorder the operator's authorize slot
// must carry for the overlay to see authorizations. It verifies the
// caller really is the payment's owning operator by recomputing the
// payment's ledger existence rather than trusting the caller.
func (o *Overlay) AuthorizeRecorder() condition.Recorder {
	return condition.RecorderFunc(func(ctx context.Context, p terms.Terms, _ *big.Int, caller common.Address) error {
		if caller != p.Operator {
			return ErrNotOwningOperator
		}
		id := p.Identity()
		st, err := o.ledger.PaymentState(ctx, id)
		if err != nil {
			return fmt.Errorf("verify ledger state: %w", err)
		}
		if !st.Collected {
			return ErrNotOwningOperator
		}
		authTime, _, err := o.store.PeriodState(ctx, id)
		if err != nil {
			return err
		}
		if authTime != 0 {
			return ErrAlreadyAuthorized
		}
		return o.store.SetAuthTime(ctx, id, o.now().Unix())
	})
}

// PeriodCondition passes once the escrow period has elapsed.
// Store read failures fail closed.
func (o *Overlay) PeriodCondition() condition.Condition {
	return condition.Func(func(p terms.Terms, _ *big.Int, _ common.Address) bool {
		elapsed, err := o.PeriodElapsed(context.Background(), p.Identity())
		if err != nil {
			return false
		}
		return elapsed
	})
}

// NotFrozenCondition passes while the payment is not frozen.
// Store read failures fail closed.
func (o *Overlay) NotFrozenCondition() condition.Condition {
	return condition.Func(func(p terms.Terms, _ *big.Int, _ common.Address) bool {
		frozen, err := o.Frozen(context.Background(), p.Identity())
		if err != nil {
			return false // fail closed: unreadable freeze state blocks release
		}
		return !frozen
	})
}

// ReleaseCondition is the composed gate the operator's release slot
// carries: period elapsed AND not frozen.
func (o *Overlay) ReleaseCondition() condition.Condition {
	return condition.MustAnd(o.PeriodCondition(), o.NotFrozenCondition())
}

func (o *Overlay) elapsed(authTime int64) bool {
	return o.now().Unix() >= authTime+int64(o.duration/time.Second)
}

func (o *Overlay) frozen(frozenUntil int64) bool {
	if frozenUntil == 0 {
		return false
	}
	if frozenUntil == permanentFreeze {
		return true
	}
	return o.now().Unix() < frozenUntil
}
