// Package condition defines the pluggable policy contracts that gate
// and follow operator lifecycle actions.
//
// A Condition is a pure predicate consulted before an action; a
// Recorder is a stateful hook invoked after one succeeds. Policy is
// composed with And/Or/Not rather than by modifying the operator. A nil
// slot means "always allow" for Conditions and "no-op" for Recorders;
// that default is an explicit configuration choice, never inferred.
package condition

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/terms"
)

// MaxArity bounds the number of children a combinator accepts, keeping
// evaluation cost bounded.
const MaxArity = 10

var (
	ErrTooManyConditions = errors.New("combinator exceeds max arity")
	ErrNoConditions      = errors.New("combinator requires at least one condition")
)

// Condition gates a lifecycle action.
//
// Check must be a pure, non-panicking predicate. An implementation that
// panics breaks combinator short-circuiting and permanently denies the
// slot; that is a deployment defect, not a runtime error to recover
// from. Implementations that read external state must swallow read
// failures and return false (fail closed).
type Condition interface {
	Check(p terms.Terms, amount *big.Int, caller common.Address) bool
}

// Recorder is invoked after a lifecycle action has been applied to the
// ledger. Implementations may mutate their own state but must reject
// calls from anyone other than the true owning operator for the
// payment, verified against ledger ground truth rather than the
// caller's self-report.
type Recorder interface {
	Record(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error
}

// Func adapts a plain function to a Condition.
type Func func(p terms.Terms, amount *big.Int, caller common.Address) bool

func (f Func) Check(p terms.Terms, amount *big.Int, caller common.Address) bool {
	return f(p, amount, caller)
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error

func (f RecorderFunc) Record(ctx context.Context, p terms.Terms, amount *big.Int, caller common.Address) error {
	return f(ctx, p, amount, caller)
}

type and struct{ children []Condition }

func (a and) Check(p terms.Terms, amount *big.Int, caller common.Address) bool {
	for _, c := range a.children {
		if !c.Check(p, amount, caller) {
			return false
		}
	}
	return true
}

type or struct{ children []Condition }

func (o or) Check(p terms.Terms, amount *big.Int, caller common.Address) bool {
	for _, c := range o.children {
		if c.Check(p, amount, caller) {
			return true
		}
	}
	return false
}

type not struct{ inner Condition }

func (n not) Check(p terms.Terms, amount *big.Int, caller common.Address) bool {
	return !n.inner.Check(p, amount, caller)
}

// And returns a Condition that passes only when every child passes,
// short-circuiting on the first failure.
func And(children ...Condition) (Condition, error) {
	if err := checkArity(children); err != nil {
		return nil, err
	}
	return and{children: children}, nil
}

// Or returns a Condition that passes when any child passes.
func Or(children ...Condition) (Condition, error) {
	if err := checkArity(children); err != nil {
		return nil, err
	}
	return or{children: children}, nil
}

// Not inverts a Condition.
func Not(inner Condition) Condition {
	return not{inner: inner}
}

// MustAnd is And for statically-known arity; panics on combinator
// construction errors, which are deployment defects.
func MustAnd(children ...Condition) Condition {
	c, err := And(children...)
	if err != nil {
		panic("condition: " + err.Error())
	}
	return c
}

// MustOr is Or for statically-known arity.
func MustOr(children ...Condition) Condition {
	c, err := Or(children...)
	if err != nil {
		panic("condition: " + err.Error())
	}
	return c
}

func checkArity(children []Condition) error {
	if len(children) == 0 {
		return ErrNoConditions
	}
	if len(children) > MaxArity {
		return ErrTooManyConditions
	}
	return nil
}

// CallerIs returns a Condition that passes when the caller is one of
// the given addresses. The common building block for receiver-only and
// receiver-or-arbiter gates.
func CallerIs(allowed ...common.Address) Condition {
	set := make(map[common.Address]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return Func(func(_ terms.Terms, _ *big.Int, caller common.Address) bool {
		_, ok := set[caller]
		return ok
	})
}

// PayerOnly passes when the caller is the payment's payer.
var PayerOnly Condition = Func(func(p terms.Terms, _ *big.Int, caller common.Address) bool {
	return caller == p.Payer
})

// ReceiverOnly passes when the caller is the payment's receiver.
var ReceiverOnly Condition = Func(func(p terms.Terms, _ *big.Int, caller common.Address) bool {
	return caller == p.Receiver
})
