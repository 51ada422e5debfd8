// Package events emits lifecycle notifications for the payment engine.
//
// Every successful operator action, freeze transition, refund-request
// transition, and fee distribution produces a typed event. Emission is
// fire-and-forget: subscribers never slow down or fail an action.
package events

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/idgen"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/terms"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeAuthorized      Type = "payment.authorized"
	TypeCharged         Type = "payment.charged"
	TypeReleased        Type = "payment.released"
	TypeRefundedEscrow  Type = "payment.refunded_in_escrow"
	TypeRefundedPost    Type = "payment.refunded_post_escrow"
	TypeFrozen          Type = "payment.frozen"
	TypeUnfrozen        Type = "payment.unfrozen"
	TypeRefundRequested Type = "refund_request.opened"
	TypeRefundResolved  Type = "refund_request.resolved"
	TypeFeeDistributed  Type = "fees.distributed"
)

// Event is a single notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Payment   terms.ID       `json:"payment,omitempty"`
	Payer     common.Address `json:"payer,omitempty"`
	Receiver  common.Address `json:"receiver,omitempty"`
	Token     common.Address `json:"token,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	FeeBps    uint16         `json:"feeBps,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
}

// Sink receives emitted events. The websocket Hub is the stock sink.
type Sink interface {
	Broadcast(e *Event)
}

// Emitter builds and dispatches events. A nil *Emitter is a valid
// no-op, so wiring it is an explicit choice.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter feeding the given sink.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

func (e *Emitter) emit(ev *Event) {
	if e == nil || e.sink == nil {
		return
	}
	ev.ID = idgen.WithPrefix("evt_")
	ev.Timestamp = time.Now()
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	e.sink.Broadcast(ev)
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// PaymentAuthorized reports a successful authorize.
func (e *Emitter) PaymentAuthorized(id terms.ID, p terms.Terms, amount *big.Int, feeBps uint16) {
	e.emit(&Event{
		Type: TypeAuthorized, Payment: id,
		Payer: p.Payer, Receiver: p.Receiver, Token: p.Token,
		Amount: amountString(amount), FeeBps: feeBps,
	})
}

// PaymentCharged reports a successful direct charge.
func (e *Emitter) PaymentCharged(id terms.ID, p terms.Terms, amount *big.Int, feeBps uint16) {
	e.emit(&Event{
		Type: TypeCharged, Payment: id,
		Payer: p.Payer, Receiver: p.Receiver, Token: p.Token,
		Amount: amountString(amount), FeeBps: feeBps,
	})
}

// PaymentReleased reports a successful release.
func (e *Emitter) PaymentReleased(id terms.ID, p terms.Terms, amount *big.Int) {
	e.emit(&Event{
		Type: TypeReleased, Payment: id,
		Payer: p.Payer, Receiver: p.Receiver, Token: p.Token,
		Amount: amountString(amount),
	})
}

// PaymentRefunded reports a refund; inEscrow selects which path.
func (e *Emitter) PaymentRefunded(id terms.ID, p terms.Terms, amount *big.Int, inEscrow bool) {
	t := TypeRefundedPost
	if inEscrow {
		t = TypeRefundedEscrow
	}
	e.emit(&Event{
		Type: t, Payment: id,
		Payer: p.Payer, Receiver: p.Receiver, Token: p.Token,
		Amount: amountString(amount),
	})
}

// PaymentFrozen reports a freeze or unfreeze.
func (e *Emitter) PaymentFrozen(id terms.ID, p terms.Terms, frozen bool) {
	t := TypeUnfrozen
	if frozen {
		t = TypeFrozen
	}
	e.emit(&Event{Type: t, Payment: id, Payer: p.Payer, Receiver: p.Receiver})
}

// RefundRequested reports a new dispute ticket.
func (e *Emitter) RefundRequested(id terms.ID, index uint64, amount *big.Int) {
	e.emit(&Event{
		Type: TypeRefundRequested, Payment: id,
		Amount: amountString(amount),
		Data:   map[string]any{"index": index},
	})
}

// RefundResolved reports a ticket transition.
func (e *Emitter) RefundResolved(id terms.ID, index uint64, status string) {
	e.emit(&Event{
		Type: TypeRefundResolved, Payment: id,
		Data: map[string]any{"index": index, "status": status},
	})
}

// FeesDistributed reports a protocol fee payout.
func (e *Emitter) FeesDistributed(token, recipient common.Address, amount *big.Int) {
	e.emit(&Event{
		Type: TypeFeeDistributed, Token: token,
		Amount: amountString(amount),
		Data:   map[string]any{"recipient": recipient.Hex()},
	})
}
