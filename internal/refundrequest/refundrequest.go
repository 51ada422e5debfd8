// Package refundrequest implements the payer-initiated dispute
// ticketing workflow.
//
// Tickets are keyed by (payment identity, request index). Approval
// authority depends on live ledger sub-state: while funds are still
// escrowed the receiver or the arbiter may resolve a ticket; once the
// capturable amount reaches zero only the receiver may. That narrowing
// is re-derived from the ledger on every call, never cached.
package refundrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/events"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/pagination"
	"github.com/mbd888/paylock/internal/terms"
)

var (
	ErrRequestNotFound = errors.New("refund request not found")
	ErrNotPayer        = errors.New("caller is not the payer")
	ErrIndexOccupied   = errors.New("request index occupied by a live request")
	ErrNotPending      = errors.New("request is not pending")
	ErrNotAuthority    = errors.New("caller may not resolve this request")
	ErrFullyRefunded   = errors.New("payment already fully refunded or voided")
	ErrInvalidStatus   = errors.New("status must be approved or denied")
	ErrInvalidAmount   = errors.New("amount must be positive")
)

// Status is the lifecycle state of a refund request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// Request is a single dispute ticket.
type Request struct {
	Payment   terms.ID       `json:"payment"`
	Index     uint64         `json:"index"`
	Payer     common.Address `json:"payer"`
	Receiver  common.Address `json:"receiver"`
	Operator  common.Address `json:"operator"`
	Amount    *big.Int       `json:"amount"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Key is the request's composite key rendered for cursors and logs.
func (r *Request) Key() string {
	return fmt.Sprintf("%s/%d", r.Payment.Hex(), r.Index)
}

// splitKey parses a Key rendering back into its parts. Stores need the
// typed pair so keyset comparisons order the index numerically, not as
// a string.
func splitKey(s string) (paymentHex string, index uint64, err error) {
	pid, idxStr, ok := strings.Cut(s, "/")
	if !ok {
		return "", 0, pagination.ErrInvalidCursor
	}
	idx, perr := strconv.ParseUint(idxStr, 10, 64)
	if perr != nil {
		return "", 0, pagination.ErrInvalidCursor
	}
	return pid, idx, nil
}

// Role selects which secondary index a lookup goes through.
type Role string

const (
	RolePayer    Role = "payer"
	RoleReceiver Role = "receiver"
	RoleOperator Role = "operator"
)

// Store persists requests and their discoverability indices. Indices
// are append-only deduplicated sets maintained alongside the primary
// record; the primary record is always authoritative.
type Store interface {
	Get(ctx context.Context, id terms.ID, index uint64) (*Request, error)
	Put(ctx context.Context, r *Request) error
	// ListByParty returns up to limit+1 requests for the address in the
	// given role, ordered by (createdAt, key), starting after cursor.
	ListByParty(ctx context.Context, role Role, addr common.Address, cursor *pagination.Cursor, limit int) ([]*Request, error)
}

// Service implements the dispute workflow.
type Service struct {
	store   Store
	ledger  ledger.Client
	arbiter common.Address
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the workflow service. arbiter is the address that
// shares resolution authority with receivers while funds are escrowed.
func NewService(store Store, lc ledger.Client, arbiter common.Address, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  lc,
		arbiter: arbiter,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEmitter wires lifecycle event emission. A nil emitter is a no-op.
func (s *Service) WithEmitter(e *events.Emitter) *Service {
	s.emitter = e
	return s
}

// Request opens a dispute ticket at the given index. Only the payer may
// open one, and the index must be free or hold a cancelled ticket. A
// cancelled slot is reused by overwriting it.
func (s *Service) Request(ctx context.Context, p terms.Terms, amount *big.Int, index uint64, caller common.Address) (*Request, error) {
	if caller != p.Payer {
		return nil, ErrNotPayer
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id := p.Identity()

	existing, err := s.store.Get(ctx, id, index)
	if err != nil && !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status != StatusCancelled {
		return nil, ErrIndexOccupied
	}

	now := s.now()
	r := &Request{
		Payment:   id,
		Index:     index,
		Payer:     p.Payer,
		Receiver:  p.Receiver,
		Operator:  p.Operator,
		Amount:    new(big.Int).Set(amount),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Put(ctx, r); err != nil {
		return nil, err
	}
	metrics.RefundRequests.WithLabelValues(string(StatusPending)).Inc()
	s.emitter.RefundRequested(id, index, amount)
	s.logger.Info("refund requested",
		"payment_id", id.Hex(), "index", index, "amount", amount.String())
	return r, nil
}

// UpdateStatus resolves a pending ticket to Approved or Denied.
//
// Authority is re-derived from the ledger on every call: receiver or
// arbiter while capturable > 0, receiver only once capturable reaches
// zero. Denial additionally requires the dispute not be moot: a
// payment with nothing capturable and nothing refundable left is fully
// unwound and denying its ticket is meaningless.
func (s *Service) UpdateStatus(ctx context.Context, p terms.Terms, index uint64, newStatus Status, caller common.Address) (*Request, error) {
	if newStatus != StatusApproved && newStatus != StatusDenied {
		return nil, ErrInvalidStatus
	}
	id := p.Identity()

	r, err := s.store.Get(ctx, id, index)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrNotPending
	}

	st, err := s.ledger.PaymentState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read ledger state: %w", err)
	}
	inEscrow := st.Capturable.Sign() > 0
	if inEscrow {
		if caller != p.Receiver && caller != s.arbiter {
			return nil, ErrNotAuthority
		}
	} else if caller != p.Receiver {
		return nil, ErrNotAuthority
	}
	if newStatus == StatusDenied && st.Capturable.Sign() == 0 && st.Refundable.Sign() == 0 {
		return nil, ErrFullyRefunded
	}

	r.Status = newStatus
	r.UpdatedAt = s.now()
	if err := s.store.Put(ctx, r); err != nil {
		return nil, err
	}
	metrics.RefundRequests.WithLabelValues(string(newStatus)).Inc()
	s.emitter.RefundResolved(id, index, string(newStatus))
	s.logger.Info("refund request resolved",
		"payment_id", id.Hex(), "index", index,
		"status", string(newStatus), "caller", caller.Hex())
	return r, nil
}

// Cancel withdraws a pending ticket. Payer-only, terminal for the
// ticket, but the index becomes reusable by a fresh Request.
func (s *Service) Cancel(ctx context.Context, p terms.Terms, index uint64, caller common.Address) (*Request, error) {
	if caller != p.Payer {
		return nil, ErrNotPayer
	}
	r, err := s.store.Get(ctx, p.Identity(), index)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrNotPending
	}
	r.Status = StatusCancelled
	r.UpdatedAt = s.now()
	if err := s.store.Put(ctx, r); err != nil {
		return nil, err
	}
	metrics.RefundRequests.WithLabelValues(string(StatusCancelled)).Inc()
	s.emitter.RefundResolved(p.Identity(), index, string(StatusCancelled))
	return r, nil
}

// Get returns a single ticket.
func (s *Service) Get(ctx context.Context, id terms.ID, index uint64) (*Request, error) {
	return s.store.Get(ctx, id, index)
}

// ListByParty returns a page of tickets discoverable through the given
// role index, with an opaque cursor for the next page.
func (s *Service) ListByParty(ctx context.Context, role Role, addr common.Address, cursorStr string, limit int) ([]*Request, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	cursor, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}
	items, err := s.store.ListByParty(ctx, role, addr, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(r *Request) (time.Time, string) {
		return r.CreatedAt, r.Key()
	})
	return page, next, nil
}
