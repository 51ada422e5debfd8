package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/terms"
)

// Memory is an in-process ledger honoring the Client contract, used in
// demo/development mode and in tests. Production deployments inject a
// client backed by the real escrow ledger instead.
//
// Accounting mirrors the external ledger's semantics: holds must happen
// before the pre-approval expiry, captures before the authorization
// expiry, refunds before the refund expiry. It does not move real
// tokens; it only tracks sub-state per payment identity.
type Memory struct {
	mu       sync.Mutex
	payments map[terms.ID]*memState
	now      func() time.Time
}

type memState struct {
	collected  bool
	capturable *big.Int
	refundable *big.Int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		payments: make(map[terms.ID]*memState),
		now:      time.Now,
	}
}

// WithClock overrides the clock, for tests exercising expiry windows.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Hold(ctx context.Context, p terms.Terms, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(p.MaxAmount) > 0 {
		return ErrExceedsMaxAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.now().Unix() >= p.PreApprovalExpiry {
		return ErrPreApprovalExpired
	}
	id := p.Identity()
	if st, ok := m.payments[id]; ok && st.collected {
		return ErrAlreadyCollected
	}
	m.payments[id] = &memState{
		collected:  true,
		capturable: new(big.Int).Set(amount),
		refundable: new(big.Int),
	}
	return nil
}

func (m *Memory) Capture(ctx context.Context, p terms.Terms, amount *big.Int, feeBps uint16, feeReceiver common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.now().Unix() >= p.AuthorizationExpiry {
		return ErrAuthorizationExpired
	}
	id := p.Identity()
	st, ok := m.payments[id]
	if !ok || !st.collected {
		// Direct charge: pull and capture in one step.
		if amount.Cmp(p.MaxAmount) > 0 {
			return ErrExceedsMaxAmount
		}
		m.payments[id] = &memState{
			collected:  true,
			capturable: new(big.Int),
			refundable: new(big.Int).Set(amount),
		}
		return nil
	}
	if st.capturable.Cmp(amount) < 0 {
		return ErrInsufficientCapturable
	}
	st.capturable.Sub(st.capturable, amount)
	st.refundable.Add(st.refundable, amount)
	return nil
}

func (m *Memory) PartialVoid(ctx context.Context, p terms.Terms, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.payments[p.Identity()]
	if !ok || !st.collected {
		return ErrPaymentNotFound
	}
	if st.capturable.Cmp(amount) < 0 {
		return ErrInsufficientCapturable
	}
	st.capturable.Sub(st.capturable, amount)
	return nil
}

func (m *Memory) Refund(ctx context.Context, p terms.Terms, amount *big.Int, source common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.now().Unix() >= p.RefundExpiry {
		return ErrRefundExpired
	}
	st, ok := m.payments[p.Identity()]
	if !ok || !st.collected {
		return ErrPaymentNotFound
	}
	if st.refundable.Cmp(amount) < 0 {
		return ErrInsufficientRefundable
	}
	st.refundable.Sub(st.refundable, amount)
	return nil
}

func (m *Memory) PaymentState(ctx context.Context, id terms.ID) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.payments[id]
	if !ok {
		return State{Capturable: new(big.Int), Refundable: new(big.Int)}, nil
	}
	return State{
		Collected:  st.collected,
		Capturable: new(big.Int).Set(st.capturable),
		Refundable: new(big.Int).Set(st.refundable),
	}, nil
}

var _ Client = (*Memory)(nil)
