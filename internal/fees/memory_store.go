package fees

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/terms"
)

// MemoryStore is an in-memory fee store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	locked   map[terms.ID]Authorized
	accruals map[common.Address]*big.Int
}

// NewMemoryStore creates a new in-memory fee store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locked:   make(map[terms.ID]Authorized),
		accruals: make(map[common.Address]*big.Int),
	}
}

func (m *MemoryStore) LockFees(ctx context.Context, id terms.ID, a Authorized) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locked[id]; ok {
		return ErrFeesAlreadyLocked
	}
	m.locked[id] = a
	return nil
}

func (m *MemoryStore) UnlockFees(ctx context.Context, id terms.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, id)
	return nil
}

func (m *MemoryStore) Locked(ctx context.Context, id terms.ID) (Authorized, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.locked[id]
	if !ok {
		return Authorized{}, ErrFeesNotLocked
	}
	return a, nil
}

func (m *MemoryStore) AddAccrual(ctx context.Context, token common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, ok := m.accruals[token]
	if !ok {
		total = new(big.Int)
		m.accruals[token] = total
	}
	total.Add(total, amount)
	return nil
}

func (m *MemoryStore) TakeAccrual(ctx context.Context, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, ok := m.accruals[token]
	if !ok {
		return new(big.Int), nil
	}
	delete(m.accruals, token)
	return total, nil
}

func (m *MemoryStore) Accrued(ctx context.Context, token common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, ok := m.accruals[token]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(total), nil
}

var _ Store = (*MemoryStore)(nil)
