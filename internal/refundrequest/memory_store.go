package refundrequest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/pagination"
	"github.com/mbd888/paylock/internal/terms"
)

// MemoryStore is an in-memory request store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	// indices are append-only deduplicated sets of composite keys,
	// never a substitute for the primary record.
	indices map[Role]map[common.Address]map[string]struct{}
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		indices: map[Role]map[common.Address]map[string]struct{}{
			RolePayer:    {},
			RoleReceiver: {},
			RoleOperator: {},
		},
	}
}

func key(id terms.ID, index uint64) string {
	return fmt.Sprintf("%s/%d", id.Hex(), index)
}

func (m *MemoryStore) Get(ctx context.Context, id terms.ID, index uint64) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[key(id, index)]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	cp.Amount = new(big.Int).Set(r.Amount)
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	cp.Amount = new(big.Int).Set(r.Amount)
	k := cp.Key()
	m.requests[k] = &cp

	m.addIndex(RolePayer, cp.Payer, k)
	m.addIndex(RoleReceiver, cp.Receiver, k)
	m.addIndex(RoleOperator, cp.Operator, k)
	return nil
}

// addIndex adds the key to a role index if absent. Caller holds the
// write lock.
func (m *MemoryStore) addIndex(role Role, addr common.Address, k string) {
	set, ok := m.indices[role][addr]
	if !ok {
		set = make(map[string]struct{})
		m.indices[role][addr] = set
	}
	set[k] = struct{}{}
}

func (m *MemoryStore) ListByParty(ctx context.Context, role Role, addr common.Address, cursor *pagination.Cursor, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for k := range m.indices[role][addr] {
		r, ok := m.requests[k]
		if !ok {
			continue
		}
		cp := *r
		cp.Amount = new(big.Int).Set(r.Amount)
		result = append(result, &cp)
	}
	// Same (created_at, payment_id, request_index) order as the
	// postgres store, index compared numerically.
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Payment != b.Payment {
			return a.Payment.Hex() < b.Payment.Hex()
		}
		return a.Index < b.Index
	})
	if cursor != nil {
		pid, cidx, err := splitKey(cursor.ID)
		if err != nil {
			return nil, err
		}
		idx := sort.Search(len(result), func(i int) bool {
			r := result[i]
			if !r.CreatedAt.Equal(cursor.CreatedAt) {
				return r.CreatedAt.After(cursor.CreatedAt)
			}
			if rp := r.Payment.Hex(); rp != pid {
				return rp > pid
			}
			return r.Index > cidx
		})
		result = result[idx:]
	}
	if len(result) > limit+1 {
		result = result[:limit+1]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
