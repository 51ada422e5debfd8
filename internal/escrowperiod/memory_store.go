package escrowperiod

import (
	"context"
	"sync"

	"github.com/mbd888/paylock/internal/terms"
)

// MemoryStore is an in-memory period/freeze store for demo/development
// mode.
type MemoryStore struct {
	mu    sync.RWMutex
	state map[terms.ID]*periodRecord
}

type periodRecord struct {
	authTime    int64
	frozenUntil int64
}

// NewMemoryStore creates a new in-memory period store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[terms.ID]*periodRecord)}
}

func (m *MemoryStore) PeriodState(ctx context.Context, id terms.ID) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.state[id]
	if !ok {
		return 0, 0, nil
	}
	return rec.authTime, rec.frozenUntil, nil
}

func (m *MemoryStore) SetAuthTime(ctx context.Context, id terms.ID, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).authTime = at
	return nil
}

func (m *MemoryStore) SetFrozenUntil(ctx context.Context, id terms.ID, until int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).frozenUntil = until
	return nil
}

// record returns the record for id, creating it if absent.
// Caller must hold the write lock.
func (m *MemoryStore) record(id terms.ID) *periodRecord {
	rec, ok := m.state[id]
	if !ok {
		rec = &periodRecord{}
		m.state[id] = rec
	}
	return rec
}

var _ Store = (*MemoryStore)(nil)
