// Package syncutil provides keyed locking primitives for serializing
// lifecycle actions per payment identity.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// shardCount bounds memory regardless of how many identities are seen,
// at the cost of occasional false sharing between identities that hash
// to the same shard.
const shardCount = 512

// ContextShardedMutex is a fixed-size pool of channel-based mutexes
// keyed by string. Callers waiting to acquire a lock bail out when
// their context is cancelled, which an ordinary sync.Mutex cannot do.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
}

// chanMutex is a one-slot buffered channel used as a mutex so that
// acquisition can select against context cancellation.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i].ch = make(chan struct{}, 1)
		m.shards[i].ch <- struct{}{} // start unlocked
	}
	return m
}

// LockContext acquires the lock for key, respecting context
// cancellation while waiting. On success it returns an unlock function
// the caller must invoke; on cancellation it returns the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := &m.shards[m.shardIdx(key)]
	select {
	case <-shard.ch:
		var once sync.Once
		return func() {
			once.Do(func() { shard.ch <- struct{}{} })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
