// Package syncutil provides key-scoped locking primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by NewShardedMutex when n <= 0.
const DefaultShards = 256

// ShardedMutex provides a bounded pool of mutexes keyed by string.
// Distinct keys may hash to the same shard, so a caller must never hold two
// locks from the same ShardedMutex at once. Use separate instances for
// nested critical sections.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a sharded mutex with n shards.
func NewShardedMutex(n int) *ShardedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}
