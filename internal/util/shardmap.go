package util

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is the shard count used by the per-key perimeter stores.
const DefaultShards = 16

var shardSeed = maphash.MakeSeed()

// ShardedMap is a string-keyed map split across independently locked shards so
// that unrelated keys never contend on the same mutex.
type ShardedMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewShardedMap returns a map with n shards (DefaultShards when n <= 0).
func NewShardedMap[V any](n int) *ShardedMap[V] {
	if n <= 0 {
		n = DefaultShards
	}
	s := &ShardedMap[V]{shards: make([]*mapShard[V], n)}
	for i := range s.shards {
		s.shards[i] = &mapShard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *ShardedMap[V]) shard(key string) *mapShard[V] {
	return s.shards[maphash.String(shardSeed, key)%uint64(len(s.shards))]
}

// Get returns the value stored for key.
func (s *ShardedMap[V]) Get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the value for key, storing create() first if absent.
// create runs under the shard lock and must not call back into the map.
func (s *ShardedMap[V]) GetOrCreate(key string, create func() V) V {
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return v
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok = sh.m[key]; ok {
		return v
	}
	v = create()
	sh.m[key] = v
	return v
}

// Set stores v under key.
func (s *ShardedMap[V]) Set(key string, v V) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.m[key] = v
	sh.mu.Unlock()
}

// Delete removes key.
func (s *ShardedMap[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// DeleteIf removes key when pred reports true, evaluated under the shard lock.
func (s *ShardedMap[V]) DeleteIf(key string, pred func(V) bool) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if !ok || !pred(v) {
		return false
	}
	delete(sh.m, key)
	return true
}

// Sweep walks one shard at a time and deletes entries for which evict reports true.
// Each shard is locked only while it is being swept. Returns the number removed.
func (s *ShardedMap[V]) Sweep(evict func(key string, v V) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.m {
			if evict(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Range calls fn for a snapshot of each shard's entries without holding any lock
// while fn runs. Iteration stops when fn returns false.
func (s *ShardedMap[V]) Range(fn func(key string, v V) bool) {
	type kv struct {
		k string
		v V
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		snap := make([]kv, 0, len(sh.m))
		for k, v := range sh.m {
			snap = append(snap, kv{k, v})
		}
		sh.mu.RUnlock()
		for _, e := range snap {
			if !fn(e.k, e.v) {
				return
			}
		}
	}
}

// Len returns the total number of entries.
func (s *ShardedMap[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
