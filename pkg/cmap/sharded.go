package cmap

import (
	"fmt"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultShardCount is the shard count used by New.
const DefaultShardCount = 16

// Map is a concurrent-safe sharded map.
type Map[K comparable, V any] struct {
	shards    []*shard[K, V]
	shardMask uint64
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New creates a map with DefaultShardCount shards.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithShards[K, V](DefaultShardCount)
}

// NewWithShards creates a map with shardCount shards. A count that is not
// a positive power of two falls back to DefaultShardCount.
func NewWithShards[K comparable, V any](shardCount int) *Map[K, V] {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = DefaultShardCount
	}
	m := &Map[K, V]{
		shards:    make([]*shard[K, V], shardCount),
		shardMask: uint64(shardCount - 1),
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

// hashKey hashes the textual form of a key. Strings and fmt.Stringers
// (uuid.UUID among them) avoid the fmt round trip.
func hashKey[K comparable](key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return murmur3.Sum64([]byte(k))
	case fmt.Stringer:
		return murmur3.Sum64([]byte(k.String()))
	default:
		return murmur3.Sum64([]byte(fmt.Sprint(k)))
	}
}

func (m *Map[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[hashKey(key)&m.shardMask]
}

// Get retrieves a value by key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	val, ok := shard.items[key]
	return val, ok
}

// Set stores a key-value pair.
func (m *Map[K, V]) Set(key K, value V) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.items[key] = value
}

// SetIfAbsent stores the value unless the key exists and reports whether
// it did.
func (m *Map[K, V]) SetIfAbsent(key K, value V) bool {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.items[key]; ok {
		return false
	}
	shard.items[key] = value
	return true
}

// Delete removes a key.
func (m *Map[K, V]) Delete(key K) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

// Pop removes a key and returns its value.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	val, ok := shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	return val, ok
}

// DeleteFunc removes every entry for which fn returns true and returns
// how many were removed. fn runs under the shard's write lock.
func (m *Map[K, V]) DeleteFunc(fn func(key K, value V) bool) int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for k, v := range shard.items {
			if fn(k, v) {
				delete(shard.items, k)
				n++
			}
		}
		shard.mu.Unlock()
	}
	return n
}

// Has checks if a key exists.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Count returns the total number of items.
func (m *Map[K, V]) Count() int {
	count := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Range calls fn for every entry until fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, v := range shard.items {
			if !fn(k, v) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Keys returns all keys.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Count())
	m.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Values returns all values.
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0, m.Count())
	m.Range(func(_ K, value V) bool {
		values = append(values, value)
		return true
	})
	return values
}

// ShardCount returns the number of shards.
func (m *Map[K, V]) ShardCount() int { return len(m.shards) }

// ShardSizes returns the number of entries in each shard.
func (m *Map[K, V]) ShardSizes() []int {
	sizes := make([]int, len(m.shards))
	for i, shard := range m.shards {
		shard.mu.RLock()
		sizes[i] = len(shard.items)
		shard.mu.RUnlock()
	}
	return sizes
}
