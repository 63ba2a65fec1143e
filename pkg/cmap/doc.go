// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards by a murmur3 hash;
// each shard has its own RWMutex. The task table and the machine table
// use it.
//
//	m := cmap.New[string, *task.Progress]()
//	m.Set(id, p)
//	p, ok := m.Get(id)
//
// Range and the helpers built on it lock one shard at a time, so they do
// not see a consistent snapshot of the whole map.
package cmap
