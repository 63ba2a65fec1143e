package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/yndnr/vmsnap-go/internal/storage"
)

// Store is a map-backed KV engine.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get retrieves a copy of the value stored under key.
func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

// Set stores a copy of value.
func (s *Store) Set(_ context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.data[string(key)] = bytes.Clone(value)
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.data, string(key))
	return nil
}

// Scan visits the keys with prefix in ascending order. fn runs without the
// store lock held, on a point-in-time copy.
func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	keys := make([]string, 0, len(s.data))
	values := make(map[string][]byte)
	for k, v := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
			values[k] = bytes.Clone(v)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn([]byte(k), values[k]) {
			break
		}
	}
	return nil
}

// GC is a no-op.
func (s *Store) GC(context.Context) (uint64, error) { return 0, nil }

// Stats reports the key count and the summed key and value sizes.
func (s *Store) Stats(context.Context) (*storage.KVStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &storage.KVStats{TotalKeys: uint64(len(s.data))}
	for k, v := range s.data {
		stats.TotalSize += uint64(len(k) + len(v))
	}
	return stats, nil
}

// Close drops the data. Later calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}

var _ storage.KVEngine = (*Store)(nil)
