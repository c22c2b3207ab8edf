package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryValue struct {
	value    []byte
	revision uint64
}

// MemoryStore is an in-process Store. Revisions are drawn from a single
// counter shared by all keys, matching JetStream stream sequence semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]memoryValue
	sequence uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryValue)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{Key: key, Value: copyBytes(v.value), Revision: v.revision}, nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; ok {
		return 0, ErrKeyExists
	}
	return m.putLocked(key, value), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if !ok || current.revision != lastRevision {
		return 0, ErrRevisionMismatch
	}
	return m.putLocked(key, value), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; ok {
		m.sequence++
		delete(m.data, key)
	}
	return nil
}

// Keys implements Store.
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) putLocked(key string, value []byte) uint64 {
	m.sequence++
	m.data[key] = memoryValue{value: copyBytes(value), revision: m.sequence}
	return m.sequence
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
