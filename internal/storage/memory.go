package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. A MaxBytes of zero means unbounded.
type Memory struct {
	mu       sync.RWMutex
	buckets  map[string]map[string][]byte
	used     int64
	maxBytes int64
	closed   bool
}

// NewMemory creates an empty in-memory backend bounded to maxBytes.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		buckets:  make(map[string]map[string][]byte),
		maxBytes: maxBytes,
	}
}

func (m *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	val, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	delta := int64(len(value)) - int64(len(b[key]))
	if m.maxBytes > 0 && m.used+delta > m.maxBytes {
		return ErrFull
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	m.used += delta
	return nil
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if val, ok := m.buckets[bucket][key]; ok {
		m.used -= int64(len(val))
		delete(m.buckets[bucket], key)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Size(ctx context.Context, bucket string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if bucket == "" {
		return m.used, nil
	}
	var total int64
	for _, v := range m.buckets[bucket] {
		total += int64(len(v))
	}
	return total, nil
}

// Close marks the backend closed; later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
