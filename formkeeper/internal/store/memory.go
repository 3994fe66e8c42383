package store

import (
	"context"
	"sync"
)

// Memory is an in-process Gateway. Values are copied in and out.
type Memory struct {
	mu       sync.Mutex
	data     map[string][]byte
	capacity int64
	closed   bool
}

// NewMemory returns an empty store. capacity <= 0 means unknown.
func NewMemory(capacity int64) *Memory {
	return &Memory{data: make(map[string][]byte), capacity: capacity}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) BytesInUse(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	if len(keys) == 0 {
		for k, v := range m.data {
			n += entrySize(k, v)
		}
		return n, nil
	}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			n += entrySize(k, v)
		}
	}
	return n, nil
}

func (m *Memory) Capacity() (int64, bool) {
	return m.capacity, m.capacity > 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
