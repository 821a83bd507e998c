package account

import (
	"context"
	"sync"
)

// MemoryBackend keeps field mappings in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	users map[int64]Fields
	err   error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: make(map[int64]Fields)}
}

func (m *MemoryBackend) Fetch(_ context.Context, id int64) (Fields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	stored, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(stored), nil
}

func (m *MemoryBackend) Save(_ context.Context, id int64, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.users[id] = copyFields(fields)
	return nil
}

// SetRaw stores a mapping as-is, bypassing any validation.
func (m *MemoryBackend) SetRaw(id int64, fields Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = copyFields(fields)
}

// SetErr makes every following call fail with err until it is reset to nil.
func (m *MemoryBackend) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *MemoryBackend) Close() error { return nil }

func copyFields(src Fields) Fields {
	dst := make(Fields, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
