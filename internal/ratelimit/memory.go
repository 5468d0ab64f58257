package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local domain.WindowStore. Windows do not survive
// a restart; use store.SQLiteStore for that.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (m *MemoryStore) LoadWindow(_ context.Context, key string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.windows[key]...), nil
}

func (m *MemoryStore) SaveWindow(_ context.Context, key string, stamps []time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(stamps) == 0 {
		delete(m.windows, key)
		return nil
	}
	m.windows[key] = append([]time.Time(nil), stamps...)
	return nil
}
