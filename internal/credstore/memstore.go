package credstore

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and short-lived tools.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (ms *MemoryStore) Set(name, value string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = ms.now().Add(ttl)
	}
	ms.entries[name] = e
	return nil
}

func (ms *MemoryStore) Get(name string) (string, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[name]
	if !ok {
		return "", false
	}
	if !e.ExpiresAt.IsZero() && ms.now().After(e.ExpiresAt) {
		delete(ms.entries, name)
		return "", false
	}
	return e.Value, true
}

func (ms *MemoryStore) Clear() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, name := range authKeys {
		delete(ms.entries, name)
	}
	return nil
}
