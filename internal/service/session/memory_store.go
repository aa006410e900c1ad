package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scopehq/scope-client/internal/domain"
)

type memEntry struct {
	session   *domain.Session
	expiresAt time.Time
}

// MemoryStore is an in-memory Store with the same cap-eviction and expiry
// semantics as the Redis implementation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	users   map[string]map[string]struct{}
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		users:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *domain.Session, opts domain.SessionOptions) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeUserLocked(s.UserID)

	var evicted []string
	if opts.MaxConcurrentSessions > 0 {
		live := m.userSessionsLocked(s.UserID)
		if excess := len(live) - opts.MaxConcurrentSessions + 1; excess > 0 {
			sort.Slice(live, func(i, j int) bool {
				if !live[i].LoginTime.Equal(live[j].LoginTime) {
					return live[i].LoginTime.Before(live[j].LoginTime)
				}
				return live[i].SessionID < live[j].SessionID
			})
			for _, old := range live[:excess] {
				m.deleteLocked(old.SessionID)
				evicted = append(evicted, old.SessionID)
			}
		}
	}

	cp := *s
	entry := &memEntry{session: &cp}
	if opts.TTL > 0 {
		entry.expiresAt = m.now().Add(opts.TTL)
	}
	m.entries[s.SessionID] = entry
	if m.users[s.UserID] == nil {
		m.users[s.UserID] = make(map[string]struct{})
	}
	m.users[s.UserID][s.SessionID] = struct{}{}
	return evicted, nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveLocked(sessionID)
	if entry == nil {
		return nil, nil
	}
	cp := *entry.session
	return &cp, nil
}

func (m *MemoryStore) Touch(ctx context.Context, sessionID string, at time.Time, extendTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveLocked(sessionID)
	if entry == nil {
		return false, nil
	}
	if at.After(entry.session.LastActivity) {
		entry.session.LastActivity = at
	}
	if extendTTL > 0 {
		entry.expiresAt = m.now().Add(extendTTL)
	}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveLocked(sessionID) == nil {
		return false, nil
	}
	m.deleteLocked(sessionID)
	return true, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeUserLocked(userID)
	ids := m.users[userID]
	n := len(ids)
	for id := range ids {
		m.deleteLocked(id)
	}
	return n, nil
}

func (m *MemoryStore) ListUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeUserLocked(userID)
	ids := make([]string, 0, len(m.users[userID]))
	for id := range m.users[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// liveLocked returns the entry if present and unexpired, dropping it otherwise.
func (m *MemoryStore) liveLocked(sessionID string) *memEntry {
	entry, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.deleteLocked(sessionID)
		return nil
	}
	return entry
}

func (m *MemoryStore) deleteLocked(sessionID string) {
	entry, ok := m.entries[sessionID]
	if !ok {
		return
	}
	delete(m.entries, sessionID)
	if set, ok := m.users[entry.session.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.users, entry.session.UserID)
		}
	}
}

func (m *MemoryStore) purgeUserLocked(userID string) {
	for id := range m.users[userID] {
		m.liveLocked(id)
	}
}

func (m *MemoryStore) userSessionsLocked(userID string) []*domain.Session {
	var out []*domain.Session
	for id := range m.users[userID] {
		if entry := m.liveLocked(id); entry != nil {
			out = append(out, entry.session)
		}
	}
	return out
}
