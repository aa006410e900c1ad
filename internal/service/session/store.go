package session

import (
	"context"
	"time"

	"github.com/scopehq/scope-client/internal/domain"
)

// Store is the live session store contract. The production implementation
// talks to Redis (internal/repository/redis); MemoryStore below serves tests
// and the dev stub server.
//
// Miss semantics: Get returns (nil, nil) for a missing or expired session —
// callers treat that as "not authenticated", never as an error.
type Store interface {
	// Create writes the session and indexes it under the owner's session
	// set. When opts.MaxConcurrentSessions is exceeded the oldest sessions
	// beyond the cap are evicted atomically with the write; their ids are
	// returned.
	Create(ctx context.Context, s *domain.Session, opts domain.SessionOptions) (evicted []string, err error)

	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Touch bumps last_activity to at. A positive extendTTL also resets the
	// record's TTL. Returns false when the session no longer exists.
	Touch(ctx context.Context, sessionID string, at time.Time, extendTTL time.Duration) (bool, error)

	// Delete removes the session and its set membership. Idempotent:
	// deleting an absent session returns false, not an error.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// DeleteUser destroys every session in the user's set and returns how
	// many were removed.
	DeleteUser(ctx context.Context, userID string) (int, error)

	// ListUser enumerates the user's live session ids.
	ListUser(ctx context.Context, userID string) ([]string, error)
}

// HistoryRepo records a durable audit trail of logins and logouts for the
// "manage devices" view. Implemented by internal/repository/postgres.
type HistoryRepo interface {
	RecordLogin(ctx context.Context, s *domain.Session) error
	RecordLogout(ctx context.Context, sessionID string, at time.Time) error
	ListRecent(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error)
}
