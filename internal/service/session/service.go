package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/scopehq/scope-client/internal/domain"
)

// Service drives the session lifecycle against the external store, applying
// the configured concurrency policy and recording a durable history trail
// when a HistoryRepo is attached.
//
// Failure semantics: every store round trip is fallible; callers fail safe
// and treat an unconfirmed session as "not authenticated".
type Service struct {
	store   Store
	history HistoryRepo // optional
	opts    domain.SessionOptions
	log     zerolog.Logger
	now     func() time.Time
}

// Option modifies a Service at construction time.
type Option func(*Service)

// WithHistory attaches a durable login/logout audit trail.
func WithHistory(h HistoryRepo) Option {
	return func(s *Service) { s.history = h }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts domain.SessionOptions, options ...Option) *Service {
	s := &Service{
		store: store,
		opts:  opts,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Options returns the configured concurrency policy.
func (s *Service) Options() domain.SessionOptions { return s.opts }

// CreateSession writes the session record and indexes it for its owner.
// Sessions beyond MaxConcurrentSessions are evicted oldest-first, atomically
// with the write.
func (s *Service) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.SessionID == "" || sess.UserID == "" {
		return fmt.Errorf("session id and user id are required")
	}
	if sess.LoginTime.IsZero() {
		sess.LoginTime = s.now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.LoginTime
	}

	evicted, err := s.store.Create(ctx, sess, s.opts)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	for _, id := range evicted {
		s.log.Info().Str("session_id", id).Str("user_id", sess.UserID).
			Msg("evicted oldest session over concurrency cap")
	}

	if s.history != nil {
		if err := s.history.RecordLogin(ctx, sess); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.SessionID).
				Msg("failed to record session history")
		}
		for _, id := range evicted {
			if err := s.history.RecordLogout(ctx, id, s.now()); err != nil {
				s.log.Warn().Err(err).Str("session_id", id).
					Msg("failed to record eviction in history")
			}
		}
	}
	return nil
}

// GetSession returns nil for a missing or expired session, never an error
// for the miss itself.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// UpdateActivity bumps last_activity and, when the policy extends on
// activity, resets the record's TTL. Returns false when the session is gone
// so callers can force a logout. With activity tracking disabled it is a
// successful no-op.
func (s *Service) UpdateActivity(ctx context.Context, sessionID string) (bool, error) {
	if !s.opts.TrackActivity {
		return true, nil
	}
	var extend time.Duration
	if s.opts.ExtendOnActivity {
		extend = s.opts.TTL
	}
	ok, err := s.store.Touch(ctx, sessionID, s.now(), extend)
	if err != nil {
		return false, fmt.Errorf("failed to update session activity: %w", err)
	}
	return ok, nil
}

// DestroySession removes the record and its set membership. Idempotent:
// destroying an absent session returns false.
func (s *Service) DestroySession(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.store.Delete(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to destroy session: %w", err)
	}
	if ok && s.history != nil {
		if err := s.history.RecordLogout(ctx, sessionID, s.now()); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).
				Msg("failed to record logout in history")
		}
	}
	return ok, nil
}

// DestroyUserSessions destroys every session owned by userID ("log out
// everywhere").
func (s *Service) DestroyUserSessions(ctx context.Context, userID string) error {
	ids, err := s.store.ListUser(ctx, userID)
	if err != nil {
		// The delete still proceeds; only the history trail loses its
		// logout records.
		s.log.Warn().Err(err).Str("user_id", userID).
			Msg("failed to list sessions before destroying them")
	}
	n, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to destroy user sessions: %w", err)
	}
	s.log.Info().Str("user_id", userID).Int("count", n).Msg("destroyed all user sessions")
	if s.history != nil {
		for _, id := range ids {
			if err := s.history.RecordLogout(ctx, id, s.now()); err != nil {
				s.log.Warn().Err(err).Str("session_id", id).
					Msg("failed to record logout in history")
			}
		}
	}
	return nil
}

// GetUserSessions enumerates the user's live session ids for the manage
// devices view.
func (s *Service) GetUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.ListUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return ids, nil
}

// GetSessionHistory returns the most recent login records for a user.
// Returns nil when no history repo is attached.
func (s *Service) GetSessionHistory(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListRecent(ctx, userID, limit)
}
