package session_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/service/session"
)

func newService(t *testing.T, opts domain.SessionOptions, options ...session.Option) *session.Service {
	t.Helper()
	return session.NewService(session.NewMemoryStore(), opts, options...)
}

func makeSession(id, userID string, loginTime time.Time) *domain.Session {
	return &domain.Session{
		SessionID: id,
		UserID:    userID,
		Username:  "trader-" + userID,
		Email:     userID + "@scope.dev",
		Role:      "trader",
		LoginTime: loginTime,
	}
}

func TestService_CreateAndGetRoundTrip(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: time.Hour, TrackActivity: true})
	ctx := context.Background()

	sess := makeSession("s1", "u1", time.Now())
	sess.Permissions = []string{"trade", "view"}
	sess.DeviceID = "device_1700000000000_abc123def"
	require.NoError(t, svc.CreateSession(ctx, sess))

	got, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "trader-u1", got.Username)
	require.Equal(t, []string{"trade", "view"}, got.Permissions)
	require.Equal(t, sess.DeviceID, got.DeviceID)
	require.Equal(t, sess.LoginTime.Unix(), got.LoginTime.Unix())
}

func TestService_GetMissingSessionReturnsNil(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: time.Hour})
	got, err := svc.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestService_ConcurrencyCapEvictsOldest(t *testing.T) {
	const maxSessions = 3
	svc := newService(t, domain.SessionOptions{TTL: time.Hour, MaxConcurrentSessions: maxSessions})
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		sess := makeSession(fmt.Sprintf("s%d", i), "u1", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, svc.CreateSession(ctx, sess))

		ids, err := svc.GetUserSessions(ctx, "u1")
		require.NoError(t, err)
		require.LessOrEqual(t, len(ids), maxSessions, "session count must never exceed the cap")
	}

	// The survivors are exactly the newest cap sessions.
	ids, err := svc.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s4", "s5", "s6"}, ids)

	// Evicted sessions are gone.
	for _, id := range []string{"s0", "s1", "s2", "s3"} {
		got, err := svc.GetSession(ctx, id)
		require.NoError(t, err)
		require.Nil(t, got, "evicted session %s should be gone", id)
	}
}

func TestService_CapDoesNotCrossUsers(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: time.Hour, MaxConcurrentSessions: 1})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, svc.CreateSession(ctx, makeSession("a1", "alice", now)))
	require.NoError(t, svc.CreateSession(ctx, makeSession("b1", "bob", now)))

	got, err := svc.GetSession(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got, "another user's login must not evict this session")
}

func TestService_DestroySessionIsIdempotent(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, svc.CreateSession(ctx, makeSession("s1", "u1", time.Now())))

	ok, err := svc.DestroySession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.DestroySession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok, "second destroy returns false, never errors")
}

func TestService_DestroyUserSessionsRemovesAll(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: time.Hour})
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, svc.CreateSession(ctx, makeSession(id, "u1", now)))
	}
	require.NoError(t, svc.CreateSession(ctx, makeSession("other", "u2", now)))

	require.NoError(t, svc.DestroyUserSessions(ctx, "u1"))

	ids, err := svc.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, ids)

	got, err := svc.GetSession(ctx, "other")
	require.NoError(t, err)
	require.NotNil(t, got, "other users' sessions survive")
}

func TestService_UpdateActivity(t *testing.T) {
	t.Run("bumps last activity", func(t *testing.T) {
		clock := time.Now()
		svc := session.NewService(session.NewMemoryStore(),
			domain.SessionOptions{TTL: time.Hour, TrackActivity: true},
			session.WithNowTime(func() time.Time { return clock }),
		)
		ctx := context.Background()
		require.NoError(t, svc.CreateSession(ctx, makeSession("s1", "u1", clock)))

		clock = clock.Add(10 * time.Minute)
		ok, err := svc.UpdateActivity(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := svc.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, clock.Unix(), got.LastActivity.Unix())
	})

	t.Run("returns false for a missing session", func(t *testing.T) {
		svc := newService(t, domain.SessionOptions{TTL: time.Hour, TrackActivity: true})
		ok, err := svc.UpdateActivity(context.Background(), "gone")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("no-op when tracking is disabled", func(t *testing.T) {
		svc := newService(t, domain.SessionOptions{TTL: time.Hour, TrackActivity: false})
		ok, err := svc.UpdateActivity(context.Background(), "whatever")
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestService_SessionsExpire(t *testing.T) {
	svc := newService(t, domain.SessionOptions{TTL: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, svc.CreateSession(ctx, makeSession("s1", "u1", time.Now())))

	require.Eventually(t, func() bool {
		got, err := svc.GetSession(ctx, "s1")
		return err == nil && got == nil
	}, time.Second, 5*time.Millisecond, "expired session should read as a miss")

	ids, err := svc.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, ids, "expired session should leave the user index")
}

// failingListStore wraps a working store with a ListUser that always errors.
type failingListStore struct {
	session.Store
}

func (f *failingListStore) ListUser(ctx context.Context, userID string) ([]string, error) {
	return nil, fmt.Errorf("session index unavailable")
}

func TestService_DestroyUserSessionsSurvivesListFailure(t *testing.T) {
	hist := &recordingHistory{}
	svc := session.NewService(&failingListStore{Store: session.NewMemoryStore()},
		domain.SessionOptions{TTL: time.Hour},
		session.WithHistory(hist),
	)
	ctx := context.Background()
	require.NoError(t, svc.CreateSession(ctx, makeSession("s1", "u1", time.Now())))

	// The delete proceeds even though the id listing failed; only the
	// history logout records are lost.
	require.NoError(t, svc.DestroyUserSessions(ctx, "u1"))

	got, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Empty(t, hist.logouts)
}

type recordingHistory struct {
	logins  []string
	logouts []string
}

func (r *recordingHistory) RecordLogin(ctx context.Context, s *domain.Session) error {
	r.logins = append(r.logins, s.SessionID)
	return nil
}

func (r *recordingHistory) RecordLogout(ctx context.Context, sessionID string, at time.Time) error {
	r.logouts = append(r.logouts, sessionID)
	return nil
}

func (r *recordingHistory) ListRecent(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error) {
	return nil, nil
}

func TestService_HistoryRecordsLoginsLogoutsAndEvictions(t *testing.T) {
	hist := &recordingHistory{}
	svc := session.NewService(session.NewMemoryStore(),
		domain.SessionOptions{TTL: time.Hour, MaxConcurrentSessions: 1},
		session.WithHistory(hist),
	)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, svc.CreateSession(ctx, makeSession("s1", "u1", base)))
	require.NoError(t, svc.CreateSession(ctx, makeSession("s2", "u1", base.Add(time.Minute))))

	ok, err := svc.DestroySession(ctx, "s2")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"s1", "s2"}, hist.logins)
	// s1 was evicted by s2's login; s2 was destroyed explicitly.
	require.Equal(t, []string{"s1", "s2"}, hist.logouts)
}
