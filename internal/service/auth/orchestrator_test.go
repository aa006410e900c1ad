package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopehq/scope-client/internal/credstore"
	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/service/auth"
	"github.com/scopehq/scope-client/internal/service/session"
	"github.com/scopehq/scope-client/internal/transport/rest"
)

// stubBackend is the minimal auth backend the orchestrator talks to.
type stubBackend struct {
	t *testing.T

	loginStatus  int32         // 0 means success
	refreshHold  chan struct{} // when non-nil, refresh blocks until closed
	refreshFail  int32
	refreshCalls int32
	logoutCalls  int32
	logoutAuth   atomic.Value // Authorization header of the last logout call
}

func (b *stubBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			DeviceID string `json:"device_id"`
		}
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		if status := atomic.LoadInt32(&b.loginStatus); status != 0 {
			writeJSON(w, int(status), map[string]string{"error": "invalid email or password"})
			return
		}
		require.True(b.t, strings.HasPrefix(req.DeviceID, "device_"), "login must carry the device id")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "t1",
			"refresh_token": "r1",
			"session_id":    "s1",
			"user":          domain.User{ID: "u1", Username: "demo", Email: "a@b.com", Role: "trader"},
		})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.refreshCalls, 1)
		if b.refreshHold != nil {
			select {
			case <-b.refreshHold:
			case <-r.Context().Done():
				return
			}
		}
		if atomic.LoadInt32(&b.refreshFail) != 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
			return
		}
		writeJSON(w, http.StatusOK, domain.TokenPair{AccessToken: "t2", RefreshToken: "r2"})
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.logoutCalls, 1)
		b.logoutAuth.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
	})
	// Protected sample resource: accepts only the refreshed access token.
	mux.HandleFunc("/api/portfolio", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"positions": []string{}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fixture struct {
	backend *stubBackend
	creds   credstore.Store
	api     *rest.Client
	orch    *auth.Orchestrator
	svc     *session.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &stubBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	creds := credstore.NewMemoryStore()
	api := rest.NewClient(srv.URL, creds)
	svc := session.NewService(session.NewMemoryStore(), domain.SessionOptions{
		TTL:                   time.Hour,
		MaxConcurrentSessions: 5,
		TrackActivity:         true,
	})
	orch := auth.NewOrchestrator(api, creds, svc, auth.WithUserAgent("scope-client-test"))
	return &fixture{backend: backend, creds: creds, api: api, orch: orch, svc: svc}
}

func TestOrchestrator_LoginSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	state := f.orch.State()
	require.True(t, state.IsAuthenticated())
	require.Equal(t, "s1", state.SessionID)
	require.NotNil(t, state.User)
	require.Equal(t, "u1", state.User.ID)

	access, ok := f.creds.Get(credstore.KeyAccessToken)
	require.True(t, ok)
	require.Equal(t, "t1", access)
	sid, ok := f.creds.Get(credstore.KeySessionID)
	require.True(t, ok)
	require.Equal(t, "s1", sid)

	sess, err := f.svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess, "login writes the session record")
	require.Equal(t, "u1", sess.UserID)
}

func TestOrchestrator_LoginFailureReturnsToAnonymous(t *testing.T) {
	f := newFixture(t)
	atomic.StoreInt32(&f.backend.loginStatus, http.StatusUnauthorized)

	err := f.orch.Login(context.Background(), "a@b.com", "wrong")
	require.Error(t, err)

	state := f.orch.State()
	require.Equal(t, domain.PhaseAnonymous, state.Phase)
	require.False(t, state.IsLoading(), "a failed login must not park the machine in authenticating")
	require.NotEmpty(t, state.Err)

	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok)
}

func TestOrchestrator_RefreshSuccessKeepsSessionIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	require.NoError(t, f.orch.Refresh(ctx))

	state := f.orch.State()
	require.True(t, state.IsAuthenticated())
	require.Equal(t, "s1", state.SessionID, "session identity persists across token refresh")

	access, _ := f.creds.Get(credstore.KeyAccessToken)
	require.Equal(t, "t2", access)
	refresh, _ := f.creds.Get(credstore.KeyRefreshToken)
	require.Equal(t, "r2", refresh)
}

func TestOrchestrator_RefreshFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))
	atomic.StoreInt32(&f.backend.refreshFail, 1)

	require.Error(t, f.orch.Refresh(ctx))

	state := f.orch.State()
	require.Equal(t, domain.PhaseAnonymous, state.Phase)
	require.Equal(t, "session expired", state.Err)

	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok, "failed refresh clears credentials, forcing re-login")
	_, ok = f.creds.Get(credstore.KeyRefreshToken)
	require.False(t, ok)
}

func TestOrchestrator_FailedRefreshOnRequestPathForcesAnonymous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))
	atomic.StoreInt32(&f.backend.refreshFail, 1)

	// A feature request 401s, the shared refresh fails inside the rest
	// client; credentials and auth state must fall together.
	res := f.api.Do(ctx, http.MethodGet, "/api/portfolio", rest.Options{RequiresAuth: true})
	require.Equal(t, http.StatusUnauthorized, res.Status)

	state := f.orch.State()
	require.Equal(t, domain.PhaseAnonymous, state.Phase, "no half-authenticated state without a token pair")
	require.Nil(t, state.User)

	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok)
	_, ok = f.creds.Get(credstore.KeyRefreshToken)
	require.False(t, ok)
}

func TestOrchestrator_RequestPathRefreshSuccessStaysAuthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	// The stale t1 gets refreshed to t2 and the retry succeeds.
	res := f.api.Do(ctx, http.MethodGet, "/api/portfolio", rest.Options{RequiresAuth: true})
	require.True(t, res.OK(), "retry after refresh should succeed: %s", res.Err)

	require.True(t, f.orch.State().IsAuthenticated())
	access, _ := f.creds.Get(credstore.KeyAccessToken)
	require.Equal(t, "t2", access)
}

func TestOrchestrator_RefreshWhenAnonymousIsRejected(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Refresh(context.Background())
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
}

func TestOrchestrator_LogoutDestroysSessionAndClearsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	f.orch.Logout(ctx, false)

	state := f.orch.State()
	require.Equal(t, domain.PhaseAnonymous, state.Phase)
	require.Nil(t, state.User)
	require.Empty(t, state.SessionID)

	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok)

	sess, err := f.svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, sess, "logout destroys the session record")

	require.EqualValues(t, 1, atomic.LoadInt32(&f.backend.logoutCalls))
}

func TestOrchestrator_LogoutClearsCredentialsBeforeTheBackendCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	f.orch.Logout(ctx, false)

	// The store was cleared first, yet the backend call still carried the
	// bearer captured before the clear.
	require.Equal(t, "Bearer t1", f.backend.logoutAuth.Load())
	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok)

	// A login right after the logout keeps its fresh credentials; no
	// trailing clear runs behind it.
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))
	access, ok := f.creds.Get(credstore.KeyAccessToken)
	require.True(t, ok)
	require.Equal(t, "t1", access)
	require.True(t, f.orch.State().IsAuthenticated())
}

func TestOrchestrator_LogoutEverywhereDestroysAllUserSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	// A second device's session for the same user.
	require.NoError(t, f.svc.CreateSession(ctx, &domain.Session{
		SessionID: "s-other", UserID: "u1", LoginTime: time.Now(),
	}))

	f.orch.Logout(ctx, true)

	ids, err := f.svc.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOrchestrator_LogoutBeatsInFlightRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	hold := make(chan struct{})
	f.backend.refreshHold = hold

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- f.orch.Refresh(ctx) }()

	require.Eventually(t, func() bool {
		return f.orch.State().Phase == domain.PhaseRefreshing
	}, time.Second, time.Millisecond, "refresh should be in flight")

	f.orch.Logout(ctx, false)
	close(hold)

	err := <-refreshDone
	require.Error(t, err, "the superseded refresh must not report success")

	// Once both operations settle the machine is anonymous; the stale
	// refresh completion must not resurrect the session.
	state := f.orch.State()
	require.Equal(t, domain.PhaseAnonymous, state.Phase)
	require.Nil(t, state.User)

	_, ok := f.creds.Get(credstore.KeyAccessToken)
	require.False(t, ok)
	_, ok = f.creds.Get(credstore.KeyRefreshToken)
	require.False(t, ok)
}

func TestOrchestrator_LoginWhileAuthenticatedIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	err := f.orch.Login(ctx, "a@b.com", "x")
	require.Error(t, err, "login while authenticated is rejected")
}

func TestOrchestrator_CheckAuthStatus(t *testing.T) {
	t.Run("restores a live session", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

		// A fresh orchestrator over the same stores, as at app restart.
		restarted := auth.NewOrchestrator(
			rest.NewClient("http://unused.invalid", f.creds), f.creds, f.svc)
		state := restarted.CheckAuthStatus(ctx)

		require.True(t, state.IsAuthenticated())
		require.Equal(t, "s1", state.SessionID)
		require.Equal(t, "u1", state.User.ID)
	})

	t.Run("resolves to anonymous with no stored credentials", func(t *testing.T) {
		f := newFixture(t)
		state := f.orch.CheckAuthStatus(context.Background())
		require.Equal(t, domain.PhaseAnonymous, state.Phase)
		require.False(t, state.IsLoading())
	})

	t.Run("resolves to anonymous when the session is gone", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))
		_, err := f.svc.DestroySession(ctx, "s1")
		require.NoError(t, err)

		restarted := auth.NewOrchestrator(
			rest.NewClient("http://unused.invalid", f.creds), f.creds, f.svc)
		state := restarted.CheckAuthStatus(ctx)

		require.Equal(t, domain.PhaseAnonymous, state.Phase)
		_, ok := f.creds.Get(credstore.KeyAccessToken)
		require.False(t, ok, "stale credentials are cleared")
	})
}

func TestOrchestrator_TouchActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))

	require.True(t, f.orch.TouchActivity(ctx))

	// Session revoked server-side: the next tick forces a local logout.
	_, err := f.svc.DestroySession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, f.orch.TouchActivity(ctx))
	require.Equal(t, domain.PhaseAnonymous, f.orch.State().Phase)
}

func TestOrchestrator_DeviceIDIsStableAndSurvivesLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.orch.DeviceID()
	require.True(t, strings.HasPrefix(id, "device_"))
	require.Equal(t, id, f.orch.DeviceID(), "device id is generated once")

	require.NoError(t, f.orch.Login(ctx, "a@b.com", "x"))
	f.orch.Logout(ctx, false)

	require.Equal(t, id, f.orch.DeviceID(), "device id identifies the install, not the login")
}
