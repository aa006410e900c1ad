// Package auth is the client-side auth orchestrator: a tagged state machine
// (anonymous, authenticating, authenticated, refreshing) that is the single
// writer of AuthState. Credentials are mutated only here and in the rest
// client's refresh path; no other component may touch either.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopehq/scope-client/internal/credstore"
	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/service/session"
	"github.com/scopehq/scope-client/internal/transport/rest"
	pkgauth "github.com/scopehq/scope-client/pkg/auth"
)

var (
	// ErrLoginInFlight rejects a duplicate submission while a login or
	// register call is already pending.
	ErrLoginInFlight = errors.New("authentication already in progress")

	// ErrNotAuthenticated rejects operations that require a live session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSuperseded reports that a logout won the race against this call;
	// its result was discarded.
	ErrSuperseded = errors.New("superseded by logout")
)

// Orchestrator drives the auth lifecycle. All transitions run under mu; gen
// increments on every logout so a stale login or refresh completion cannot
// resurrect a cleared session.
type Orchestrator struct {
	api      *rest.Client
	creds    credstore.Store
	sessions *session.Service
	log      zerolog.Logger
	now      func() time.Time
	agent    string

	mu            sync.Mutex
	state         domain.AuthState
	gen           int
	refreshCancel context.CancelFunc
}

// Option modifies an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithUserAgent sets the client identifier recorded on session records.
func WithUserAgent(agent string) Option {
	return func(o *Orchestrator) { o.agent = agent }
}

func NewOrchestrator(api *rest.Client, creds credstore.Store, sessions *session.Service, options ...Option) *Orchestrator {
	o := &Orchestrator{
		api:      api,
		creds:    creds,
		sessions: sessions,
		log:      zerolog.Nop(),
		now:      time.Now,
		state:    domain.AuthState{Phase: domain.PhaseAnonymous},
	}
	for _, opt := range options {
		opt(o)
	}
	// A refresh triggered by a feature request can fail inside the rest
	// client; the credentials are gone at that point, so the state must
	// leave authenticated with them.
	api.OnAuthFailure(o.expireSession)
	return o
}

// expireSession forces the anonymous transition after the rest client
// cleared the credentials on a failed refresh.
func (o *Orchestrator) expireSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase != domain.PhaseAuthenticated && o.state.Phase != domain.PhaseRefreshing {
		return
	}
	o.gen++
	if o.refreshCancel != nil {
		o.refreshCancel()
		o.refreshCancel = nil
	}
	o.state = domain.AuthState{Phase: domain.PhaseAnonymous, Err: "session expired"}
	o.log.Info().Msg("session expired after failed token refresh")
}

// State returns a snapshot of the current auth state.
func (o *Orchestrator) State() domain.AuthState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

// RegisterParams carries the register form.
type RegisterParams struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         domain.User `json:"user"`
	SessionID    string      `json:"session_id"`
}

// Login authenticates with email and password. On success it stores the
// token pair, writes the session record and transitions to authenticated. On
// failure the machine returns to anonymous with the error recorded.
func (o *Orchestrator) Login(ctx context.Context, email, password string) error {
	gen, err := o.beginLogin()
	if err != nil {
		return err
	}
	body := loginRequest{Email: email, Password: password, DeviceID: o.DeviceID()}
	return o.finishLogin(ctx, gen, o.api.Do(ctx, http.MethodPost, "/api/auth/login", rest.Options{Body: body}))
}

// Register creates an account and logs it in; the backend responds with the
// same shape as login.
func (o *Orchestrator) Register(ctx context.Context, params RegisterParams) error {
	gen, err := o.beginLogin()
	if err != nil {
		return err
	}
	params.DeviceID = o.DeviceID()
	return o.finishLogin(ctx, gen, o.api.Do(ctx, http.MethodPost, "/api/auth/register", rest.Options{Body: params}))
}

// beginLogin moves anonymous -> authenticating and hands back the generation
// the attempt belongs to.
func (o *Orchestrator) beginLogin() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsLoading() {
		return 0, ErrLoginInFlight
	}
	if o.state.Phase == domain.PhaseAuthenticated {
		return 0, fmt.Errorf("already authenticated as session %s", o.state.SessionID)
	}
	o.state = domain.AuthState{Phase: domain.PhaseAuthenticating}
	return o.gen, nil
}

func (o *Orchestrator) finishLogin(ctx context.Context, gen int, res rest.Result) error {
	if !res.OK() {
		o.failLogin(gen, res.Err)
		return errors.New(res.Err)
	}
	var lr loginResponse
	if err := res.Decode(&lr); err != nil {
		o.failLogin(gen, "malformed login response")
		return fmt.Errorf("malformed login response: %w", err)
	}
	if lr.AccessToken == "" || lr.RefreshToken == "" || lr.SessionID == "" {
		o.failLogin(gen, "login response missing credentials")
		return errors.New("login response missing credentials")
	}
	return o.completeLogin(ctx, gen, lr)
}

// failLogin records a failed attempt and resets to anonymous, unless a
// logout already moved the machine on.
func (o *Orchestrator) failLogin(gen int, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.state = domain.AuthState{Phase: domain.PhaseAnonymous, Err: msg}
}

// completeLogin persists credentials, writes the session record and commits
// the authenticated state. A logout that raced in wins: the freshly minted
// credentials and session are torn down instead of committed.
func (o *Orchestrator) completeLogin(ctx context.Context, gen int, lr loginResponse) error {
	if err := o.api.StoreTokens(domain.TokenPair{AccessToken: lr.AccessToken, RefreshToken: lr.RefreshToken}); err != nil {
		o.failLogin(gen, "failed to store credentials")
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := o.creds.Set(credstore.KeySessionID, lr.SessionID, o.sessions.Options().TTL); err != nil {
		o.failLogin(gen, "failed to store session id")
		return fmt.Errorf("failed to store session id: %w", err)
	}

	sess := &domain.Session{
		SessionID:   lr.SessionID,
		UserID:      lr.User.ID,
		Username:    lr.User.Username,
		Email:       lr.User.Email,
		Role:        lr.User.Role,
		Permissions: lr.User.Permissions,
		LoginTime:   o.now(),
		UserAgent:   o.agent,
		DeviceID:    o.DeviceID(),
	}
	if err := o.sessions.CreateSession(ctx, sess); err != nil {
		// Tokens without a session record are a half-authenticated state;
		// fail safe by rolling the credentials back.
		if clearErr := o.creds.Clear(); clearErr != nil {
			o.log.Error().Err(clearErr).Msg("failed to clear credentials after session create failure")
		}
		o.failLogin(gen, "failed to create session")
		return err
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		o.discardLogin(lr.SessionID)
		return ErrSuperseded
	}
	user := lr.User
	o.state = domain.AuthState{Phase: domain.PhaseAuthenticated, User: &user, SessionID: lr.SessionID}
	o.mu.Unlock()

	o.log.Info().Str("user_id", lr.User.ID).Str("session_id", lr.SessionID).Msg("authenticated")
	return nil
}

// discardLogin tears down the artifacts of a login that lost the race
// against a logout.
func (o *Orchestrator) discardLogin(sessionID string) {
	o.log.Info().Str("session_id", sessionID).Msg("discarding login superseded by logout")
	if _, err := o.sessions.DestroySession(context.Background(), sessionID); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to destroy superseded session")
	}
	if err := o.creds.Clear(); err != nil {
		o.log.Error().Err(err).Msg("failed to clear superseded credentials")
	}
}

// Refresh exchanges the stored refresh token for a new pair in place; the
// session identity persists across it. A failed refresh is terminal: it
// clears credentials and state, forcing re-login, and never loops.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Phase != domain.PhaseAuthenticated {
		o.mu.Unlock()
		return ErrNotAuthenticated
	}
	gen := o.gen
	o.state.Phase = domain.PhaseRefreshing
	rctx, cancel := context.WithCancel(ctx)
	o.refreshCancel = cancel
	o.mu.Unlock()
	defer cancel()

	err := o.api.Refresh(rctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		// Logout won while the exchange was in flight; its cleanup stands.
		return ErrSuperseded
	}
	o.refreshCancel = nil
	if err != nil {
		o.log.Warn().Err(err).Msg("token refresh failed, forcing logout")
		if clearErr := o.creds.Clear(); clearErr != nil {
			o.log.Error().Err(clearErr).Msg("failed to clear credentials after refresh failure")
		}
		o.state = domain.AuthState{Phase: domain.PhaseAnonymous, Err: "session expired"}
		return err
	}
	o.state.Phase = domain.PhaseAuthenticated
	return nil
}

// Logout destroys the current session (or every session for the user when
// everywhere is set), clears the credential store and resets state. It wins
// any race against an in-flight refresh or login: state clears immediately
// and the stale completion is discarded. Backend failures are logged, never
// surfaced.
func (o *Orchestrator) Logout(ctx context.Context, everywhere bool) {
	o.mu.Lock()
	o.gen++
	if o.refreshCancel != nil {
		o.refreshCancel()
		o.refreshCancel = nil
	}
	sessionID := o.state.SessionID
	var userID string
	if o.state.User != nil {
		userID = o.state.User.ID
	}
	o.state = domain.AuthState{Phase: domain.PhaseAnonymous}
	// Capture the bearer and clear the store before releasing the lock, so
	// a login that starts after this logout can never have its fresh tokens
	// wiped by a trailing clear.
	token, _ := o.creds.Get(credstore.KeyAccessToken)
	if err := o.creds.Clear(); err != nil {
		o.log.Error().Err(err).Msg("failed to clear credentials")
	}
	o.mu.Unlock()

	// Best-effort server-side logout, authorized with the captured bearer.
	header := make(http.Header)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	res := o.api.Do(ctx, http.MethodPost, "/api/auth/logout", rest.Options{SkipRefresh: true, Header: header})
	if !res.OK() {
		o.log.Warn().Str("error", res.Err).Int("status", res.Status).Msg("backend logout failed")
	}

	if everywhere && userID != "" {
		if err := o.sessions.DestroyUserSessions(ctx, userID); err != nil {
			o.log.Warn().Err(err).Str("user_id", userID).Msg("failed to destroy user sessions")
		}
	} else if sessionID != "" {
		if _, err := o.sessions.DestroySession(ctx, sessionID); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to destroy session")
		}
	}

	o.log.Info().Bool("everywhere", everywhere).Msg("logged out")
}

// CheckAuthStatus reconstructs the authenticated state from stored
// credentials at application start. Any failure resolves to anonymous; the
// machine never parks in authenticating.
func (o *Orchestrator) CheckAuthStatus(ctx context.Context) domain.AuthState {
	o.mu.Lock()
	if o.state.Phase != domain.PhaseAnonymous {
		state := o.state
		o.mu.Unlock()
		return state
	}
	gen := o.gen
	o.state = domain.AuthState{Phase: domain.PhaseAuthenticating}
	o.mu.Unlock()

	sess := o.restoreSession(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return o.state
	}
	if sess == nil {
		o.state = domain.AuthState{Phase: domain.PhaseAnonymous}
		return o.state
	}
	o.state = domain.AuthState{
		Phase: domain.PhaseAuthenticated,
		User: &domain.User{
			ID:          sess.UserID,
			Username:    sess.Username,
			Email:       sess.Email,
			Role:        sess.Role,
			Permissions: sess.Permissions,
		},
		SessionID: sess.SessionID,
	}
	o.log.Info().Str("session_id", sess.SessionID).Msg("restored session from stored credentials")
	return o.state
}

// restoreSession validates the stored credentials against the session store.
// Stale credentials are cleared so the next start misses fast.
func (o *Orchestrator) restoreSession(ctx context.Context) *domain.Session {
	sessionID, ok := o.creds.Get(credstore.KeySessionID)
	if !ok {
		return nil
	}
	if _, ok := o.creds.Get(credstore.KeyAccessToken); !ok {
		o.clearStaleCredentials("missing access token")
		return nil
	}
	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("session lookup failed")
		return nil
	}
	if sess == nil {
		o.clearStaleCredentials("session expired or revoked")
		return nil
	}
	if alive, err := o.sessions.UpdateActivity(ctx, sessionID); err != nil || !alive {
		o.clearStaleCredentials("session no longer live")
		return nil
	}
	return sess
}

func (o *Orchestrator) clearStaleCredentials(reason string) {
	o.log.Info().Str("reason", reason).Msg("clearing stale credentials")
	if err := o.creds.Clear(); err != nil {
		o.log.Error().Err(err).Msg("failed to clear stale credentials")
	}
}

// TouchActivity bumps the session's last-activity stamp. Returns false when
// the session is gone server-side, in which case local state is cleared so
// the caller can route to login.
func (o *Orchestrator) TouchActivity(ctx context.Context) bool {
	o.mu.Lock()
	if o.state.Phase != domain.PhaseAuthenticated {
		o.mu.Unlock()
		return false
	}
	gen := o.gen
	sessionID := o.state.SessionID
	o.mu.Unlock()

	alive, err := o.sessions.UpdateActivity(ctx, sessionID)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("activity update failed")
		return true // transient store failure does not log the user out
	}
	if alive {
		return true
	}

	o.mu.Lock()
	if o.gen == gen {
		o.state = domain.AuthState{Phase: domain.PhaseAnonymous, Err: "session expired"}
	}
	o.mu.Unlock()
	if err := o.creds.Clear(); err != nil {
		o.log.Error().Err(err).Msg("failed to clear credentials for expired session")
	}
	return false
}

// SessionHistory returns the recent login records for the signed-in user.
func (o *Orchestrator) SessionHistory(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	o.mu.Lock()
	var userID string
	if o.state.User != nil {
		userID = o.state.User.ID
	}
	o.mu.Unlock()
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	return o.sessions.GetSessionHistory(ctx, userID, limit)
}

// ActiveSessions lists the signed-in user's live session ids for the manage
// devices view.
func (o *Orchestrator) ActiveSessions(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	var userID string
	if o.state.User != nil {
		userID = o.state.User.ID
	}
	o.mu.Unlock()
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	return o.sessions.GetUserSessions(ctx, userID)
}

// DeviceID returns the stable install identifier, generating and persisting
// one on first use. It survives logout.
func (o *Orchestrator) DeviceID() string {
	if id, ok := o.creds.Get(credstore.KeyDeviceID); ok {
		return id
	}
	id := fmt.Sprintf("device_%d_%s", o.now().UnixMilli(), pkgauth.GenerateToken()[:9])
	if err := o.creds.Set(credstore.KeyDeviceID, id, 0); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist device id")
	}
	return id
}
