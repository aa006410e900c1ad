// Command stubserver is a local development backend for the client: the
// auth endpoints, a protected sample resource and a websocket feed that
// emits mock market data. It keeps everything in memory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/scopehq/scope-client/internal/config"
	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/service/session"
	pkgauth "github.com/scopehq/scope-client/pkg/auth"
)

type stubUser struct {
	ID           string
	Username     string
	Email        string
	Role         string
	PasswordHash string
}

type server struct {
	log      zerolog.Logger
	issuer   *pkgauth.TokenIssuer
	sessions *session.Service
	upgrader websocket.Upgrader

	mu    sync.Mutex
	users map[string]*stubUser // keyed by email
	// refreshTokens tracks live single-use refresh token ids. An id is
	// deleted the moment it is exchanged, so a replay is rejected.
	refreshTokens map[string]string // token id -> session id
}

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found")
		}
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg := config.LoadConfig()

	issuer := pkgauth.NewTokenIssuer(
		cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLDays)*24*time.Hour,
	)
	sessions := session.NewService(session.NewMemoryStore(), domain.SessionOptions{
		TTL:                   cfg.SessionTTL,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		ExtendOnActivity:      cfg.ExtendOnActivity,
		TrackActivity:         cfg.TrackActivity,
	}, session.WithLogger(log))

	s := &server{
		log:      log,
		issuer:   issuer,
		sessions: sessions,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},

		users:         make(map[string]*stubUser),
		refreshTokens: make(map[string]string),
	}
	s.seedUser("demo", "demo@scope.dev", "demo-password")

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", s.requireAuth(s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/api/portfolio", s.requireAuth(s.handlePortfolio)).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	addr := config.GetEnv("STUB_LISTEN_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("addr", addr).Msg("stub server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}

func (s *server) seedUser(username, email, password string) {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		s.log.Fatal().Err(err).Msg("failed to seed user")
	}
	s.users[email] = &stubUser{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		Role:         "trader",
		PasswordHash: hash,
	}
	s.log.Info().Str("email", email).Msg("seeded user")
}

// issuePair mints a token pair for a session and registers the refresh token
// id as live.
func (s *server) issuePair(u *stubUser, sessionID string) (domain.TokenPair, error) {
	access, err := s.issuer.GenerateAccessToken(u.ID, u.Email, u.Role, sessionID)
	if err != nil {
		return domain.TokenPair{}, err
	}
	tokenID := uuid.NewString()
	refresh, err := s.issuer.GenerateRefreshToken(u.ID, sessionID, tokenID)
	if err != nil {
		return domain.TokenPair{}, err
	}
	s.mu.Lock()
	s.refreshTokens[tokenID] = sessionID
	s.mu.Unlock()
	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *server) loginUser(w http.ResponseWriter, r *http.Request, u *stubUser, deviceID string) {
	sessionID := uuid.NewString()
	sess := &domain.Session{
		SessionID: sessionID,
		UserID:    u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		DeviceID:  deviceID,
	}
	if err := s.sessions.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	pair, err := s.issuePair(u, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"session_id":    sessionID,
		"user": domain.User{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Role:     u.Role,
		},
	})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "username and email are required")
		return
	}
	if err := pkgauth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := pkgauth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[req.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	u := &stubUser{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		Role:         "trader",
		PasswordHash: hash,
	}
	s.users[req.Email] = u
	s.mu.Unlock()

	s.loginUser(w, r, u, req.DeviceID)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()
	if !ok || !pkgauth.CheckPasswordHash(req.Password, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.loginUser(w, r, u, req.DeviceID)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	claims, err := s.issuer.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// Single use: the id must still be live, and is burned now.
	s.mu.Lock()
	if _, live := s.refreshTokens[claims.TokenID]; !live {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "refresh token already used")
		return
	}
	delete(s.refreshTokens, claims.TokenID)
	var u *stubUser
	for _, candidate := range s.users {
		if candidate.ID == claims.UserID {
			u = candidate
			break
		}
	}
	s.mu.Unlock()

	if u == nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	sess, err := s.sessions.GetSession(r.Context(), claims.SessionID)
	if err != nil || sess == nil {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}

	pair, err := s.issuePair(u, claims.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request, claims *pkgauth.AccessClaims) {
	if _, err := s.sessions.DestroySession(r.Context(), claims.SessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", claims.SessionID).Msg("logout cleanup failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *server) handlePortfolio(w http.ResponseWriter, r *http.Request, claims *pkgauth.AccessClaims) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": claims.UserID,
		"positions": []map[string]interface{}{
			{"symbol": "AAPL", "quantity": 12, "avg_price": 182.44},
			{"symbol": "BTC-USD", "quantity": 0.5, "avg_price": 61250.00},
		},
	})
}

type authedHandler func(http.ResponseWriter, *http.Request, *pkgauth.AccessClaims)

// requireAuth validates the bearer token and checks the session is still
// live, so a destroyed session makes the token useless immediately.
func (s *server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.issuer.ValidateAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}
		sess, err := s.sessions.GetSession(r.Context(), claims.SessionID)
		if err != nil || sess == nil {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next(w, r, claims)
	}
}

// handleWS upgrades the connection and serves the mock feed: pong for ping,
// asset updates every two seconds for subscribed channels.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("feed client connected")

	var writeMu sync.Mutex
	send := func(msgType string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(domain.Envelope{Type: msgType, Data: data, Timestamp: time.Now()})
	}

	var chanMu sync.Mutex
	subscribed := make(map[string]struct{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				chanMu.Lock()
				_, wantAssets := subscribed["assets"]
				chanMu.Unlock()
				if !wantAssets {
					continue
				}
				update := domain.AssetUpdate{
					Symbol:        "AAPL",
					Price:         180 + rand.Float64()*10,
					ChangePercent: rand.Float64()*4 - 2,
					Volume:        float64(rand.Intn(1_000_000)),
				}
				if err := send(domain.MsgAssetUpdate, update); err != nil {
					return
				}
			}
		}
	}()

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.log.Info().Err(err).Msg("feed client disconnected")
			return
		}
		switch env.Type {
		case domain.MsgPing:
			if err := send(domain.MsgPong, map[string]string{}); err != nil {
				return
			}
		case domain.MsgSubscribe, domain.MsgUnsubscribe:
			var req domain.ChannelRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				_ = send(domain.MsgError, domain.FeedError{Error: "malformed channel request"})
				continue
			}
			chanMu.Lock()
			for _, ch := range req.Channels {
				if env.Type == domain.MsgSubscribe {
					subscribed[ch] = struct{}{}
				} else {
					delete(subscribed, ch)
				}
			}
			chanMu.Unlock()
		default:
			_ = send(domain.MsgError, domain.FeedError{Error: "unknown message type: " + env.Type})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
