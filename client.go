// Package scopeclient assembles the dashboard client core from configuration:
// credential store, session service, auth orchestrator, API client and the
// realtime feed. Construct one Client per process and pass it to consumers;
// there is no package-level instance.
package scopeclient

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopehq/scope-client/internal/config"
	"github.com/scopehq/scope-client/internal/credstore"
	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/repository/postgres"
	"github.com/scopehq/scope-client/internal/repository/redis"
	"github.com/scopehq/scope-client/internal/service/auth"
	"github.com/scopehq/scope-client/internal/service/cleanup"
	"github.com/scopehq/scope-client/internal/service/session"
	"github.com/scopehq/scope-client/internal/state"
	"github.com/scopehq/scope-client/internal/transport/rest"
	"github.com/scopehq/scope-client/internal/transport/websocket"
)

// historyRetention is how long closed session-history rows are kept.
const historyRetention = 30 * 24 * time.Hour

// Client is the assembled client core.
type Client struct {
	Creds    credstore.Store
	API      *rest.Client
	Sessions *session.Service
	Auth     *auth.Orchestrator
	State    *state.Store
	Feed     *websocket.Manager

	log     zerolog.Logger
	db      *sql.DB
	rdb     interface{ Close() error }
	stopCtx context.CancelFunc
}

// Option modifies a Client during assembly.
type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New wires the client core from configuration. The session store is Redis
// when REDIS_URL is set and in-memory otherwise; session history requires
// DATABASE_URL and is skipped without it.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Client, error) {
	c := &Client{log: zerolog.Nop()}
	for _, opt := range options {
		opt(c)
	}

	creds, err := openCredStore(cfg)
	if err != nil {
		return nil, err
	}
	c.Creds = creds

	c.API = rest.NewClient(cfg.APIBaseURL, creds, rest.WithLogger(c.log))

	store, err := c.openSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []session.Option{session.WithLogger(c.log)}

	workCtx, cancel := context.WithCancel(context.Background())
	c.stopCtx = cancel
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(cfg.DatabaseURL, 10, 5, time.Hour)
		if err != nil {
			cancel()
			return nil, err
		}
		c.db = db
		history := postgres.NewHistoryRepo(db)
		opts = append(opts, session.WithHistory(history))
		cleanup.NewWorker(history, time.Hour, historyRetention, c.log).Start(workCtx)
	}

	c.Sessions = session.NewService(store, sessionOptions(cfg), opts...)
	c.Auth = auth.NewOrchestrator(c.API, creds, c.Sessions, auth.WithLogger(c.log))

	c.State = state.NewStore()
	wsOpts := append(websocket.StoreHandlers(c.State, c.log), websocket.WithLogger(c.log))
	c.Feed = websocket.NewManager(websocket.Config{
		URL:                  cfg.WSURL,
		DefaultChannels:      cfg.DefaultChannels,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, wsOpts...)

	return c, nil
}

// Close disconnects the feed and releases store connections.
func (c *Client) Close() error {
	c.Feed.Disconnect()
	if c.stopCtx != nil {
		c.stopCtx()
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			return err
		}
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.RedisAddr == "" {
		c.log.Info().Msg("no redis configured, using in-memory session store")
		return session.NewMemoryStore(), nil
	}
	rdb, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	c.rdb = rdb
	return redis.NewSessionStore(rdb), nil
}

// openCredStore picks the encrypted file store when a key is configured and
// the volatile in-memory store otherwise.
func openCredStore(cfg *config.Config) (credstore.Store, error) {
	if cfg.CredentialsKey == "" {
		return credstore.NewMemoryStore(), nil
	}
	key, err := decodeKey(cfg.CredentialsKey)
	if err != nil {
		return nil, err
	}
	return credstore.NewFileStore(cfg.CredentialsPath, key)
}

func decodeKey(s string) ([]byte, error) {
	switch len(s) {
	case 64:
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("credential key is not valid hex: %w", err)
		}
		return key, nil
	case 32:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("credential key must be 32 bytes (raw or hex), got %d characters", len(s))
	}
}

func sessionOptions(cfg *config.Config) domain.SessionOptions {
	return domain.SessionOptions{
		TTL:                   cfg.SessionTTL,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		ExtendOnActivity:      cfg.ExtendOnActivity,
		TrackActivity:         cfg.TrackActivity,
	}
}
