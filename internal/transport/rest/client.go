// Package rest is the authenticated HTTP client shared by the auth
// orchestrator and feature API modules. It never returns Go errors to
// callers: every failure mode, including transport failure, maps to a tagged
// Result so no request path can surface an unhandled error.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/scopehq/scope-client/internal/credstore"
	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/pkg/auth"
)

// ErrNoRefreshToken is returned by Refresh when the store holds no refresh
// token; a refresh without one is pointless and would loop.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// Options controls a single request.
type Options struct {
	Body         interface{} // JSON-encoded when non-nil
	RequiresAuth bool
	// SkipRefresh suppresses the 401 -> refresh -> retry branch. It is the
	// recursion guard: the retry after a successful refresh always sets it.
	SkipRefresh bool
	Header      http.Header
}

// Result is the tagged outcome of a request. Transport failures carry
// Status 0.
type Result struct {
	Data   json.RawMessage
	Err    string
	Status int
}

// OK reports a 2xx outcome.
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 && r.Err == "" }

// Decode unmarshals the JSON body into v.
func (r Result) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("response carried no JSON body")
	}
	return json.Unmarshal(r.Data, v)
}

// Client issues requests against the platform API, attaching the stored
// bearer token and transparently refreshing it once on 401.
type Client struct {
	baseURL string
	http    *http.Client
	creds   credstore.Store
	log     zerolog.Logger

	// refreshGroup collapses concurrent 401s into a single backend refresh
	// call. Refresh tokens are single-use: a second in-flight refresh would
	// be rejected.
	refreshGroup singleflight.Group

	// onAuthFailure runs after a failed refresh has cleared the stored
	// credentials, so the auth state owner can leave authenticated too.
	onAuthFailure func()
}

// Option modifies a Client at construction time.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL string, creds credstore.Store, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// OnAuthFailure registers fn to run when a refresh triggered by a protected
// request fails and the credentials are cleared. Register before issuing
// requests. The auth orchestrator uses this to force the anonymous
// transition, so a dead token pair never coexists with an authenticated
// state.
func (c *Client) OnAuthFailure(fn func()) { c.onAuthFailure = fn }

// Do issues the request. On a 401 from a protected endpoint it performs the
// shared refresh and retries the original request exactly once with
// SkipRefresh set, so the refresh branch cannot recurse.
func (c *Client) Do(ctx context.Context, method, endpoint string, opts Options) Result {
	res := c.roundTrip(ctx, method, endpoint, opts)
	if res.Status != http.StatusUnauthorized || !opts.RequiresAuth || opts.SkipRefresh {
		return res
	}

	if err := c.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("token refresh failed, clearing credentials")
		if clearErr := c.creds.Clear(); clearErr != nil {
			c.log.Error().Err(clearErr).Msg("failed to clear credentials")
		}
		if c.onAuthFailure != nil {
			c.onAuthFailure()
		}
		return Result{Status: http.StatusUnauthorized, Err: "authentication expired"}
	}

	retry := opts
	retry.SkipRefresh = true
	return c.roundTrip(ctx, method, endpoint, retry)
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// Concurrent callers share one in-flight exchange.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Client) refresh(ctx context.Context) error {
	rt, ok := c.creds.Get(credstore.KeyRefreshToken)
	if !ok {
		return ErrNoRefreshToken
	}

	res := c.roundTrip(ctx, http.MethodPost, "/api/auth/refresh", Options{
		Body:        map[string]string{"refresh_token": rt},
		SkipRefresh: true,
	})
	if !res.OK() {
		if res.Status == 0 {
			return errors.New("refresh request failed: " + res.Err)
		}
		return errors.New("refresh rejected: " + res.Err)
	}

	var pair domain.TokenPair
	if err := res.Decode(&pair); err != nil {
		return errors.New("refresh response malformed: " + err.Error())
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return errors.New("refresh response missing tokens")
	}
	return c.StoreTokens(pair)
}

// StoreTokens persists a token pair, deriving each credential's expiry from
// the token itself when readable.
func (c *Client) StoreTokens(pair domain.TokenPair) error {
	if err := c.creds.Set(credstore.KeyAccessToken, pair.AccessToken, ttlFromToken(pair.AccessToken)); err != nil {
		return err
	}
	return c.creds.Set(credstore.KeyRefreshToken, pair.RefreshToken, ttlFromToken(pair.RefreshToken))
}

func ttlFromToken(token string) time.Duration {
	exp, err := auth.TokenExpiry(token)
	if err != nil {
		return 0
	}
	ttl := time.Until(exp)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, opts Options) Result {
	var body io.Reader
	if opts.Body != nil {
		encoded, err := json.Marshal(opts.Body)
		if err != nil {
			return Result{Err: "failed to encode request body: " + err.Error()}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return Result{Err: "failed to build request: " + err.Error()}
	}
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if opts.RequiresAuth {
		if token, ok := c.creds.Get(credstore.KeyAccessToken); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transient network failure: tagged result, never an unhandled error.
		return Result{Status: 0, Err: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: 0, Err: "failed to read response: " + err.Error()}
	}

	result := Result{Status: resp.StatusCode}
	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "application/json")

	if result.Status >= 200 && result.Status < 300 {
		if isJSON {
			result.Data = raw
		}
		return result
	}

	result.Err = errorMessage(raw, isJSON, resp.Status)
	return result
}

// errorMessage extracts a usable message from an error response, preferring
// a JSON {"error": ...} body.
func errorMessage(raw []byte, isJSON bool, fallback string) string {
	if isJSON {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &payload); err == nil {
			if payload.Error != "" {
				return payload.Error
			}
			if payload.Message != "" {
				return payload.Message
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fallback
}
