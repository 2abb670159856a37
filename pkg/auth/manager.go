// Package auth owns the FOLIO session token lifecycle: login, expiry
// tracking, and single-flight refresh shared by all concurrent requests.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/FOLIO-FSE/folioclient-go/pkg/logging"
)

// Prometheus metrics for authentication operations.
var (
	folioLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_auth_logins_total",
		Help: "Total login exchanges by endpoint mode and outcome",
	}, []string{"mode", "outcome"})

	folioTokenInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_auth_invalidations_total",
		Help: "Total explicit token invalidations",
	})
)

// Login endpoints. The expiry-aware endpoint is tried first; gateways that
// predate it answer 404 and the manager falls back to the legacy endpoint.
const (
	loginWithExpiryPath = "/authn/login-with-expiry"
	loginLegacyPath     = "/authn/login"

	// tenantHeader scopes every request to one tenant.
	tenantHeader = "x-okapi-tenant"

	// legacyTokenHeader carries the access token for legacy gateways.
	legacyTokenHeader = "x-okapi-token"

	// defaultExpiryMargin is subtracted from the real expiry when deciding
	// whether a token is still usable, avoiding mid-request expiry races.
	defaultExpiryMargin = 60 * time.Second

	// legacyTokenFallbackTTL is assumed for legacy tokens whose JWT carries
	// no exp claim.
	legacyTokenFallbackTTL = 10 * time.Minute
)

// Errors returned by the manager.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("token manager is closed")

	// ErrBadCredentials marks a login rejected by the gateway. It is fatal
	// and never retried.
	ErrBadCredentials = errors.New("authentication failed: bad credentials")
)

// LoginError is a failed login exchange. StatusCode is zero for transport
// failures, which are retryable by the caller; rejected credentials unwrap
// to ErrBadCredentials.
type LoginError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *LoginError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("folio login failed (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("folio login failed: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *LoginError) Unwrap() error {
	return e.Err
}

// loginResponse is the JSON body of the expiry-aware login endpoint.
type loginResponse struct {
	AccessTokenExpiration  time.Time `json:"accessTokenExpiration"`
	RefreshTokenExpiration time.Time `json:"refreshTokenExpiration"`
}

// Config holds the token manager configuration.
type Config struct {
	// GatewayURL is the base URL of the FOLIO API gateway.
	GatewayURL string

	// Credentials used for every login exchange.
	Credentials Credentials

	// HTTPClient performs the login requests. The caller shares its
	// connection pool with the manager.
	HTTPClient *http.Client

	// ExpiryMargin overrides the default 60s safety margin.
	ExpiryMargin time.Duration
}

// Manager owns the session token for one client instance. All methods are
// safe for concurrent use; at most one refresh is in flight at a time and
// concurrent callers share its result.
type Manager struct {
	gatewayURL string
	creds      Credentials
	httpClient *http.Client
	margin     time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	token  *Token
	tenant string // empty means no override, use creds.Tenant

	group  singleflight.Group
	closed atomic.Bool
}

// NewManager creates a token manager. No network I/O happens until the
// first EnsureValid or Authenticate call.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.Credentials.Tenant == "" || cfg.Credentials.Username == "" {
		return nil, fmt.Errorf("tenant and username are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}
	return &Manager{
		gatewayURL: cfg.GatewayURL,
		creds:      cfg.Credentials,
		httpClient: cfg.HTTPClient,
		margin:     margin,
		logger:     logging.NewLogger("auth"),
	}, nil
}

// Tenant returns the effective tenant: the per-instance override when set,
// the construction-time tenant otherwise.
func (m *Manager) Tenant() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tenant != "" {
		return m.tenant
	}
	return m.creds.Tenant
}

// SetTenant overrides the tenant scoping subsequent requests. The session
// token is unaffected; FOLIO evaluates tenant affiliation per request.
func (m *Manager) SetTenant(tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant = tenant
}

// ClearTenant removes the override, restoring the construction-time tenant.
func (m *Manager) ClearTenant() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant = ""
}

// EnsureValid returns the current token if it expires later than the
// safety margin, refreshing it otherwise. Concurrent callers needing a
// refresh observe the same in-flight login instead of issuing duplicates.
func (m *Manager) EnsureValid(ctx context.Context) (*Token, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if !tok.ExpiringWithin(m.margin) {
		return tok, nil
	}

	return m.refresh(ctx)
}

// Authenticate forces a login exchange regardless of the current token's
// validity. Bad credentials are fatal; connectivity failures are left to
// the caller's retry policy.
func (m *Manager) Authenticate(ctx context.Context) (*Token, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.Invalidate()
	return m.refresh(ctx)
}

// Invalidate clears the token, forcing the next EnsureValid to
// reauthenticate.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	folioTokenInvalidationsTotal.Inc()
}

// Close invalidates the token and fails all subsequent operations with
// ErrClosed. A refresh already in flight completes but its result is
// discarded.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// Apply attaches the session to a request: auth cookies (or the legacy
// token header) plus the tenant header. A tenant header already set by the
// caller wins, allowing per-request tenant overrides.
func (m *Manager) Apply(req *http.Request, tok *Token) {
	if tok != nil {
		if tok.Legacy {
			req.Header.Set(legacyTokenHeader, tok.AccessToken)
		}
		for _, c := range tok.Cookies {
			req.AddCookie(c)
		}
	}
	if req.Header.Get(tenantHeader) == "" {
		req.Header.Set(tenantHeader, m.Tenant())
	}
}

// refresh performs a single-flight login. The login itself runs on a
// context detached from the caller's cancellation: a refresh shared by
// many callers either commits fully or not at all, and is never torn down
// halfway by one caller going away.
func (m *Manager) refresh(ctx context.Context) (*Token, error) {
	result, err, shared := m.group.Do("login", func() (any, error) {
		// A competing caller may have finished the refresh while this one
		// waited to enter the group.
		m.mu.RLock()
		tok := m.token
		m.mu.RUnlock()
		if !tok.ExpiringWithin(m.margin) {
			return tok, nil
		}

		fresh, err := m.login(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if m.closed.Load() {
			return nil, ErrClosed
		}
		m.mu.Lock()
		m.token = fresh
		m.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// The shared refresh committed, but this caller is gone.
		return nil, err
	}
	tok := result.(*Token)
	if shared {
		m.logger.Debug().Msg("joined in-flight token refresh")
	}
	return tok, nil
}

// login performs one login exchange, preferring the expiry-aware endpoint
// and falling back to the legacy endpoint on gateways that lack it.
func (m *Manager) login(ctx context.Context) (*Token, error) {
	tok, err := m.loginWithExpiry(ctx)
	var loginErr *LoginError
	if errors.As(err, &loginErr) && loginErr.StatusCode == http.StatusNotFound {
		m.logger.Debug().Msg("expiry-aware login unsupported, using legacy endpoint")
		return m.loginLegacy(ctx)
	}
	return tok, err
}

func (m *Manager) loginWithExpiry(ctx context.Context) (*Token, error) {
	resp, body, err := m.postLogin(ctx, loginWithExpiryPath)
	if err != nil {
		folioLoginsTotal.WithLabelValues("expiry", "error").Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, m.loginFailure("expiry", resp, body)
	}

	var parsed loginResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		folioLoginsTotal.WithLabelValues("expiry", "error").Inc()
		return nil, &LoginError{Err: fmt.Errorf("decode login response: %w", err)}
	}

	tok := &Token{
		ExpiresAt: parsed.AccessTokenExpiration,
		Cookies:   resp.Cookies(),
	}
	for _, c := range tok.Cookies {
		if c.Name == accessTokenCookie {
			tok.AccessToken = c.Value
		}
	}
	if tok.AccessToken == "" {
		folioLoginsTotal.WithLabelValues("expiry", "error").Inc()
		return nil, &LoginError{Err: errors.New("no access token cookie in login response")}
	}

	folioLoginsTotal.WithLabelValues("expiry", "ok").Inc()
	m.logger.Info().
		Str("tenant", m.creds.Tenant).
		Time("expires_at", tok.ExpiresAt).
		Msg("session token acquired")
	return tok, nil
}

func (m *Manager) loginLegacy(ctx context.Context) (*Token, error) {
	resp, body, err := m.postLogin(ctx, loginLegacyPath)
	if err != nil {
		folioLoginsTotal.WithLabelValues("legacy", "error").Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, m.loginFailure("legacy", resp, body)
	}

	raw := resp.Header.Get(legacyTokenHeader)
	if raw == "" {
		folioLoginsTotal.WithLabelValues("legacy", "error").Inc()
		return nil, &LoginError{Err: errors.New("no x-okapi-token header in login response")}
	}

	tok := &Token{
		AccessToken: raw,
		ExpiresAt:   legacyTokenExpiry(raw, legacyTokenFallbackTTL),
		Legacy:      true,
	}
	folioLoginsTotal.WithLabelValues("legacy", "ok").Inc()
	m.logger.Info().
		Str("tenant", m.creds.Tenant).
		Time("expires_at", tok.ExpiresAt).
		Msg("legacy session token acquired")
	return tok, nil
}

// postLogin issues the login POST and reads the full body so the
// connection returns to the pool.
func (m *Manager) postLogin(ctx context.Context, path string) (*http.Response, []byte, error) {
	payload, err := json.Marshal(map[string]string{
		"username": m.creds.Username,
		"password": m.creds.Password,
	})
	if err != nil {
		return nil, nil, &LoginError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.gatewayURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &LoginError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tenantHeader, m.creds.Tenant)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, nil, &LoginError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &LoginError{Err: fmt.Errorf("read login response: %w", err)}
	}
	return resp, body, nil
}

// loginFailure converts a non-success login response into a LoginError.
// 401/403/422 mean rejected credentials, which are fatal.
func (m *Manager) loginFailure(mode string, resp *http.Response, body []byte) error {
	folioLoginsTotal.WithLabelValues(mode, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	le := &LoginError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		le.Err = ErrBadCredentials
		m.logger.Error().
			Int("status", resp.StatusCode).
			Str("tenant", m.creds.Tenant).
			Msg("login rejected")
	default:
		m.logger.Warn().
			Int("status", resp.StatusCode).
			Msg("login failed")
	}
	return le
}
