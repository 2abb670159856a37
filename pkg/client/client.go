// Package client provides the core FOLIO HTTP client: session attach,
// request execution, error classification, and policy-driven retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/FOLIO-FSE/folioclient-go/pkg/auth"
	"github.com/FOLIO-FSE/folioclient-go/pkg/logging"
	"github.com/FOLIO-FSE/folioclient-go/pkg/pagination"
)

// Prometheus metrics for request execution.
var (
	folioRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_requests_total",
		Help: "Total FOLIO requests by endpoint and status",
	}, []string{"endpoint", "status"})

	folioRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folio_request_duration_seconds",
		Help:    "FOLIO request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	folioErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_errors_total",
		Help: "Total FOLIO errors by class",
	}, []string{"class"})
)

// Client is the FOLIO API client. One instance owns one session (token,
// connection pool, retry policies) and is safe for concurrent use.
type Client struct {
	gatewayURL string
	httpClient *http.Client
	auth       *auth.Manager
	policies   Policies
	deadline   time.Duration
	pool       chan struct{}
	poolWait   time.Duration
	limiter    *rate.Limiter
	logger     zerolog.Logger
	closed     atomic.Bool
}

// New creates a FOLIO client. No network I/O happens until the first
// request; the login exchange runs lazily when a token is first needed.
func New(cfg Config) (*Client, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}

	merged := cfg.Timeouts.Merge(TimeoutsFromEnv())

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = buildHTTPClient(merged)
	}

	mgr, err := auth.NewManager(auth.Config{
		GatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		Credentials: auth.Credentials{
			Tenant:   cfg.Tenant,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, err
	}

	policies := cfg.RetryPolicies
	if policies == nil {
		policies = DefaultPolicies()
	}

	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	c := &Client{
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		httpClient: httpClient,
		auth:       mgr,
		policies:   policies,
		deadline:   requestDeadline(merged),
		pool:       make(chan struct{}, concurrency),
		poolWait:   effective(merged.Pool),
		logger:     logging.NewLogger("folio-client"),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// TokenManager exposes the session manager for tenant overrides and
// explicit authentication.
func (c *Client) TokenManager() *auth.Manager {
	return c.auth
}

// Close invalidates the session and makes every subsequent call fail fast
// with ErrClientClosed, without attempting network I/O.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.auth.Close()
	c.httpClient.CloseIdleConnections()
	return nil
}

// Get performs a GET request and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	body, _, err := c.request(ctx, http.MethodGet, path, query, nil)
	return body, err
}

// GetJSON performs a GET request and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, status, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return decodeInto(http.MethodGet, path, status, body, out)
}

// PostJSON performs a POST request with a JSON body, decoding the
// response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	body, status, err := c.request(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeInto(http.MethodPost, path, status, body, out)
}

// PutJSON performs a PUT request with a JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	_, _, err = c.request(ctx, http.MethodPut, path, nil, payload)
	return err
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, _, err := c.request(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// All returns a pager enumerating every record matching query at path.
// Queries sorted by id use ID-based pagination, others offset-based.
func (c *Client) All(path, key, query string, limit int) *pagination.Pager {
	return pagination.New(c, pagination.Options{
		Path:  path,
		Key:   key,
		Query: query,
		Limit: limit,
	})
}

// FetchPage implements pagination.Fetcher: one page request through the
// full executor pipeline (auth attach, classification, retry).
func (c *Client) FetchPage(ctx context.Context, pr pagination.PageRequest) ([]json.RawMessage, error) {
	query := url.Values{}
	if pr.Query != "" {
		query.Set("query", pr.Query)
	}
	query.Set("limit", strconv.Itoa(pr.Limit))
	if pr.Offset > 0 {
		query.Set("offset", strconv.Itoa(pr.Offset))
	}

	body, _, err := c.request(ctx, http.MethodGet, pr.Path, query, nil)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if pr.Key == "" {
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, &Error{
				Method: http.MethodGet, Path: pr.Path,
				Class: ClassProtocol,
				Err:   fmt.Errorf("decode page: %w", err),
			}
		}
		return records, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &Error{
			Method: http.MethodGet, Path: pr.Path,
			Class: ClassProtocol,
			Err:   fmt.Errorf("decode page: %w", err),
		}
	}
	raw, ok := doc[pr.Key]
	if !ok {
		return nil, &Error{
			Method: http.MethodGet, Path: pr.Path,
			Class: ClassProtocol,
			Err:   fmt.Errorf("response has no %q array", pr.Key),
		}
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &Error{
			Method: http.MethodGet, Path: pr.Path,
			Class: ClassProtocol,
			Err:   fmt.Errorf("decode %q array: %w", pr.Key, err),
		}
	}
	return records, nil
}

// request runs one logical operation through the retry engine. The body is
// kept as bytes so every attempt resubmits an identical payload.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	var respBody []byte
	var status int

	err := retryWithPolicies(ctx, c.policies, c.reauth, func(ctx context.Context) error {
		b, s, err := c.attempt(ctx, method, path, query, body)
		if err != nil {
			folioErrorsTotal.WithLabelValues(metricLabel(err)).Inc()
			return err
		}
		respBody, status = b, s
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return respBody, status, nil
}

// reauth re-establishes the session before a permission-category retry.
func (c *Client) reauth(ctx context.Context) error {
	c.auth.Invalidate()
	if _, err := c.auth.EnsureValid(ctx); err != nil {
		return c.authError("", "", err)
	}
	return nil
}

// attempt executes a single classified request. A 401 triggers exactly one
// refresh-and-resubmit cycle; a second consecutive 401 surfaces an
// authentication error with no further refresh.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, int, error) {
	if c.closed.Load() {
		return nil, 0, c.closedError(method, path)
	}

	release, err := c.acquireSlot(ctx, method, path)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, transportError(method, path, err)
		}
	}

	if c.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		folioRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	tok, err := c.auth.EnsureValid(ctx)
	if err != nil {
		return nil, 0, c.authError(method, path, err)
	}

	respBody, status, err := c.send(ctx, method, path, query, body, tok)
	if err != nil {
		return nil, 0, err
	}

	if status == http.StatusUnauthorized {
		c.logger.Debug().
			Str("endpoint", path).
			Msg("session rejected, refreshing token once")
		c.auth.Invalidate()
		tok, err = c.auth.EnsureValid(ctx)
		if err != nil {
			return nil, 0, c.authError(method, path, err)
		}
		respBody, status, err = c.send(ctx, method, path, query, body, tok)
		if err != nil {
			return nil, 0, err
		}
	}

	folioRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()

	if status >= 400 {
		apiErr := statusError(method, path, status, respBody)
		c.logger.Warn().
			Str("endpoint", path).
			Int("status", status).
			Str("error_class", string(apiErr.Class)).
			Msg("request failed")
		return nil, 0, apiErr
	}

	return respBody, status, nil
}

// send issues one HTTP exchange and drains the response body so the
// connection returns to the shared pool.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, tok *auth.Token) ([]byte, int, error) {
	u := c.gatewayURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, transportError(method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth.Apply(req, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, transportError(method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// The status line arrived but the body did not: framing problem.
		return nil, 0, &Error{
			Method: method, Path: path,
			StatusCode: resp.StatusCode,
			Class:      ClassProtocol,
			Err:        err,
		}
	}
	return respBody, resp.StatusCode, nil
}

// acquireSlot takes a connection-pool slot, waiting at most the pool
// timeout. The pool timeout is distinct from connect/read/write timeouts.
func (c *Client) acquireSlot(ctx context.Context, method, path string) (func(), error) {
	if c.poolWait > 0 {
		timer := time.NewTimer(c.poolWait)
		defer timer.Stop()
		select {
		case c.pool <- struct{}{}:
		case <-timer.C:
			return nil, &Error{
				Method: method, Path: path,
				Class: ClassConnection,
				Err:   ErrPoolTimeout,
			}
		case <-ctx.Done():
			return nil, transportError(method, path, ctx.Err())
		}
	} else {
		select {
		case c.pool <- struct{}{}:
		case <-ctx.Done():
			return nil, transportError(method, path, ctx.Err())
		}
	}
	return func() { <-c.pool }, nil
}

// closedError builds the fail-fast error used after Close.
func (c *Client) closedError(method, path string) error {
	return &Error{
		Method: method, Path: path,
		Class: ClassClientClosed,
		Err:   ErrClientClosed,
	}
}

// authError classifies a failed token acquisition. Rejected credentials
// surface as fatal authentication errors; connectivity failures during
// refresh stay retryable under the transient policies.
func (c *Client) authError(method, path string, err error) error {
	if errors.Is(err, auth.ErrClosed) {
		return c.closedError(method, path)
	}
	var le *auth.LoginError
	if errors.As(err, &le) {
		class := ClassAuthentication
		switch {
		case errors.Is(le, auth.ErrBadCredentials):
			class = ClassAuthentication
		case le.StatusCode >= 500:
			class = classifyStatus(le.StatusCode)
		case le.StatusCode == 0 && le.Err != nil:
			class = classifyTransport(le.Err)
		}
		return &Error{
			Method: method, Path: path,
			StatusCode: le.StatusCode,
			Class:      class,
			Err:        err,
		}
	}
	return &Error{
		Method: method, Path: path,
		Class: ClassAuthentication,
		Err:   err,
	}
}

// decodeInto decodes a response body, treating 204 as an empty result.
func decodeInto(method, path string, status int, body []byte, out any) error {
	if status == http.StatusNoContent || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{
			Method: method, Path: path,
			StatusCode: status,
			Class:      ClassProtocol,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}
