package client

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// userAgent identifies this client to the FOLIO gateway.
const userAgent = "folioclient-go (https://github.com/FOLIO-FSE/folioclient-go)"

// NoTimeout disables a timeout explicitly. A Timeouts field set to
// NoTimeout means "no limit"; a nil field means "use the environment
// default".
const NoTimeout time.Duration = -1

// Environment variables for timeout configuration, in float seconds.
const (
	envConnectTimeout = "FOLIOCLIENT_CONNECT_TIMEOUT"
	envReadTimeout    = "FOLIOCLIENT_READ_TIMEOUT"
	envWriteTimeout   = "FOLIOCLIENT_WRITE_TIMEOUT"
	envPoolTimeout    = "FOLIOCLIENT_POOL_TIMEOUT"

	// envHTTPTimeout is the legacy whole-request timeout, in integer
	// seconds. Granular timeouts take precedence when set.
	envHTTPTimeout = "FOLIOCLIENT_HTTP_TIMEOUT"
)

// Timeouts holds the granular timeout configuration. Each field is
// tri-state: nil falls back to the corresponding environment variable,
// NoTimeout means unlimited, anything else is an explicit override.
//
// Connect bounds dialing, Read bounds waiting for response headers, Write
// is folded into the per-request deadline (net/http has no separate write
// deadline on the client side), and Pool bounds waiting for a connection
// slot, distinct from the network timeouts.
type Timeouts struct {
	Connect *time.Duration
	Read    *time.Duration
	Write   *time.Duration
	Pool    *time.Duration
}

// Timeout returns a pointer to d, for populating Timeouts fields inline.
func Timeout(d time.Duration) *time.Duration {
	return &d
}

// TimeoutsFromEnv reads the granular timeout environment variables.
// Unset variables leave the field nil, meaning unlimited after merging.
func TimeoutsFromEnv() Timeouts {
	return Timeouts{
		Connect: envTimeout(envConnectTimeout),
		Read:    envTimeout(envReadTimeout),
		Write:   envTimeout(envWriteTimeout),
		Pool:    envTimeout(envPoolTimeout),
	}
}

// Merge combines a partial override with defaults: explicitly set fields
// win, nil fields fall back. The merge is per field, so a caller can
// override just the read timeout and keep the environment's connect
// timeout.
func (t Timeouts) Merge(defaults Timeouts) Timeouts {
	merged := t
	if merged.Connect == nil {
		merged.Connect = defaults.Connect
	}
	if merged.Read == nil {
		merged.Read = defaults.Read
	}
	if merged.Write == nil {
		merged.Write = defaults.Write
	}
	if merged.Pool == nil {
		merged.Pool = defaults.Pool
	}
	return merged
}

// effective resolves a merged field to a concrete timeout. Both nil and
// NoTimeout mean unlimited, which net/http expresses as zero.
func effective(d *time.Duration) time.Duration {
	if d == nil || *d <= 0 {
		return 0
	}
	return *d
}

// envTimeout parses one timeout variable as float seconds.
func envTimeout(name string) *time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	d := time.Duration(f * float64(time.Second))
	return &d
}

// legacyHTTPTimeout reads the legacy whole-request timeout.
func legacyHTTPTimeout() time.Duration {
	v, ok := os.LookupEnv(envHTTPTimeout)
	if !ok || v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Config holds the client configuration.
type Config struct {
	// GatewayURL is the base URL of the FOLIO API gateway.
	GatewayURL string

	// Tenant identifies the institution in a multi-tenant deployment.
	Tenant string

	// Credentials for the login exchange.
	Username string
	Password string

	// Timeouts are merged with the environment defaults: explicit fields
	// win, nil fields fall back (see Timeouts.Merge).
	Timeouts Timeouts

	// RetryPolicies configures retry per error class. Nil uses
	// DefaultPolicies (environment-driven, retries disabled by default).
	RetryPolicies Policies

	// MaxConcurrency bounds in-flight requests sharing the connection
	// pool. Pool-slot acquisition waits at most Timeouts.Pool.
	MaxConcurrency int

	// RateLimit is the client-side request rate in requests per second.
	// Zero disables local rate limiting.
	RateLimit float64

	// HTTPClient overrides the constructed HTTP client (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration with environment-driven timeouts
// and retry policies.
func DefaultConfig(gatewayURL, tenant, username, password string) Config {
	return Config{
		GatewayURL:     gatewayURL,
		Tenant:         tenant,
		Username:       username,
		Password:       password,
		MaxConcurrency: 10,
	}
}

// buildHTTPClient constructs the shared HTTP client from merged timeouts.
// The connection pool is shared per client instance across all requests.
func buildHTTPClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{
		Timeout:   effective(t.Connect),
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: effective(t.Read),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   legacyHTTPTimeout(),
	}
}

// requestDeadline derives the per-request deadline from the write timeout.
// Reading response headers is already bounded by the transport, so the
// deadline covers sending the body plus reading the response.
func requestDeadline(t Timeouts) time.Duration {
	write := effective(t.Write)
	if write == 0 {
		return 0
	}
	return write + effective(t.Read)
}
