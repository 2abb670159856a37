package client

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	folioRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	folioRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folio_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	folioRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Policy holds the retry configuration for one error class.
type Policy struct {
	// MaxAttempts is the number of retries after the initial attempt.
	// Zero disables retry: the first failure is terminal.
	MaxAttempts int

	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// MaxWait caps the computed delay. Zero means uncapped.
	MaxWait time.Duration
}

// Delay returns the wait after failed attempt n (0-indexed; the initial
// attempt itself runs immediately): InitialDelay * BackoffFactor^n,
// capped at MaxWait.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(n)))
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// Policies maps error classes to retry policies. Classes without an entry
// are never retried.
type Policies map[ErrorClass]Policy

// For resolves the policy for an error class. Classes that are not
// retryable, or have no configured policy, get a zero policy (no retry).
func (ps Policies) For(class ErrorClass) Policy {
	if !class.Retryable() {
		return Policy{}
	}
	return ps[class]
}

// Environment variables controlling the default retry policies. The
// FOLIOCLIENT_* names take precedence over their unprefixed fallbacks.
const (
	envServerRetryMax     = "FOLIOCLIENT_MAX_SERVER_ERROR_RETRIES"
	envServerRetryMaxAlt  = "SERVER_ERROR_RETRIES_MAX"
	envServerRetryDelay   = "FOLIOCLIENT_SERVER_ERROR_RETRY_DELAY"
	envServerRetryDelay2  = "SERVER_ERROR_RETRY_DELAY"
	envServerRetryFactor  = "FOLIOCLIENT_SERVER_ERROR_RETRY_FACTOR"
	envServerRetryFactor2 = "SERVER_ERROR_RETRY_FACTOR"

	envAuthRetryMax     = "FOLIOCLIENT_MAX_AUTH_ERROR_RETRIES"
	envAuthRetryMaxAlt  = "AUTH_ERROR_RETRIES_MAX"
	envAuthRetryDelay   = "FOLIOCLIENT_AUTH_ERROR_RETRY_DELAY"
	envAuthRetryDelay2  = "AUTH_ERROR_RETRY_DELAY"
	envAuthRetryFactor  = "FOLIOCLIENT_AUTH_ERROR_RETRY_FACTOR"
	envAuthRetryFactor2 = "AUTH_ERROR_RETRY_FACTOR"
)

// DefaultPolicies builds the per-class retry policies from the environment.
// Retries default to disabled (MaxAttempts 0) with a 10s initial delay and
// a backoff factor of 3, matching the gateway operators' conventions.
func DefaultPolicies() Policies {
	server := Policy{
		MaxAttempts:   envInt(0, envServerRetryMax, envServerRetryMaxAlt),
		InitialDelay:  envSeconds(10*time.Second, envServerRetryDelay, envServerRetryDelay2),
		BackoffFactor: envFloat(3, envServerRetryFactor, envServerRetryFactor2),
	}
	auth := Policy{
		MaxAttempts:   envInt(0, envAuthRetryMax, envAuthRetryMaxAlt),
		InitialDelay:  envSeconds(10*time.Second, envAuthRetryDelay, envAuthRetryDelay2),
		BackoffFactor: envFloat(3, envAuthRetryFactor, envAuthRetryFactor2),
	}

	return Policies{
		ClassServer:         server,
		ClassUnavailable:    server,
		ClassGatewayTimeout: server,
		ClassConnection:     server,
		ClassProtocol:       server,
		ClassPermission:     auth,
	}
}

// reauthFunc re-establishes the session before an auth-category retry.
type reauthFunc func(ctx context.Context) error

// retryWithPolicies runs op, retrying failures whose class has a policy
// with attempts remaining. All attempts of one logical operation share a
// single escalating delay sequence, even if the error class changes
// between attempts. For the permission class, the session is invalidated
// and re-established before each retry. Exhausting attempts wraps the last
// classified error in ErrRetryExhausted.
func retryWithPolicies(ctx context.Context, policies Policies, reauth reauthFunc, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := ClassOf(err)
		policy := policies.For(class)
		if policy.MaxAttempts <= 0 {
			return lastErr
		}
		if attempt >= policy.MaxAttempts {
			folioRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt+1, lastErr)
		}

		delay := policy.Delay(attempt)
		folioRetriesTotal.WithLabelValues(string(class)).Inc()
		folioRetryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-timer.C:
			}
		}

		if class == ClassPermission && reauth != nil {
			if err := reauth(ctx); err != nil {
				return err
			}
		}
	}
}

// envSeconds reads the first set variable as a float number of seconds.
func envSeconds(def time.Duration, names ...string) time.Duration {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(f * float64(time.Second))
			}
		}
	}
	return def
}

// envFloat reads the first set variable as a float.
func envFloat(def float64, names ...string) float64 {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return def
}

// envInt reads the first set variable as an int.
func envInt(def int, names ...string) int {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
	}
	return def
}
