package auth

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Cookie names set by the gateway's token-based authentication.
const (
	accessTokenCookie  = "folioAccessToken"
	refreshTokenCookie = "folioRefreshToken"
)

// Credentials identify one tenant user. They are immutable and owned by
// the client instance for its lifetime.
type Credentials struct {
	Tenant   string
	Username string
	Password string
}

// Token is the session state produced by one successful login exchange.
// Cookies carry the refresh artifact alongside the access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Cookies     []*http.Cookie

	// Legacy marks tokens obtained from the legacy login endpoint, which
	// are sent as an x-okapi-token header instead of cookies.
	Legacy bool
}

// ExpiringWithin reports whether the token expires before now+margin.
// Tokens with no known expiry are treated as expiring so the next use
// triggers a refresh.
func (t *Token) ExpiringWithin(margin time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// legacyTokenExpiry recovers the expiry of a legacy access token from its
// JWT exp claim. The token is not verified here; the gateway is the
// authority on validity and this client only needs the timestamp to
// schedule refreshes. Tokens without a parseable exp claim fall back to a
// short fixed validity.
func legacyTokenExpiry(raw string, fallback time.Duration) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallback)
}
