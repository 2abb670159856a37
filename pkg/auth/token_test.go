package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenExpiringWithin(t *testing.T) {
	tests := []struct {
		name   string
		token  *Token
		margin time.Duration
		want   bool
	}{
		{"nil token", nil, time.Minute, true},
		{"no expiry", &Token{AccessToken: "abc"}, time.Minute, true},
		{
			"fresh token",
			&Token{AccessToken: "abc", ExpiresAt: time.Now().Add(10 * time.Minute)},
			time.Minute,
			false,
		},
		{
			"inside the margin",
			&Token{AccessToken: "abc", ExpiresAt: time.Now().Add(30 * time.Second)},
			time.Minute,
			true,
		},
		{
			"already expired",
			&Token{AccessToken: "abc", ExpiresAt: time.Now().Add(-time.Minute)},
			time.Minute,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.ExpiringWithin(tt.margin); got != tt.want {
				t.Errorf("ExpiringWithin(%v) = %v, want %v", tt.margin, got, tt.want)
			}
		})
	}
}

func TestLegacyTokenExpiry_JWTExpClaim(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "diku_admin",
		"exp": exp.Unix(),
	})
	raw, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	got := legacyTokenExpiry(raw, 10*time.Minute)
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v from the exp claim", got, exp)
	}
}

func TestLegacyTokenExpiry_Fallback(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"opaque token", "not-a-jwt"},
		{"jwt without exp", mustSign(t, jwt.MapClaims{"sub": "diku_admin"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().Add(10 * time.Minute)
			got := legacyTokenExpiry(tt.raw, 10*time.Minute)
			after := time.Now().Add(10 * time.Minute)
			if got.Before(before) || got.After(after) {
				t.Errorf("expiry = %v, want roughly now+10m", got)
			}
		})
	}
}

func mustSign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}
