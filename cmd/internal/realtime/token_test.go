package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-with-enough-entropy"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "chatline",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestTokenVerifier_NilAcceptsAnything(t *testing.T) {
	t.Parallel()

	v := NewTokenVerifier("  ", "")
	if v != nil {
		t.Fatalf("expected nil verifier for empty secret")
	}
	if err := v.Verify("", 7); err != nil {
		t.Fatalf("nil verifier: %v", err)
	}
}

func TestTokenVerifier_Verify(t *testing.T) {
	t.Parallel()

	v := NewTokenVerifier(testSecret, "chatline")

	expired := validClaims("7")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExp := validClaims("7")
	noExp.ExpiresAt = nil
	otherIssuer := validClaims("7")
	otherIssuer.Issuer = "elsewhere"

	cases := []struct {
		name  string
		token string
		ok    bool
	}{
		{"valid", signToken(t, testSecret, validClaims("7")), true},
		{"missing", "", false},
		{"garbage", "not-a-jwt", false},
		{"wrong subject", signToken(t, testSecret, validClaims("8")), false},
		{"wrong secret", signToken(t, "another-secret", validClaims("7")), false},
		{"expired", signToken(t, testSecret, expired), false},
		{"no expiry", signToken(t, testSecret, noExp), false},
		{"wrong issuer", signToken(t, testSecret, otherIssuer), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(tc.token, 7)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestTokenVerifier_RejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()

	v := NewTokenVerifier(testSecret, "")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims("7")).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Verify(tok, 7); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
